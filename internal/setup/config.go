package setup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var ConfigDir = "/etc/kiln"
var DataDir = "/var/lib/kiln"

// DefaultsFile is the optional host-wide defaults file.
var DefaultsFile = filepath.Join(ConfigDir, "config.yaml")

var requiredCommands = [...]string{"firecracker", "screen", "nft"}

// Verify checks that the host carries everything kiln needs: the
// hypervisor binary, the session multiplexer, the firewall tool, and a
// writable data directory.
func Verify() error {
	for _, command := range requiredCommands {
		if _, err := exec.LookPath(command); err != nil {
			return fmt.Errorf("required command %q not found in PATH", command)
		}
	}
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return nil
}

// EnsureDataDir creates the instance data directory if it does not exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", DataDir, err)
	}
	return nil
}

// ClearData removes every instance directory under DataDir.
func ClearData() error {
	getLogger().Info("clearing instance data", "dir", DataDir)

	entries, err := os.ReadDir(DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read data directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(DataDir, entry.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

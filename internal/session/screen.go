// Package session hosts hypervisor processes inside detachable screen
// sessions and provides keystroke injection into their consoles.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/logging"
)

var runCommand = func(name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Runner manages detached screen sessions.
type Runner struct {
	Logger *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r == nil {
		return slog.Default()
	}
	return logging.Ensure(r.Logger)
}

// StartDetached launches binary with args inside a new detached session,
// logging the session output to logPath, and returns the session pid.
func (r *Runner) StartDetached(name, logPath, binary string, args []string) (int, error) {
	screenArgs := append([]string{"-dmS", name, "-L", "-Logfile", logPath, binary}, args...)
	if _, err := runCommand("screen", screenArgs...); err != nil {
		return 0, fmt.Errorf("start session %s: %w", name, err)
	}

	pid, err := r.Pid(name)
	if err != nil {
		return 0, fmt.Errorf("start session %s: %w", name, err)
	}

	r.logger().Debug("session started", "session", name, "pid", pid)
	return pid, nil
}

// Pid returns the pid of the named session as reported by screen.
func (r *Runner) Pid(name string) (int, error) {
	output, _ := runCommand("screen", "-ls")
	pid, ok := parseSessionPid(string(output), name)
	if !ok {
		return 0, fmt.Errorf("session %s not found", name)
	}
	return pid, nil
}

// parseSessionPid extracts the pid from screen -ls output lines shaped like
// "\t12345.fc_abc123\t(Detached)".
func parseSessionPid(listing, name string) (int, bool) {
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		pidDotName := fields[0]
		dot := strings.IndexByte(pidDotName, '.')
		if dot <= 0 {
			continue
		}
		if pidDotName[dot+1:] != name {
			continue
		}
		pid, err := strconv.Atoi(pidDotName[:dot])
		if err != nil {
			continue
		}
		return pid, true
	}
	return 0, false
}

// Alive reports whether the given pid refers to a live process.
func (r *Runner) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// StartTime returns the process start time, approximated by the creation
// time of its /proc entry.
func (r *Runner) StartTime(pid int) (time.Time, error) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return time.Time{}, fmt.Errorf("stat process %d: %w", pid, err)
	}
	return info.ModTime(), nil
}

// SendKeys injects text into the named session as literal keystrokes.
func (r *Runner) SendKeys(name, text string) error {
	if _, err := runCommand("screen", "-S", name, "-X", "stuff", text); err != nil {
		return fmt.Errorf("send keys to session %s: %w", name, err)
	}
	return nil
}

// Kill terminates the named session. A missing session is not an error.
func (r *Runner) Kill(name string) error {
	if _, err := r.Pid(name); err != nil {
		return nil
	}
	if _, err := runCommand("screen", "-S", name, "-X", "quit"); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	r.logger().Debug("session killed", "session", name)
	return nil
}

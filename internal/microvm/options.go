package microvm

import (
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const minMemSizeMib = 128

// Defaults carries host-wide settings. It is constructed once (built-in or
// from the defaults file) and passed explicitly; there is no ambient global.
type Defaults struct {
	DataDir    string `yaml:"data_dir"`
	BinaryPath string `yaml:"binary_path"`
	KernelPath string `yaml:"kernel_path"`
	RootfsPath string `yaml:"rootfs_path"`
	VCPUCount  int    `yaml:"vcpu_count"`
	MemSizeMib int    `yaml:"mem_size_mib"`
	IPAddress  string `yaml:"ip_address"`
	BridgeName string `yaml:"bridge_name"`
	MMDSIP     string `yaml:"mmds_ip"`
	SSHUser    string `yaml:"ssh_user"`
}

// BuiltinDefaults returns the compiled-in host defaults.
func BuiltinDefaults() Defaults {
	return Defaults{
		DataDir:    "/var/lib/kiln",
		BinaryPath: "firecracker",
		KernelPath: "/var/lib/kiln/vmlinux",
		RootfsPath: "/var/lib/kiln/rootfs.ext4",
		VCPUCount:  1,
		MemSizeMib: 256,
		IPAddress:  "172.16.0.2",
		BridgeName: "br0",
		MMDSIP:     "169.254.169.254",
		SSHUser:    "root",
	}
}

// LoadDefaults reads the defaults file at path, falling back to the
// built-ins when the file does not exist. Fields absent from the file keep
// their built-in values.
func LoadDefaults(path string) (Defaults, error) {
	defaults := BuiltinDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return Defaults{}, fmt.Errorf("read defaults file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return Defaults{}, fmt.Errorf("decode defaults file %s: %w", path, err)
	}
	return defaults, nil
}

// Options is the declarative request for a new microVM. Zero values defer
// to Defaults.
type Options struct {
	Name       string
	Kernel     string
	Rootfs     string
	RootfsURL  string
	VCPU       int
	MemSizeMib int
	IPAddress  string

	Bridge     bool
	BridgeName string

	MMDSEnabled  bool
	MMDSIP       string
	UserData     string
	UserDataFile string

	Labels     map[string]string
	HostPorts  []string
	DestPorts  []string
	WorkingDir string
}

// Config is a fully resolved, validated instance configuration.
type Config struct {
	ID   string
	Name string

	DataDir    string
	BinaryPath string
	Kernel     string
	BaseRootfs string

	VCPU       int
	MemSizeMib int

	IPAddress string
	GatewayIP string
	IfaceName string

	Bridge     bool
	BridgeName string

	MMDSEnabled bool
	MMDSIP      string
	UserData    string

	Labels     map[string]string
	HostPorts  []int
	DestPorts  []int
	WorkingDir string
}

// Dir returns the instance's on-disk root.
func (c Config) Dir() string { return filepath.Join(c.DataDir, c.ID) }

// RootfsDir returns the directory holding the private rootfs copy.
func (c Config) RootfsDir() string { return filepath.Join(c.Dir(), "rootfs") }

// LogDir returns the directory holding hypervisor and session logs.
func (c Config) LogDir() string { return filepath.Join(c.Dir(), "logs") }

// RootfsFile returns the path of the instance's private rootfs copy.
func (c Config) RootfsFile() string {
	return filepath.Join(c.RootfsDir(), filepath.Base(c.BaseRootfs))
}

// SocketPath returns the control socket path.
func (c Config) SocketPath() string { return SocketPath(c.DataDir, c.ID) }

// TapName returns the host tap device name.
func (c Config) TapName() string { return "tap_" + c.ID }

// SessionName returns the screen session name hosting the hypervisor.
func (c Config) SessionName() string { return "fc_" + c.ID }

// Resolve merges opts over defaults, generates the instance identity, and
// validates the result. Invalid fields yield a *ConfigurationError naming
// the field.
func Resolve(opts Options, defaults Defaults) (Config, error) {
	cfg := Config{
		ID:         generateID(),
		DataDir:    defaults.DataDir,
		BinaryPath: defaults.BinaryPath,
		IfaceName:  "eth0",
		Labels:     opts.Labels,
		WorkingDir: opts.WorkingDir,
	}
	if cfg.Labels == nil {
		cfg.Labels = map[string]string{}
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/root"
	}

	cfg.Name = opts.Name
	if cfg.Name == "" {
		cfg.Name = "vm-" + cfg.ID
	}

	cfg.Kernel = opts.Kernel
	if cfg.Kernel == "" {
		cfg.Kernel = defaults.KernelPath
	}

	switch {
	case opts.RootfsURL != "":
		downloaded, err := downloadRootfs(opts.RootfsURL, defaults.DataDir)
		if err != nil {
			return Config{}, err
		}
		cfg.BaseRootfs = downloaded
	case opts.Rootfs != "":
		cfg.BaseRootfs = opts.Rootfs
	default:
		cfg.BaseRootfs = defaults.RootfsPath
	}

	cfg.VCPU = opts.VCPU
	if cfg.VCPU == 0 {
		cfg.VCPU = defaults.VCPUCount
	}
	if cfg.VCPU <= 0 {
		return Config{}, &ConfigurationError{Op: "vcpu", Reason: "must be a positive integer"}
	}

	cfg.MemSizeMib = opts.MemSizeMib
	if cfg.MemSizeMib == 0 {
		cfg.MemSizeMib = defaults.MemSizeMib
	}
	if cfg.MemSizeMib < minMemSizeMib {
		return Config{}, &ConfigurationError{Op: "mem_size_mib", Reason: fmt.Sprintf("must be at least %d MiB", minMemSizeMib)}
	}

	requested := opts.IPAddress
	if requested == "" {
		requested = defaults.IPAddress
	}
	addr, err := netip.ParseAddr(requested)
	if err != nil || !addr.Is4() {
		return Config{}, &ConfigurationError{Op: "ip_address", Reason: fmt.Sprintf("invalid IPv4 address %q", requested)}
	}
	cfg.IPAddress = addr.String()
	cfg.GatewayIP = GatewayFor(addr).String()

	cfg.Bridge = opts.Bridge
	cfg.BridgeName = opts.BridgeName
	if cfg.BridgeName == "" {
		cfg.BridgeName = defaults.BridgeName
	}

	cfg.MMDSEnabled = opts.MMDSEnabled
	cfg.MMDSIP = opts.MMDSIP

	switch {
	case opts.UserDataFile != "":
		data, err := os.ReadFile(opts.UserDataFile)
		if err != nil {
			return Config{}, &ConfigurationError{Op: "user_data_file", Err: err}
		}
		cfg.UserData = string(data)
	case opts.UserData != "":
		cfg.UserData = opts.UserData
	}
	// Supplying user data implies the metadata service.
	if cfg.UserData != "" {
		cfg.MMDSEnabled = true
	}
	if cfg.MMDSEnabled && cfg.MMDSIP == "" {
		cfg.MMDSIP = defaults.MMDSIP
	}

	cfg.HostPorts = ParsePorts(opts.HostPorts...)
	cfg.DestPorts = ParsePorts(opts.DestPorts...)

	return cfg, nil
}

func generateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ParsePorts normalizes port specifications into an ordered list of
// integers. Each value may be a single number or a comma-separated list;
// non-numeric tokens are dropped, not errored.
func ParsePorts(values ...string) []int {
	ports := []int{}
	for _, value := range values {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			port, err := strconv.Atoi(token)
			if err != nil || port < 0 {
				continue
			}
			ports = append(ports, port)
		}
	}
	return ports
}

var httpGet = http.Get

// downloadRootfs streams the image at rawURL into dataDir and returns the
// local path. Only http and https schemes are accepted.
func downloadRootfs(rawURL, dataDir string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", &ConfigurationError{Op: "rootfs_url", Reason: fmt.Sprintf("invalid URL %q", rawURL)}
	}

	resp, err := httpGet(rawURL)
	if err != nil {
		return "", &ConfigurationError{Op: "rootfs_url", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ConfigurationError{Op: "rootfs_url", Reason: fmt.Sprintf("download failed with status %d", resp.StatusCode)}
	}

	filename := path.Base(parsed.Path)
	if filename == "" || filename == "." || filename == "/" {
		return "", &ConfigurationError{Op: "rootfs_url", Reason: fmt.Sprintf("cannot derive filename from %q", rawURL)}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", &ConfigurationError{Op: "rootfs_url", Err: err}
	}
	destination := filepath.Join(dataDir, filename)
	file, err := os.Create(destination)
	if err != nil {
		return "", &ConfigurationError{Op: "rootfs_url", Err: err}
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		os.Remove(destination)
		return "", &ConfigurationError{Op: "rootfs_url", Err: err}
	}
	return destination, nil
}

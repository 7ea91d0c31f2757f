package firecracker

// Wire payloads for the Firecracker control API. Field names follow the
// machine's JSON schema exactly.

type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type MachineConfig struct {
	VCPUCount  int `json:"vcpu_count"`
	MemSizeMib int `json:"mem_size_mib"`
}

type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	GuestMAC    string `json:"guest_mac,omitempty"`
	HostDevName string `json:"host_dev_name"`
}

type MMDSConfig struct {
	Version           string   `json:"version"`
	IPv4Address       string   `json:"ipv4_address"`
	NetworkInterfaces []string `json:"network_interfaces"`
}

type Action struct {
	ActionType string `json:"action_type"`
}

type VMState struct {
	State string `json:"state"`
}

// Supported action and state values.
const (
	ActionInstanceStart = "InstanceStart"

	StatePaused  = "Paused"
	StateResumed = "Resumed"
)

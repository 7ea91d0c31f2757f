// Package microvm implements the lifecycle of Firecracker microVMs: spawning
// and supervising the hypervisor process, configuring it over its control
// socket, allocating guest addresses, and persisting instance records.
package microvm

import (
	"path/filepath"
	"time"
)

// State is the lifecycle state of an instance. Created is transient and
// never persisted; deletion removes the record instead of storing a state.
type State string

const (
	StateCreated State = "Created"
	StateRunning State = "Running"
	StatePaused  State = "Paused"
)

// NetworkConfig describes one guest NIC as seen from the host.
type NetworkConfig struct {
	IPAddress string `json:"ip_address"`
	GatewayIP string `json:"gateway_ip"`
}

// PortBinding is a single host-to-guest TCP forwarding rule.
type PortBinding struct {
	HostPort int `json:"host_port"`
	DestPort int `json:"dest_port"`
}

// Instance is the durable record of a microVM. The on-disk document is the
// single source of truth; in-memory values are disposable views of it.
type Instance struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`

	Rootfs string `json:"rootfs"`
	Kernel string `json:"kernel"`

	// Network maps the tap device name to its configuration. Exactly one
	// entry per instance.
	Network map[string]NetworkConfig `json:"network"`

	// Ports maps "<dest_port>/tcp" to the forwarding rules installed for
	// that guest port.
	Ports map[string][]PortBinding `json:"ports"`

	Labels     map[string]string `json:"labels"`
	WorkingDir string            `json:"working_dir"`
}

// TapName returns the host tap device name for this instance.
func (i Instance) TapName() string {
	return "tap_" + i.ID
}

// SessionName returns the screen session hosting this instance's hypervisor.
func (i Instance) SessionName() string {
	return "fc_" + i.ID
}

// IPAddress returns the instance's guest address, or "" if none is recorded.
func (i Instance) IPAddress() string {
	for _, network := range i.Network {
		return network.IPAddress
	}
	return ""
}

// SocketPath returns the control socket path under the given data directory.
func SocketPath(dataDir, id string) string {
	return filepath.Join(dataDir, id, "firecracker.socket")
}

package microvm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cochaviz/kiln/internal/firecracker"
)

// APIClient is the per-instance control API, spoken over a local socket.
type APIClient interface {
	PutBootSource(ctx context.Context, source firecracker.BootSource) error
	PutDrive(ctx context.Context, drive firecracker.Drive) error
	PutMachineConfig(ctx context.Context, config firecracker.MachineConfig) error
	PutNetworkInterface(ctx context.Context, iface firecracker.NetworkInterface) error
	PutMMDSConfig(ctx context.Context, config firecracker.MMDSConfig) error
	PutMMDSData(ctx context.Context, payload any) error
	CreateAction(ctx context.Context, actionType string) error
	PatchVMState(ctx context.Context, state string) error
	GetVMConfig(ctx context.Context) (json.RawMessage, error)
	Close()
}

// HostNetwork performs host-side networking: tap devices, NAT, and TCP
// port forwarding.
type HostNetwork interface {
	CreateTap(name, gatewayIP string, bridged bool, bridgeName string) error
	DeleteTap(name string) error
	EnableNAT(tapName, hostIface, vmIP string) error
	DisableNAT(tapName string) error
	AddPortForward(hostIP string, hostPort int, destIP string, destPort int) error
	DeletePortForward(hostIP string, hostPort int, destIP string, destPort int) error
	HostIP() (string, error)
	DefaultInterface() (string, error)
}

// SessionRunner hosts hypervisor processes in detachable sessions.
type SessionRunner interface {
	StartDetached(name, logPath, binary string, args []string) (int, error)
	Pid(name string) (int, error)
	Alive(pid int) bool
	StartTime(pid int) (time.Time, error)
	SendKeys(name, text string) error
	Kill(name string) error
}

// ShellDialer opens interactive remote shells into guests.
type ShellDialer interface {
	Shell(ctx context.Context, host, user, keyPath string) error
}

// Registry is the durable store of instance records. Implementations must
// guarantee that readers never observe torn writes. State, port, and
// delete mutations serialize internally; Create relies on the caller
// holding Lock so the name check and the write form one atomic sequence.
type Registry interface {
	// Lock takes the registry-wide advisory lock and returns the release
	// function. Held across read-then-act sequences such as the create
	// flow's name and address checks.
	Lock() (func(), error)

	// Create persists a new record. Concurrent creators serialize by
	// holding Lock across the surrounding read-then-act sequence.
	Create(instance Instance) error
	Get(id string) (Instance, error)
	List() ([]Instance, error)
	Find(state State, labels map[string]string) ([]Instance, error)
	UpdateState(id string, state State) error
	UpdatePorts(id string, ports map[string][]PortBinding) error
	// Delete removes the record and the whole instance tree. Deleting an
	// id with no on-disk trace is a no-op.
	Delete(id string) error
	IPInUse(ip string) (bool, error)
	InstanceDir(id string) string
}

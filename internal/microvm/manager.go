package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"

	"github.com/cochaviz/kiln/internal/firecracker"
	"github.com/cochaviz/kiln/internal/logging"
)

// Result is the outcome of a mutating operation. Expected outcomes such as
// "name already exists" or "not found" are carried here with OK=false; a
// non-nil error from the operation always means an unexpected failure.
type Result struct {
	OK      bool
	Message string
}

func failure(format string, args ...any) Result {
	return Result{Message: fmt.Sprintf(format, args...)}
}

func success(format string, args ...any) Result {
	return Result{OK: true, Message: fmt.Sprintf(format, args...)}
}

// Manager is the lifecycle facade. It composes the registry, host
// networking, session runner, and control-API clients into the public
// operations; no other component mutates instance state.
type Manager struct {
	Defaults Defaults
	Logger   *slog.Logger

	Registry Registry
	Network  HostNetwork
	Sessions SessionRunner
	Shell    ShellDialer
	DialAPI  func(socketPath string) APIClient
}

func (m *Manager) logger() *slog.Logger {
	return logging.Ensure(m.Logger)
}

func (m *Manager) supervisor() *Supervisor {
	return &Supervisor{
		Sessions: m.Sessions,
		DialAPI:  m.DialAPI,
		Logger:   m.logger(),
	}
}

func (m *Manager) configurator() *Configurator {
	return &Configurator{Logger: m.logger()}
}

// Create provisions a new microVM from opts and brings it to Running.
func (m *Manager) Create(ctx context.Context, opts Options) (Result, error) {
	cfg, err := Resolve(opts, m.Defaults)
	if err != nil {
		return Result{}, err
	}
	logger := m.logger().With("id", cfg.ID, "name", cfg.Name)

	// The name check, address scan, and record write are one read-then-act
	// sequence; hold the registry lock across all of it.
	unlock, err := m.Registry.Lock()
	if err != nil {
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}
	defer unlock()

	instances, err := m.Registry.List()
	if err != nil {
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}
	for _, instance := range instances {
		if instance.Name == cfg.Name {
			return failure("microVM with name %s already exists", cfg.Name), nil
		}
	}

	supervisor := m.supervisor()
	api, pid, err := supervisor.Spawn(ctx, cfg)
	if err != nil {
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}
	defer api.Close()

	rollback := func() {
		if err := supervisor.Cleanup(cfg); err != nil {
			logger.Error("rollback cleanup failed", "error", err)
		}
		if err := m.Network.DisableNAT(cfg.TapName()); err != nil {
			logger.Error("rollback NAT removal failed", "error", err)
		}
		if err := m.Network.DeleteTap(cfg.TapName()); err != nil {
			logger.Error("rollback tap removal failed", "error", err)
		}
	}

	requested, err := netip.ParseAddr(cfg.IPAddress)
	if err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}
	resolved, remapped, err := FindAvailableIP(requested, activeIPs(instances))
	if err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}
	if remapped {
		logger.Info("requested address in use, remapped", "requested", cfg.IPAddress, "assigned", resolved.String())
		cfg.IPAddress = resolved.String()
		cfg.GatewayIP = GatewayFor(resolved).String()
	}

	if err := m.Network.CreateTap(cfg.TapName(), cfg.GatewayIP, cfg.Bridge, cfg.BridgeName); err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}

	if err := m.configurator().Apply(ctx, api, cfg); err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}

	if iface, err := m.Network.DefaultInterface(); err == nil {
		if err := m.Network.EnableNAT(cfg.TapName(), iface, cfg.IPAddress); err != nil {
			logger.Warn("could not enable NAT for guest", "error", err)
		}
	} else {
		logger.Warn("no default interface, skipping NAT", "error", err)
	}

	if err := api.CreateAction(ctx, firecracker.ActionInstanceStart); err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}

	// Port forwarding is best-effort: a failed rule never fails the create.
	ports := map[string][]PortBinding{}
	if len(cfg.HostPorts) > 0 && len(cfg.HostPorts) == len(cfg.DestPorts) {
		if err := m.applyPortRules(cfg.HostPorts, cfg.DestPorts, cfg.IPAddress, false); err != nil {
			logger.Warn("port forwarding setup failed", "error", err)
		}
		for i := range cfg.HostPorts {
			key := fmt.Sprintf("%d/tcp", cfg.DestPorts[i])
			ports[key] = append(ports[key], PortBinding{HostPort: cfg.HostPorts[i], DestPort: cfg.DestPorts[i]})
		}
	} else if len(cfg.HostPorts) != len(cfg.DestPorts) {
		logger.Warn("host and destination port counts differ, skipping forwarding",
			"host_ports", len(cfg.HostPorts), "dest_ports", len(cfg.DestPorts))
	}

	if !m.Sessions.Alive(pid) {
		logger.Info("hypervisor died after start, rolling back")
		rollback()
		return failure("microVM %s failed to create", cfg.ID), nil
	}

	createdAt, err := m.Sessions.StartTime(pid)
	if err != nil {
		logger.Debug("could not read process start time", "error", err)
	}

	instance := Instance{
		ID:        cfg.ID,
		Name:      cfg.Name,
		State:     StateRunning,
		PID:       pid,
		CreatedAt: createdAt,
		Rootfs:    cfg.RootfsFile(),
		Kernel:    cfg.Kernel,
		Network: map[string]NetworkConfig{
			cfg.TapName(): {IPAddress: cfg.IPAddress, GatewayIP: cfg.GatewayIP},
		},
		Ports:      ports,
		Labels:     cfg.Labels,
		WorkingDir: cfg.WorkingDir,
	}
	if err := m.Registry.Create(instance); err != nil {
		rollback()
		return Result{}, &VMMError{Op: "create", ID: cfg.ID, Err: err}
	}

	logger.Info("microVM created", "ip", cfg.IPAddress, "pid", pid)
	return success("microVM %s created successfully", cfg.ID), nil
}

// Pause suspends a running instance. Pausing an already paused instance is
// idempotent in effect.
func (m *Manager) Pause(ctx context.Context, id string) (Result, error) {
	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "pause", ID: id, Err: err}
	}

	api := m.DialAPI(SocketPath(m.Defaults.DataDir, instance.ID))
	defer api.Close()
	if err := api.PatchVMState(ctx, firecracker.StatePaused); err != nil {
		return Result{}, &VMMError{Op: "pause", ID: id, Err: err}
	}
	if err := m.Registry.UpdateState(id, StatePaused); err != nil {
		return Result{}, &VMMError{Op: "pause", ID: id, Err: err}
	}
	return success("microVM %s paused successfully", id), nil
}

// Resume returns a paused instance to Running.
func (m *Manager) Resume(ctx context.Context, id string) (Result, error) {
	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "resume", ID: id, Err: err}
	}

	api := m.DialAPI(SocketPath(m.Defaults.DataDir, instance.ID))
	defer api.Close()
	if err := api.PatchVMState(ctx, firecracker.StateResumed); err != nil {
		return Result{}, &VMMError{Op: "resume", ID: id, Err: err}
	}
	if err := m.Registry.UpdateState(id, StateRunning); err != nil {
		return Result{}, &VMMError{Op: "resume", ID: id, Err: err}
	}
	return success("microVM %s resumed successfully", id), nil
}

// Delete tears down one instance: its forwarding rules, NAT, tap device,
// session, and on-disk tree. Deleting an unknown id is reported, not fatal.
func (m *Manager) Delete(ctx context.Context, id string) (Result, error) {
	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "delete", ID: id, Err: err}
	}

	if err := m.deleteInstance(instance); err != nil {
		return Result{}, &VMMError{Op: "delete", ID: id, Err: err}
	}
	return success("microVM %s deleted successfully", id), nil
}

// DeleteAll tears down every known instance, best-effort: one instance's
// failure does not abort the rest, and the joined errors are returned.
func (m *Manager) DeleteAll(ctx context.Context) (Result, error) {
	instances, err := m.Registry.List()
	if err != nil {
		return Result{}, &VMMError{Op: "delete", Err: err}
	}
	if len(instances) == 0 {
		return failure("no microVMs available to delete"), nil
	}

	var errs []error
	deleted := 0
	for _, instance := range instances {
		if err := m.deleteInstance(instance); err != nil {
			m.logger().Error("delete failed", "id", instance.ID, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", instance.ID, err))
			continue
		}
		deleted++
	}
	if len(errs) > 0 {
		return failure("deleted %d of %d microVMs", deleted, len(instances)), errors.Join(errs...)
	}
	return success("all microVMs deleted successfully"), nil
}

func (m *Manager) deleteInstance(instance Instance) error {
	logger := m.logger().With("id", instance.ID)

	// Forwarding rules reference the persisted ports map; remove them
	// before the address disappears. Failures are logged, not fatal.
	if len(instance.Ports) > 0 {
		if hostIP, err := m.Network.HostIP(); err == nil {
			destIP := instance.IPAddress()
			for _, bindings := range instance.Ports {
				for _, binding := range bindings {
					if err := m.Network.DeletePortForward(hostIP, binding.HostPort, destIP, binding.DestPort); err != nil {
						logger.Warn("could not remove port forward", "error", err)
					}
				}
			}
		}
	}

	if err := m.Network.DisableNAT(instance.TapName()); err != nil {
		logger.Warn("could not remove NAT rule", "error", err)
	}
	if err := m.Network.DeleteTap(instance.TapName()); err != nil {
		return err
	}
	if err := m.Sessions.Kill(instance.SessionName()); err != nil {
		return err
	}
	if err := m.Registry.Delete(instance.ID); err != nil {
		return err
	}
	logger.Info("microVM deleted")
	return nil
}

// PortForward installs or removes one TCP forwarding rule per port pair
// and records the change. Mismatched list lengths are a validation error;
// nothing is applied.
func (m *Manager) PortForward(ctx context.Context, id string, hostPorts, destPorts []int, remove bool) (Result, error) {
	if len(hostPorts) == 0 || len(destPorts) == 0 {
		return Result{}, &ConfigurationError{Op: "port_forward", Reason: "both host and destination ports are required"}
	}
	if len(hostPorts) != len(destPorts) {
		return Result{}, &ConfigurationError{Op: "port_forward", Reason: fmt.Sprintf(
			"host port count (%d) must match destination port count (%d)", len(hostPorts), len(destPorts))}
	}

	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "port_forward", ID: id, Err: err}
	}

	destIP := instance.IPAddress()
	if destIP == "" {
		return Result{}, &VMMError{Op: "port_forward", ID: id, Err: errors.New("instance has no recorded address")}
	}

	if err := m.applyPortRules(hostPorts, destPorts, destIP, remove); err != nil {
		return Result{}, &VMMError{Op: "port_forward", ID: id, Err: err}
	}

	ports := instance.Ports
	if ports == nil {
		ports = map[string][]PortBinding{}
	}
	for i := range hostPorts {
		key := fmt.Sprintf("%d/tcp", destPorts[i])
		binding := PortBinding{HostPort: hostPorts[i], DestPort: destPorts[i]}
		if remove {
			ports[key] = removeBinding(ports[key], binding)
			if len(ports[key]) == 0 {
				delete(ports, key)
			}
		} else {
			ports[key] = append(ports[key], binding)
		}
	}
	if err := m.Registry.UpdatePorts(id, ports); err != nil {
		return Result{}, &VMMError{Op: "port_forward", ID: id, Err: err}
	}

	direction := "added"
	if remove {
		direction = "removed"
	}
	return success("port forwarding %s successfully", direction), nil
}

func (m *Manager) applyPortRules(hostPorts, destPorts []int, destIP string, remove bool) error {
	hostIP, err := m.Network.HostIP()
	if err != nil {
		return err
	}
	for i := range hostPorts {
		if remove {
			err = m.Network.DeletePortForward(hostIP, hostPorts[i], destIP, destPorts[i])
		} else {
			err = m.Network.AddPortForward(hostIP, hostPorts[i], destIP, destPorts[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func removeBinding(bindings []PortBinding, target PortBinding) []PortBinding {
	kept := bindings[:0]
	for _, binding := range bindings {
		if binding != target {
			kept = append(kept, binding)
		}
	}
	return kept
}

// Connect opens an interactive SSH shell into the instance.
func (m *Manager) Connect(ctx context.Context, id, user, keyPath string) (Result, error) {
	if keyPath == "" {
		return failure("SSH key path is required"), nil
	}
	if _, err := os.Stat(keyPath); err != nil {
		return failure("SSH key file not found: %s", keyPath), nil
	}

	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "connect", ID: id, Err: err}
	}

	address := instance.IPAddress()
	if address == "" {
		return Result{}, &VMMError{Op: "connect", ID: id, Err: errors.New("instance has no recorded address")}
	}
	if user == "" {
		user = m.Defaults.SSHUser
	}

	if err := m.Shell.Shell(ctx, address, user, keyPath); err != nil {
		return Result{}, &VMMError{Op: "connect", ID: id, Err: err}
	}
	return success("SSH session to microVM %s closed", id), nil
}

// ExecuteInVM injects commands into the hypervisor's console session as
// literal keystrokes. Useful when the guest has no shell access yet.
func (m *Manager) ExecuteInVM(ctx context.Context, id string, commands []string) (Result, error) {
	if len(commands) == 0 {
		return failure("no commands provided"), nil
	}

	instance, err := m.Registry.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure("microVM with ID %s not found", id), nil
		}
		return Result{}, &VMMError{Op: "execute", ID: id, Err: err}
	}

	keystrokes := strings.Join(commands, "\n") + "\n"
	if err := m.Sessions.SendKeys(instance.SessionName(), keystrokes); err != nil {
		return Result{}, &VMMError{Op: "execute", ID: id, Err: err}
	}
	return success("executed %d commands in microVM %s", len(commands), id), nil
}

// Status returns a human-readable state line for the instance.
func (m *Manager) Status(id string) (string, error) {
	instance, err := m.Registry.Get(id)
	if err != nil {
		return "", err
	}
	switch instance.State {
	case StatePaused:
		return fmt.Sprintf("microVM %s is paused", id), nil
	default:
		return fmt.Sprintf("microVM %s is running", id), nil
	}
}

// Inspect returns the persisted record for the instance.
func (m *Manager) Inspect(id string) (Instance, error) {
	return m.Registry.Get(id)
}

// List returns every known instance record.
func (m *Manager) List() ([]Instance, error) {
	return m.Registry.List()
}

// Find returns the instances matching the state and all given labels.
func (m *Manager) Find(state State, labels map[string]string) ([]Instance, error) {
	return m.Registry.Find(state, labels)
}

// DescribeConfig queries the live machine configuration over the control
// socket.
func (m *Manager) DescribeConfig(ctx context.Context, id string) (json.RawMessage, error) {
	instance, err := m.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	api := m.DialAPI(SocketPath(m.Defaults.DataDir, instance.ID))
	defer api.Close()
	return api.GetVMConfig(ctx)
}

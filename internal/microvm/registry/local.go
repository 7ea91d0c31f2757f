// Package registry persists microVM instance records as JSON documents,
// one directory per instance under the data directory.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/microvm"
)

const documentName = "config.json"

// Local stores instance records under BaseDir. UpdateState, UpdatePorts,
// and Delete serialize behind the advisory flock themselves; Create runs
// under the caller-held Lock so its name check and write form one atomic
// sequence. Documents are replaced atomically so readers never observe
// torn writes.
type Local struct {
	BaseDir string
	Logger  *slog.Logger
}

// NewLocal returns a registry rooted at baseDir.
func NewLocal(baseDir string, logger *slog.Logger) *Local {
	return &Local{BaseDir: baseDir, Logger: logging.Ensure(logger)}
}

// Lock takes the registry-wide advisory lock, blocking until available,
// and returns the release function.
func (r *Local) Lock() (func(), error) {
	if err := os.MkdirAll(r.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(filepath.Join(r.BaseDir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open registry lock: %w", err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("acquire registry lock: %w", err)
	}
	return func() {
		unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)
		lockFile.Close()
	}, nil
}

// InstanceDir returns the on-disk root of the given instance.
func (r *Local) InstanceDir(id string) string {
	return filepath.Join(r.BaseDir, id)
}

func (r *Local) documentPath(id string) string {
	return filepath.Join(r.InstanceDir(id), documentName)
}

// Create persists a new record. It fails with ErrNameInUse when an active
// instance already holds the name.
func (r *Local) Create(instance microvm.Instance) error {
	if instance.ID == "" {
		return errors.New("instance id is required")
	}

	existing, err := r.List()
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.Name == instance.Name && other.ID != instance.ID {
			return fmt.Errorf("name %q: %w", instance.Name, microvm.ErrNameInUse)
		}
	}

	if err := os.MkdirAll(r.InstanceDir(instance.ID), 0o755); err != nil {
		return fmt.Errorf("create instance directory: %w", err)
	}
	return r.writeDocument(instance)
}

// Get returns the record for id, or ErrNotFound.
func (r *Local) Get(id string) (microvm.Instance, error) {
	data, err := os.ReadFile(r.documentPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return microvm.Instance{}, fmt.Errorf("%s: %w", id, microvm.ErrNotFound)
		}
		return microvm.Instance{}, fmt.Errorf("read instance %s: %w", id, err)
	}

	var instance microvm.Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return microvm.Instance{}, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return instance, nil
}

// List returns every persisted record. Directories without a document
// (partially deleted instances) are skipped.
func (r *Local) List() ([]microvm.Instance, error) {
	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry directory: %w", err)
	}

	var instances []microvm.Instance
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		instance, err := r.Get(entry.Name())
		if err != nil {
			if errors.Is(err, microvm.ErrNotFound) {
				continue
			}
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Find returns the instances in the given state carrying all the given
// labels. The state match is case-insensitive so "running" finds records
// stored as "Running".
func (r *Local) Find(state microvm.State, labels map[string]string) ([]microvm.Instance, error) {
	instances, err := r.List()
	if err != nil {
		return nil, err
	}

	var matched []microvm.Instance
	for _, instance := range instances {
		if state != "" && !strings.EqualFold(string(instance.State), string(state)) {
			continue
		}
		if !hasLabels(instance.Labels, labels) {
			continue
		}
		matched = append(matched, instance)
	}
	return matched, nil
}

func hasLabels(have, want map[string]string) bool {
	for key, value := range want {
		if have[key] != value {
			return false
		}
	}
	return true
}

// UpdateState rewrites the record with the new state.
func (r *Local) UpdateState(id string, state microvm.State) error {
	return r.mutate(id, func(instance *microvm.Instance) {
		instance.State = state
	})
}

// UpdatePorts rewrites the record with the new ports map.
func (r *Local) UpdatePorts(id string, ports map[string][]microvm.PortBinding) error {
	return r.mutate(id, func(instance *microvm.Instance) {
		instance.Ports = ports
	})
}

func (r *Local) mutate(id string, apply func(*microvm.Instance)) error {
	unlock, err := r.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	instance, err := r.Get(id)
	if err != nil {
		return err
	}
	apply(&instance)
	return r.writeDocument(instance)
}

// Delete removes the instance's whole on-disk tree. A missing tree is a
// no-op.
func (r *Local) Delete(id string) error {
	if id == "" {
		return errors.New("instance id is required")
	}
	unlock, err := r.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.RemoveAll(r.InstanceDir(id)); err != nil {
		return fmt.Errorf("remove instance %s: %w", id, err)
	}
	r.Logger.Debug("instance record removed", "id", id)
	return nil
}

// IPInUse reports whether any persisted record claims the address.
func (r *Local) IPInUse(ip string) (bool, error) {
	instances, err := r.List()
	if err != nil {
		return false, err
	}
	for _, instance := range instances {
		for _, network := range instance.Network {
			if network.IPAddress == ip {
				return true, nil
			}
		}
	}
	return false, nil
}

// writeDocument replaces the record atomically: readers see either the old
// or the new document, never a partial one.
func (r *Local) writeDocument(instance microvm.Instance) error {
	payload, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", instance.ID, err)
	}

	target := r.documentPath(instance.ID)
	temp, err := os.CreateTemp(r.InstanceDir(instance.ID), documentName+".*")
	if err != nil {
		return fmt.Errorf("stage instance document: %w", err)
	}
	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return fmt.Errorf("write instance document: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return fmt.Errorf("write instance document: %w", err)
	}
	if err := os.Rename(temp.Name(), target); err != nil {
		os.Remove(temp.Name())
		return fmt.Errorf("replace instance document: %w", err)
	}
	return nil
}

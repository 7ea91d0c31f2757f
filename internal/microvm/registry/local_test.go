package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cochaviz/kiln/internal/microvm"
)

func newTestInstance(id, name, ip string) microvm.Instance {
	return microvm.Instance{
		ID:        id,
		Name:      name,
		State:     microvm.StateRunning,
		PID:       1234,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
		Rootfs:    "/var/lib/kiln/" + id + "/rootfs/rootfs.ext4",
		Kernel:    "/var/lib/kiln/vmlinux",
		Network: map[string]microvm.NetworkConfig{
			"tap_" + id: {IPAddress: ip, GatewayIP: "172.16.0.1"},
		},
		Ports:      map[string][]microvm.PortBinding{},
		Labels:     map[string]string{"env": "test"},
		WorkingDir: "/root",
	}
}

func TestLocalCreateAndGet(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	want := newTestInstance("aaaa1111", "web", "172.16.0.2")

	if err := r.Create(want); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := r.Get(want.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != want.Name || got.State != want.State || got.PID != want.PID {
		t.Fatalf("Get() = %+v, want %+v", got, want)
	}
	if got.Network["tap_aaaa1111"].IPAddress != "172.16.0.2" {
		t.Fatalf("network = %+v", got.Network)
	}
}

func TestLocalGetUnknownID(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	_, err := r.Get("missing")
	if !errors.Is(err, microvm.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestLocalCreateDuplicateName(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	if err := r.Create(newTestInstance("aaaa1111", "web", "172.16.0.2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := r.Create(newTestInstance("bbbb2222", "web", "172.16.0.3"))
	if !errors.Is(err, microvm.ErrNameInUse) {
		t.Fatalf("Create() error = %v, want ErrNameInUse", err)
	}

	// The failed create must not leave a second record behind.
	instances, listErr := r.List()
	if listErr != nil {
		t.Fatalf("List() error = %v", listErr)
	}
	if len(instances) != 1 {
		t.Fatalf("List() returned %d instances, want 1", len(instances))
	}
}

func TestLocalUpdateState(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	instance := newTestInstance("aaaa1111", "web", "172.16.0.2")
	if err := r.Create(instance); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.UpdateState(instance.ID, microvm.StatePaused); err != nil {
		t.Fatalf("UpdateState() error = %v", err)
	}
	got, err := r.Get(instance.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != microvm.StatePaused {
		t.Fatalf("state = %s, want %s", got.State, microvm.StatePaused)
	}

	if err := r.UpdateState("missing", microvm.StatePaused); !errors.Is(err, microvm.ErrNotFound) {
		t.Fatalf("UpdateState(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLocalDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	instance := newTestInstance("aaaa1111", "web", "172.16.0.2")
	if err := r.Create(instance); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := r.Delete(instance.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(r.InstanceDir(instance.ID)); !os.IsNotExist(err) {
		t.Fatalf("instance directory still present after delete")
	}

	// A second delete of the same id is a no-op.
	if err := r.Delete(instance.ID); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

func TestLocalFindByStateAndLabels(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)

	running := newTestInstance("aaaa1111", "web", "172.16.0.2")
	running.Labels = map[string]string{"env": "prod", "tier": "web"}

	paused := newTestInstance("bbbb2222", "worker", "172.16.0.3")
	paused.State = microvm.StatePaused
	paused.Labels = map[string]string{"env": "prod"}

	for _, instance := range []microvm.Instance{running, paused} {
		if err := r.Create(instance); err != nil {
			t.Fatalf("Create(%s) error = %v", instance.ID, err)
		}
	}

	got, err := r.Find(microvm.StateRunning, map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "aaaa1111" {
		t.Fatalf("Find() = %+v, want the running instance only", got)
	}

	got, err = r.Find("", map[string]string{"env": "prod"})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Find() with empty state returned %d instances, want 2", len(got))
	}
}

func TestLocalFindStateIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	if err := r.Create(newTestInstance("aaaa1111", "web", "172.16.0.2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// CLI users type lowercase states; records store "Running".
	for _, state := range []microvm.State{"running", "Running", "RUNNING"} {
		got, err := r.Find(state, nil)
		if err != nil {
			t.Fatalf("Find(%q) error = %v", state, err)
		}
		if len(got) != 1 {
			t.Fatalf("Find(%q) = %d instances, want 1", state, len(got))
		}
	}

	got, err := r.Find("paused", nil)
	if err != nil {
		t.Fatalf("Find(paused) error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Find(paused) = %d instances, want 0", len(got))
	}
}

func TestLocalIPInUse(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	if err := r.Create(newTestInstance("aaaa1111", "web", "172.16.0.2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	used, err := r.IPInUse("172.16.0.2")
	if err != nil {
		t.Fatalf("IPInUse() error = %v", err)
	}
	if !used {
		t.Fatal("IPInUse(172.16.0.2) = false, want true")
	}

	used, err = r.IPInUse("172.16.0.9")
	if err != nil {
		t.Fatalf("IPInUse() error = %v", err)
	}
	if used {
		t.Fatal("IPInUse(172.16.0.9) = true, want false")
	}
}

func TestLocalConcurrentStateUpdates(t *testing.T) {
	t.Parallel()

	r := NewLocal(t.TempDir(), nil)
	instance := newTestInstance("aaaa1111", "web", "172.16.0.2")
	if err := r.Create(instance); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		state := microvm.StateRunning
		if i%2 == 0 {
			state = microvm.StatePaused
		}
		go func(state microvm.State) {
			defer wg.Done()
			if err := r.UpdateState(instance.ID, state); err != nil {
				t.Errorf("UpdateState() error = %v", err)
			}
		}(state)
	}
	wg.Wait()

	// Whatever the interleaving, the document must decode cleanly.
	got, err := r.Get(instance.ID)
	if err != nil {
		t.Fatalf("Get() after concurrent updates error = %v", err)
	}
	if got.State != microvm.StateRunning && got.State != microvm.StatePaused {
		t.Fatalf("state = %q after concurrent updates", got.State)
	}
}

func TestLocalListSkipsPartialDirectories(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()
	r := NewLocal(baseDir, nil)
	if err := r.Create(newTestInstance("aaaa1111", "web", "172.16.0.2")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// A directory without a document, as left by an interrupted delete.
	if err := os.MkdirAll(filepath.Join(baseDir, "cccc3333"), 0o755); err != nil {
		t.Fatal(err)
	}

	instances, err := r.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("List() = %d instances, want 1", len(instances))
	}
}

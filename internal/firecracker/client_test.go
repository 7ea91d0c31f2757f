package firecracker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
)

// startSocketServer serves the given handler on a unix socket and returns
// the socket path.
func startSocketServer(t *testing.T, handler http.Handler) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "firecracker.socket")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on %s: %v", socketPath, err)
	}

	server := &http.Server{Handler: handler}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return socketPath
}

func TestClientPutBootSource(t *testing.T) {
	t.Parallel()

	var got BootSource
	socketPath := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/boot-source" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	client := Dial(socketPath)
	defer client.Close()

	want := BootSource{
		KernelImagePath: "/var/lib/kiln/vmlinux",
		BootArgs:        "console=ttyS0 reboot=k panic=1",
	}
	if err := client.PutBootSource(context.Background(), want); err != nil {
		t.Fatalf("PutBootSource() error = %v", err)
	}
	if got != want {
		t.Fatalf("server received %+v, want %+v", got, want)
	}
}

func TestClientDrivePath(t *testing.T) {
	t.Parallel()

	var gotPath string
	socketPath := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))

	client := Dial(socketPath)
	defer client.Close()

	drive := Drive{DriveID: "rootfs", PathOnHost: "/tmp/rootfs.ext4", IsRootDevice: true}
	if err := client.PutDrive(context.Background(), drive); err != nil {
		t.Fatalf("PutDrive() error = %v", err)
	}
	if gotPath != "/drives/rootfs" {
		t.Fatalf("request path = %q, want %q", gotPath, "/drives/rootfs")
	}
}

func TestClientSurfacesStatusErrors(t *testing.T) {
	t.Parallel()

	socketPath := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"fault_message":"bad vcpu count"}`, http.StatusBadRequest)
	}))

	client := Dial(socketPath)
	defer client.Close()

	err := client.PutMachineConfig(context.Background(), MachineConfig{VCPUCount: 0})
	if err == nil {
		t.Fatal("PutMachineConfig() error = nil, want non-nil")
	}
	for _, fragment := range []string{"PUT /machine-config", "status 400", "bad vcpu count"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %q", err, fragment)
		}
	}
}

func TestClientTransportErrorNamesMethod(t *testing.T) {
	t.Parallel()

	client := Dial(filepath.Join(t.TempDir(), "missing.socket"))
	defer client.Close()

	err := client.CreateAction(context.Background(), ActionInstanceStart)
	if err == nil {
		t.Fatal("CreateAction() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "PUT /actions") {
		t.Errorf("error %q does not name the method", err)
	}
}

func TestClientGetVMConfig(t *testing.T) {
	t.Parallel()

	socketPath := startSocketServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/vm/config" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"machine-config":{"vcpu_count":2}}`))
	}))

	client := Dial(socketPath)
	defer client.Close()

	raw, err := client.GetVMConfig(context.Background())
	if err != nil {
		t.Fatalf("GetVMConfig() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if _, ok := decoded["machine-config"]; !ok {
		t.Fatalf("response %s missing machine-config", raw)
	}
}

package microvm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// stubSessions controls whether the hypervisor "process" appears alive and
// whether its control socket ever shows up.
type stubSessions struct {
	createSocket bool
	alive        bool
	startErr     error

	started []string
	killed  []string
}

func (s *stubSessions) StartDetached(name, logPath, binary string, args []string) (int, error) {
	if s.startErr != nil {
		return 0, s.startErr
	}
	s.started = append(s.started, name)
	if s.createSocket {
		for i := 0; i < len(args)-1; i++ {
			if args[i] == "--api-sock" {
				if err := os.WriteFile(args[i+1], nil, 0o644); err != nil {
					return 0, err
				}
			}
		}
	}
	return 999, nil
}

func (s *stubSessions) Pid(name string) (int, error) { return 999, nil }

func (s *stubSessions) Alive(pid int) bool { return s.alive }

func (s *stubSessions) StartTime(pid int) (time.Time, error) { return time.Time{}, nil }

func (s *stubSessions) SendKeys(name, text string) error { return nil }

func (s *stubSessions) Kill(name string) error {
	s.killed = append(s.killed, name)
	return nil
}

func supervisorConfig(t *testing.T) Config {
	t.Helper()

	dataDir := t.TempDir()
	rootfs := filepath.Join(dataDir, "rootfs.ext4")
	if err := os.WriteFile(rootfs, []byte("rootfs"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Config{
		ID:         "ab12cd34",
		Name:       "vm-ab12cd34",
		DataDir:    dataDir,
		BinaryPath: "firecracker",
		BaseRootfs: rootfs,
	}
}

func TestSupervisorSpawn(t *testing.T) {
	t.Parallel()

	cfg := supervisorConfig(t)
	sessions := &stubSessions{createSocket: true, alive: true}
	s := &Supervisor{
		Sessions: sessions,
		DialAPI:  func(string) APIClient { return &recordingAPI{} },
	}

	api, pid, err := s.Spawn(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer api.Close()
	if pid != 999 {
		t.Fatalf("pid = %d, want 999", pid)
	}

	if len(sessions.started) != 1 || sessions.started[0] != cfg.SessionName() {
		t.Fatalf("started sessions = %v", sessions.started)
	}
	if _, err := os.Stat(cfg.RootfsFile()); err != nil {
		t.Fatalf("private rootfs copy missing: %v", err)
	}
	for _, logFile := range []string{
		filepath.Join(cfg.LogDir(), cfg.ID+".log"),
		filepath.Join(cfg.LogDir(), cfg.ID+"_screen.log"),
	} {
		if _, err := os.Stat(logFile); err != nil {
			t.Fatalf("log file %s missing: %v", logFile, err)
		}
	}
}

func TestSupervisorSpawnProcessDiesEarly(t *testing.T) {
	t.Parallel()

	cfg := supervisorConfig(t)
	sessions := &stubSessions{createSocket: true, alive: false}
	s := &Supervisor{
		Sessions: sessions,
		DialAPI:  func(string) APIClient { return &recordingAPI{} },
	}

	_, _, err := s.Spawn(context.Background(), cfg)
	var processErr *ProcessError
	if !errors.As(err, &processErr) {
		t.Fatalf("Spawn() error = %v, want *ProcessError", err)
	}

	// A dead process leaves nothing behind.
	if _, err := os.Stat(cfg.Dir()); !os.IsNotExist(err) {
		t.Fatal("instance directory survived failed spawn")
	}
	if len(sessions.killed) == 0 {
		t.Fatal("failed spawn did not kill the session")
	}
}

func TestSupervisorSpawnSocketNeverAppears(t *testing.T) {
	t.Parallel()

	cfg := supervisorConfig(t)
	sessions := &stubSessions{createSocket: false, alive: true}
	s := &Supervisor{
		Sessions: sessions,
		DialAPI:  func(string) APIClient { return &recordingAPI{} },
	}

	_, _, err := s.Spawn(context.Background(), cfg)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Spawn() error = %v, want *APIError", err)
	}
	if apiErr.Attempts != socketWaitAttempts {
		t.Fatalf("APIError.Attempts = %d, want %d", apiErr.Attempts, socketWaitAttempts)
	}
	if _, err := os.Stat(cfg.Dir()); !os.IsNotExist(err) {
		t.Fatal("instance directory survived failed spawn")
	}
}

func TestSupervisorSpawnMissingBaseRootfs(t *testing.T) {
	t.Parallel()

	cfg := supervisorConfig(t)
	cfg.BaseRootfs = filepath.Join(cfg.DataDir, "missing.ext4")
	sessions := &stubSessions{createSocket: true, alive: true}
	s := &Supervisor{
		Sessions: sessions,
		DialAPI:  func(string) APIClient { return &recordingAPI{} },
	}

	_, _, err := s.Spawn(context.Background(), cfg)
	if err == nil {
		t.Fatal("Spawn() error = nil, want missing rootfs failure")
	}
	if len(sessions.started) != 0 {
		t.Fatal("session started despite missing base rootfs")
	}
}

func TestSupervisorCleanupJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := supervisorConfig(t)
	killErr := errors.New("no such session")
	s := &Supervisor{
		Sessions: &failingKillSessions{err: killErr},
	}

	if err := s.Cleanup(cfg); !errors.Is(err, killErr) {
		t.Fatalf("Cleanup() error = %v, want %v", err, killErr)
	}
}

type failingKillSessions struct {
	stubSessions
	err error
}

func (s *failingKillSessions) Kill(name string) error { return s.err }

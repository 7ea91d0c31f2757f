package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/kiln/internal/logging"
)

const (
	socketWaitAttempts = 3
	socketWaitInterval = 500 * time.Millisecond
)

// Supervisor provisions the hypervisor process for one instance: on-disk
// layout, private rootfs copy, detached session, and the wait for the
// control socket. Any failure rolls back everything created for the id.
type Supervisor struct {
	Sessions SessionRunner
	DialAPI  func(socketPath string) APIClient
	Logger   *slog.Logger
}

func (s *Supervisor) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

// Spawn starts the hypervisor for cfg and returns a client bound to its
// control socket along with the session pid.
func (s *Supervisor) Spawn(ctx context.Context, cfg Config) (APIClient, int, error) {
	api, pid, err := s.spawn(ctx, cfg)
	if err != nil {
		if cleanupErr := s.Cleanup(cfg); cleanupErr != nil {
			s.logger().Error("cleanup after failed spawn", "id", cfg.ID, "error", cleanupErr)
		}
		return nil, 0, err
	}
	return api, pid, nil
}

func (s *Supervisor) spawn(ctx context.Context, cfg Config) (APIClient, int, error) {
	for _, dir := range []string{cfg.Dir(), cfg.RootfsDir(), cfg.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, 0, fmt.Errorf("create instance directory %s: %w", dir, err)
		}
	}

	// The private copy must exist before the boot source is configured;
	// base images are never booted directly.
	if err := copyFile(cfg.BaseRootfs, cfg.RootfsFile()); err != nil {
		return nil, 0, fmt.Errorf("copy base rootfs: %w", err)
	}
	s.logger().Debug("rootfs copied", "id", cfg.ID, "from", cfg.BaseRootfs, "to", cfg.RootfsFile())

	hypervisorLog := filepath.Join(cfg.LogDir(), cfg.ID+".log")
	sessionLog := filepath.Join(cfg.LogDir(), cfg.ID+"_screen.log")
	for _, logFile := range []string{hypervisorLog, sessionLog} {
		if err := touchFile(logFile); err != nil {
			return nil, 0, err
		}
	}

	args := []string{
		"--api-sock", cfg.SocketPath(),
		"--id", cfg.ID,
		"--log-path", hypervisorLog,
	}
	pid, err := s.Sessions.StartDetached(cfg.SessionName(), sessionLog, cfg.BinaryPath, args)
	if err != nil {
		return nil, 0, &ProcessError{ID: cfg.ID, Err: err}
	}

	err = poll(ctx, socketWaitAttempts, socketWaitInterval, func() (bool, error) {
		if !s.Sessions.Alive(pid) {
			return false, &ProcessError{ID: cfg.ID}
		}
		if _, err := os.Stat(cfg.SocketPath()); err == nil {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, ErrRetriesExhausted) {
			return nil, 0, &APIError{ID: cfg.ID, Attempts: socketWaitAttempts}
		}
		return nil, 0, err
	}

	return s.DialAPI(cfg.SocketPath()), pid, nil
}

// Cleanup removes every resource spawn may have created for cfg: the
// session and the instance tree.
func (s *Supervisor) Cleanup(cfg Config) error {
	var errs []error
	if err := s.Sessions.Kill(cfg.SessionName()); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(cfg.Dir()); err != nil {
		errs = append(errs, fmt.Errorf("remove instance directory: %w", err))
	}
	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		return err
	}
	return destination.Sync()
}

func touchFile(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create log file %s: %w", path, err)
	}
	return file.Close()
}

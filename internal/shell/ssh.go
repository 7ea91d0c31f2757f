// Package shell opens interactive SSH sessions into running microVMs.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/cochaviz/kiln/internal/logging"
)

const (
	connectAttempts = 3
	connectBackoff  = 2 * time.Second
	dialTimeout     = 5 * time.Second
)

// Dialer connects to guests over SSH with bounded retries and drives an
// interactive terminal session.
type Dialer struct {
	Logger *slog.Logger
}

func (d *Dialer) logger() *slog.Logger {
	if d == nil {
		return slog.Default()
	}
	return logging.Ensure(d.Logger)
}

// Shell connects to host as user using the private key at keyPath and
// relays an interactive shell between the local terminal and the guest.
// It returns once the remote session ends or local input closes.
func (d *Dialer) Shell(ctx context.Context, host, user, keyPath string) error {
	client, err := d.connect(ctx, host, user, keyPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return d.interactiveShell(client)
}

func (d *Dialer) connect(ctx context.Context, host, user, keyPath string) (*ssh.Client, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	address := net.JoinHostPort(host, "22")
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		client, err := ssh.Dial("tcp", address, config)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if !retryableConnectError(err) {
			return nil, fmt.Errorf("connect to %s: %w", address, err)
		}
		d.logger().Debug("ssh connection attempt failed", "address", address, "attempt", attempt, "error", err)
		if attempt < connectAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(connectBackoff):
			}
		}
	}
	return nil, fmt.Errorf("connect to %s after %d attempts: %w", address, connectAttempts, lastErr)
}

// retryableConnectError reports whether the error means the guest is not
// yet reachable, as opposed to a permanent failure such as bad credentials.
func retryableConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "connection refused") || strings.Contains(message, "no route to host")
}

func (d *Dialer) interactiveShell(client *ssh.Client) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	stdinFd := int(os.Stdin.Fd())
	width, height := 80, 24
	if term.IsTerminal(stdinFd) {
		if w, h, err := term.GetSize(stdinFd); err == nil {
			width, height = w, h
		}
		state, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, state)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("request pty: %w", err)
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if err := session.Shell(); err != nil {
		return fmt.Errorf("start remote shell: %w", err)
	}

	// Wait returns when the remote side exits or local stdin closes.
	if err := session.Wait(); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("ssh session: %w", err)
	}
	return nil
}

package shell

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestRetryableConnectError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection refused errno", err: syscall.ECONNREFUSED, want: true},
		{name: "wrapped refused", err: fmt.Errorf("dial tcp 172.16.0.2:22: %w", syscall.ECONNREFUSED), want: true},
		{name: "no route errno", err: syscall.EHOSTUNREACH, want: true},
		{name: "network unreachable", err: syscall.ENETUNREACH, want: true},
		{name: "refused message only", err: errors.New("dial tcp: connect: connection refused"), want: true},
		{name: "no route message only", err: errors.New("dial tcp: connect: no route to host"), want: true},
		{name: "auth failure", err: errors.New("ssh: unable to authenticate"), want: false},
		{name: "handshake failure", err: errors.New("ssh: handshake failed: EOF"), want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := retryableConnectError(tc.err); got != tc.want {
				t.Fatalf("retryableConnectError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

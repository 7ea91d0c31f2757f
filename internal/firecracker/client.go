// Package firecracker implements a minimal client for the Firecracker
// control API, spoken as HTTP over a per-instance unix socket.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Client issues synchronous requests against one machine's control socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// Dial returns a client bound to the control socket at socketPath. No
// connection is opened until the first request.
func Dial(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// SocketPath returns the unix socket this client is bound to.
func (c *Client) SocketPath() string {
	return c.socketPath
}

// Close releases pooled connections to the control socket.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode payload: %w", method, path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// PutBootSource configures the kernel image and boot arguments.
func (c *Client) PutBootSource(ctx context.Context, source BootSource) error {
	_, err := c.do(ctx, http.MethodPut, "/boot-source", source)
	return err
}

// PutDrive attaches or reconfigures a block device.
func (c *Client) PutDrive(ctx context.Context, drive Drive) error {
	_, err := c.do(ctx, http.MethodPut, "/drives/"+drive.DriveID, drive)
	return err
}

// PutMachineConfig sets vCPU count and memory size.
func (c *Client) PutMachineConfig(ctx context.Context, config MachineConfig) error {
	_, err := c.do(ctx, http.MethodPut, "/machine-config", config)
	return err
}

// PutNetworkInterface binds a host tap device to a guest interface.
func (c *Client) PutNetworkInterface(ctx context.Context, iface NetworkInterface) error {
	_, err := c.do(ctx, http.MethodPut, "/network-interfaces/"+iface.IfaceID, iface)
	return err
}

// PutMMDSConfig configures the metadata service endpoint.
func (c *Client) PutMMDSConfig(ctx context.Context, config MMDSConfig) error {
	_, err := c.do(ctx, http.MethodPut, "/mmds/config", config)
	return err
}

// PutMMDSData stores the metadata service payload.
func (c *Client) PutMMDSData(ctx context.Context, payload any) error {
	_, err := c.do(ctx, http.MethodPut, "/mmds", payload)
	return err
}

// CreateAction triggers a synchronous machine action such as InstanceStart.
func (c *Client) CreateAction(ctx context.Context, actionType string) error {
	_, err := c.do(ctx, http.MethodPut, "/actions", Action{ActionType: actionType})
	return err
}

// PatchVMState pauses or resumes the running machine.
func (c *Client) PatchVMState(ctx context.Context, state string) error {
	_, err := c.do(ctx, http.MethodPatch, "/vm", VMState{State: state})
	return err
}

// GetVMConfig returns the machine's full exported configuration.
func (c *Client) GetVMConfig(ctx context.Context) (json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/vm/config", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

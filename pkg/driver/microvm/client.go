package microvm

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

// apiClient talks to one hypervisor process over its unix API socket. The
// API follows the firecracker machine model: configure, boot, pause/resume,
// snapshot create/load.
type apiClient struct {
	socketPath string
	client     *http.Client
}

func newAPIClient(socketPath string) *apiClient {
	return &apiClient{
		socketPath: socketPath,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
	}
}

// WaitReady polls the socket until the hypervisor process answers.
func (c *apiClient) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.do(ctx, http.MethodGet, "/", nil, nil); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("hypervisor api not ready after %s", timeout)
}

type machineConfig struct {
	VcpuCount  int `json:"vcpu_count"`
	MemSizeMib int `json:"mem_size_mib"`
}

func (c *apiClient) PutMachineConfig(ctx context.Context, vcpus, memMB int) error {
	return c.do(ctx, http.MethodPut, "/machine-config", machineConfig{
		VcpuCount:  vcpus,
		MemSizeMib: memMB,
	}, nil)
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

func (c *apiClient) PutBootSource(ctx context.Context, kernelPath, bootArgs string) error {
	return c.do(ctx, http.MethodPut, "/boot-source", bootSource{
		KernelImagePath: kernelPath,
		BootArgs:        bootArgs,
	}, nil)
}

type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

func (c *apiClient) PutRootDrive(ctx context.Context, pathOnHost string) error {
	return c.do(ctx, http.MethodPut, "/drives/rootfs", drive{
		DriveID:      "rootfs",
		PathOnHost:   pathOnHost,
		IsRootDevice: true,
	}, nil)
}

type networkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

func (c *apiClient) PutNetworkInterface(ctx context.Context, tapDevice, guestMAC string) error {
	return c.do(ctx, http.MethodPut, "/network-interfaces/eth0", networkInterface{
		IfaceID:     "eth0",
		HostDevName: tapDevice,
		GuestMAC:    guestMAC,
	}, nil)
}

type instanceAction struct {
	ActionType string `json:"action_type"`
}

func (c *apiClient) StartInstance(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/actions", instanceAction{ActionType: "InstanceStart"}, nil)
}

type vmState struct {
	State string `json:"state"`
}

func (c *apiClient) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Paused"}, nil)
}

func (c *apiClient) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/vm", vmState{State: "Resumed"}, nil)
}

type instanceInfo struct {
	State string `json:"state"`
}

// State returns the instance state as reported by the hypervisor
// ("Not started", "Running", "Paused").
func (c *apiClient) State(ctx context.Context) (string, error) {
	var info instanceInfo
	if err := c.do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return "", err
	}
	return info.State, nil
}

type snapshotCreate struct {
	SnapshotPath string `json:"snapshot_path"`
	MemFilePath  string `json:"mem_file_path"`
}

// CreateSnapshot writes device state and guest memory to the given paths.
// The instance must already be paused.
func (c *apiClient) CreateSnapshot(ctx context.Context, vmstatePath, memPath string) error {
	return c.do(ctx, http.MethodPut, "/snapshot/create", snapshotCreate{
		SnapshotPath: vmstatePath,
		MemFilePath:  memPath,
	}, nil)
}

type memBackend struct {
	BackendType string `json:"backend_type"`
	BackendPath string `json:"backend_path"`
}

type snapshotLoad struct {
	SnapshotPath string     `json:"snapshot_path"`
	MemBackend   memBackend `json:"mem_backend"`
	ResumeVM     bool       `json:"resume_vm"`
}

// LoadSnapshot restores a fresh hypervisor process from captured images and
// resumes it in one call.
func (c *apiClient) LoadSnapshot(ctx context.Context, vmstatePath, memPath string, resume bool) error {
	return c.do(ctx, http.MethodPut, "/snapshot/load", snapshotLoad{
		SnapshotPath: vmstatePath,
		MemBackend: memBackend{
			BackendType: "File",
			BackendPath: memPath,
		},
		ResumeVM: resume,
	}, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hypervisor api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("hypervisor api %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

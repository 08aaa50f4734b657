package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const metaSandboxID = "sandbox_id"

// Driver runs environments in a third-party sandbox service over its HTTP
// API. The service owns the machines; this driver only orchestrates.
type Driver struct {
	config types.SandboxAPIConfig
	client *http.Client
}

var _ driver.Driver = (*Driver)(nil)

func NewDriver(cfg types.SandboxAPIConfig) *Driver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Driver{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (d *Driver) Kind() types.BackendKind { return types.BackendRemoteSandbox }

func (d *Driver) Pausable() bool { return false }

type createSandboxRequest struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	CallbackURL string `json:"callback_url,omitempty"`
	Secret      string `json:"secret,omitempty"`
}

type sandboxInfo struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

func (d *Driver) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	var info sandboxInfo
	err := d.do(ctx, http.MethodPost, "/sandboxes", createSandboxRequest{
		Name:        params.Name,
		Port:        params.AppPort,
		CallbackURL: params.CallbackURL,
		Secret:      params.Secret,
	}, &info)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	inst := &driver.Instance{
		Name:    params.Name,
		Backend: types.BackendRemoteSandbox,
		Address: info.Address,
		AppPort: params.AppPort,
		Meta:    map[string]string{metaSandboxID: info.ID},
	}

	log.Info().Str("name", params.Name).Str("sandbox_id", info.ID).Msg("sandbox created")
	return inst, nil
}

func (d *Driver) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	remote := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	if credential != "" {
		remote = fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", credential, owner, repo)
	}

	res, err := d.Exec(ctx, inst,
		fmt.Sprintf("git clone --branch %q --depth 1 %q /workspace", branch, remote),
		executor.RunOptions{Timeout: 5 * time.Minute})
	if err != nil {
		return err
	}
	if !res.Ok() {
		return &types.ErrSetupFailed{Step: "clone", ExitCode: res.ExitCode, LogTail: res.Stderr}
	}
	return nil
}

type sandboxExecRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	WorkDir   string `json:"work_dir,omitempty"`
	Detach    bool   `json:"detach,omitempty"`
}

type sandboxExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

func (d *Driver) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	var out sandboxExecResponse
	err := d.do(ctx, http.MethodPost, "/sandboxes/"+inst.Meta[metaSandboxID]+"/exec", sandboxExecRequest{
		Command:   command,
		TimeoutMs: opts.Timeout.Milliseconds(),
		WorkDir:   opts.WorkDir,
	}, &out)
	if err != nil {
		return nil, err
	}

	if out.TimedOut {
		return nil, &types.ErrCommandTimeout{Command: command, Timeout: opts.Timeout}
	}

	return &executor.Result{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}, nil
}

func (d *Driver) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	err := d.do(ctx, http.MethodPost, "/sandboxes/"+inst.Meta[metaSandboxID]+"/exec", sandboxExecRequest{
		Command: command,
		WorkDir: "/workspace",
		Detach:  true,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to start dev server: %w", err)
	}
	return nil
}

func (d *Driver) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	type fileWrite struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	req := struct {
		Files []fileWrite `json:"files"`
	}{}
	for path, content := range files {
		req.Files = append(req.Files, fileWrite{
			Path:    path,
			Content: base64.StdEncoding.EncodeToString(content),
		})
	}

	return d.do(ctx, http.MethodPost, "/sandboxes/"+inst.Meta[metaSandboxID]+"/files", req, nil)
}

func (d *Driver) Destroy(ctx context.Context, inst *driver.Instance) error {
	if err := d.do(ctx, http.MethodDelete, "/sandboxes/"+inst.Meta[metaSandboxID], nil, nil); err != nil {
		return fmt.Errorf("failed to delete sandbox: %w", err)
	}
	log.Info().Str("name", inst.Name).Msg("sandbox destroyed")
	return nil
}

func (d *Driver) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.config.AuthToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("sandbox api %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

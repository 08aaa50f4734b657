package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// AgentExecutor runs commands through a host agent's exec API. Requests are
// authenticated with a short-lived token signed by the environment's
// callback secret.
type AgentExecutor struct {
	baseURL      string
	resourceName string
	secret       string
	client       *http.Client
}

var _ Executor = (*AgentExecutor)(nil)

func NewAgentExecutor(baseURL, resourceName, secret string) *AgentExecutor {
	return &AgentExecutor{
		baseURL:      baseURL,
		resourceName: resourceName,
		secret:       secret,
		client:       &http.Client{},
	}
}

type agentExecRequest struct {
	Command   string `json:"command"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	WorkDir   string `json:"work_dir,omitempty"`
}

type agentExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	TimedOut bool   `json:"timed_out"`
}

func (e *AgentExecutor) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	return runWithRetry(ctx, e.resourceName, func() (*Result, error) {
		return e.runOnce(ctx, command, opts)
	})
}

func (e *AgentExecutor) runOnce(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	body, err := json.Marshal(agentExecRequest{
		Command:   command,
		TimeoutMs: opts.Timeout.Milliseconds(),
		WorkDir:   opts.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal exec request: %w", err)
	}

	// The HTTP deadline sits above the remote timeout so the agent gets a
	// chance to report the kill itself.
	reqCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout+10*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+"/exec", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build exec request: %w", err)
	}
	if err := e.authorize(req); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exec request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("exec request returned %d: %s", resp.StatusCode, string(data))
	}

	var out agentExecResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode exec response: %w", err)
	}

	if out.TimedOut {
		return nil, &types.ErrCommandTimeout{Command: truncateCommand(command), Timeout: opts.Timeout}
	}

	return &Result{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}, nil
}

type agentFileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

type agentWriteRequest struct {
	Files []agentFileWrite `json:"files"`
}

// WriteFiles pushes base64-encoded file contents through the agent's file
// API. The agent creates parent directories as needed.
func (e *AgentExecutor) WriteFiles(ctx context.Context, files map[string][]byte) error {
	req := agentWriteRequest{}
	for path, content := range files {
		req.Files = append(req.Files, agentFileWrite{
			Path:    path,
			Content: encodeContent(content),
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal write request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/files/write", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build write request: %w", err)
	}
	if err := e.authorize(httpReq); err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("write request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("write request returned %d: %s", resp.StatusCode, string(data))
	}

	return nil
}

// ReadFile fetches one file's content through the agent's file API.
func (e *AgentExecutor) ReadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/files/read?path="+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build read request: %w", err)
	}
	if err := e.authorize(req); err != nil {
		return nil, err
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("read request returned %d", resp.StatusCode)
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode read response: %w", err)
	}

	return decodeContent(out.Content)
}

func (e *AgentExecutor) authorize(req *http.Request) error {
	token, err := common.NewExecToken(e.secret, e.resourceName)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// Client is a thin HTTP client for the gateway API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL + "/api/v1",
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("not found")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("unauthorized: check --token")
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, raw)
	}
	if resp.StatusCode >= 400 {
		if parsed.Error != "" {
			return fmt.Errorf("%s", parsed.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil && parsed.Data != nil {
		return json.Unmarshal(parsed.Data, out)
	}
	return nil
}

func (c *Client) CreateEnvironment(ctx context.Context, owner, repo, branch string, backend types.BackendKind) (*types.Environment, error) {
	var env types.Environment
	err := c.do(ctx, http.MethodPost, "/environments", map[string]interface{}{
		"repoOwner": owner,
		"repoName":  repo,
		"branch":    branch,
		"backend":   backend,
	}, &env)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) ListEnvironments(ctx context.Context) ([]*types.Environment, error) {
	var envs []*types.Environment
	if err := c.do(ctx, http.MethodGet, "/environments", nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

func (c *Client) GetEnvironment(ctx context.Context, externalId string) (*types.Environment, error) {
	var env types.Environment
	if err := c.do(ctx, http.MethodGet, "/environments/"+externalId, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) TeardownEnvironment(ctx context.Context, externalId string) error {
	return c.do(ctx, http.MethodDelete, "/environments/"+externalId, nil, nil)
}

func (c *Client) ExecCommand(ctx context.Context, externalId, command string, timeout time.Duration) (*types.BashCommand, error) {
	var cmd types.BashCommand
	err := c.do(ctx, http.MethodPost, "/environments/"+externalId+"/exec", map[string]interface{}{
		"command":   command,
		"timeoutMs": int(timeout / time.Millisecond),
	}, &cmd)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *Client) InvalidateSnapshots(ctx context.Context, owner, repo, branch string) error {
	path := fmt.Sprintf("/snapshots?owner=%s&repo=%s&branch=%s", owner, repo, branch)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

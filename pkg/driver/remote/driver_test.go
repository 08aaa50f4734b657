package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDriver(types.SandboxAPIConfig{BaseURL: srv.URL, AuthToken: "tok"})
}

func TestRemoteBootAndDestroy(t *testing.T) {
	var deleted string
	d := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sandboxes":
			json.NewEncoder(w).Encode(sandboxInfo{ID: "sb-1", Address: "10.0.0.5"})
		case r.Method == http.MethodDelete && r.URL.Path == "/sandboxes/sb-1":
			deleted = "sb-1"
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	inst, err := d.Boot(context.Background(), driver.BootParams{Name: "env-1", AppPort: 3000})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", inst.Address)
	assert.Equal(t, "sb-1", inst.Meta[metaSandboxID])

	require.NoError(t, d.Destroy(context.Background(), inst))
	assert.Equal(t, "sb-1", deleted)
}

func TestRemoteExecTimeoutSurfacesTypedError(t *testing.T) {
	d := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sandboxExecResponse{TimedOut: true})
	})

	inst := &driver.Instance{Meta: map[string]string{metaSandboxID: "sb-1"}}
	_, err := d.Exec(context.Background(), inst, "sleep 5", executor.RunOptions{Timeout: time.Second})

	var timeoutErr *types.ErrCommandTimeout
	assert.True(t, errors.As(err, &timeoutErr))
}

func TestRemoteExecReturnsExitCode(t *testing.T) {
	d := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sandboxExecResponse{ExitCode: 2, Stderr: "boom"})
	})

	inst := &driver.Instance{Meta: map[string]string{metaSandboxID: "sb-1"}}
	res, err := d.Exec(context.Background(), inst, "false", executor.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExitCode)
	assert.Equal(t, "boom", res.Stderr)
}

package apiv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/lifecycle"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func newCallbacksServer(t *testing.T) (*echo.Echo, repository.BackendRepository, *types.Environment) {
	t.Helper()

	backend := repository.NewMemoryBackend()
	controller := lifecycle.NewController(lifecycle.Params{
		Backend: backend,
		Ports:   common.NewPortAllocator(42000, 42100),
	})

	env := &types.Environment{
		Backend:        types.BackendRemoteSandbox,
		RepoOwner:      "acme",
		RepoName:       "webapp",
		Branch:         "main",
		Status:         types.EnvironmentStatusBooting,
		HostName:       "env-cb-test",
		CallbackSecret: "s3cret",
	}
	require.NoError(t, backend.CreateEnvironment(context.Background(), env))

	e := echo.New()
	NewCallbacksGroup(e.Group("/callbacks"), controller)
	return e, backend, env
}

func postCallback(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func statusBody(status, secret string) string {
	b, _ := json.Marshal(map[string]string{
		"resourceName": "env-cb-test",
		"secret":       secret,
		"status":       status,
	})
	return string(b)
}

func TestCallbackAdvancesStatus(t *testing.T) {
	e, backend, env := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/sandbox", statusBody("installing", "s3cret"))
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := backend.GetEnvironment(context.Background(), env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusInstalling, got.Status)
}

func TestCallbackRedeliveryIsIdempotent(t *testing.T) {
	e, backend, env := newCallbacksServer(t)

	for i := 0; i < 3; i++ {
		rec := postCallback(e, "/callbacks/sandbox", statusBody("ready", "s3cret"))
		assert.Equal(t, http.StatusOK, rec.Code, "redelivery %d must be acknowledged", i)
	}

	got, err := backend.GetEnvironment(context.Background(), env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusReady, got.Status)
}

func TestCallbackOutOfOrderReportIgnored(t *testing.T) {
	e, backend, env := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/sandbox", statusBody("ready", "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)

	// The delayed earlier report is acknowledged but has no effect.
	rec = postCallback(e, "/callbacks/sandbox", statusBody("installing", "s3cret"))
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := backend.GetEnvironment(context.Background(), env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusReady, got.Status)
}

func TestCallbackBadSecretUnauthorized(t *testing.T) {
	e, backend, env := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/sandbox", statusBody("ready", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	got, err := backend.GetEnvironment(context.Background(), env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusBooting, got.Status)
}

func TestCallbackUnknownResourceNotFound(t *testing.T) {
	e, _, _ := newCallbacksServer(t)

	body, _ := json.Marshal(map[string]string{
		"resourceName": "env-unknown",
		"secret":       "s3cret",
		"status":       "ready",
	})
	rec := postCallback(e, "/callbacks/sandbox", string(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackUnknownStatusBadRequest(t *testing.T) {
	e, _, _ := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/sandbox", statusBody("exploded", "s3cret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackUnknownBackendSegment(t *testing.T) {
	e, _, _ := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/mainframe", statusBody("ready", "s3cret"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallbackMissingFieldsBadRequest(t *testing.T) {
	e, _, _ := newCallbacksServer(t)

	rec := postCallback(e, "/callbacks/sandbox", `{"resourceName": "env-cb-test"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackFailureReportRecordsLogTail(t *testing.T) {
	e, backend, env := newCallbacksServer(t)

	body, _ := json.Marshal(map[string]string{
		"resourceName": "env-cb-test",
		"secret":       "s3cret",
		"status":       "failed",
		"error":        "install exploded",
		"logTail":      "npm ERR! code ELIFECYCLE",
	})
	rec := postCallback(e, "/callbacks/sandbox", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := backend.GetEnvironment(context.Background(), env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusFailed, got.Status)
	assert.Equal(t, "install exploded", got.Error)
	assert.Contains(t, got.LogTail, "ELIFECYCLE")
}

func TestSnapshotCallbackRecordsReadySnapshot(t *testing.T) {
	e, backend, _ := newCallbacksServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"resourceName": "env-cb-test",
		"secret":       "s3cret",
		"status":       "ready",
		"commitSha":    "abc123",
		"s3Key":        "snapshots/acme/webapp/main/snap-1",
	})
	rec := postCallback(e, "/callbacks/sandbox/snapshot", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := backend.GetReadySnapshot(context.Background(), "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.CommitSHA)
}

func TestSnapshotCallbackRedeliveryKeepsSingleRow(t *testing.T) {
	e, backend, _ := newCallbacksServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"resourceName": "env-cb-test",
		"secret":       "s3cret",
		"status":       "ready",
		"commitSha":    "abc123",
		"s3Key":        "snapshots/acme/webapp/main/snap-1",
	})
	rec := postCallback(e, "/callbacks/sandbox/snapshot", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	first, err := backend.GetReadySnapshot(context.Background(), "acme", "webapp", "main")
	require.NoError(t, err)

	// The same completion delivered again is acknowledged without touching
	// the recorded snapshot.
	rec = postCallback(e, "/callbacks/sandbox/snapshot", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	again, err := backend.GetReadySnapshot(context.Background(), "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, first.ExternalId, again.ExternalId)
	assert.Equal(t, types.SnapshotStatusReady, again.Status)
}

func TestCheckpointCallbackRedeliveryKeepsSingleRow(t *testing.T) {
	e, backend, _ := newCallbacksServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"resourceName": "env-cb-test",
		"secret":       "s3cret",
		"status":       "ready",
		"commitSha":    "abc123",
		"imageTag":     "drydock/acme-webapp:abc123",
	})
	rec := postCallback(e, "/callbacks/sandbox/checkpoint", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	first, err := backend.GetReadyCheckpoint(context.Background(), "acme", "webapp", "main")
	require.NoError(t, err)

	rec = postCallback(e, "/callbacks/sandbox/checkpoint", string(body))
	require.Equal(t, http.StatusOK, rec.Code)

	again, err := backend.GetReadyCheckpoint(context.Background(), "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, first.ExternalId, again.ExternalId)
	assert.Equal(t, types.SnapshotStatusReady, again.Status)
}

package hostagent

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	return NewAgent(types.AgentConfig{
		ResourceName: "env-agent-test",
		Secret:       "agent-secret",
		Backend:      types.BackendMicroVM,
	})
}

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := common.NewExecToken("agent-secret", "env-agent-test")
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestExecRequiresValidToken(t *testing.T) {
	a := newTestAgent(t)

	// No token.
	req := httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"command":"true"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token signed with the wrong secret.
	token, err := common.NewExecToken("wrong-secret", "env-agent-test")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"command":"true"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token minted for a different resource.
	token, err = common.NewExecToken("agent-secret", "env-other")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/exec", strings.NewReader(`{"command":"true"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExecRunsCommand(t *testing.T) {
	a := newTestAgent(t)

	req := authedRequest(t, http.MethodPost, "/exec", `{"command":"echo hello; exit 3"}`)
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp execResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.ExitCode)
	assert.Contains(t, resp.Stdout, "hello")
	assert.False(t, resp.TimedOut)
}

func TestExecTimeoutReported(t *testing.T) {
	a := newTestAgent(t)

	start := time.Now()
	req := authedRequest(t, http.MethodPost, "/exec", `{"command":"sleep 10","timeout_ms":200}`)
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, time.Since(start), 5*time.Second)

	var resp execResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.TimedOut)
	assert.NotEqual(t, 0, resp.ExitCode, "a timed-out command must not look successful")
}

func TestWriteAndReadFiles(t *testing.T) {
	a := newTestAgent(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "app.js")

	body, _ := json.Marshal(writeFilesRequest{
		Files: []writeFileEntry{
			{Path: path, Content: base64.StdEncoding.EncodeToString([]byte("console.log('hi')"))},
		},
	})
	req := authedRequest(t, http.MethodPost, "/files/write", string(body))
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(content))

	req = authedRequest(t, http.MethodGet, "/files/read?path="+path, "")
	rec = httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	decoded, err := base64.StdEncoding.DecodeString(resp["content"])
	require.NoError(t, err)
	assert.Equal(t, "console.log('hi')", string(decoded))
}

func TestReadMissingFileNotFound(t *testing.T) {
	a := newTestAgent(t)

	req := authedRequest(t, http.MethodGet, "/files/read?path=/nope/missing.txt", "")
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthIsUnauthenticated(t *testing.T) {
	a := newTestAgent(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

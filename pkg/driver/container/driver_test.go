package container

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func newEchoDriver() *Driver {
	// With the engine binary pointed at echo, every engine call prints its
	// own argv, which the assertions inspect.
	return NewDriver(types.ContainerConfig{EngineBinary: "echo"}, "")
}

func TestEngineArgsBypassHostShell(t *testing.T) {
	t.Setenv("DEPLOY_TOKEN", "host-value")

	d := newEchoDriver()
	res, err := d.engine(context.Background(),
		"volume", "create", "drydock-deps-$DEPLOY_TOKEN-$(id -u)")
	require.NoError(t, err)
	require.True(t, res.Ok())

	// The engine binary must receive the metacharacters as literal bytes.
	assert.Contains(t, res.Stdout, "$DEPLOY_TOKEN")
	assert.Contains(t, res.Stdout, "$(id -u)")
	assert.NotContains(t, res.Stdout, "host-value")
}

// fakeAgent is an in-process stand-in for the container's host agent. It
// verifies the bearer token and records the command it was asked to run.
func fakeAgent(t *testing.T, resourceName, secret string, gotCommand *string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/exec", r.URL.Path)

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		sub, err := common.VerifyExecToken(token, secret)
		require.NoError(t, err)
		require.Equal(t, resourceName, sub)

		var req struct {
			Command string `json:"command"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		*gotCommand = req.Command

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"exit_code":0,"stdout":"ok","stderr":""}`))
	}))
}

func TestExecSendsCommandVerbatimToAgent(t *testing.T) {
	t.Setenv("DEPLOY_TOKEN", "host-value")

	var got string
	srv := fakeAgent(t, "env-ct-test", "s3cret", &got)
	defer srv.Close()

	d := newEchoDriver()
	d.registerAgent("env-ct-test", srv.URL, "s3cret")

	inst := &driver.Instance{
		Name:    "env-ct-test",
		Backend: types.BackendContainer,
		Meta:    map[string]string{metaContainer: "env-ct-test"},
	}

	command := `echo $DEPLOY_TOKEN $(id -u)`
	res, err := d.Exec(context.Background(), inst, command, executor.RunOptions{})
	require.NoError(t, err)
	assert.True(t, res.Ok())

	// No host-side expansion on the way to the agent.
	assert.Equal(t, command, got)
}

func TestExecWithoutAgentSessionFails(t *testing.T) {
	d := newEchoDriver()
	inst := &driver.Instance{
		Name:    "env-ct-gone",
		Backend: types.BackendContainer,
		Meta:    map[string]string{metaContainer: "env-ct-gone"},
	}

	_, err := d.Exec(context.Background(), inst, "true", executor.RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agent session")
}

func TestDestroyDropsAgentSession(t *testing.T) {
	var got string
	srv := fakeAgent(t, "env-ct-test", "s3cret", &got)
	defer srv.Close()

	d := newEchoDriver()
	d.registerAgent("env-ct-test", srv.URL, "s3cret")

	inst := &driver.Instance{
		Name:    "env-ct-test",
		Backend: types.BackendContainer,
		Meta:    map[string]string{metaContainer: "env-ct-test"},
	}

	require.NoError(t, d.Destroy(context.Background(), inst))

	_, err := d.Exec(context.Background(), inst, "true", executor.RunOptions{})
	require.Error(t, err)
}

package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// fakeRuntime hands back one scripted driver and instance.
type fakeRuntime struct {
	drv  *fakeDriver
	inst *driver.Instance
}

func (f *fakeRuntime) Instance(externalId string) (*driver.Instance, bool) {
	return f.inst, f.inst != nil
}

func (f *fakeRuntime) Driver(kind types.BackendKind) (driver.Driver, bool) {
	return f.drv, f.drv != nil
}

type fakeDriver struct {
	mu       sync.Mutex
	written  map[string][]byte
	execErr  error
	execRes  *executor.Result
	execCalls int
}

var _ driver.Driver = (*fakeDriver)(nil)

func (f *fakeDriver) Kind() types.BackendKind { return types.BackendContainer }
func (f *fakeDriver) Pausable() bool          { return false }

func (f *fakeDriver) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	return nil, nil
}
func (f *fakeDriver) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	return nil
}
func (f *fakeDriver) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	return nil
}
func (f *fakeDriver) Destroy(ctx context.Context, inst *driver.Instance) error { return nil }

func (f *fakeDriver) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	f.mu.Lock()
	f.execCalls++
	f.mu.Unlock()
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execRes != nil {
		return f.execRes, nil
	}
	return &executor.Result{ExitCode: 0, Stdout: "ok\n"}, nil
}

func (f *fakeDriver) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = make(map[string][]byte)
	}
	for path, content := range files {
		f.written[path] = content
	}
	return nil
}

func (f *fakeDriver) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls
}

func newTestBridge(t *testing.T) (*Bridge, repository.BackendRepository, *fakeDriver, string) {
	t.Helper()
	backend := repository.NewMemoryBackend()
	ctx := context.Background()

	env := &types.Environment{
		Backend:   types.BackendContainer,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
		Status:    types.EnvironmentStatusReady,
		HostName:  "env-bridge-test",
	}
	require.NoError(t, backend.CreateEnvironment(ctx, env))

	fd := &fakeDriver{}
	rt := &fakeRuntime{drv: fd, inst: &driver.Instance{Name: env.HostName, Backend: types.BackendContainer}}
	return NewBridge(backend, rt), backend, fd, env.ExternalId
}

func TestApplyFileChangeWritesAndRecords(t *testing.T) {
	b, backend, fd, envId := newTestBridge(t)
	ctx := context.Background()

	change, err := b.ApplyFileChange(ctx, envId, []types.FileWrite{
		{Path: "src/app.js", NewContent: "console.log('hi')"},
		{Path: "src/util.js", NewContent: "export {}"},
	})
	require.NoError(t, err)
	assert.True(t, change.Applied)
	assert.Equal(t, []byte("console.log('hi')"), fd.written["src/app.js"])

	stored, err := backend.GetFileChange(ctx, change.ExternalId)
	require.NoError(t, err)
	assert.True(t, stored.Applied)
	assert.Len(t, stored.Files, 2)
}

func TestRevertFileChangeRestoresOriginals(t *testing.T) {
	b, backend, fd, envId := newTestBridge(t)
	ctx := context.Background()

	original := "console.log('old')"
	change, err := b.ApplyFileChange(ctx, envId, []types.FileWrite{
		{Path: "src/app.js", NewContent: "console.log('new')", OriginalContent: &original},
	})
	require.NoError(t, err)

	reverted, err := b.RevertFileChange(ctx, envId, change.ExternalId)
	require.NoError(t, err)
	assert.True(t, reverted.Reverted)
	assert.Equal(t, []byte(original), fd.written["src/app.js"])

	stored, err := backend.GetFileChange(ctx, change.ExternalId)
	require.NoError(t, err)
	assert.True(t, stored.Reverted)

	// Reverting again is a no-op.
	again, err := b.RevertFileChange(ctx, envId, change.ExternalId)
	require.NoError(t, err)
	assert.True(t, again.Reverted)
}

func TestRevertWithoutOriginalContentFails(t *testing.T) {
	b, _, _, envId := newTestBridge(t)
	ctx := context.Background()

	change, err := b.ApplyFileChange(ctx, envId, []types.FileWrite{
		{Path: "src/app.js", NewContent: "x"},
	})
	require.NoError(t, err)

	_, err = b.RevertFileChange(ctx, envId, change.ExternalId)
	assert.ErrorContains(t, err, "no original content")
}

func TestExecuteCommandRecordsExitCode(t *testing.T) {
	b, backend, fd, envId := newTestBridge(t)
	fd.execRes = &executor.Result{ExitCode: 2, Stdout: "", Stderr: "not found\n"}
	ctx := context.Background()

	cmd, err := b.ExecuteCommand(ctx, envId, "ls /nope", time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusFailed, cmd.Status)
	require.NotNil(t, cmd.ExitCode)
	assert.Equal(t, 2, *cmd.ExitCode)
	assert.Contains(t, cmd.Output, "not found")

	stored, err := backend.GetBashCommand(ctx, cmd.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}

func TestExecuteCommandTimeoutNeverExitsZero(t *testing.T) {
	b, backend, fd, envId := newTestBridge(t)
	fd.execErr = &types.ErrCommandTimeout{Command: "sleep 100", Timeout: time.Second}
	ctx := context.Background()

	cmd, err := b.ExecuteCommand(ctx, envId, "sleep 100", time.Second)
	var timedOut *types.ErrCommandTimeout
	require.ErrorAs(t, err, &timedOut)

	assert.Equal(t, types.CommandStatusFailed, cmd.Status)
	assert.Nil(t, cmd.ExitCode, "a timed-out command must not carry an exit code")

	stored, err := backend.GetBashCommand(ctx, cmd.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.CommandStatusFailed, stored.Status)
	assert.Nil(t, stored.ExitCode)
	assert.Contains(t, stored.Output, "timed out")
}

func TestRetryCommandMemoizesTerminalResult(t *testing.T) {
	b, _, fd, envId := newTestBridge(t)
	ctx := context.Background()

	cmd, err := b.ExecuteCommand(ctx, envId, "echo hi", time.Second)
	require.NoError(t, err)
	require.Equal(t, types.CommandStatusCompleted, cmd.Status)
	require.Equal(t, 1, fd.execCount())

	// Duplicate delivery returns the stored result without re-executing.
	again, err := b.RetryCommand(ctx, envId, cmd.ExternalId, time.Second)
	require.NoError(t, err)
	assert.Equal(t, cmd.Output, again.Output)
	assert.Equal(t, 1, fd.execCount())
}

func TestBridgeRejectsNonReadyEnvironment(t *testing.T) {
	backend := repository.NewMemoryBackend()
	ctx := context.Background()

	env := &types.Environment{
		Backend:  types.BackendContainer,
		Status:   types.EnvironmentStatusBooting,
		HostName: "env-not-ready",
	}
	require.NoError(t, backend.CreateEnvironment(ctx, env))

	fd := &fakeDriver{}
	b := NewBridge(backend, &fakeRuntime{drv: fd, inst: &driver.Instance{}})

	_, err := b.ExecuteCommand(ctx, env.ExternalId, "echo hi", time.Second)
	assert.ErrorContains(t, err, "not ready")

	_, err = b.ApplyFileChange(ctx, env.ExternalId, []types.FileWrite{{Path: "a", NewContent: "b"}})
	assert.ErrorContains(t, err, "not ready")
}

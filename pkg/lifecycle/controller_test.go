package lifecycle

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

// recordingBackend captures every status move so tests can assert exact
// transition order.
type recordingBackend struct {
	*repository.MemoryBackend
	mu          sync.Mutex
	transitions []types.EnvironmentStatus
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{MemoryBackend: repository.NewMemoryBackend()}
}

func (r *recordingBackend) record(status types.EnvironmentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, status)
}

func (r *recordingBackend) seen() []types.EnvironmentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.EnvironmentStatus, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func (r *recordingBackend) UpdateEnvironmentStatus(ctx context.Context, externalId string, status types.EnvironmentStatus) error {
	if err := r.MemoryBackend.UpdateEnvironmentStatus(ctx, externalId, status); err != nil {
		return err
	}
	r.record(status)
	return nil
}

func (r *recordingBackend) SetEnvironmentReady(ctx context.Context, externalId string, healthConfirmed bool) error {
	if err := r.MemoryBackend.SetEnvironmentReady(ctx, externalId, healthConfirmed); err != nil {
		return err
	}
	r.record(types.EnvironmentStatusReady)
	return nil
}

func (r *recordingBackend) SetEnvironmentFailed(ctx context.Context, externalId string, errMsg, logTail string) error {
	if err := r.MemoryBackend.SetEnvironmentFailed(ctx, externalId, errMsg, logTail); err != nil {
		return err
	}
	r.record(types.EnvironmentStatusFailed)
	return nil
}

// fakeDriver is a scriptable in-memory driver.
type fakeDriver struct {
	kind     types.BackendKind
	mu       sync.Mutex
	execLog  []string
	bootErr  error
	cloneErr error
	execRes  *executor.Result

	booted    int
	destroyed int
}

var _ driver.Driver = (*fakeDriver)(nil)

func (f *fakeDriver) Kind() types.BackendKind { return f.kind }
func (f *fakeDriver) Pausable() bool          { return false }

func (f *fakeDriver) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	if f.bootErr != nil {
		return nil, f.bootErr
	}
	f.mu.Lock()
	f.booted++
	f.mu.Unlock()
	return &driver.Instance{
		Name:    params.Name,
		Backend: f.kind,
		Address: "127.0.0.1",
		AppPort: params.AppPort,
	}, nil
}

func (f *fakeDriver) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	return f.cloneErr
}

func (f *fakeDriver) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	f.mu.Lock()
	f.execLog = append(f.execLog, command)
	f.mu.Unlock()
	if f.execRes != nil {
		return f.execRes, nil
	}
	return &executor.Result{ExitCode: 0}, nil
}

func (f *fakeDriver) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	return nil
}

func (f *fakeDriver) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	return nil
}

func (f *fakeDriver) Destroy(ctx context.Context, inst *driver.Instance) error {
	f.mu.Lock()
	f.destroyed++
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.execLog))
	copy(out, f.execLog)
	return out
}

// fakePausableDriver adds scripted restore behavior on top of fakeDriver.
type fakePausableDriver struct {
	fakeDriver
}

var _ driver.Pausable = (*fakePausableDriver)(nil)

func (f *fakePausableDriver) Pausable() bool { return true }
func (f *fakePausableDriver) Pause(ctx context.Context, inst *driver.Instance) error {
	return nil
}
func (f *fakePausableDriver) Resume(ctx context.Context, inst *driver.Instance) error {
	return nil
}
func (f *fakePausableDriver) Paused(ctx context.Context, inst *driver.Instance) (bool, error) {
	return false, nil
}
func (f *fakePausableDriver) CaptureState(ctx context.Context, inst *driver.Instance, memPath, vmstatePath string) error {
	return nil
}
func (f *fakePausableDriver) LoadState(ctx context.Context, params driver.BootParams, snapshot *types.Snapshot, diskPath string) (*driver.Instance, error) {
	return &driver.Instance{Name: params.Name, Backend: f.kind, Address: "127.0.0.1", AppPort: params.AppPort}, nil
}
func (f *fakePausableDriver) DiskPath(inst *driver.Instance) string { return "" }

// fakeSnapshots scripts the restore path without real disk images.
type fakeSnapshots struct {
	restoreErr error
	restored   int
}

var _ SnapshotManager = (*fakeSnapshots)(nil)

func (f *fakeSnapshots) Create(ctx context.Context, drv driver.Pausable, inst *driver.Instance, env *types.Environment, commitSHA string) (*types.Snapshot, error) {
	return &types.Snapshot{CommitSHA: commitSHA}, nil
}

func (f *fakeSnapshots) Restore(ctx context.Context, drv driver.Pausable, params driver.BootParams, owner, repo, branch string) (*driver.Instance, *types.Snapshot, error) {
	if f.restoreErr != nil {
		return nil, nil, f.restoreErr
	}
	f.restored++
	inst, err := drv.LoadState(ctx, params, &types.Snapshot{CommitSHA: "captured-sha"}, "")
	return inst, &types.Snapshot{CommitSHA: "captured-sha"}, err
}

type fakeMirror struct {
	head string
	err  error
}

func (f *fakeMirror) EnsureFresh(ctx context.Context, owner, repo, branch, credential string) (string, error) {
	return f.head, f.err
}

func newTestController(t *testing.T, backend repository.BackendRepository, drivers map[types.BackendKind]driver.Driver, snapshots SnapshotManager) *Controller {
	t.Helper()
	return NewController(Params{
		Config: types.LifecycleConfig{
			InstallCommand: "npm install",
			StartCommand:   "npm run dev",
			HealthAttempts: 2,
			HealthInterval: 10 * time.Millisecond,
		},
		Backend:     backend,
		Drivers:     drivers,
		Mirror:      &fakeMirror{head: "head-sha"},
		Snapshots:   snapshots,
		Ports:       common.NewPortAllocator(40000, 40100),
		CallbackURL: "http://gateway.test/api/v1/callbacks",
	})
}

func waitForTerminalOrReady(t *testing.T, backend repository.BackendRepository, externalId string) *types.Environment {
	t.Helper()
	var env *types.Environment
	require.Eventually(t, func() bool {
		var err error
		env, err = backend.GetEnvironment(context.Background(), externalId)
		if err != nil {
			return false
		}
		return env.Status == types.EnvironmentStatusReady || env.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return env
}

func TestFreshPathTransitionOrder(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusRequested, env.Status)
	assert.NotEmpty(t, env.HostName)
	assert.NotEmpty(t, env.CallbackSecret)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	require.Equal(t, types.EnvironmentStatusReady, final.Status)

	assert.Equal(t, []types.EnvironmentStatus{
		types.EnvironmentStatusBooting,
		types.EnvironmentStatusCloning,
		types.EnvironmentStatusInstalling,
		types.EnvironmentStatusStarting,
		types.EnvironmentStatusReady,
	}, backend.seen())
	assert.Equal(t, []string{"npm install"}, fd.commands())
}

func TestFreshPathDegradesToReadyWhenHealthNeverConfirms(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	assert.Equal(t, types.EnvironmentStatusReady, final.Status)
	assert.False(t, final.HealthConfirmed)
}

func TestFreshPathConfirmsHealthWhenPortAnswers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)
	// Force the allocator to hand out exactly the listening port.
	c.ports = common.NewPortAllocator(port, port+1)

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	assert.Equal(t, types.EnvironmentStatusReady, final.Status)
	assert.True(t, final.HealthConfirmed)
}

func TestInstallFailureMarksFailedWithLogTail(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{
		kind:    types.BackendContainer,
		execRes: &executor.Result{ExitCode: 1, Stderr: "npm ERR! missing script"},
	}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	assert.Equal(t, types.EnvironmentStatusFailed, final.Status)
	assert.Contains(t, final.Error, "install failed")
	assert.Contains(t, final.LogTail, "npm ERR!")
	assert.Equal(t, 1, fd.destroyed)
}

func TestRestorePathRefreshesWorkspace(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakePausableDriver{fakeDriver{kind: types.BackendMicroVM}}
	snaps := &fakeSnapshots{}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendMicroVM: fd}, snaps)

	seedReadySnapshot(t, backend, "captured-sha")

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendMicroVM)
	require.NoError(t, err)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	require.Equal(t, types.EnvironmentStatusReady, final.Status)
	assert.True(t, final.RestoredFromSnapshot)
	assert.Equal(t, 1, snaps.restored)

	// Restore skips boot/clone/install entirely.
	assert.Equal(t, []types.EnvironmentStatus{
		types.EnvironmentStatusRestoring,
		types.EnvironmentStatusStarting,
		types.EnvironmentStatusReady,
	}, backend.seen())

	// The captured workspace is behind the branch head, so it is refreshed.
	cmds := fd.commands()
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "git fetch origin")
	assert.Contains(t, cmds[0], "head-sha")
}

func TestRestoreFailureFallsBackToFreshPath(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakePausableDriver{fakeDriver{kind: types.BackendMicroVM}}
	snaps := &fakeSnapshots{restoreErr: errors.New("mem image corrupt")}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendMicroVM: fd}, snaps)

	seedReadySnapshot(t, backend, "captured-sha")

	env, err := c.RequestEnvironment(context.Background(), "acme", "webapp", "main", types.BackendMicroVM)
	require.NoError(t, err)

	final := waitForTerminalOrReady(t, backend, env.ExternalId)
	require.Equal(t, types.EnvironmentStatusReady, final.Status)
	assert.False(t, final.RestoredFromSnapshot)

	assert.Equal(t, []types.EnvironmentStatus{
		types.EnvironmentStatusRestoring,
		types.EnvironmentStatusBooting,
		types.EnvironmentStatusCloning,
		types.EnvironmentStatusInstalling,
		types.EnvironmentStatusStarting,
		types.EnvironmentStatusReady,
	}, backend.seen())
}

func TestRequestSupersedesLiveEnvironment(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)
	ctx := context.Background()

	first, err := c.RequestEnvironment(ctx, "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)
	waitForTerminalOrReady(t, backend, first.ExternalId)

	second, err := c.RequestEnvironment(ctx, "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)
	waitForTerminalOrReady(t, backend, second.ExternalId)

	old, err := backend.GetEnvironment(ctx, first.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusStopped, old.Status)

	live, err := backend.GetActiveEnvironmentForRepo(ctx, "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, second.ExternalId, live.ExternalId)
}

func TestTeardownStopsAndDestroys(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)
	ctx := context.Background()

	env, err := c.RequestEnvironment(ctx, "acme", "webapp", "main", types.BackendContainer)
	require.NoError(t, err)
	waitForTerminalOrReady(t, backend, env.ExternalId)

	require.NoError(t, c.Teardown(ctx, env.ExternalId))

	final, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusStopped, final.Status)
	assert.Equal(t, 1, fd.destroyed)

	// Teardown of a terminal environment is a no-op.
	require.NoError(t, c.Teardown(ctx, env.ExternalId))
	assert.Equal(t, 1, fd.destroyed)
}

func TestJanitorFailsOverdueEnvironments(t *testing.T) {
	backend := newRecordingBackend()
	fd := &fakeDriver{kind: types.BackendContainer, bootErr: errors.New("boot stuck")}
	c := newTestController(t, backend, map[types.BackendKind]driver.Driver{types.BackendContainer: fd}, nil)
	ctx := context.Background()

	// Plant an environment stuck in a non-terminal state.
	env := &types.Environment{
		Backend:   types.BackendContainer,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
		Status:    types.EnvironmentStatusBooting,
		HostName:  "env-stuck",
	}
	require.NoError(t, backend.CreateEnvironment(ctx, env))

	c.config.ProvisionCeiling = time.Nanosecond
	time.Sleep(5 * time.Millisecond)
	c.sweepOverdue(ctx)

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusFailed, got.Status)
	assert.Contains(t, got.Error, "ceiling")
}

func seedReadySnapshot(t *testing.T, backend repository.BackendRepository, commitSHA string) {
	t.Helper()
	ctx := context.Background()
	snap := &types.Snapshot{
		Backend:   types.BackendMicroVM,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
		CommitSHA: commitSHA,
	}
	require.NoError(t, backend.CreateSnapshot(ctx, snap))
	require.NoError(t, backend.MarkSnapshotReady(ctx, snap))
}

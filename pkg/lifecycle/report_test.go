package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/common"
	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

func newReportController(t *testing.T) (*Controller, repository.BackendRepository, *types.Environment) {
	t.Helper()
	backend := repository.NewMemoryBackend()
	c := NewController(Params{
		Backend: backend,
		Drivers: map[types.BackendKind]driver.Driver{types.BackendRemoteSandbox: &fakeDriver{kind: types.BackendRemoteSandbox}},
		Mirror:  &fakeMirror{head: "head-sha"},
		Ports:   common.NewPortAllocator(41000, 41100),
	})

	env := &types.Environment{
		Backend:        types.BackendRemoteSandbox,
		RepoOwner:      "acme",
		RepoName:       "webapp",
		Branch:         "main",
		Status:         types.EnvironmentStatusBooting,
		HostName:       "env-report-test",
		CallbackSecret: "s3cret",
	}
	require.NoError(t, backend.CreateEnvironment(context.Background(), env))
	return c, backend, env
}

func report(status types.EnvironmentStatus) StatusReport {
	return StatusReport{
		ResourceName: "env-report-test",
		Secret:       "s3cret",
		Status:       status,
	}
}

func TestApplyStatusReportAdvances(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyStatusReport(ctx, report(types.EnvironmentStatusInstalling)))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusInstalling, got.Status)
}

func TestApplyStatusReportIsIdempotent(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyStatusReport(ctx, report(types.EnvironmentStatusReady)))
	require.NoError(t, c.ApplyStatusReport(ctx, report(types.EnvironmentStatusReady)))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusReady, got.Status)
	assert.True(t, got.HealthConfirmed)
}

func TestApplyStatusReportIgnoresStale(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyStatusReport(ctx, report(types.EnvironmentStatusReady)))

	// A delayed booting report arrives after ready: acknowledged, ignored.
	require.NoError(t, c.ApplyStatusReport(ctx, report(types.EnvironmentStatusBooting)))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusReady, got.Status)
}

func TestApplyStatusReportFailedFromAnyState(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	r := report(types.EnvironmentStatusFailed)
	r.Error = "dev server crashed"
	r.LogTail = "Error: EADDRINUSE"
	require.NoError(t, c.ApplyStatusReport(ctx, r))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusFailed, got.Status)
	assert.Equal(t, "dev server crashed", got.Error)
	assert.Contains(t, got.LogTail, "EADDRINUSE")
}

func TestApplyStatusReportRejectsBadSecret(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	r := report(types.EnvironmentStatusReady)
	r.Secret = "wrong"
	err := c.ApplyStatusReport(ctx, r)

	var mismatch *types.ErrSecretMismatch
	require.ErrorAs(t, err, &mismatch)

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusBooting, got.Status, "mismatched report must not change state")
}

func TestApplyStatusReportRejectsUnknownResource(t *testing.T) {
	c, _, _ := newReportController(t)

	r := report(types.EnvironmentStatusReady)
	r.ResourceName = "env-nope"
	err := c.ApplyStatusReport(context.Background(), r)

	var notFound *types.ErrEnvironmentNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestApplyStatusReportRejectsUnknownStatus(t *testing.T) {
	c, _, _ := newReportController(t)

	r := report(types.EnvironmentStatus("exploded"))
	err := c.ApplyStatusReport(context.Background(), r)

	var invalid *types.ErrInvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestApplySnapshotReportRecordsReady(t *testing.T) {
	c, backend, _ := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.ApplySnapshotReport(ctx, CaptureReport{
		ResourceName: "env-report-test",
		Secret:       "s3cret",
		Status:       string(types.SnapshotStatusReady),
		CommitSHA:    "abc123",
		S3Key:        "snapshots/acme/webapp/main/snap-1",
		MemBytes:     1024,
		DiskBytes:    2048,
	}))

	snap, err := backend.GetReadySnapshot(ctx, "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.CommitSHA)
	assert.Equal(t, "snapshots/acme/webapp/main/snap-1", snap.S3Key)
}

func TestApplyCheckpointReportRecordsReady(t *testing.T) {
	c, backend, _ := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.ApplyCheckpointReport(ctx, CaptureReport{
		ResourceName: "env-report-test",
		Secret:       "s3cret",
		Status:       string(types.SnapshotStatusReady),
		CommitSHA:    "abc123",
		ImageTag:     "drydock-checkpoint/acme-webapp-main:abc123-1",
	}))

	cp, err := backend.GetReadyCheckpoint(ctx, "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, "drydock-checkpoint/acme-webapp-main:abc123-1", cp.ImageTag)
}

func TestHeartbeatTouchesEnvironment(t *testing.T) {
	c, backend, env := newReportController(t)
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx, "env-report-test", "s3cret"))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.NotNil(t, got.LastActiveAt)
}

package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/types"
)

func TestMemoryBackendSingleReadySnapshot(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	first := &types.Snapshot{
		Backend:   types.BackendMicroVM,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
	}
	require.NoError(t, backend.CreateSnapshot(ctx, first))
	require.NoError(t, backend.MarkSnapshotReady(ctx, first))

	second := &types.Snapshot{
		Backend:   types.BackendMicroVM,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
	}
	require.NoError(t, backend.CreateSnapshot(ctx, second))
	require.NoError(t, backend.MarkSnapshotReady(ctx, second))

	// The newly promoted snapshot is the authoritative one.
	ready, err := backend.GetReadySnapshot(ctx, "acme", "webapp", "main")
	require.NoError(t, err)
	assert.Equal(t, second.ExternalId, ready.ExternalId)

	// The first was demoted, not deleted.
	old, err := backend.GetSnapshot(ctx, first.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusFailed, old.Status)
	assert.Equal(t, "superseded", old.Error)
}

func TestMemoryBackendInvalidateSnapshots(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	snap := &types.Snapshot{
		Backend:   types.BackendMicroVM,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "main",
	}
	require.NoError(t, backend.CreateSnapshot(ctx, snap))
	require.NoError(t, backend.MarkSnapshotReady(ctx, snap))

	require.NoError(t, backend.InvalidateSnapshots(ctx, "acme", "webapp", "main"))

	_, err := backend.GetReadySnapshot(ctx, "acme", "webapp", "main")
	var notFound *types.ErrSnapshotNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMemoryBackendEnvironmentLifecycle(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	env := &types.Environment{
		Backend:        types.BackendContainer,
		RepoOwner:      "acme",
		RepoName:       "webapp",
		Branch:         "main",
		Status:         types.EnvironmentStatusRequested,
		HostName:       "env-test-1",
		CallbackSecret: "secret",
	}
	require.NoError(t, backend.CreateEnvironment(ctx, env))
	require.NotEmpty(t, env.ExternalId)

	byHost, err := backend.GetEnvironmentByHostName(ctx, "env-test-1")
	require.NoError(t, err)
	assert.Equal(t, env.ExternalId, byHost.ExternalId)

	require.NoError(t, backend.SetEnvironmentReady(ctx, env.ExternalId, true))

	got, err := backend.GetEnvironment(ctx, env.ExternalId)
	require.NoError(t, err)
	assert.Equal(t, types.EnvironmentStatusReady, got.Status)
	assert.True(t, got.HealthConfirmed)

	// Active lookup skips terminal environments.
	require.NoError(t, backend.UpdateEnvironmentStatus(ctx, env.ExternalId, types.EnvironmentStatusStopped))
	_, err = backend.GetActiveEnvironmentForRepo(ctx, "acme", "webapp", "main")
	var notFound *types.ErrEnvironmentNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMemoryBackendBashCommandResult(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	cmd := &types.BashCommand{EnvironmentId: 1, Command: "npm test"}
	require.NoError(t, backend.CreateBashCommand(ctx, cmd))
	assert.Equal(t, types.CommandStatusPending, cmd.Status)

	exitCode := 0
	require.NoError(t, backend.SetBashCommandResult(ctx, cmd.ExternalId, types.CommandStatusCompleted, "ok", &exitCode))

	got, err := backend.GetBashCommand(ctx, cmd.ExternalId)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	assert.NotNil(t, got.FinishedAt)
}

package repository

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// MemoryBackend is an in-memory BackendRepository used by tests. It mirrors
// the Postgres semantics, including the single-ready rule for snapshots and
// checkpoints.
type MemoryBackend struct {
	mu sync.Mutex

	nextId       uint
	environments map[string]*types.Environment
	snapshots    map[string]*types.Snapshot
	checkpoints  map[string]*types.Checkpoint
	fileChanges  map[string]*types.FileChange
	bashCommands map[string]*types.BashCommand
}

var _ BackendRepository = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		nextId:       1,
		environments: make(map[string]*types.Environment),
		snapshots:    make(map[string]*types.Snapshot),
		checkpoints:  make(map[string]*types.Checkpoint),
		fileChanges:  make(map[string]*types.FileChange),
		bashCommands: make(map[string]*types.BashCommand),
	}
}

func (m *MemoryBackend) allocId() uint {
	id := m.nextId
	m.nextId++
	return id
}

// Environment methods

func (m *MemoryBackend) CreateEnvironment(ctx context.Context, env *types.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env.Id = m.allocId()
	env.ExternalId = uuid.NewString()
	env.CreatedAt = time.Now()

	clone := *env
	m.environments[env.ExternalId] = &clone
	return nil
}

func (m *MemoryBackend) GetEnvironment(ctx context.Context, externalId string) (*types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return nil, &types.ErrEnvironmentNotFound{Name: externalId}
	}
	clone := *env
	return &clone, nil
}

func (m *MemoryBackend) GetEnvironmentByHostName(ctx context.Context, hostName string) (*types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, env := range m.environments {
		if env.HostName == hostName {
			clone := *env
			return &clone, nil
		}
	}
	return nil, &types.ErrEnvironmentNotFound{Name: hostName}
}

func (m *MemoryBackend) GetActiveEnvironmentForRepo(ctx context.Context, owner, repo, branch string) (*types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *types.Environment
	for _, env := range m.environments {
		if env.RepoOwner != owner || env.RepoName != repo || env.Branch != branch {
			continue
		}
		if env.Status.Terminal() {
			continue
		}
		if newest == nil || env.CreatedAt.After(newest.CreatedAt) {
			newest = env
		}
	}
	if newest == nil {
		return nil, &types.ErrEnvironmentNotFound{Name: owner + "/" + repo + "@" + branch}
	}
	clone := *newest
	return &clone, nil
}

func (m *MemoryBackend) ListEnvironments(ctx context.Context) ([]*types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	envs := make([]*types.Environment, 0, len(m.environments))
	for _, env := range m.environments {
		clone := *env
		envs = append(envs, &clone)
	}
	return envs, nil
}

func (m *MemoryBackend) UpdateEnvironmentStatus(ctx context.Context, externalId string, status types.EnvironmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.Status = status
	now := time.Now()
	env.LastActiveAt = &now
	return nil
}

func (m *MemoryBackend) SetEnvironmentReady(ctx context.Context, externalId string, healthConfirmed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.Status = types.EnvironmentStatusReady
	env.HealthConfirmed = healthConfirmed
	now := time.Now()
	env.LastActiveAt = &now
	return nil
}

func (m *MemoryBackend) SetEnvironmentFailed(ctx context.Context, externalId string, errMsg, logTail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.Status = types.EnvironmentStatusFailed
	env.Error = errMsg
	env.LogTail = logTail
	now := time.Now()
	env.LastActiveAt = &now
	return nil
}

func (m *MemoryBackend) SetEnvironmentNetwork(ctx context.Context, externalId, address string, appPort int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.NetworkAddress = address
	env.AppPort = appPort
	return nil
}

func (m *MemoryBackend) SetEnvironmentRestored(ctx context.Context, externalId string, restored bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.RestoredFromSnapshot = restored
	return nil
}

func (m *MemoryBackend) AppendEnvironmentLogTail(ctx context.Context, externalId, logTail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	env.LogTail = logTail
	return nil
}

func (m *MemoryBackend) TouchEnvironment(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.environments[externalId]
	if !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	now := time.Now()
	env.LastActiveAt = &now
	return nil
}

func (m *MemoryBackend) ListOverdueEnvironments(ctx context.Context, ceiling time.Duration) ([]*types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-ceiling)
	var envs []*types.Environment
	for _, env := range m.environments {
		if env.Status.Terminal() || env.Status == types.EnvironmentStatusReady {
			continue
		}
		if env.Status == types.EnvironmentStatusStopping {
			continue
		}
		if env.CreatedAt.Before(cutoff) {
			clone := *env
			envs = append(envs, &clone)
		}
	}
	return envs, nil
}

func (m *MemoryBackend) DeleteEnvironment(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[externalId]; !ok {
		return &types.ErrEnvironmentNotFound{Name: externalId}
	}
	delete(m.environments, externalId)
	return nil
}

// Snapshot methods

func (m *MemoryBackend) CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot.Id = m.allocId()
	snapshot.ExternalId = uuid.NewString()
	snapshot.Status = types.SnapshotStatusPending
	snapshot.CreatedAt = time.Now()

	clone := *snapshot
	m.snapshots[snapshot.ExternalId] = &clone
	return nil
}

func (m *MemoryBackend) GetSnapshot(ctx context.Context, externalId string) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[externalId]
	if !ok {
		return nil, &types.ErrSnapshotNotFound{RepoKey: externalId}
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryBackend) GetReadySnapshot(ctx context.Context, owner, repo, branch string) (*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.snapshots {
		if s.RepoOwner == owner && s.RepoName == repo && s.Branch == branch && s.Status == types.SnapshotStatusReady {
			clone := *s
			return &clone, nil
		}
	}
	return nil, &types.ErrSnapshotNotFound{RepoKey: owner + "/" + repo + "@" + branch}
}

func (m *MemoryBackend) MarkSnapshotReady(ctx context.Context, snapshot *types.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[snapshot.ExternalId]
	if !ok {
		return &types.ErrSnapshotNotFound{RepoKey: snapshot.ExternalId}
	}

	// Demote any previously ready snapshot for the same repo key.
	for _, other := range m.snapshots {
		if other.ExternalId == s.ExternalId {
			continue
		}
		if other.RepoOwner == s.RepoOwner && other.RepoName == s.RepoName && other.Branch == s.Branch &&
			other.Status == types.SnapshotStatusReady {
			other.Status = types.SnapshotStatusFailed
			other.Error = "superseded"
		}
	}

	s.Status = types.SnapshotStatusReady
	s.MemPath = snapshot.MemPath
	s.VMStatePath = snapshot.VMStatePath
	s.DiskPath = snapshot.DiskPath
	s.MemBytes = snapshot.MemBytes
	s.VMStateBytes = snapshot.VMStateBytes
	s.DiskBytes = snapshot.DiskBytes
	snapshot.Status = types.SnapshotStatusReady
	return nil
}

func (m *MemoryBackend) MarkSnapshotFailed(ctx context.Context, externalId, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[externalId]
	if !ok {
		return &types.ErrSnapshotNotFound{RepoKey: externalId}
	}
	s.Status = types.SnapshotStatusFailed
	s.Error = errMsg
	return nil
}

func (m *MemoryBackend) IncrementSnapshotUsage(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[externalId]
	if !ok {
		return &types.ErrSnapshotNotFound{RepoKey: externalId}
	}
	s.UsageCount++
	return nil
}

func (m *MemoryBackend) SetSnapshotS3Key(ctx context.Context, externalId, s3Key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snapshots[externalId]
	if !ok {
		return &types.ErrSnapshotNotFound{RepoKey: externalId}
	}
	s.S3Key = s3Key
	return nil
}

func (m *MemoryBackend) InvalidateSnapshots(ctx context.Context, owner, repo, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.snapshots {
		if s.RepoOwner == owner && s.RepoName == repo && s.Branch == branch && s.Status == types.SnapshotStatusReady {
			s.Status = types.SnapshotStatusFailed
			s.Error = "invalidated"
		}
	}
	return nil
}

func (m *MemoryBackend) ListSnapshotsOlderThan(ctx context.Context, age time.Duration) ([]*types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var out []*types.Snapshot
	for _, s := range m.snapshots {
		if s.CreatedAt.Before(cutoff) {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *MemoryBackend) DeleteSnapshot(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[externalId]; !ok {
		return &types.ErrSnapshotNotFound{RepoKey: externalId}
	}
	delete(m.snapshots, externalId)
	return nil
}

// Checkpoint methods

func (m *MemoryBackend) CreateCheckpoint(ctx context.Context, checkpoint *types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	checkpoint.Id = m.allocId()
	checkpoint.ExternalId = uuid.NewString()
	checkpoint.Status = types.SnapshotStatusPending
	checkpoint.CreatedAt = time.Now()

	clone := *checkpoint
	m.checkpoints[checkpoint.ExternalId] = &clone
	return nil
}

func (m *MemoryBackend) GetReadyCheckpoint(ctx context.Context, owner, repo, branch string) (*types.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.checkpoints {
		if c.RepoOwner == owner && c.RepoName == repo && c.Branch == branch && c.Status == types.SnapshotStatusReady {
			clone := *c
			return &clone, nil
		}
	}
	return nil, &types.ErrCheckpointNotFound{RepoKey: owner + "/" + repo + "@" + branch}
}

func (m *MemoryBackend) MarkCheckpointReady(ctx context.Context, checkpoint *types.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checkpoints[checkpoint.ExternalId]
	if !ok {
		return &types.ErrCheckpointNotFound{RepoKey: checkpoint.ExternalId}
	}

	for _, other := range m.checkpoints {
		if other.ExternalId == c.ExternalId {
			continue
		}
		if other.RepoOwner == c.RepoOwner && other.RepoName == c.RepoName && other.Branch == c.Branch &&
			other.Status == types.SnapshotStatusReady {
			other.Status = types.SnapshotStatusFailed
			other.Error = "superseded"
		}
	}

	c.Status = types.SnapshotStatusReady
	c.ImageTag = checkpoint.ImageTag
	checkpoint.Status = types.SnapshotStatusReady
	return nil
}

func (m *MemoryBackend) MarkCheckpointFailed(ctx context.Context, externalId, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.checkpoints[externalId]
	if !ok {
		return &types.ErrCheckpointNotFound{RepoKey: externalId}
	}
	c.Status = types.SnapshotStatusFailed
	c.Error = errMsg
	return nil
}

func (m *MemoryBackend) InvalidateCheckpoints(ctx context.Context, owner, repo, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.checkpoints {
		if c.RepoOwner == owner && c.RepoName == repo && c.Branch == branch && c.Status == types.SnapshotStatusReady {
			c.Status = types.SnapshotStatusFailed
			c.Error = "invalidated"
		}
	}
	return nil
}

// Bridge methods

func (m *MemoryBackend) CreateFileChange(ctx context.Context, change *types.FileChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	change.Id = m.allocId()
	change.ExternalId = uuid.NewString()
	change.CreatedAt = time.Now()

	clone := *change
	m.fileChanges[change.ExternalId] = &clone
	return nil
}

func (m *MemoryBackend) GetFileChange(ctx context.Context, externalId string) (*types.FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fileChanges[externalId]
	if !ok {
		return nil, &types.ErrFileChangeNotFound{ExternalId: externalId}
	}
	clone := *f
	return &clone, nil
}

func (m *MemoryBackend) SetFileChangeResult(ctx context.Context, externalId string, applied bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fileChanges[externalId]
	if !ok {
		return &types.ErrFileChangeNotFound{ExternalId: externalId}
	}
	f.Applied = applied
	f.Error = errMsg
	return nil
}

func (m *MemoryBackend) SetFileChangeReverted(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fileChanges[externalId]
	if !ok {
		return &types.ErrFileChangeNotFound{ExternalId: externalId}
	}
	f.Reverted = true
	return nil
}

func (m *MemoryBackend) CreateBashCommand(ctx context.Context, cmd *types.BashCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd.Id = m.allocId()
	cmd.ExternalId = uuid.NewString()
	cmd.Status = types.CommandStatusPending
	cmd.CreatedAt = time.Now()

	clone := *cmd
	m.bashCommands[cmd.ExternalId] = &clone
	return nil
}

func (m *MemoryBackend) GetBashCommand(ctx context.Context, externalId string) (*types.BashCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.bashCommands[externalId]
	if !ok {
		return nil, &types.ErrCommandNotFound{ExternalId: externalId}
	}
	clone := *c
	return &clone, nil
}

func (m *MemoryBackend) SetBashCommandRunning(ctx context.Context, externalId string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.bashCommands[externalId]
	if !ok {
		return &types.ErrCommandNotFound{ExternalId: externalId}
	}
	c.Status = types.CommandStatusRunning
	return nil
}

func (m *MemoryBackend) SetBashCommandResult(ctx context.Context, externalId string, status types.CommandStatus, output string, exitCode *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.bashCommands[externalId]
	if !ok {
		return &types.ErrCommandNotFound{ExternalId: externalId}
	}
	c.Status = status
	c.Output = output
	c.ExitCode = exitCode
	now := time.Now()
	c.FinishedAt = &now
	return nil
}

// Utilities

func (m *MemoryBackend) DB() *sql.DB { return nil }

func (m *MemoryBackend) Ping(ctx context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func (m *MemoryBackend) RunMigrations() error { return nil }

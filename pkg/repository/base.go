package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// EnvironmentRepository manages persisted environment records.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *types.Environment) error
	GetEnvironment(ctx context.Context, externalId string) (*types.Environment, error)
	GetEnvironmentByHostName(ctx context.Context, hostName string) (*types.Environment, error)
	GetActiveEnvironmentForRepo(ctx context.Context, owner, repo, branch string) (*types.Environment, error)
	ListEnvironments(ctx context.Context) ([]*types.Environment, error)

	UpdateEnvironmentStatus(ctx context.Context, externalId string, status types.EnvironmentStatus) error
	SetEnvironmentReady(ctx context.Context, externalId string, healthConfirmed bool) error
	SetEnvironmentFailed(ctx context.Context, externalId string, errMsg, logTail string) error
	SetEnvironmentNetwork(ctx context.Context, externalId, address string, appPort int) error
	SetEnvironmentRestored(ctx context.Context, externalId string, restored bool) error
	AppendEnvironmentLogTail(ctx context.Context, externalId, logTail string) error
	TouchEnvironment(ctx context.Context, externalId string) error

	// ListOverdueEnvironments returns non-terminal environments whose
	// provisioning has exceeded the overall ceiling; the janitor marks them
	// failed-by-timeout.
	ListOverdueEnvironments(ctx context.Context, ceiling time.Duration) ([]*types.Environment, error)
	DeleteEnvironment(ctx context.Context, externalId string) error
}

// SnapshotRepository manages snapshot metadata records. At most one ready
// snapshot per (owner, repo, branch) is authoritative at a time.
type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error
	GetSnapshot(ctx context.Context, externalId string) (*types.Snapshot, error)
	GetReadySnapshot(ctx context.Context, owner, repo, branch string) (*types.Snapshot, error)
	MarkSnapshotReady(ctx context.Context, snapshot *types.Snapshot) error
	MarkSnapshotFailed(ctx context.Context, externalId, errMsg string) error
	IncrementSnapshotUsage(ctx context.Context, externalId string) error
	SetSnapshotS3Key(ctx context.Context, externalId, s3Key string) error
	InvalidateSnapshots(ctx context.Context, owner, repo, branch string) error
	ListSnapshotsOlderThan(ctx context.Context, age time.Duration) ([]*types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, externalId string) error
}

// CheckpointRepository manages checkpoint metadata records, with the same
// single-ready ownership rule as snapshots.
type CheckpointRepository interface {
	CreateCheckpoint(ctx context.Context, checkpoint *types.Checkpoint) error
	GetReadyCheckpoint(ctx context.Context, owner, repo, branch string) (*types.Checkpoint, error)
	MarkCheckpointReady(ctx context.Context, checkpoint *types.Checkpoint) error
	MarkCheckpointFailed(ctx context.Context, externalId, errMsg string) error
	InvalidateCheckpoints(ctx context.Context, owner, repo, branch string) error
}

// BridgeRepository manages file-change and bash-command records consumed by
// the exec bridge. Terminal records are never re-executed.
type BridgeRepository interface {
	CreateFileChange(ctx context.Context, change *types.FileChange) error
	GetFileChange(ctx context.Context, externalId string) (*types.FileChange, error)
	SetFileChangeResult(ctx context.Context, externalId string, applied bool, errMsg string) error
	SetFileChangeReverted(ctx context.Context, externalId string) error

	CreateBashCommand(ctx context.Context, cmd *types.BashCommand) error
	GetBashCommand(ctx context.Context, externalId string) (*types.BashCommand, error)
	SetBashCommandRunning(ctx context.Context, externalId string) error
	SetBashCommandResult(ctx context.Context, externalId string, status types.CommandStatus, output string, exitCode *int) error
}

// BackendRepository is the persisted-state collaborator: an opaque store
// with get/query/mutate semantics and single-record atomicity.
type BackendRepository interface {
	EnvironmentRepository
	SnapshotRepository
	CheckpointRepository
	BridgeRepository

	// Database access
	DB() *sql.DB

	// Utilities
	Ping(ctx context.Context) error
	Close() error
	RunMigrations() error
}

// RuntimeRepository tracks live, non-authoritative environment state in
// Redis: last reported status, heartbeat, and a capped log-tail ring.
type RuntimeRepository interface {
	SetEnvironmentState(ctx context.Context, hostName string, status types.EnvironmentStatus) error
	GetEnvironmentState(ctx context.Context, hostName string) (types.EnvironmentStatus, error)
	SetEnvironmentKeepAlive(ctx context.Context, hostName string) error
	PushLogLines(ctx context.Context, hostName string, lines []string) error
	GetLogTail(ctx context.Context, hostName string, n int) ([]string, error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// Checkpoint methods on PostgresBackend

const checkpointColumns = `id, external_id, image_tag, COALESCE(source_env_id, 0), repo_owner, repo_name, branch,
       commit_sha, status, error, created_at`

// CreateCheckpoint inserts a pending checkpoint record
func (b *PostgresBackend) CreateCheckpoint(ctx context.Context, checkpoint *types.Checkpoint) error {
	query := `
		INSERT INTO checkpoint (image_tag, source_env_id, repo_owner, repo_name, branch, commit_sha, status)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, 'pending')
		RETURNING id, external_id, created_at
	`

	err := b.db.QueryRowContext(ctx, query,
		checkpoint.ImageTag,
		checkpoint.SourceEnvId,
		checkpoint.RepoOwner,
		checkpoint.RepoName,
		checkpoint.Branch,
		checkpoint.CommitSHA,
	).Scan(&checkpoint.Id, &checkpoint.ExternalId, &checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	checkpoint.Status = types.SnapshotStatusPending
	return nil
}

// GetReadyCheckpoint returns the authoritative checkpoint for a repo key
func (b *PostgresBackend) GetReadyCheckpoint(ctx context.Context, owner, repo, branch string) (*types.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM checkpoint
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3 AND status = 'ready'
	`, checkpointColumns)
	return b.scanCheckpoint(b.db.QueryRowContext(ctx, query, owner, repo, branch))
}

// MarkCheckpointReady promotes a checkpoint to ready, demoting any previous
// ready checkpoint for the repo key in the same transaction.
func (b *PostgresBackend) MarkCheckpointReady(ctx context.Context, checkpoint *types.Checkpoint) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE checkpoint SET status = 'failed', error = 'superseded'
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3
		  AND status = 'ready' AND external_id != $4
	`, checkpoint.RepoOwner, checkpoint.RepoName, checkpoint.Branch, checkpoint.ExternalId)
	if err != nil {
		return fmt.Errorf("failed to demote previous checkpoint: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE checkpoint SET status = 'ready', image_tag = $2 WHERE external_id = $1
	`, checkpoint.ExternalId, checkpoint.ImageTag)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint ready: %w", err)
	}
	if err := requireRow(res, &types.ErrCheckpointNotFound{RepoKey: checkpoint.ExternalId}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint ready: %w", err)
	}

	checkpoint.Status = types.SnapshotStatusReady
	return nil
}

// MarkCheckpointFailed records a failed commit
func (b *PostgresBackend) MarkCheckpointFailed(ctx context.Context, externalId, errMsg string) error {
	query := `UPDATE checkpoint SET status = 'failed', error = $2 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint failed: %w", err)
	}
	return requireRow(res, &types.ErrCheckpointNotFound{RepoKey: externalId})
}

// InvalidateCheckpoints demotes every ready checkpoint for a repo key
func (b *PostgresBackend) InvalidateCheckpoints(ctx context.Context, owner, repo, branch string) error {
	query := `
		UPDATE checkpoint SET status = 'failed', error = 'invalidated'
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3 AND status = 'ready'
	`
	_, err := b.db.ExecContext(ctx, query, owner, repo, branch)
	if err != nil {
		return fmt.Errorf("failed to invalidate checkpoints: %w", err)
	}
	return nil
}

func (b *PostgresBackend) scanCheckpoint(row *sql.Row) (*types.Checkpoint, error) {
	c := &types.Checkpoint{}

	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.ImageTag,
		&c.SourceEnvId,
		&c.RepoOwner,
		&c.RepoName,
		&c.Branch,
		&c.CommitSHA,
		&c.Status,
		&c.Error,
		&c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrCheckpointNotFound{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return c, nil
}

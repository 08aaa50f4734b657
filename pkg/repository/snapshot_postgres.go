package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// Snapshot methods on PostgresBackend

const snapshotColumns = `id, external_id, backend, repo_owner, repo_name, branch, commit_sha,
       mem_path, vmstate_path, disk_path, s3_key, mem_bytes, vmstate_bytes, disk_bytes,
       status, usage_count, error, created_at`

// CreateSnapshot inserts a pending snapshot record. The record becomes
// authoritative only once MarkSnapshotReady succeeds.
func (b *PostgresBackend) CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	query := `
		INSERT INTO snapshot (backend, repo_owner, repo_name, branch, commit_sha, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING id, external_id, created_at
	`

	err := b.db.QueryRowContext(ctx, query,
		snapshot.Backend,
		snapshot.RepoOwner,
		snapshot.RepoName,
		snapshot.Branch,
		snapshot.CommitSHA,
	).Scan(&snapshot.Id, &snapshot.ExternalId, &snapshot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	snapshot.Status = types.SnapshotStatusPending
	return nil
}

// GetSnapshot retrieves a snapshot by external ID
func (b *PostgresBackend) GetSnapshot(ctx context.Context, externalId string) (*types.Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM snapshot WHERE external_id = $1`, snapshotColumns)
	return b.scanSnapshot(b.db.QueryRowContext(ctx, query, externalId))
}

// GetReadySnapshot returns the single authoritative snapshot for a repo key,
// or ErrSnapshotNotFound when none is ready.
func (b *PostgresBackend) GetReadySnapshot(ctx context.Context, owner, repo, branch string) (*types.Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3 AND status = 'ready'
	`, snapshotColumns)
	return b.scanSnapshot(b.db.QueryRowContext(ctx, query, owner, repo, branch))
}

// MarkSnapshotReady promotes a pending snapshot to ready, recording the
// artifact paths and sizes. Any previously ready snapshot for the same repo
// key is demoted in the same transaction so the partial unique index on
// ready rows always holds.
func (b *PostgresBackend) MarkSnapshotReady(ctx context.Context, snapshot *types.Snapshot) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE snapshot SET status = 'failed', error = 'superseded'
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3
		  AND status = 'ready' AND external_id != $4
	`, snapshot.RepoOwner, snapshot.RepoName, snapshot.Branch, snapshot.ExternalId)
	if err != nil {
		return fmt.Errorf("failed to demote previous snapshot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE snapshot
		SET status = 'ready', mem_path = $2, vmstate_path = $3, disk_path = $4,
		    mem_bytes = $5, vmstate_bytes = $6, disk_bytes = $7
		WHERE external_id = $1
	`, snapshot.ExternalId,
		snapshot.MemPath, snapshot.VMStatePath, snapshot.DiskPath,
		snapshot.MemBytes, snapshot.VMStateBytes, snapshot.DiskBytes)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot ready: %w", err)
	}
	if err := requireRow(res, &types.ErrSnapshotNotFound{RepoKey: snapshot.ExternalId}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot ready: %w", err)
	}

	snapshot.Status = types.SnapshotStatusReady
	return nil
}

// MarkSnapshotFailed records a failed capture
func (b *PostgresBackend) MarkSnapshotFailed(ctx context.Context, externalId, errMsg string) error {
	query := `UPDATE snapshot SET status = 'failed', error = $2 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark snapshot failed: %w", err)
	}
	return requireRow(res, &types.ErrSnapshotNotFound{RepoKey: externalId})
}

// IncrementSnapshotUsage bumps the restore counter
func (b *PostgresBackend) IncrementSnapshotUsage(ctx context.Context, externalId string) error {
	query := `UPDATE snapshot SET usage_count = usage_count + 1 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to increment snapshot usage: %w", err)
	}
	return requireRow(res, &types.ErrSnapshotNotFound{RepoKey: externalId})
}

// InvalidateSnapshots demotes every ready snapshot for a repo key. Called
// when the branch head moves past what the snapshot captured.
func (b *PostgresBackend) InvalidateSnapshots(ctx context.Context, owner, repo, branch string) error {
	query := `
		UPDATE snapshot SET status = 'failed', error = 'invalidated'
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3 AND status = 'ready'
	`
	_, err := b.db.ExecContext(ctx, query, owner, repo, branch)
	if err != nil {
		return fmt.Errorf("failed to invalidate snapshots: %w", err)
	}
	return nil
}

// ListSnapshotsOlderThan returns snapshots past the retention age, ready or
// not, for the cleanup sweep.
func (b *PostgresBackend) ListSnapshotsOlderThan(ctx context.Context, age time.Duration) ([]*types.Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot
		WHERE created_at < CURRENT_TIMESTAMP - $1::interval
	`, snapshotColumns)

	rows, err := b.db.QueryContext(ctx, query, fmt.Sprintf("%d seconds", int(age.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to list old snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*types.Snapshot
	for rows.Next() {
		s, err := scanSnapshotRow(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}

	return snapshots, rows.Err()
}

// DeleteSnapshot removes a snapshot record
func (b *PostgresBackend) DeleteSnapshot(ctx context.Context, externalId string) error {
	query := `DELETE FROM snapshot WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return requireRow(res, &types.ErrSnapshotNotFound{RepoKey: externalId})
}

func (b *PostgresBackend) scanSnapshot(row *sql.Row) (*types.Snapshot, error) {
	s := &types.Snapshot{}

	err := row.Scan(
		&s.Id,
		&s.ExternalId,
		&s.Backend,
		&s.RepoOwner,
		&s.RepoName,
		&s.Branch,
		&s.CommitSHA,
		&s.MemPath,
		&s.VMStatePath,
		&s.DiskPath,
		&s.S3Key,
		&s.MemBytes,
		&s.VMStateBytes,
		&s.DiskBytes,
		&s.Status,
		&s.UsageCount,
		&s.Error,
		&s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrSnapshotNotFound{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	return s, nil
}

func scanSnapshotRow(rows *sql.Rows) (*types.Snapshot, error) {
	s := &types.Snapshot{}

	err := rows.Scan(
		&s.Id,
		&s.ExternalId,
		&s.Backend,
		&s.RepoOwner,
		&s.RepoName,
		&s.Branch,
		&s.CommitSHA,
		&s.MemPath,
		&s.VMStatePath,
		&s.DiskPath,
		&s.S3Key,
		&s.MemBytes,
		&s.VMStateBytes,
		&s.DiskBytes,
		&s.Status,
		&s.UsageCount,
		&s.Error,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	return s, nil
}

// SetSnapshotS3Key records the archive location after the async upload
// completes.
func (b *PostgresBackend) SetSnapshotS3Key(ctx context.Context, externalId, s3Key string) error {
	query := `UPDATE snapshot SET s3_key = $2 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, s3Key)
	if err != nil {
		return fmt.Errorf("failed to set snapshot s3 key: %w", err)
	}
	return requireRow(res, &types.ErrSnapshotNotFound{RepoKey: externalId})
}

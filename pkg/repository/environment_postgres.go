package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// Environment methods on PostgresBackend

const environmentColumns = `id, external_id, backend, repo_owner, repo_name, branch, status, health_confirmed,
       host_name, network_address, app_port, callback_secret, restored_from_snapshot, error, log_tail,
       created_at, last_active_at`

// CreateEnvironment inserts a new environment record
func (b *PostgresBackend) CreateEnvironment(ctx context.Context, env *types.Environment) error {
	query := `
		INSERT INTO environment (backend, repo_owner, repo_name, branch, status, host_name, callback_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, external_id, created_at
	`

	err := b.db.QueryRowContext(ctx, query,
		env.Backend,
		env.RepoOwner,
		env.RepoName,
		env.Branch,
		env.Status,
		env.HostName,
		env.CallbackSecret,
	).Scan(&env.Id, &env.ExternalId, &env.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create environment: %w", err)
	}

	return nil
}

// GetEnvironment retrieves an environment by external ID
func (b *PostgresBackend) GetEnvironment(ctx context.Context, externalId string) (*types.Environment, error) {
	query := fmt.Sprintf(`SELECT %s FROM environment WHERE external_id = $1`, environmentColumns)
	return b.scanEnvironment(b.db.QueryRowContext(ctx, query, externalId))
}

// GetEnvironmentByHostName retrieves an environment by its host-assigned
// resource name. Callback reports address environments by this name.
func (b *PostgresBackend) GetEnvironmentByHostName(ctx context.Context, hostName string) (*types.Environment, error) {
	query := fmt.Sprintf(`SELECT %s FROM environment WHERE host_name = $1`, environmentColumns)
	return b.scanEnvironment(b.db.QueryRowContext(ctx, query, hostName))
}

// GetActiveEnvironmentForRepo returns the newest non-terminal environment
// for a (owner, repo, branch) key.
func (b *PostgresBackend) GetActiveEnvironmentForRepo(ctx context.Context, owner, repo, branch string) (*types.Environment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM environment
		WHERE repo_owner = $1 AND repo_name = $2 AND branch = $3
		  AND status NOT IN ('stopped', 'failed')
		ORDER BY created_at DESC
		LIMIT 1
	`, environmentColumns)
	return b.scanEnvironment(b.db.QueryRowContext(ctx, query, owner, repo, branch))
}

// ListEnvironments returns the 100 most recent environments
func (b *PostgresBackend) ListEnvironments(ctx context.Context) ([]*types.Environment, error) {
	query := fmt.Sprintf(`SELECT %s FROM environment ORDER BY created_at DESC LIMIT 100`, environmentColumns)

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var envs []*types.Environment
	for rows.Next() {
		env, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, rows.Err()
}

// UpdateEnvironmentStatus sets the environment status
func (b *PostgresBackend) UpdateEnvironmentStatus(ctx context.Context, externalId string, status types.EnvironmentStatus) error {
	query := `UPDATE environment SET status = $2, last_active_at = CURRENT_TIMESTAMP WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, status)
	if err != nil {
		return fmt.Errorf("failed to update environment status: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// SetEnvironmentReady marks an environment ready, recording whether the
// health check actually confirmed the dev server responded.
func (b *PostgresBackend) SetEnvironmentReady(ctx context.Context, externalId string, healthConfirmed bool) error {
	query := `
		UPDATE environment
		SET status = 'ready', health_confirmed = $2, last_active_at = CURRENT_TIMESTAMP
		WHERE external_id = $1
	`
	res, err := b.db.ExecContext(ctx, query, externalId, healthConfirmed)
	if err != nil {
		return fmt.Errorf("failed to set environment ready: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// SetEnvironmentFailed marks an environment failed with the error and a
// bounded log tail
func (b *PostgresBackend) SetEnvironmentFailed(ctx context.Context, externalId string, errMsg, logTail string) error {
	query := `
		UPDATE environment
		SET status = 'failed', error = $2, log_tail = $3, last_active_at = CURRENT_TIMESTAMP
		WHERE external_id = $1
	`
	res, err := b.db.ExecContext(ctx, query, externalId, errMsg, logTail)
	if err != nil {
		return fmt.Errorf("failed to set environment failed: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// SetEnvironmentNetwork records the environment's reachable address and port
func (b *PostgresBackend) SetEnvironmentNetwork(ctx context.Context, externalId, address string, appPort int) error {
	query := `UPDATE environment SET network_address = $2, app_port = $3 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, address, appPort)
	if err != nil {
		return fmt.Errorf("failed to set environment network: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// SetEnvironmentRestored flags an environment as snapshot-restored
func (b *PostgresBackend) SetEnvironmentRestored(ctx context.Context, externalId string, restored bool) error {
	query := `UPDATE environment SET restored_from_snapshot = $2 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, restored)
	if err != nil {
		return fmt.Errorf("failed to set environment restored: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// AppendEnvironmentLogTail replaces the stored log tail (already bounded by
// the caller to the last N lines)
func (b *PostgresBackend) AppendEnvironmentLogTail(ctx context.Context, externalId, logTail string) error {
	query := `UPDATE environment SET log_tail = $2 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, logTail)
	if err != nil {
		return fmt.Errorf("failed to update environment log tail: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// TouchEnvironment bumps last_active_at
func (b *PostgresBackend) TouchEnvironment(ctx context.Context, externalId string) error {
	query := `UPDATE environment SET last_active_at = CURRENT_TIMESTAMP WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to touch environment: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// ListOverdueEnvironments returns environments still provisioning past the
// overall ceiling
func (b *PostgresBackend) ListOverdueEnvironments(ctx context.Context, ceiling time.Duration) ([]*types.Environment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM environment
		WHERE status IN ('requested', 'booting', 'cloning', 'installing', 'restoring', 'starting')
		  AND created_at < CURRENT_TIMESTAMP - $1::interval
	`, environmentColumns)

	rows, err := b.db.QueryContext(ctx, query, fmt.Sprintf("%d seconds", int(ceiling.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue environments: %w", err)
	}
	defer rows.Close()

	var envs []*types.Environment
	for rows.Next() {
		env, err := scanEnvironmentRow(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, rows.Err()
}

// DeleteEnvironment removes an environment record
func (b *PostgresBackend) DeleteEnvironment(ctx context.Context, externalId string) error {
	query := `DELETE FROM environment WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	return requireRow(res, &types.ErrEnvironmentNotFound{Name: externalId})
}

// scanEnvironment scans a single environment row
func (b *PostgresBackend) scanEnvironment(row *sql.Row) (*types.Environment, error) {
	env := &types.Environment{}
	var lastActiveAt sql.NullTime

	err := row.Scan(
		&env.Id,
		&env.ExternalId,
		&env.Backend,
		&env.RepoOwner,
		&env.RepoName,
		&env.Branch,
		&env.Status,
		&env.HealthConfirmed,
		&env.HostName,
		&env.NetworkAddress,
		&env.AppPort,
		&env.CallbackSecret,
		&env.RestoredFromSnapshot,
		&env.Error,
		&env.LogTail,
		&env.CreatedAt,
		&lastActiveAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrEnvironmentNotFound{}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	if lastActiveAt.Valid {
		env.LastActiveAt = &lastActiveAt.Time
	}

	return env, nil
}

func scanEnvironmentRow(rows *sql.Rows) (*types.Environment, error) {
	env := &types.Environment{}
	var lastActiveAt sql.NullTime

	err := rows.Scan(
		&env.Id,
		&env.ExternalId,
		&env.Backend,
		&env.RepoOwner,
		&env.RepoName,
		&env.Branch,
		&env.Status,
		&env.HealthConfirmed,
		&env.HostName,
		&env.NetworkAddress,
		&env.AppPort,
		&env.CallbackSecret,
		&env.RestoredFromSnapshot,
		&env.Error,
		&env.LogTail,
		&env.CreatedAt,
		&lastActiveAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan environment: %w", err)
	}

	if lastActiveAt.Valid {
		env.LastActiveAt = &lastActiveAt.Time
	}

	return env, nil
}

// requireRow converts a zero-row update into the given not-found error
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

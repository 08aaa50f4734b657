package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/drydock-cloud/drydock/pkg/types"
)

/// Bridge methods on PostgresBackend: file-change and bash-command records

// CreateFileChange inserts a pending file change batch
func (b *PostgresBackend) CreateFileChange(ctx context.Context, change *types.FileChange) error {
	filesJSON, err := json.Marshal(change.Files)
	if err != nil {
		return fmt.Errorf("failed to marshal file change: %w", err)
	}

	query := `
		INSERT INTO file_change (environment_id, files)
		VALUES ($1, $2)
		RETURNING id, external_id, created_at
	`

	err = b.db.QueryRowContext(ctx, query, change.EnvironmentId, filesJSON).
		Scan(&change.Id, &change.ExternalId, &change.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file change: %w", err)
	}

	return nil
}

// GetFileChange retrieves a file change by external ID
func (b *PostgresBackend) GetFileChange(ctx context.Context, externalId string) (*types.FileChange, error) {
	query := `
		SELECT id, external_id, environment_id, files, applied, reverted, error, created_at
		FROM file_change WHERE external_id = $1
	`

	change := &types.FileChange{}
	var filesJSON []byte

	err := b.db.QueryRowContext(ctx, query, externalId).Scan(
		&change.Id,
		&change.ExternalId,
		&change.EnvironmentId,
		&filesJSON,
		&change.Applied,
		&change.Reverted,
		&change.Error,
		&change.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrFileChangeNotFound{ExternalId: externalId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file change: %w", err)
	}

	if err := json.Unmarshal(filesJSON, &change.Files); err != nil {
		return nil, fmt.Errorf("failed to unmarshal file change: %w", err)
	}

	return change, nil
}

// SetFileChangeResult records the outcome of applying a file change
func (b *PostgresBackend) SetFileChangeResult(ctx context.Context, externalId string, applied bool, errMsg string) error {
	query := `UPDATE file_change SET applied = $2, error = $3 WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId, applied, errMsg)
	if err != nil {
		return fmt.Errorf("failed to set file change result: %w", err)
	}
	return requireRow(res, &types.ErrFileChangeNotFound{ExternalId: externalId})
}

// SetFileChangeReverted marks a change as rolled back to original contents
func (b *PostgresBackend) SetFileChangeReverted(ctx context.Context, externalId string) error {
	query := `UPDATE file_change SET reverted = TRUE WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to set file change reverted: %w", err)
	}
	return requireRow(res, &types.ErrFileChangeNotFound{ExternalId: externalId})
}

// CreateBashCommand inserts a pending command record
func (b *PostgresBackend) CreateBashCommand(ctx context.Context, cmd *types.BashCommand) error {
	query := `
		INSERT INTO bash_command (environment_id, command, status)
		VALUES ($1, $2, 'pending')
		RETURNING id, external_id, created_at
	`

	err := b.db.QueryRowContext(ctx, query, cmd.EnvironmentId, cmd.Command).
		Scan(&cmd.Id, &cmd.ExternalId, &cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create bash command: %w", err)
	}

	cmd.Status = types.CommandStatusPending
	return nil
}

// GetBashCommand retrieves a command by external ID
func (b *PostgresBackend) GetBashCommand(ctx context.Context, externalId string) (*types.BashCommand, error) {
	query := `
		SELECT id, external_id, environment_id, command, status, output, exit_code, created_at, finished_at
		FROM bash_command WHERE external_id = $1
	`

	cmd := &types.BashCommand{}
	var exitCode sql.NullInt32
	var finishedAt sql.NullTime

	err := b.db.QueryRowContext(ctx, query, externalId).Scan(
		&cmd.Id,
		&cmd.ExternalId,
		&cmd.EnvironmentId,
		&cmd.Command,
		&cmd.Status,
		&cmd.Output,
		&exitCode,
		&cmd.CreatedAt,
		&finishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &types.ErrCommandNotFound{ExternalId: externalId}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bash command: %w", err)
	}

	if exitCode.Valid {
		code := int(exitCode.Int32)
		cmd.ExitCode = &code
	}
	if finishedAt.Valid {
		cmd.FinishedAt = &finishedAt.Time
	}

	return cmd, nil
}

// SetBashCommandRunning marks a command as picked up for execution
func (b *PostgresBackend) SetBashCommandRunning(ctx context.Context, externalId string) error {
	query := `UPDATE bash_command SET status = 'running' WHERE external_id = $1`
	res, err := b.db.ExecContext(ctx, query, externalId)
	if err != nil {
		return fmt.Errorf("failed to mark bash command running: %w", err)
	}
	return requireRow(res, &types.ErrCommandNotFound{ExternalId: externalId})
}

// SetBashCommandResult records the terminal outcome of a command
func (b *PostgresBackend) SetBashCommandResult(ctx context.Context, externalId string, status types.CommandStatus, output string, exitCode *int) error {
	var code sql.NullInt32
	if exitCode != nil {
		code = sql.NullInt32{Int32: int32(*exitCode), Valid: true}
	}

	query := `
		UPDATE bash_command
		SET status = $2, output = $3, exit_code = $4, finished_at = CURRENT_TIMESTAMP
		WHERE external_id = $1
	`
	res, err := b.db.ExecContext(ctx, query, externalId, status, output, code)
	if err != nil {
		return fmt.Errorf("failed to set bash command result: %w", err)
	}
	return requireRow(res, &types.ErrCommandNotFound{ExternalId: externalId})
}

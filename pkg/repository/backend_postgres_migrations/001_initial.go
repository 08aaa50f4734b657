package backend_postgres_migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upInitial, downInitial)
}

func upInitial(tx *sql.Tx) error {
	// Ensure UUID extension is available
	if _, err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return err
	}

	createStatements := []string{
		// Status enums (lowercase to match Go constants)
		`CREATE TYPE environment_status AS ENUM ('requested', 'booting', 'cloning', 'installing', 'restoring', 'starting', 'ready', 'stopping', 'stopped', 'failed');`,
		`CREATE TYPE backend_kind AS ENUM ('microvm', 'container', 'remote-sandbox');`,
		`CREATE TYPE snapshot_status AS ENUM ('pending', 'ready', 'failed');`,
		`CREATE TYPE command_status AS ENUM ('pending', 'running', 'completed', 'failed');`,

		// Environments table
		`CREATE TABLE IF NOT EXISTS environment (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			backend backend_kind NOT NULL,
			repo_owner VARCHAR(255) NOT NULL,
			repo_name VARCHAR(255) NOT NULL,
			branch VARCHAR(255) NOT NULL,
			status environment_status NOT NULL DEFAULT 'requested',
			health_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			host_name VARCHAR(255) UNIQUE NOT NULL,
			network_address VARCHAR(255) DEFAULT '',
			app_port INTEGER DEFAULT 0,
			callback_secret VARCHAR(128) NOT NULL,
			restored_from_snapshot BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT DEFAULT '',
			log_tail TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			last_active_at TIMESTAMP WITH TIME ZONE
		);`,

		// Snapshots table
		`CREATE TABLE IF NOT EXISTS snapshot (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			backend backend_kind NOT NULL,
			repo_owner VARCHAR(255) NOT NULL,
			repo_name VARCHAR(255) NOT NULL,
			branch VARCHAR(255) NOT NULL,
			commit_sha VARCHAR(64) DEFAULT '',
			mem_path TEXT DEFAULT '',
			vmstate_path TEXT DEFAULT '',
			disk_path TEXT DEFAULT '',
			s3_key TEXT DEFAULT '',
			mem_bytes BIGINT DEFAULT 0,
			vmstate_bytes BIGINT DEFAULT 0,
			disk_bytes BIGINT DEFAULT 0,
			status snapshot_status NOT NULL DEFAULT 'pending',
			usage_count INTEGER NOT NULL DEFAULT 0,
			error TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Checkpoints table
		`CREATE TABLE IF NOT EXISTS checkpoint (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			image_tag VARCHAR(512) NOT NULL,
			source_env_id INT REFERENCES environment(id) ON DELETE SET NULL,
			repo_owner VARCHAR(255) NOT NULL,
			repo_name VARCHAR(255) NOT NULL,
			branch VARCHAR(255) NOT NULL,
			commit_sha VARCHAR(64) DEFAULT '',
			status snapshot_status NOT NULL DEFAULT 'pending',
			error TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// File changes table
		`CREATE TABLE IF NOT EXISTS file_change (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			environment_id INT NOT NULL REFERENCES environment(id) ON DELETE CASCADE,
			files JSONB NOT NULL DEFAULT '[]',
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			reverted BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT DEFAULT '',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);`,

		// Bash commands table
		`CREATE TABLE IF NOT EXISTS bash_command (
			id SERIAL PRIMARY KEY,
			external_id UUID DEFAULT uuid_generate_v4() UNIQUE NOT NULL,
			environment_id INT NOT NULL REFERENCES environment(id) ON DELETE CASCADE,
			command TEXT NOT NULL,
			status command_status NOT NULL DEFAULT 'pending',
			output TEXT DEFAULT '',
			exit_code INTEGER,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			finished_at TIMESTAMP WITH TIME ZONE
		);`,

		// At most one ready snapshot/checkpoint per (owner, repo, branch)
		`CREATE UNIQUE INDEX idx_snapshot_ready_key ON snapshot(repo_owner, repo_name, branch) WHERE status = 'ready';`,
		`CREATE UNIQUE INDEX idx_checkpoint_ready_key ON checkpoint(repo_owner, repo_name, branch) WHERE status = 'ready';`,

		// Indexes
		`CREATE INDEX idx_environment_repo ON environment(repo_owner, repo_name, branch);`,
		`CREATE INDEX idx_environment_status ON environment(status);`,
		`CREATE INDEX idx_environment_host_name ON environment(host_name);`,
		`CREATE INDEX idx_snapshot_repo ON snapshot(repo_owner, repo_name, branch);`,
		`CREATE INDEX idx_file_change_environment ON file_change(environment_id);`,
		`CREATE INDEX idx_bash_command_environment ON bash_command(environment_id);`,
	}

	for _, stmt := range createStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func downInitial(tx *sql.Tx) error {
	dropStatements := []string{
		`DROP TABLE IF EXISTS bash_command;`,
		`DROP TABLE IF EXISTS file_change;`,
		`DROP TABLE IF EXISTS checkpoint;`,
		`DROP TABLE IF EXISTS snapshot;`,
		`DROP TABLE IF EXISTS environment;`,
		`DROP TYPE IF EXISTS command_status;`,
		`DROP TYPE IF EXISTS snapshot_status;`,
		`DROP TYPE IF EXISTS backend_kind;`,
		`DROP TYPE IF EXISTS environment_status;`,
	}

	for _, stmt := range dropStatements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

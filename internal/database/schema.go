package database

import (
	"fmt"
	"strings"
)

// schema is shared by both dialects; BLOB is rewritten to BYTEA for postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		prompt TEXT NOT NULL,
		plan TEXT NOT NULL DEFAULT '',
		step_count BIGINT NOT NULL DEFAULT 0,
		max_steps BIGINT NOT NULL DEFAULT 0,
		credits_reserved BIGINT NOT NULL DEFAULT 0,
		credits_consumed BIGINT NOT NULL DEFAULT 0,
		max_credits BIGINT NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		checkpoint_id TEXT NOT NULL DEFAULT '',
		sandbox_id TEXT NOT NULL DEFAULT '',
		pending_input TEXT NOT NULL DEFAULT '',
		result_json TEXT NOT NULL DEFAULT '',
		error_json TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		started_at BIGINT NOT NULL DEFAULT 0,
		completed_at BIGINT NOT NULL DEFAULT 0,
		timeout_at BIGINT NOT NULL DEFAULT 0,
		status_entered_at BIGINT NOT NULL,
		last_progress_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, status_entered_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS plan_revisions (
		run_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		plan TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (run_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sequence_number BIGINT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		plan_version INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		tool TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		error_json TEXT NOT NULL DEFAULT '',
		credits BIGINT NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL DEFAULT '',
		duration_ns BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		UNIQUE (run_id, sequence_number)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_steps_phase ON steps(run_id, phase_id, sequence_number)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		type TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		step_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		attempts_made INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		reprocess_attempts INTEGER NOT NULL DEFAULT 0,
		history TEXT NOT NULL DEFAULT '[]',
		last_error TEXT NOT NULL DEFAULT '',
		run_at BIGINT NOT NULL,
		locked_by TEXT NOT NULL DEFAULT '',
		locked_until BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		completed_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_active_key ON jobs(queue, idempotency_key) WHERE status IN ('queued', 'running')`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(queue, status, run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs(queue, idempotency_key, updated_at)`,

	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		type TEXT NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		history TEXT NOT NULL DEFAULT '[]',
		attempts_made INTEGER NOT NULL DEFAULT 0,
		reprocess_attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		failed_at BIGINT NOT NULL,
		reprocessed_at BIGINT NOT NULL DEFAULT 0,
		reprocessed_job_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_queue ON dead_letters(queue, status, failed_at)`,

	`CREATE TABLE IF NOT EXISTS credit_accounts (
		tenant_id TEXT NOT NULL,
		account TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (tenant_id, account)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		account TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_entries(reference_type, reference_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_tenant ON ledger_entries(tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		run_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		consumed BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		step_count BIGINT NOT NULL,
		plan_version INTEGER NOT NULL DEFAULT 0,
		memory BLOB,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id, step_count)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		run_version BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		from_status TEXT NOT NULL DEFAULT '',
		to_status TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		delivered_at BIGINT NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		UNIQUE (run_id, run_version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(delivered_at, created_at)`,
}

func (d *Database) initSchema() error {
	for _, stmt := range schema {
		if d.dialect == DialectPostgres {
			stmt = strings.ReplaceAll(stmt, " BLOB", " BYTEA")
		}
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

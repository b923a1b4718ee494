package migrations

// Migration is a single idempotent schema step.
type Migration struct {
	ID     string
	Script string
}

// All lists migrations in application order.
var All = []Migration{
	{
		ID: "0001_fleet_state",
		Script: `
CREATE TABLE IF NOT EXISTS circuit_states (
    dependency_id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    opened_at TIMESTAMP,
    window_start TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS runner_credentials (
    id TEXT PRIMARY KEY,
    runner_id TEXT NOT NULL,
    value TEXT NOT NULL,
    status TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_credential
    ON runner_credentials (runner_id)
    WHERE status = 'ACTIVE';

CREATE TABLE IF NOT EXISTS runner_records (
    runner_id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    labels TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL,
    last_seen_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runner_records_group
    ON runner_records (group_id);

CREATE TABLE IF NOT EXISTS queue_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id TEXT NOT NULL,
    queued_count INTEGER NOT NULL,
    in_progress_count INTEGER NOT NULL,
    idle_runners INTEGER NOT NULL,
    busy_runners INTEGER NOT NULL,
    oldest_wait_seconds INTEGER NOT NULL,
    sampled_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_snapshots_group_time
    ON queue_snapshots (group_id, sampled_at);

CREATE TABLE IF NOT EXISTS scale_decisions (
    id TEXT PRIMARY KEY,
    group_id TEXT NOT NULL,
    action TEXT NOT NULL,
    delta INTEGER NOT NULL,
    reason TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scale_decisions_group_time
    ON scale_decisions (group_id, issued_at);

CREATE TABLE IF NOT EXISTS partition_locks (
    key TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);
`,
	},
}

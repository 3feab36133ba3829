package sql

// Schema returns the DDL for the scheduler store.
// The schema is an external interface shared with the dag processor and
// workers; it is kept here so tests and the migrate-database command can
// create it without a separate migrations directory.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS dag (
    dag_id text PRIMARY KEY,
    is_paused boolean NOT NULL DEFAULT false,
    max_active_runs int NOT NULL DEFAULT 16,
    max_active_tasks int NOT NULL DEFAULT 16,
    default_executor text NOT NULL DEFAULT '',
    dag_run_timeout_seconds bigint NOT NULL DEFAULT 0,
    next_run_after timestamptz,
    next_data_interval_start timestamptz,
    next_data_interval_end timestamptz
);

CREATE TABLE IF NOT EXISTS serialized_dag (
    dag_id text NOT NULL,
    version int NOT NULL,
    data jsonb NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (dag_id, version)
);

CREATE TABLE IF NOT EXISTS dag_run (
    dag_id text NOT NULL,
    run_id text NOT NULL,
    state text NOT NULL,
    run_type text NOT NULL,
    logical_date timestamptz NOT NULL,
    run_after timestamptz NOT NULL,
    data_interval_start timestamptz,
    data_interval_end timestamptz,
    max_active_runs int NOT NULL DEFAULT 16,
    backfill_id text NOT NULL DEFAULT '',
    creating_job_id text NOT NULL DEFAULT '',
    started_at timestamptz,
    timeout_seconds bigint NOT NULL DEFAULT 0,
    last_scheduling_decision timestamptz,
    asset_event_ids text[],
    PRIMARY KEY (dag_id, run_id)
);
CREATE INDEX IF NOT EXISTS idx_dag_run_state ON dag_run (state, dag_id);

CREATE TABLE IF NOT EXISTS task_instance (
    dag_id text NOT NULL,
    task_id text NOT NULL,
    run_id text NOT NULL,
    map_index int NOT NULL DEFAULT -1,
    state text NOT NULL DEFAULT '',
    try_number int NOT NULL DEFAULT 0,
    max_tries int NOT NULL DEFAULT 1,
    queued_by_job_id text NOT NULL DEFAULT '',
    queued_dttm timestamptz,
    last_heartbeat_at timestamptz,
    pool text NOT NULL DEFAULT 'default_pool',
    pool_slots int NOT NULL DEFAULT 1,
    priority_weight int NOT NULL DEFAULT 1,
    executor text NOT NULL DEFAULT '',
    operator text NOT NULL DEFAULT '',
    trigger_timeout timestamptz,
    next_method text NOT NULL DEFAULT '',
    PRIMARY KEY (dag_id, task_id, run_id, map_index)
);
CREATE INDEX IF NOT EXISTS idx_task_instance_state ON task_instance (state);
CREATE INDEX IF NOT EXISTS idx_task_instance_pool ON task_instance (pool, state);

CREATE TABLE IF NOT EXISTS pool (
    name text PRIMARY KEY,
    slots int NOT NULL,
    include_deferred boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS job (
    id text PRIMARY KEY,
    job_type text NOT NULL,
    state text NOT NULL,
    latest_heartbeat timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS backfill (
    id text PRIMARY KEY,
    dag_id text NOT NULL,
    from_date timestamptz NOT NULL,
    to_date timestamptz NOT NULL,
    max_active_runs int NOT NULL DEFAULT 1,
    is_paused boolean NOT NULL DEFAULT false,
    completed_at timestamptz
);

CREATE TABLE IF NOT EXISTS asset_trigger (
    id text PRIMARY KEY,
    dag_id text NOT NULL,
    asset_event_ids text[] NOT NULL,
    created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS callback_request (
    id text PRIMARY KEY,
    dag_id text NOT NULL,
    task_id text NOT NULL DEFAULT '',
    run_id text NOT NULL,
    map_index int NOT NULL DEFAULT -1,
    try_number int NOT NULL DEFAULT 0,
    is_failure boolean NOT NULL,
    message text NOT NULL DEFAULT '',
    context jsonb,
    created_at timestamptz NOT NULL DEFAULT now()
);

-- Counts how many times a task instance has been bounced out of queued within
-- the current reschedule episode. Reset when the task instance is seen running.
CREATE TABLE IF NOT EXISTS task_reschedule_count (
    dag_id text NOT NULL,
    task_id text NOT NULL,
    run_id text NOT NULL,
    map_index int NOT NULL DEFAULT -1,
    count int NOT NULL DEFAULT 0,
    PRIMARY KEY (dag_id, task_id, run_id, map_index)
);
`
}

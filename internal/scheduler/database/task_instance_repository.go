package database

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

var dialect = goqu.Dialect("postgres")

// AdmissionCandidate is a schedulable task instance together with the dag run
// it belongs to, in the order the critical section must consider it.
type AdmissionCandidate struct {
	Ti  *schedulerobjects.TaskInstance
	Run *schedulerobjects.DagRun
}

// ActiveTaskCounts is the occupancy snapshot consumed by the capacity ledger.
type ActiveTaskCounts struct {
	// Number of running+queued task instances per dag.
	PerDag map[string]int
	// Number of running+queued task instances per (dag, task).
	PerTask map[string]map[string]int
	// Number of running+queued task instances per (dag, task, run).
	PerRunTask map[schedulerobjects.TaskInstanceKey]int
	// Total number of running+queued task instances, for the parallelism cap.
	Total int
}

// TaskInstanceRepository provides access to task instance rows.
type TaskInstanceRepository interface {
	// WithSchedulableTaskInstances locks the highest-priority schedulable task
	// instances (scheduled state, run running) for update, invokes fn on them in
	// admission order, and persists the task instances fn returns, all within
	// one transaction. This is the critical section; ordering is
	// regular-before-backfill, run_after ascending, priority_weight descending,
	// then task instance key.
	WithSchedulableTaskInstances(ctx context.Context, limit int, fn func([]AdmissionCandidate) ([]*schedulerobjects.TaskInstance, error)) error

	// FetchActiveTaskCounts returns the current running+queued occupancy counts.
	FetchActiveTaskCounts(ctx context.Context) (*ActiveTaskCounts, error)

	// FetchQueuedForDispatch returns queued task instances owned by the given
	// scheduler job, together with their dag runs.
	FetchQueuedForDispatch(ctx context.Context, jobID string) ([]AdmissionCandidate, error)

	// FetchByKey returns the task instance with the given key, or nil if absent.
	FetchByKey(ctx context.Context, key schedulerobjects.TaskInstanceKey) (*schedulerobjects.TaskInstance, error)

	// InsertTaskInstances creates task instance rows, ignoring rows that
	// already exist so run expansion is idempotent across replicas.
	InsertTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error

	// UpdateTaskInstances persists state, ownership and recovery fields.
	UpdateTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error

	// MoveRetryableToScheduled promotes up_for_retry and up_for_reschedule task
	// instances of running runs back to scheduled, returning how many moved.
	MoveRetryableToScheduled(ctx context.Context) (int, error)

	// FetchRunningKeys returns the keys of all running task instances.
	FetchRunningKeys(ctx context.Context) ([]schedulerobjects.TaskInstanceKey, error)

	// RecordHeartbeats sets last_heartbeat_at for the given task instances,
	// called by executors on behalf of the processes they supervise.
	RecordHeartbeats(ctx context.Context, keys []schedulerobjects.TaskInstanceKey, now time.Time) error

	// FetchStuckInQueued returns task instances queued since before cutoff.
	FetchStuckInQueued(ctx context.Context, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error)

	// FetchAdoptable returns queued/running/scheduled-adoptable task instances
	// owned by any of the given dead jobs, excluding those in backfill runs.
	FetchAdoptable(ctx context.Context, deadJobIDs []string) ([]AdmissionCandidate, error)

	// FetchRunningWithStaleHeartbeat returns running task instances owned by
	// jobID whose last heartbeat is older than cutoff.
	FetchRunningWithStaleHeartbeat(ctx context.Context, jobID string, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error)

	// FetchDeferredTimedOut returns deferred task instances whose trigger
	// timeout elapsed before now.
	FetchDeferredTimedOut(ctx context.Context, now time.Time) ([]*schedulerobjects.TaskInstance, error)

	// FetchRescheduleCounts returns the stuck-in-queued episode counters for the
	// given keys. Keys with no counter are absent from the map.
	FetchRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) (map[schedulerobjects.TaskInstanceKey]int, error)

	// BumpRescheduleCount increments and returns the episode counter for key.
	BumpRescheduleCount(ctx context.Context, key schedulerobjects.TaskInstanceKey) (int, error)

	// ResetRescheduleCounts deletes the episode counters for the given keys,
	// called when a task instance is observed running.
	ResetRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) error
}

// PostgresTaskInstanceRepository is an implementation of TaskInstanceRepository
// that stores its state in postgres.
type PostgresTaskInstanceRepository struct {
	db *pgxpool.Pool
}

func NewPostgresTaskInstanceRepository(db *pgxpool.Pool) *PostgresTaskInstanceRepository {
	return &PostgresTaskInstanceRepository{db: db}
}

const taskInstanceColumns = `ti.dag_id, ti.task_id, ti.run_id, ti.map_index, ti.state, ti.try_number, ti.max_tries,
ti.queued_by_job_id, ti.queued_dttm, ti.last_heartbeat_at, ti.pool, ti.pool_slots, ti.priority_weight,
ti.executor, ti.operator, ti.trigger_timeout, ti.next_method`

const dagRunColumns = `dr.dag_id, dr.run_id, dr.state, dr.run_type, dr.logical_date, dr.run_after,
dr.max_active_runs, dr.backfill_id, dr.creating_job_id, dr.started_at, dr.timeout_seconds, dr.last_scheduling_decision`

func (r *PostgresTaskInstanceRepository) WithSchedulableTaskInstances(
	ctx context.Context,
	limit int,
	fn func([]AdmissionCandidate) ([]*schedulerobjects.TaskInstance, error),
) error {
	ds := dialect.
		From(goqu.T("task_instance").As("ti")).
		Join(
			goqu.T("dag_run").As("dr"),
			goqu.On(goqu.I("ti.dag_id").Eq(goqu.I("dr.dag_id")), goqu.I("ti.run_id").Eq(goqu.I("dr.run_id"))),
		).
		Where(
			goqu.I("ti.state").Eq(string(schedulerobjects.TaskInstanceStateScheduled)),
			goqu.I("dr.state").Eq(string(schedulerobjects.DagRunStateRunning)),
		).
		Order(
			goqu.L("dr.run_type = 'backfill'").Asc(),
			goqu.I("dr.run_after").Asc(),
			goqu.I("ti.priority_weight").Desc(),
			goqu.I("ti.dag_id").Asc(),
			goqu.I("ti.task_id").Asc(),
			goqu.I("ti.run_id").Asc(),
			goqu.I("ti.map_index").Asc(),
		).
		Select(goqu.L(taskInstanceColumns + ", " + dagRunColumns)).
		ForUpdate(exp.SkipLocked, goqu.T("ti"))
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		candidates, err := scanCandidates(rows)
		if err != nil {
			return err
		}
		updated, err := fn(candidates)
		if err != nil {
			return err
		}
		return updateTaskInstances(ctx, tx, updated)
	})
}

func (r *PostgresTaskInstanceRepository) FetchActiveTaskCounts(ctx context.Context) (*ActiveTaskCounts, error) {
	rows, err := r.db.Query(ctx, `
SELECT dag_id, task_id, run_id, map_index FROM task_instance WHERE state IN ('queued', 'running')`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	counts := &ActiveTaskCounts{
		PerDag:     map[string]int{},
		PerTask:    map[string]map[string]int{},
		PerRunTask: map[schedulerobjects.TaskInstanceKey]int{},
	}
	for rows.Next() {
		var key schedulerobjects.TaskInstanceKey
		if err := rows.Scan(&key.DagID, &key.TaskID, &key.RunID, &key.MapIndex); err != nil {
			return nil, errors.WithStack(err)
		}
		counts.Add(key, 1)
	}
	return counts, errors.WithStack(rows.Err())
}

// Add registers n active task instances under the given key.
func (c *ActiveTaskCounts) Add(key schedulerobjects.TaskInstanceKey, n int) {
	c.PerDag[key.DagID] += n
	perTask := c.PerTask[key.DagID]
	if perTask == nil {
		perTask = map[string]int{}
		c.PerTask[key.DagID] = perTask
	}
	perTask[key.TaskID] += n
	// Run-level counts are per task, not per map index.
	runKey := schedulerobjects.TaskInstanceKey{DagID: key.DagID, TaskID: key.TaskID, RunID: key.RunID}
	c.PerRunTask[runKey] += n
	c.Total += n
}

func (r *PostgresTaskInstanceRepository) FetchQueuedForDispatch(ctx context.Context, jobID string) ([]AdmissionCandidate, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`, `+dagRunColumns+`
FROM task_instance ti JOIN dag_run dr ON ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id
WHERE ti.state = 'queued' AND ti.queued_by_job_id = $1
ORDER BY ti.queued_dttm ASC`, jobID)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanCandidates(rows)
}

func (r *PostgresTaskInstanceRepository) FetchByKey(ctx context.Context, key schedulerobjects.TaskInstanceKey) (*schedulerobjects.TaskInstance, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`
FROM task_instance ti
WHERE ti.dag_id = $1 AND ti.task_id = $2 AND ti.run_id = $3 AND ti.map_index = $4`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tis, err := scanTaskInstances(rows)
	if err != nil || len(tis) == 0 {
		return nil, err
	}
	return tis[0], nil
}

func (r *PostgresTaskInstanceRepository) InsertTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, ti := range tis {
			_, err := tx.Exec(ctx, `
INSERT INTO task_instance (dag_id, task_id, run_id, map_index, state, try_number, max_tries,
  pool, pool_slots, priority_weight, executor, operator)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (dag_id, task_id, run_id, map_index) DO NOTHING`,
				ti.DagID, ti.TaskID, ti.RunID, ti.MapIndex, string(ti.State), ti.TryNumber, ti.MaxTries,
				ti.Pool, ti.PoolSlots, ti.PriorityWeight, ti.Executor, ti.Operator)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (r *PostgresTaskInstanceRepository) UpdateTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		return updateTaskInstances(ctx, tx, tis)
	})
}

func (r *PostgresTaskInstanceRepository) MoveRetryableToScheduled(ctx context.Context) (int, error) {
	tag, err := r.db.Exec(ctx, `
UPDATE task_instance ti SET state = 'scheduled', queued_by_job_id = '', queued_dttm = NULL
FROM dag_run dr
WHERE ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id
  AND dr.state = 'running'
  AND ti.state IN ('up_for_retry', 'up_for_reschedule')`)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresTaskInstanceRepository) FetchRunningKeys(ctx context.Context) ([]schedulerobjects.TaskInstanceKey, error) {
	rows, err := r.db.Query(ctx, `
SELECT dag_id, task_id, run_id, map_index FROM task_instance WHERE state = 'running'`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var keys []schedulerobjects.TaskInstanceKey
	for rows.Next() {
		var key schedulerobjects.TaskInstanceKey
		if err := rows.Scan(&key.DagID, &key.TaskID, &key.RunID, &key.MapIndex); err != nil {
			return nil, errors.WithStack(err)
		}
		keys = append(keys, key)
	}
	return keys, errors.WithStack(rows.Err())
}

func (r *PostgresTaskInstanceRepository) RecordHeartbeats(ctx context.Context, keys []schedulerobjects.TaskInstanceKey, now time.Time) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, key := range keys {
			_, err := tx.Exec(ctx, `
UPDATE task_instance SET last_heartbeat_at = $5
WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4`,
				key.DagID, key.TaskID, key.RunID, key.MapIndex, now)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func (r *PostgresTaskInstanceRepository) FetchStuckInQueued(ctx context.Context, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`
FROM task_instance ti
WHERE ti.state = 'queued' AND ti.queued_dttm IS NOT NULL AND ti.queued_dttm < $1`, cutoff)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanTaskInstances(rows)
}

func (r *PostgresTaskInstanceRepository) FetchAdoptable(ctx context.Context, deadJobIDs []string) ([]AdmissionCandidate, error) {
	if len(deadJobIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`, `+dagRunColumns+`
FROM task_instance ti JOIN dag_run dr ON ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id
WHERE ti.state IN ('queued', 'running', 'restarting')
  AND ti.queued_by_job_id = ANY($1)
  AND dr.run_type != 'backfill'`, deadJobIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanCandidates(rows)
}

func (r *PostgresTaskInstanceRepository) FetchRunningWithStaleHeartbeat(ctx context.Context, jobID string, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`
FROM task_instance ti
WHERE ti.state = 'running' AND ti.queued_by_job_id = $1
  AND ti.last_heartbeat_at IS NOT NULL AND ti.last_heartbeat_at < $2`, jobID, cutoff)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanTaskInstances(rows)
}

func (r *PostgresTaskInstanceRepository) FetchDeferredTimedOut(ctx context.Context, now time.Time) ([]*schedulerobjects.TaskInstance, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+taskInstanceColumns+`
FROM task_instance ti
WHERE ti.state = 'deferred' AND ti.trigger_timeout IS NOT NULL AND ti.trigger_timeout < $1`, now)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanTaskInstances(rows)
}

func (r *PostgresTaskInstanceRepository) FetchRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) (map[schedulerobjects.TaskInstanceKey]int, error) {
	counts := make(map[schedulerobjects.TaskInstanceKey]int, len(keys))
	for _, key := range keys {
		var count int
		err := r.db.QueryRow(ctx, `
SELECT count FROM task_reschedule_count
WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4`,
			key.DagID, key.TaskID, key.RunID, key.MapIndex).Scan(&count)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
		counts[key] = count
	}
	return counts, nil
}

func (r *PostgresTaskInstanceRepository) BumpRescheduleCount(ctx context.Context, key schedulerobjects.TaskInstanceKey) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
INSERT INTO task_reschedule_count (dag_id, task_id, run_id, map_index, count)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (dag_id, task_id, run_id, map_index) DO UPDATE SET count = task_reschedule_count.count + 1
RETURNING count`,
		key.DagID, key.TaskID, key.RunID, key.MapIndex).Scan(&count)
	return count, errors.WithStack(err)
}

func (r *PostgresTaskInstanceRepository) ResetRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, key := range keys {
			_, err := tx.Exec(ctx, `
DELETE FROM task_reschedule_count
WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4`,
				key.DagID, key.TaskID, key.RunID, key.MapIndex)
			if err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})
}

func updateTaskInstances(ctx context.Context, tx pgx.Tx, tis []*schedulerobjects.TaskInstance) error {
	for _, ti := range tis {
		_, err := tx.Exec(ctx, `
UPDATE task_instance SET
  state = $5, try_number = $6, queued_by_job_id = $7, queued_dttm = $8,
  last_heartbeat_at = $9, trigger_timeout = $10, next_method = $11
WHERE dag_id = $1 AND task_id = $2 AND run_id = $3 AND map_index = $4`,
			ti.DagID, ti.TaskID, ti.RunID, ti.MapIndex,
			string(ti.State), ti.TryNumber, ti.QueuedByJobID, ti.QueuedAt,
			ti.LastHeartbeatAt, ti.TriggerTimeout, ti.NextMethod)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func scanTaskInstance(rows pgx.Rows) (*schedulerobjects.TaskInstance, error) {
	ti := &schedulerobjects.TaskInstance{}
	var state string
	err := rows.Scan(
		&ti.DagID, &ti.TaskID, &ti.RunID, &ti.MapIndex, &state, &ti.TryNumber, &ti.MaxTries,
		&ti.QueuedByJobID, &ti.QueuedAt, &ti.LastHeartbeatAt, &ti.Pool, &ti.PoolSlots, &ti.PriorityWeight,
		&ti.Executor, &ti.Operator, &ti.TriggerTimeout, &ti.NextMethod)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ti.State = schedulerobjects.TaskInstanceState(state)
	return ti, nil
}

func scanTaskInstances(rows pgx.Rows) ([]*schedulerobjects.TaskInstance, error) {
	defer rows.Close()
	var tis []*schedulerobjects.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		tis = append(tis, ti)
	}
	return tis, errors.WithStack(rows.Err())
}

func scanCandidates(rows pgx.Rows) ([]AdmissionCandidate, error) {
	defer rows.Close()
	var candidates []AdmissionCandidate
	for rows.Next() {
		ti := &schedulerobjects.TaskInstance{}
		run := &schedulerobjects.DagRun{}
		var tiState, runState, runType string
		var timeoutSeconds int64
		err := rows.Scan(
			&ti.DagID, &ti.TaskID, &ti.RunID, &ti.MapIndex, &tiState, &ti.TryNumber, &ti.MaxTries,
			&ti.QueuedByJobID, &ti.QueuedAt, &ti.LastHeartbeatAt, &ti.Pool, &ti.PoolSlots, &ti.PriorityWeight,
			&ti.Executor, &ti.Operator, &ti.TriggerTimeout, &ti.NextMethod,
			&run.DagID, &run.RunID, &runState, &runType, &run.LogicalDate, &run.RunAfter,
			&run.MaxActiveRuns, &run.BackfillID, &run.CreatingJobID, &run.StartedAt, &timeoutSeconds, &run.LastSchedulingDecision)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ti.State = schedulerobjects.TaskInstanceState(tiState)
		run.State = schedulerobjects.DagRunState(runState)
		run.RunType = schedulerobjects.DagRunType(runType)
		run.Timeout = time.Duration(timeoutSeconds) * time.Second
		candidates = append(candidates, AdmissionCandidate{Ti: ti, Run: run})
	}
	return candidates, errors.WithStack(rows.Err())
}

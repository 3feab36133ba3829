package database

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// RunSummary is a running dag run together with the state of its task instances,
// used by the scheduling decision step to finish runs.
type RunSummary struct {
	Run *schedulerobjects.DagRun
	// Total number of task instances in the run.
	TotalTasks int
	// Number of task instances not yet in a terminal state.
	UnfinishedTasks int
	// Number of task instances in the failed state.
	FailedTasks int
}

// DagRunRepository provides access to dag, dag run, backfill and asset trigger rows.
type DagRunRepository interface {
	// FetchDagsNeedingRuns returns unpaused dags whose next scheduled interval
	// is due at or before now.
	FetchDagsNeedingRuns(ctx context.Context, now time.Time, limit int) ([]*schedulerobjects.Dag, error)

	// FetchDags returns the dag rows with the given ids, keyed by dag id.
	FetchDags(ctx context.Context, dagIDs []string) (map[string]*schedulerobjects.Dag, error)

	// CountActiveRuns returns the number of non-backfill queued or running runs
	// per dag, the creation-time throttle for new scheduled runs.
	CountActiveRuns(ctx context.Context, dagIDs []string) (map[string]int, error)

	// CreateDagRun inserts a queued run and advances the dag watermark in the
	// same transaction.
	CreateDagRun(ctx context.Context, run *schedulerobjects.DagRun, watermark *schedulerobjects.DagWatermark) error

	// FetchAssetTriggers returns pending asset trigger records.
	FetchAssetTriggers(ctx context.Context) ([]*schedulerobjects.AssetTrigger, error)

	// CreateAssetTriggeredRun inserts the run and deletes the pending trigger
	// in one transaction, consuming the satisfied asset events exactly once.
	CreateAssetTriggeredRun(ctx context.Context, trigger *schedulerobjects.AssetTrigger, run *schedulerobjects.DagRun) error

	// WithQueuedRuns locks the most recent queued runs per dag (a bounded
	// window) plus current running counts, invokes fn, and persists the runs fn
	// returns, all in one transaction. This serializes the start-queued-runs
	// step across scheduler replicas. runningByDag counts non-backfill running
	// runs per dag; runningByBackfill counts running runs per backfill id.
	WithQueuedRuns(ctx context.Context, window int, fn func(queued []*schedulerobjects.DagRun, runningByDag map[string]int, runningByBackfill map[string]int) ([]*schedulerobjects.DagRun, error)) error

	// FetchBackfills returns the backfills with the given ids.
	FetchBackfills(ctx context.Context, ids []string) (map[string]*schedulerobjects.Backfill, error)

	// FetchRunSummaries returns all running runs with task state tallies.
	FetchRunSummaries(ctx context.Context) ([]RunSummary, error)

	// UpdateDagRuns persists run state transitions.
	UpdateDagRuns(ctx context.Context, runs []*schedulerobjects.DagRun) error
}

// PostgresDagRunRepository is an implementation of DagRunRepository that stores
// its state in postgres.
type PostgresDagRunRepository struct {
	db *pgxpool.Pool
}

func NewPostgresDagRunRepository(db *pgxpool.Pool) *PostgresDagRunRepository {
	return &PostgresDagRunRepository{db: db}
}

func (r *PostgresDagRunRepository) FetchDagsNeedingRuns(ctx context.Context, now time.Time, limit int) ([]*schedulerobjects.Dag, error) {
	rows, err := r.db.Query(ctx, `
SELECT dag_id, is_paused, max_active_runs, max_active_tasks, default_executor,
       dag_run_timeout_seconds, next_run_after, next_data_interval_start, next_data_interval_end
FROM dag
WHERE NOT is_paused AND next_run_after IS NOT NULL AND next_run_after <= $1
ORDER BY next_run_after ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var dags []*schedulerobjects.Dag
	for rows.Next() {
		dag, err := scanDag(rows)
		if err != nil {
			return nil, err
		}
		dags = append(dags, dag)
	}
	return dags, errors.WithStack(rows.Err())
}

func scanDag(rows pgx.Rows) (*schedulerobjects.Dag, error) {
	dag := &schedulerobjects.Dag{}
	var timeoutSeconds int64
	var intervalStart, intervalEnd *time.Time
	err := rows.Scan(
		&dag.DagID, &dag.Paused, &dag.MaxActiveRuns, &dag.MaxActiveTasks, &dag.DefaultExecutor,
		&timeoutSeconds, &dag.NextRunAfter, &intervalStart, &intervalEnd)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dag.DagRunTimeout = time.Duration(timeoutSeconds) * time.Second
	if intervalStart != nil {
		dag.NextDataIntervalStart = *intervalStart
	}
	if intervalEnd != nil {
		dag.NextDataIntervalEnd = *intervalEnd
	}
	return dag, nil
}

func (r *PostgresDagRunRepository) FetchDags(ctx context.Context, dagIDs []string) (map[string]*schedulerobjects.Dag, error) {
	if len(dagIDs) == 0 {
		return map[string]*schedulerobjects.Dag{}, nil
	}
	rows, err := r.db.Query(ctx, `
SELECT dag_id, is_paused, max_active_runs, max_active_tasks, default_executor,
       dag_run_timeout_seconds, next_run_after, next_data_interval_start, next_data_interval_end
FROM dag
WHERE dag_id = ANY($1)`, dagIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	dags := make(map[string]*schedulerobjects.Dag, len(dagIDs))
	for rows.Next() {
		dag, err := scanDag(rows)
		if err != nil {
			return nil, err
		}
		dags[dag.DagID] = dag
	}
	return dags, errors.WithStack(rows.Err())
}

func (r *PostgresDagRunRepository) CountActiveRuns(ctx context.Context, dagIDs []string) (map[string]int, error) {
	if len(dagIDs) == 0 {
		return map[string]int{}, nil
	}
	rows, err := r.db.Query(ctx, `
SELECT dag_id, count(*)
FROM dag_run
WHERE state IN ('queued', 'running') AND run_type != 'backfill' AND dag_id = ANY($1)
GROUP BY dag_id`, dagIDs)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	counts := make(map[string]int, len(dagIDs))
	for rows.Next() {
		var dagID string
		var count int
		if err := rows.Scan(&dagID, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		counts[dagID] = count
	}
	return counts, errors.WithStack(rows.Err())
}

func (r *PostgresDagRunRepository) CreateDagRun(ctx context.Context, run *schedulerobjects.DagRun, watermark *schedulerobjects.DagWatermark) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertDagRun(ctx, tx, run); err != nil {
			return err
		}
		if watermark != nil {
			_, err := tx.Exec(ctx, `
UPDATE dag SET next_run_after = $2, next_data_interval_start = $3, next_data_interval_end = $4
WHERE dag_id = $1`,
				run.DagID, watermark.NextRunAfter, watermark.NextDataIntervalStart, watermark.NextDataIntervalEnd)
			return errors.WithStack(err)
		}
		return nil
	})
}

func (r *PostgresDagRunRepository) FetchAssetTriggers(ctx context.Context) ([]*schedulerobjects.AssetTrigger, error) {
	rows, err := r.db.Query(ctx, `SELECT id, dag_id, asset_event_ids, created_at FROM asset_trigger ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var triggers []*schedulerobjects.AssetTrigger
	for rows.Next() {
		trigger := &schedulerobjects.AssetTrigger{}
		var eventIDs pgtype.TextArray
		if err := rows.Scan(&trigger.ID, &trigger.DagID, &eventIDs, &trigger.CreatedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		if err := eventIDs.AssignTo(&trigger.AssetEventIDs); err != nil {
			return nil, errors.WithStack(err)
		}
		triggers = append(triggers, trigger)
	}
	return triggers, errors.WithStack(rows.Err())
}

func (r *PostgresDagRunRepository) CreateAssetTriggeredRun(ctx context.Context, trigger *schedulerobjects.AssetTrigger, run *schedulerobjects.DagRun) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		if err := insertDagRun(ctx, tx, run); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM asset_trigger WHERE id = $1`, trigger.ID)
		if err != nil {
			return errors.WithStack(err)
		}
		if tag.RowsAffected() == 0 {
			// Another scheduler consumed the trigger first; roll back our run.
			return errors.Errorf("asset trigger %s for dag %s already consumed", trigger.ID, trigger.DagID)
		}
		return nil
	})
}

func (r *PostgresDagRunRepository) WithQueuedRuns(
	ctx context.Context,
	window int,
	fn func(queued []*schedulerobjects.DagRun, runningByDag map[string]int, runningByBackfill map[string]int) ([]*schedulerobjects.DagRun, error),
) error {
	// Lock only the most recent N queued runs per dag to bound the scan;
	// within the window runs are handed to fn oldest first.
	ds := dialect.
		From(goqu.T("dag_run").As("dr")).
		Where(
			goqu.I("dr.state").Eq(string(schedulerobjects.DagRunStateQueued)),
			goqu.L(`(SELECT count(*) FROM dag_run newer
WHERE newer.dag_id = dr.dag_id AND newer.state = 'queued' AND newer.run_after > dr.run_after) < ?`, window),
		).
		Order(goqu.I("dr.dag_id").Asc(), goqu.I("dr.run_after").Asc(), goqu.I("dr.run_id").Asc()).
		Select(goqu.L(dagRunColumns)).
		ForUpdate(exp.SkipLocked)
	query, args, err := ds.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}

	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		queued, err := scanDagRuns(rows)
		if err != nil {
			return err
		}
		running, err := countRunningByDag(ctx, tx)
		if err != nil {
			return err
		}
		runningBackfill, err := countRunningByBackfill(ctx, tx)
		if err != nil {
			return err
		}
		updated, err := fn(queued, running, runningBackfill)
		if err != nil {
			return err
		}
		return updateDagRuns(ctx, tx, updated)
	})
}

func (r *PostgresDagRunRepository) FetchBackfills(ctx context.Context, ids []string) (map[string]*schedulerobjects.Backfill, error) {
	if len(ids) == 0 {
		return map[string]*schedulerobjects.Backfill{}, nil
	}
	rows, err := r.db.Query(ctx, `
SELECT id, dag_id, from_date, to_date, max_active_runs, is_paused, completed_at
FROM backfill WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	backfills := make(map[string]*schedulerobjects.Backfill, len(ids))
	for rows.Next() {
		b := &schedulerobjects.Backfill{}
		if err := rows.Scan(&b.ID, &b.DagID, &b.FromDate, &b.ToDate, &b.MaxActiveRuns, &b.Paused, &b.CompletedAt); err != nil {
			return nil, errors.WithStack(err)
		}
		backfills[b.ID] = b
	}
	return backfills, errors.WithStack(rows.Err())
}

func (r *PostgresDagRunRepository) FetchRunSummaries(ctx context.Context) ([]RunSummary, error) {
	rows, err := r.db.Query(ctx, `
SELECT `+dagRunColumns+`,
  (SELECT count(*) FROM task_instance ti
   WHERE ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id) AS total,
  (SELECT count(*) FROM task_instance ti
   WHERE ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id
     AND ti.state NOT IN ('success', 'failed', 'skipped')) AS unfinished,
  (SELECT count(*) FROM task_instance ti
   WHERE ti.dag_id = dr.dag_id AND ti.run_id = dr.run_id AND ti.state = 'failed') AS failed
FROM dag_run dr
WHERE dr.state = 'running'`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var summaries []RunSummary
	for rows.Next() {
		run := &schedulerobjects.DagRun{}
		var total, unfinished, failed int
		if err := scanDagRunInto(rows, run, &total, &unfinished, &failed); err != nil {
			return nil, err
		}
		summaries = append(summaries, RunSummary{Run: run, TotalTasks: total, UnfinishedTasks: unfinished, FailedTasks: failed})
	}
	return summaries, errors.WithStack(rows.Err())
}

func (r *PostgresDagRunRepository) UpdateDagRuns(ctx context.Context, runs []*schedulerobjects.DagRun) error {
	return withTx(ctx, r.db, func(tx pgx.Tx) error {
		return updateDagRuns(ctx, tx, runs)
	})
}

func insertDagRun(ctx context.Context, tx pgx.Tx, run *schedulerobjects.DagRun) error {
	_, err := tx.Exec(ctx, `
INSERT INTO dag_run (dag_id, run_id, state, run_type, logical_date, run_after,
  data_interval_start, data_interval_end, max_active_runs, backfill_id, creating_job_id, timeout_seconds, asset_event_ids)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.DagID, run.RunID, string(run.State), string(run.RunType), run.LogicalDate, run.RunAfter,
		run.DataIntervalStart, run.DataIntervalEnd, run.MaxActiveRuns, run.BackfillID, run.CreatingJobID,
		int64(run.Timeout/time.Second), run.ConsumedAssetEvents)
	return errors.WithStack(err)
}

func updateDagRuns(ctx context.Context, tx pgx.Tx, runs []*schedulerobjects.DagRun) error {
	for _, run := range runs {
		_, err := tx.Exec(ctx, `
UPDATE dag_run SET state = $3, started_at = $4, last_scheduling_decision = $5
WHERE dag_id = $1 AND run_id = $2`,
			run.DagID, run.RunID, string(run.State), run.StartedAt, run.LastSchedulingDecision)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func countRunningByDag(ctx context.Context, tx pgx.Tx) (map[string]int, error) {
	return countRunningGroupedBy(ctx, tx, `
SELECT dag_id, count(*) FROM dag_run WHERE state = 'running' AND run_type != 'backfill' GROUP BY dag_id`)
}

func countRunningByBackfill(ctx context.Context, tx pgx.Tx) (map[string]int, error) {
	return countRunningGroupedBy(ctx, tx, `
SELECT backfill_id, count(*) FROM dag_run WHERE state = 'running' AND run_type = 'backfill' GROUP BY backfill_id`)
}

func countRunningGroupedBy(ctx context.Context, tx pgx.Tx, query string) (map[string]int, error) {
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, errors.WithStack(err)
		}
		counts[key] = count
	}
	return counts, errors.WithStack(rows.Err())
}

func scanDagRunInto(rows pgx.Rows, run *schedulerobjects.DagRun, extra ...interface{}) error {
	var state, runType string
	var timeoutSeconds int64
	dest := []interface{}{
		&run.DagID, &run.RunID, &state, &runType, &run.LogicalDate, &run.RunAfter,
		&run.MaxActiveRuns, &run.BackfillID, &run.CreatingJobID, &run.StartedAt, &timeoutSeconds, &run.LastSchedulingDecision,
	}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return errors.WithStack(err)
	}
	run.State = schedulerobjects.DagRunState(state)
	run.RunType = schedulerobjects.DagRunType(runType)
	run.Timeout = time.Duration(timeoutSeconds) * time.Second
	return nil
}

func scanDagRuns(rows pgx.Rows) ([]*schedulerobjects.DagRun, error) {
	defer rows.Close()
	var runs []*schedulerobjects.DagRun
	for rows.Next() {
		run := &schedulerobjects.DagRun{}
		if err := scanDagRunInto(rows, run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, errors.WithStack(rows.Err())
}

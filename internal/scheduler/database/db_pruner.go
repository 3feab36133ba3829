package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"
)

// PruneDb removes terminal dag runs, together with their task instances and
// reschedule counters, once their last scheduling decision is more than
// keepAfterCompletion in the past. Old callback requests and finished scheduler
// jobs past the same cutoff are removed too.
// Runs are deleted in batches across transactions, so a prune that fails midway
// may still have deleted some rows. The function runs until done or until the
// supplied context is cancelled.
func PruneDb(ctx context.Context, db *pgx.Conn, batchLimit int, keepAfterCompletion time.Duration, clk clock.Clock) error {
	start := clk.Now()
	cutOffTime := clk.Now().Add(-keepAfterCompletion)

	// These tables stay small; no need for batching.
	if _, err := db.Exec(ctx, `DELETE FROM callback_request WHERE created_at < $1`, cutOffTime); err != nil {
		return errors.Wrap(err, "error deleting old callback requests")
	}
	if _, err := db.Exec(ctx, `
DELETE FROM job WHERE state IN ('success', 'failed') AND latest_heartbeat < $1`, cutOffTime); err != nil {
		return errors.Wrap(err, "error deleting finished jobs")
	}

	// Insert the keys of all runs we want to delete into a tmp table.
	_, err := db.Exec(ctx, `
CREATE TEMP TABLE runs_to_delete AS (
  SELECT dag_id, run_id FROM dag_run
  WHERE state IN ('success', 'failed')
    AND last_scheduling_decision IS NOT NULL
    AND last_scheduling_decision < $1)`, cutOffTime)
	if err != nil {
		return errors.WithStack(err)
	}
	totalRunsToDelete := 0
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM runs_to_delete").Scan(&totalRunsToDelete)
	if err != nil {
		return errors.WithStack(err)
	}
	if totalRunsToDelete == 0 {
		log.Infof("Found no dag runs to be deleted. Exiting")
		return nil
	}
	log.Infof("Found %d dag runs to be deleted", totalRunsToDelete)

	_, err = db.Exec(ctx, "CREATE TEMP TABLE batch (dag_id TEXT, run_id TEXT);")
	if err != nil {
		return errors.WithStack(err)
	}
	runsDeleted := 0
	for {
		batchStart := clk.Now()
		batchSize := 0
		err := db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "INSERT INTO batch (dag_id, run_id) SELECT dag_id, run_id FROM runs_to_delete LIMIT $1;", batchLimit)
			if err != nil {
				return errors.WithStack(err)
			}
			if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM batch").Scan(&batchSize); err != nil {
				return errors.WithStack(err)
			}
			if batchSize == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, `
DELETE FROM task_instance ti USING batch b WHERE ti.dag_id = b.dag_id AND ti.run_id = b.run_id;
DELETE FROM task_reschedule_count trc USING batch b WHERE trc.dag_id = b.dag_id AND trc.run_id = b.run_id;
DELETE FROM dag_run dr USING batch b WHERE dr.dag_id = b.dag_id AND dr.run_id = b.run_id;
DELETE FROM runs_to_delete rtd USING batch b WHERE rtd.dag_id = b.dag_id AND rtd.run_id = b.run_id;
TRUNCATE TABLE batch;`)
			return errors.WithStack(err)
		})
		if err != nil {
			return errors.Wrap(err, "error deleting batch from postgres")
		}
		if batchSize == 0 {
			break
		}
		runsDeleted += batchSize
		log.Infof("Deleted %d dag runs in %s. Deleted %d runs out of %d",
			batchSize, clk.Since(batchStart), runsDeleted, totalRunsToDelete)
	}
	log.Infof("Deleted %d dag runs in %s", runsDeleted, clk.Since(start))
	return nil
}

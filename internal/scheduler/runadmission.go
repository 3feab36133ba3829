package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// RunAdmission owns the dag run lifecycle: creating queued runs for due
// intervals and satisfied asset triggers, promoting queued runs to running
// within concurrency limits, and finishing runs whose task instances are done
// or whose deadline passed.
type RunAdmission struct {
	jobID         string
	dagRuns       database.DagRunRepository
	taskInstances database.TaskInstanceRepository
	dagBag        DagBag
	timetable     Timetable
	callbackSink  CallbackSink
	metrics       *Metrics
	clock         clock.Clock
	observers     *observerNotifier
	// If false, no scheduled runs are created from dag watermarks; asset
	// triggers and externally created runs are still processed.
	useJobSchedule       bool
	dagsNeedingRunsLimit int
	queuedRunsWindow     int
}

func NewRunAdmission(
	jobID string,
	dagRuns database.DagRunRepository,
	taskInstances database.TaskInstanceRepository,
	dagBag DagBag,
	timetable Timetable,
	callbackSink CallbackSink,
	metrics *Metrics,
	clk clock.Clock,
	observers []LifecycleObserver,
	useJobSchedule bool,
	dagsNeedingRunsLimit int,
	queuedRunsWindow int,
) *RunAdmission {
	return &RunAdmission{
		jobID:                jobID,
		dagRuns:              dagRuns,
		taskInstances:        taskInstances,
		dagBag:               dagBag,
		timetable:            timetable,
		callbackSink:         callbackSink,
		metrics:              metrics,
		clock:                clk,
		observers:            newObserverNotifier(observers),
		useJobSchedule:       useJobSchedule,
		dagsNeedingRunsLimit: dagsNeedingRunsLimit,
		queuedRunsWindow:     queuedRunsWindow,
	}
}

// CreateDagRuns creates queued runs for every dag whose watermark is due and
// for every satisfied asset trigger. One dag failing never blocks the others.
func (a *RunAdmission) CreateDagRuns(ctx context.Context) error {
	if a.useJobSchedule {
		if err := a.createScheduledRuns(ctx); err != nil {
			return err
		}
	}
	return a.createAssetTriggeredRuns(ctx)
}

func (a *RunAdmission) createScheduledRuns(ctx context.Context) error {
	now := a.clock.Now()
	dags, err := a.dagRuns.FetchDagsNeedingRuns(ctx, now, a.dagsNeedingRunsLimit)
	if err != nil {
		return err
	}
	if len(dags) == 0 {
		return nil
	}
	dagIDs := make([]string, 0, len(dags))
	for _, dag := range dags {
		dagIDs = append(dagIDs, dag.DagID)
	}
	active, err := a.dagRuns.CountActiveRuns(ctx, dagIDs)
	if err != nil {
		return err
	}
	for _, dag := range dags {
		if _, err := a.dagBag.GetDag(ctx, dag.DagID); errors.Is(err, database.ErrDagNotFound) {
			log.Warnf("DAG '%s' not found in serialized_dag table", dag.DagID)
			continue
		} else if err != nil {
			return err
		}
		if dag.MaxActiveRuns > 0 && active[dag.DagID] >= dag.MaxActiveRuns {
			// Watermark stays put; the interval is created once capacity frees.
			log.Debugf("dag %s is at max_active_runs (%d), not creating more runs", dag.DagID, dag.MaxActiveRuns)
			continue
		}
		schedule, err := a.timetable.NextSchedule(dag)
		if err != nil {
			log.WithError(err).Errorf("Failed creating DagRun for %s", dag.DagID)
			continue
		}
		run := &schedulerobjects.DagRun{
			DagID:             dag.DagID,
			RunID:             fmt.Sprintf("scheduled__%s", schedule.LogicalDate.UTC().Format(time.RFC3339)),
			State:             schedulerobjects.DagRunStateQueued,
			RunType:           schedulerobjects.DagRunTypeScheduled,
			LogicalDate:       schedule.LogicalDate,
			RunAfter:          schedule.RunAfter,
			DataIntervalStart: schedule.DataIntervalStart,
			DataIntervalEnd:   schedule.DataIntervalEnd,
			MaxActiveRuns:     dag.MaxActiveRuns,
			CreatingJobID:     a.jobID,
			Timeout:           dag.DagRunTimeout,
		}
		watermark := schedule.Watermark
		if err := a.dagRuns.CreateDagRun(ctx, run, &watermark); err != nil {
			log.WithError(err).Errorf("Failed creating DagRun for %s", dag.DagID)
			continue
		}
		active[dag.DagID]++
	}
	return nil
}

func (a *RunAdmission) createAssetTriggeredRuns(ctx context.Context) error {
	triggers, err := a.dagRuns.FetchAssetTriggers(ctx)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return nil
	}
	dagIDs := make([]string, 0, len(triggers))
	for _, trigger := range triggers {
		dagIDs = append(dagIDs, trigger.DagID)
	}
	dags, err := a.dagRuns.FetchDags(ctx, dagIDs)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	for _, trigger := range triggers {
		dag, ok := dags[trigger.DagID]
		if !ok {
			log.Warnf("asset trigger %s references unknown dag %s", trigger.ID, trigger.DagID)
			continue
		}
		run := &schedulerobjects.DagRun{
			DagID:               trigger.DagID,
			RunID:               fmt.Sprintf("asset_triggered__%s", trigger.CreatedAt.UTC().Format(time.RFC3339)),
			State:               schedulerobjects.DagRunStateQueued,
			RunType:             schedulerobjects.DagRunTypeAssetTriggered,
			LogicalDate:         now,
			RunAfter:            now,
			MaxActiveRuns:       dag.MaxActiveRuns,
			CreatingJobID:       a.jobID,
			Timeout:             dag.DagRunTimeout,
			ConsumedAssetEvents: trigger.AssetEventIDs,
		}
		if err := a.dagRuns.CreateAssetTriggeredRun(ctx, trigger, run); err != nil {
			// Usually means another scheduler consumed the trigger first.
			log.WithError(err).Infof("did not create asset-triggered run for dag %s", trigger.DagID)
		}
	}
	return nil
}

// StartQueuedRuns promotes queued runs to running. Regular runs go first,
// bounded by each dag's max_active_runs; backfill runs follow in a separate
// lower-priority pass bounded by their backfill's own limits.
func (a *RunAdmission) StartQueuedRuns(ctx context.Context) error {
	now := a.clock.Now()
	var started []*schedulerobjects.DagRun
	err := a.dagRuns.WithQueuedRuns(ctx, a.queuedRunsWindow, func(
		queued []*schedulerobjects.DagRun,
		runningByDag map[string]int,
		runningByBackfill map[string]int,
	) ([]*schedulerobjects.DagRun, error) {
		var backfillIDs []string
		for _, run := range queued {
			if run.IsBackfill() {
				backfillIDs = append(backfillIDs, run.BackfillID)
			}
		}
		backfills, err := a.dagRuns.FetchBackfills(ctx, backfillIDs)
		if err != nil {
			return nil, err
		}

		start := func(run *schedulerobjects.DagRun) {
			run.State = schedulerobjects.DagRunStateRunning
			startedAt := now
			run.StartedAt = &startedAt
			started = append(started, run)
		}
		for _, run := range queued {
			if run.IsBackfill() {
				continue
			}
			if run.MaxActiveRuns > 0 && runningByDag[run.DagID] >= run.MaxActiveRuns {
				continue
			}
			start(run)
			runningByDag[run.DagID]++
		}
		for _, run := range queued {
			if !run.IsBackfill() {
				continue
			}
			backfill := backfills[run.BackfillID]
			if backfill == nil || backfill.Paused || backfill.Completed() {
				continue
			}
			if backfill.MaxActiveRuns > 0 && runningByBackfill[backfill.ID] >= backfill.MaxActiveRuns {
				continue
			}
			start(run)
			runningByBackfill[backfill.ID]++
		}
		return started, nil
	})
	if err != nil {
		return err
	}

	for _, run := range started {
		a.metrics.ReportScheduleDelay(run.DagID, now.Sub(run.RunAfter))
		a.observers.runStarted(run)
		if err := a.expandTaskInstances(ctx, run); err != nil {
			return err
		}
	}
	if len(started) > 0 {
		log.Infof("started %d queued dag runs", len(started))
	}
	return nil
}

// expandTaskInstances creates the scheduled task instance rows for a started
// run from the latest serialized dag. Inserts are idempotent, so two
// schedulers racing here is harmless, as is re-expanding a run that already
// has its rows.
func (a *RunAdmission) expandTaskInstances(ctx context.Context, run *schedulerobjects.DagRun) error {
	dag, err := a.dagBag.GetDag(ctx, run.DagID)
	if errors.Is(err, database.ErrDagNotFound) {
		log.Warnf("DAG '%s' not found in serialized_dag table", run.DagID)
		return nil
	} else if err != nil {
		return err
	}
	tis := make([]*schedulerobjects.TaskInstance, 0, len(dag.Tasks))
	for _, task := range dag.Tasks {
		pool := task.Pool
		if pool == "" {
			pool = "default_pool"
		}
		poolSlots := task.PoolSlots
		if poolSlots <= 0 {
			poolSlots = 1
		}
		maxTries := task.MaxTries
		if maxTries <= 0 {
			maxTries = 1
		}
		tis = append(tis, &schedulerobjects.TaskInstance{
			DagID:          run.DagID,
			TaskID:         task.TaskID,
			RunID:          run.RunID,
			MapIndex:       -1,
			State:          schedulerobjects.TaskInstanceStateScheduled,
			MaxTries:       maxTries,
			Pool:           pool,
			PoolSlots:      poolSlots,
			PriorityWeight: task.PriorityWeight,
			Executor:       task.Executor,
			Operator:       task.Operator,
		})
	}
	return a.taskInstances.InsertTaskInstances(ctx, tis)
}

// FinishDagRuns is the per-run scheduling decision: retryable task instances
// are promoted back to scheduled, timed-out runs are failed, and runs with no
// unfinished task instances reach success or failed.
func (a *RunAdmission) FinishDagRuns(ctx context.Context) error {
	moved, err := a.taskInstances.MoveRetryableToScheduled(ctx)
	if err != nil {
		return err
	}
	if moved > 0 {
		log.Infof("moved %d task instances back to scheduled for retry", moved)
	}

	summaries, err := a.dagRuns.FetchRunSummaries(ctx)
	if err != nil {
		return err
	}
	now := a.clock.Now()
	var updated, finished []*schedulerobjects.DagRun
	for _, summary := range summaries {
		run := summary.Run
		if run.TimedOut(now) {
			log.Errorf("run %s of dag %s exceeded its timeout of %s, marking failed", run.RunID, run.DagID, run.Timeout)
			run.State = schedulerobjects.DagRunStateFailed
			decision := now
			run.LastSchedulingDecision = &decision
			updated = append(updated, run)
			finished = append(finished, run)
			continue
		}
		// A running run can be left without task instances when the dag was
		// missing from the bag at start time, or when the scheduler died
		// between starting the run and inserting them. Expansion is
		// idempotent, so re-attempt it here instead of leaving the run empty.
		if summary.TotalTasks == 0 {
			if err := a.expandTaskInstances(ctx, run); err != nil {
				return err
			}
			continue
		}
		if summary.UnfinishedTasks > 0 {
			continue
		}
		if summary.FailedTasks > 0 {
			run.State = schedulerobjects.DagRunStateFailed
		} else {
			run.State = schedulerobjects.DagRunStateSuccess
		}
		decision := now
		run.LastSchedulingDecision = &decision
		updated = append(updated, run)
		finished = append(finished, run)
	}
	if len(updated) > 0 {
		if err := a.dagRuns.UpdateDagRuns(ctx, updated); err != nil {
			return err
		}
	}
	for _, run := range finished {
		a.observers.runFinished(run)
		isFailure := run.State == schedulerobjects.DagRunStateFailed
		message := fmt.Sprintf("run %s of dag %s finished as %s", run.RunID, run.DagID, run.State)
		sendCallback(ctx, a.callbackSink, NewRunCallbackRequest(run, isFailure, message, now))
	}
	return nil
}

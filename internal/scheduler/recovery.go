package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// RecoverySweep is the health and recovery pass: it fails dead scheduler jobs
// and adopts their task instances, bounces or fails task instances stuck in
// queued, fails running task instances without a heartbeat, and times out
// deferred task instances whose trigger never fired. Every sweep is written to
// be idempotent; running it twice in a row changes nothing the second time.
type RecoverySweep struct {
	jobID         string
	taskInstances database.TaskInstanceRepository
	jobs          database.JobRepository
	executors     *ExecutorRegistry
	callbackSink  CallbackSink
	metrics       *Metrics
	clock         clock.Clock
	observers     *observerNotifier

	healthCheckThreshold    time.Duration
	taskQueuedTimeout       time.Duration
	numStuckInQueuedRetries int
	taskHeartbeatTimeout    time.Duration
}

func NewRecoverySweep(
	jobID string,
	taskInstances database.TaskInstanceRepository,
	jobs database.JobRepository,
	executors *ExecutorRegistry,
	callbackSink CallbackSink,
	metrics *Metrics,
	clk clock.Clock,
	observers []LifecycleObserver,
	healthCheckThreshold time.Duration,
	taskQueuedTimeout time.Duration,
	numStuckInQueuedRetries int,
	taskHeartbeatTimeout time.Duration,
) *RecoverySweep {
	return &RecoverySweep{
		jobID:                   jobID,
		taskInstances:           taskInstances,
		jobs:                    jobs,
		executors:               executors,
		callbackSink:            callbackSink,
		metrics:                 metrics,
		clock:                   clk,
		observers:               newObserverNotifier(observers),
		healthCheckThreshold:    healthCheckThreshold,
		taskQueuedTimeout:       taskQueuedTimeout,
		numStuckInQueuedRetries: numStuckInQueuedRetries,
		taskHeartbeatTimeout:    taskHeartbeatTimeout,
	}
}

// Sweep runs every recovery pass once.
func (s *RecoverySweep) Sweep(ctx context.Context) error {
	if err := s.AdoptOrResetOrphanedTaskInstances(ctx); err != nil {
		return err
	}
	if err := s.FailStuckInQueuedTaskInstances(ctx); err != nil {
		return err
	}
	if err := s.FailTaskInstancesWithoutHeartbeat(ctx); err != nil {
		return err
	}
	if err := s.TimeoutDeferredTaskInstances(ctx); err != nil {
		return err
	}
	return s.ResetRescheduleEpisodes(ctx)
}

// AdoptOrResetOrphanedTaskInstances fails scheduler jobs whose heartbeat went
// stale, then offers their task instances to this scheduler's executors.
// Adopted task instances change owner to this scheduler; the rest are reset to
// no state so the scheduling decision step picks them up again.
func (s *RecoverySweep) AdoptOrResetOrphanedTaskInstances(ctx context.Context) error {
	now := s.clock.Now()
	jobs, err := s.jobs.FetchJobs(ctx, schedulerobjects.JobTypeScheduler)
	if err != nil {
		return err
	}
	var deadIDs, newlyDead []string
	for _, job := range jobs {
		if job.ID == s.jobID || job.IsAlive(now, s.healthCheckThreshold) {
			continue
		}
		deadIDs = append(deadIDs, job.ID)
		if job.State == schedulerobjects.JobStateRunning {
			newlyDead = append(newlyDead, job.ID)
		}
	}
	if len(newlyDead) > 0 {
		failed, err := s.jobs.MarkJobsFailed(ctx, newlyDead)
		if err != nil {
			return err
		}
		if failed > 0 {
			log.Infof("Marked %d SchedulerJob instances as failed", failed)
		}
	}

	orphaned, err := s.taskInstances.FetchAdoptable(ctx, deadIDs)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}

	byExecutor := map[string][]database.AdmissionCandidate{}
	for _, candidate := range orphaned {
		name := s.executors.ResolveName(candidate.Ti, "")
		byExecutor[name] = append(byExecutor[name], candidate)
	}
	var updated []*schedulerobjects.TaskInstance
	activeRuns := map[string]*schedulerobjects.DagRun{}
	for executorName, candidates := range byExecutor {
		tis := make([]*schedulerobjects.TaskInstance, len(candidates))
		for i, candidate := range candidates {
			tis[i] = candidate.Ti
		}
		executor, ok := s.executors.executors[executorName]
		var unadopted []*schedulerobjects.TaskInstance
		if ok {
			unadopted = executor.TryAdoptTaskInstances(tis)
		} else {
			unadopted = tis
		}
		unadoptedKeys := map[schedulerobjects.TaskInstanceKey]bool{}
		for _, ti := range unadopted {
			unadoptedKeys[ti.Key()] = true
		}
		for _, candidate := range candidates {
			ti := candidate.Ti
			if unadoptedKeys[ti.Key()] {
				log.Infof("resetting orphaned task instance %s", ti.Key())
				ti.State = schedulerobjects.TaskInstanceStateNone
				ti.QueuedByJobID = ""
				ti.QueuedAt = nil
			} else {
				log.Infof("adopted orphaned task instance %s", ti.Key())
				ti.QueuedByJobID = s.jobID
				if run := candidate.Run; run != nil && run.State == schedulerobjects.DagRunStateRunning {
					activeRuns[runKeyOf(run)] = run
				}
			}
			updated = append(updated, ti)
		}
	}
	if err := s.taskInstances.UpdateTaskInstances(ctx, updated); err != nil {
		return err
	}
	// Re-announce runs taken over from the dead scheduler so observers can
	// re-establish per-run state, e.g. trace spans.
	for _, run := range activeRuns {
		s.observers.runStarted(run)
	}
	return nil
}

// FailStuckInQueuedTaskInstances bounces task instances queued for longer than
// the queued timeout back to scheduled, failing them once the episode counter
// passes the retry budget. Transient store errors are retried a bounded number
// of times before the sweep gives up for this cycle.
func (s *RecoverySweep) FailStuckInQueuedTaskInstances(ctx context.Context) error {
	return retry.Do(
		func() error { return s.failStuckInQueued(ctx) },
		retry.Attempts(3),
		retry.RetryIf(database.IsRetryableError),
		retry.LastErrorOnly(true),
	)
}

func (s *RecoverySweep) failStuckInQueued(ctx context.Context) error {
	now := s.clock.Now()
	stuck, err := s.taskInstances.FetchStuckInQueued(ctx, now.Add(-s.taskQueuedTimeout))
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	var updated, failed []*schedulerobjects.TaskInstance
	for _, ti := range stuck {
		s.revokeFromExecutors(ti.Key())
		count, err := s.taskInstances.BumpRescheduleCount(ctx, ti.Key())
		if err != nil {
			return err
		}
		if count <= s.numStuckInQueuedRetries {
			log.Infof("stuck in queued reschedule: task instance %s queued since %s, moving back to scheduled (attempt %d of %d)",
				ti.Key(), ti.QueuedAt, count, s.numStuckInQueuedRetries)
			ti.State = schedulerobjects.TaskInstanceStateScheduled
		} else {
			log.Errorf("stuck in queued tries exceeded: task instance %s bounced out of queued %d times, failing",
				ti.Key(), count)
			ti.State = schedulerobjects.TaskInstanceStateFailed
			failed = append(failed, ti)
		}
		ti.QueuedByJobID = ""
		ti.QueuedAt = nil
		updated = append(updated, ti)
	}
	if err := s.taskInstances.UpdateTaskInstances(ctx, updated); err != nil {
		return err
	}
	for _, ti := range failed {
		s.metrics.ReportTiFailure(ti)
		sendCallback(ctx, s.callbackSink, NewCallbackRequest(ti, true, "stuck in queued tries exceeded", now))
	}
	return nil
}

// FailTaskInstancesWithoutHeartbeat fails running task instances owned by this
// scheduler whose worker heartbeat went stale, mirroring the reconcile failure
// path: retry if the budget allows, terminal failure otherwise, one callback
// and the failure metrics either way.
func (s *RecoverySweep) FailTaskInstancesWithoutHeartbeat(ctx context.Context) error {
	now := s.clock.Now()
	stale, err := s.taskInstances.FetchRunningWithStaleHeartbeat(ctx, s.jobID, now.Add(-s.taskHeartbeatTimeout))
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	var updated []*schedulerobjects.TaskInstance
	messages := map[schedulerobjects.TaskInstanceKey]string{}
	for _, ti := range stale {
		s.revokeFromExecutors(ti.Key())
		message := fmt.Sprintf("task instance %s has had no heartbeat since %s and is presumed dead", ti.Key(), ti.LastHeartbeatAt)
		log.Error(message)
		if ti.RetriesRemain() {
			ti.State = schedulerobjects.TaskInstanceStateUpForRetry
		} else {
			ti.State = schedulerobjects.TaskInstanceStateFailed
		}
		ti.QueuedByJobID = ""
		ti.QueuedAt = nil
		messages[ti.Key()] = message
		updated = append(updated, ti)
	}
	if err := s.taskInstances.UpdateTaskInstances(ctx, updated); err != nil {
		return err
	}
	for _, ti := range updated {
		s.metrics.ReportTaskFailure(ti)
		sendCallback(ctx, s.callbackSink, NewCallbackRequest(ti, true, messages[ti.Key()], now))
	}
	return nil
}

// TimeoutDeferredTaskInstances moves deferred task instances whose trigger
// deadline passed back to scheduled with the fail-fast marker set, so their
// next execution raises the timeout instead of deferring again.
func (s *RecoverySweep) TimeoutDeferredTaskInstances(ctx context.Context) error {
	return retry.Do(
		func() error { return s.timeoutDeferred(ctx) },
		retry.Attempts(3),
		retry.RetryIf(database.IsRetryableError),
		retry.LastErrorOnly(true),
	)
}

func (s *RecoverySweep) timeoutDeferred(ctx context.Context) error {
	now := s.clock.Now()
	timedOut, err := s.taskInstances.FetchDeferredTimedOut(ctx, now)
	if err != nil {
		return err
	}
	if len(timedOut) == 0 {
		return nil
	}
	for _, ti := range timedOut {
		log.Infof("trigger for deferred task instance %s timed out, rescheduling to fail", ti.Key())
		ti.State = schedulerobjects.TaskInstanceStateScheduled
		ti.NextMethod = schedulerobjects.FailFastNextMethod
		ti.TriggerTimeout = nil
	}
	return s.taskInstances.UpdateTaskInstances(ctx, timedOut)
}

// ResetRescheduleEpisodes clears the stuck-in-queued counters for task
// instances that made it to running: a later requeue starts a fresh episode.
func (s *RecoverySweep) ResetRescheduleEpisodes(ctx context.Context) error {
	keys, err := s.taskInstances.FetchRunningKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.taskInstances.ResetRescheduleCounts(ctx, keys)
}

func (s *RecoverySweep) revokeFromExecutors(key schedulerobjects.TaskInstanceKey) {
	for _, executor := range s.executors.All() {
		if !executor.HasTask(key) {
			continue
		}
		if revoker, ok := executor.(TaskRevoker); ok {
			revoker.RevokeTask(key)
		}
	}
}

func runKeyOf(run *schedulerobjects.DagRun) string {
	return run.DagID + "/" + run.RunID
}

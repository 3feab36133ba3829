package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/common/logging"
	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// Scheduler drives the scheduling loop: each tick runs the run lifecycle
// phases, the task admission critical section, executor dispatch and event
// reconciliation, with the recovery sweep and its own job heartbeat on their
// configured periods. A scheduler competes with other replicas purely through
// the store; there is no leader election.
type Scheduler struct {
	jobID           string
	jobs            database.JobRepository
	runAdmission    *RunAdmission
	criticalSection *CriticalSection
	dispatcher      *ExecutorDispatcher
	recovery        *RecoverySweep
	executors       *ExecutorRegistry
	callbackSink    CallbackSink
	metrics         *Metrics
	clock           clock.Clock

	cyclePeriod     time.Duration
	heartbeatPeriod time.Duration
	recoveryPeriod  time.Duration
	// Number of cycles to run before an orderly exit. Zero or negative means
	// run until the context is cancelled.
	numCycles       int
	enableDebugDump bool

	lastHeartbeat time.Time
	lastRecovery  time.Time
	// Test hook, invoked after every completed cycle.
	onCycleCompleted func()
}

func NewScheduler(
	jobID string,
	jobs database.JobRepository,
	runAdmission *RunAdmission,
	criticalSection *CriticalSection,
	dispatcher *ExecutorDispatcher,
	recovery *RecoverySweep,
	executors *ExecutorRegistry,
	callbackSink CallbackSink,
	metrics *Metrics,
	clk clock.Clock,
	cyclePeriod time.Duration,
	heartbeatPeriod time.Duration,
	recoveryPeriod time.Duration,
	numCycles int,
	enableDebugDump bool,
) *Scheduler {
	return &Scheduler{
		jobID:           jobID,
		jobs:            jobs,
		runAdmission:    runAdmission,
		criticalSection: criticalSection,
		dispatcher:      dispatcher,
		recovery:        recovery,
		executors:       executors,
		callbackSink:    callbackSink,
		metrics:         metrics,
		clock:           clk,
		cyclePeriod:     cyclePeriod,
		heartbeatPeriod: heartbeatPeriod,
		recoveryPeriod:  recoveryPeriod,
		numCycles:       numCycles,
		enableDebugDump: enableDebugDump,
	}
}

// Run registers this scheduler's job row, starts the executors, takes over
// whatever a previous incarnation left behind and then enters the scheduling
// loop. An error escaping a phase is fatal: executors are shut down and the
// error is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Infof("starting scheduler %s", s.jobID)
	defer log.Info("scheduler stopped")

	now := s.clock.Now()
	err := s.jobs.RegisterJob(ctx, &schedulerobjects.Job{
		ID:              s.jobID,
		JobType:         schedulerobjects.JobTypeScheduler,
		State:           schedulerobjects.JobStateRunning,
		LatestHeartbeat: now,
	})
	if err != nil {
		return err
	}
	s.lastHeartbeat = now

	for _, executor := range s.executors.All() {
		executor.SetJobID(s.jobID)
		executor.SetCallbackSink(s.callbackSink)
		if err := executor.Start(); err != nil {
			return s.shutdownExecutors(errors.Wrapf(err, "error starting executor %s", executor.Name()))
		}
	}

	// Recover before the first cycle so task instances orphaned by a dead
	// scheduler don't wait a full recovery period.
	if err := s.recovery.Sweep(ctx); err != nil {
		return s.shutdownExecutors(err)
	}
	s.lastRecovery = s.clock.Now()

	ticker := s.clock.NewTicker(s.cyclePeriod)
	defer ticker.Stop()
	cycles := 0
	for {
		select {
		case <-ctx.Done():
			log.Infof("context cancelled; returning.")
			shutdownErr := s.shutdownExecutors(nil)
			if err := s.jobs.MarkJobFinished(context.Background(), s.jobID); err != nil {
				log.WithError(err).Warn("failed to mark own job finished")
			}
			if shutdownErr != nil {
				return shutdownErr
			}
			return ctx.Err()
		case <-ticker.C():
			if err := s.cycle(ctx); err != nil {
				logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("scheduling cycle failure; exiting")
				return s.shutdownExecutors(err)
			}
			cycles++
			if s.onCycleCompleted != nil {
				s.onCycleCompleted()
			}
			if s.numCycles > 0 && cycles >= s.numCycles {
				log.Infof("completed %d scheduling cycles; exiting", cycles)
				if err := s.shutdownExecutors(nil); err != nil {
					return err
				}
				return s.jobs.MarkJobFinished(ctx, s.jobID)
			}
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) error {
	if s.clock.Since(s.lastHeartbeat) >= s.heartbeatPeriod {
		now := s.clock.Now()
		if err := s.jobs.Heartbeat(ctx, s.jobID, now); err != nil {
			return err
		}
		s.lastHeartbeat = now
	}

	if err := s.phase(ctx, "create_dag_runs", s.runAdmission.CreateDagRuns); err != nil {
		return err
	}
	if err := s.phase(ctx, "start_queued_runs", s.runAdmission.StartQueuedRuns); err != nil {
		return err
	}
	if err := s.phase(ctx, "finish_dag_runs", s.runAdmission.FinishDagRuns); err != nil {
		return err
	}
	if err := s.phase(ctx, "queue_task_instances", s.criticalSection.QueueTaskInstances); err != nil {
		return err
	}
	if err := s.phase(ctx, "enqueue_executor", s.dispatcher.EnqueueQueuedTaskInstances); err != nil {
		return err
	}
	for _, executor := range s.executors.All() {
		if err := executor.Heartbeat(); err != nil {
			log.WithError(err).Warnf("heartbeat of executor %s failed", executor.Name())
		}
	}
	if err := s.phase(ctx, "reconcile_events", s.dispatcher.ReconcileExecutorEvents); err != nil {
		return err
	}

	if s.clock.Since(s.lastRecovery) >= s.recoveryPeriod {
		if err := s.phase(ctx, "recovery_sweep", s.recovery.Sweep); err != nil {
			return err
		}
		s.lastRecovery = s.clock.Now()
	}

	if s.enableDebugDump {
		for _, executor := range s.executors.All() {
			log.Debug(executor.DebugDump())
		}
	}
	return nil
}

func (s *Scheduler) phase(ctx context.Context, name string, f func(context.Context) error) error {
	start := s.clock.Now()
	err := f(ctx)
	s.metrics.ReportPhaseDuration(name, s.clock.Since(start))
	return errors.Wrapf(err, "phase %s", name)
}

// shutdownExecutors ends every executor, collecting errors so one failing
// executor doesn't leave the others running.
func (s *Scheduler) shutdownExecutors(cause error) error {
	var result *multierror.Error
	if cause != nil {
		result = multierror.Append(result, cause)
	}
	for _, executor := range s.executors.All() {
		if err := executor.End(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "error stopping executor %s", executor.Name()))
		}
	}
	return result.ErrorOrNil()
}

package scheduler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// ExecutorDispatcher moves admitted task instances onto their executors and
// reconciles the terminal-state events executors buffer back into the store.
type ExecutorDispatcher struct {
	jobID         string
	taskInstances database.TaskInstanceRepository
	dagBag        DagBag
	executors     *ExecutorRegistry
	callbackSink  CallbackSink
	metrics       *Metrics
	clock         clock.Clock
}

func NewExecutorDispatcher(
	jobID string,
	taskInstances database.TaskInstanceRepository,
	dagBag DagBag,
	executors *ExecutorRegistry,
	callbackSink CallbackSink,
	metrics *Metrics,
	clk clock.Clock,
) *ExecutorDispatcher {
	return &ExecutorDispatcher{
		jobID:         jobID,
		taskInstances: taskInstances,
		dagBag:        dagBag,
		executors:     executors,
		callbackSink:  callbackSink,
		metrics:       metrics,
		clock:         clk,
	}
}

// EnqueueQueuedTaskInstances hands queued task instances owned by this
// scheduler to their resolved executors. Already-dispatched task instances are
// skipped, so running it every cycle is safe.
func (d *ExecutorDispatcher) EnqueueQueuedTaskInstances(ctx context.Context) error {
	candidates, err := d.taskInstances.FetchQueuedForDispatch(ctx, d.jobID)
	if err != nil {
		return err
	}
	var resets []*schedulerobjects.TaskInstance
	for _, candidate := range candidates {
		ti := candidate.Ti
		// The run may have reached a terminal state between admission and
		// dispatch, e.g. a dagrun timeout. Put the task instance back to no
		// state instead of running work for a finished run.
		if candidate.Run != nil && candidate.Run.InTerminalState() {
			log.Infof("not dispatching %s: run %s is %s, resetting task instance",
				ti.Key(), candidate.Run.RunID, candidate.Run.State)
			ti.State = schedulerobjects.TaskInstanceStateNone
			ti.QueuedByJobID = ""
			ti.QueuedAt = nil
			resets = append(resets, ti)
			continue
		}
		dag, err := d.dagBag.GetDag(ctx, ti.DagID)
		if errors.Is(err, database.ErrDagNotFound) {
			// The admission step fails these; nothing to dispatch yet.
			continue
		} else if err != nil {
			return err
		}
		executor, err := d.executors.Resolve(ti, dag.DefaultExecutor)
		if err != nil {
			log.WithError(err).Errorf("cannot dispatch task instance %s", ti.Key())
			continue
		}
		if executor.HasTask(ti.Key()) {
			continue
		}
		if err := executor.QueueWorkload(Workload{Ti: ti, DagVersion: dag.Version}); err != nil {
			// Stays queued; retried next cycle or bounced by the
			// stuck-in-queued sweep.
			log.WithError(err).Errorf("executor %s rejected task instance %s", executor.Name(), ti.Key())
			continue
		}
	}
	if len(resets) > 0 {
		return d.taskInstances.UpdateTaskInstances(ctx, resets)
	}
	return nil
}

// ReconcileExecutorEvents drains every executor's event buffer and applies the
// reported terminal states. Events for superseded tries, reassigned task
// instances or task instances already terminal are ignored as stale.
func (d *ExecutorDispatcher) ReconcileExecutorEvents(ctx context.Context) error {
	type failure struct {
		ti      *schedulerobjects.TaskInstance
		message string
	}
	var updated []*schedulerobjects.TaskInstance
	var failures []failure
	for _, executor := range d.executors.All() {
		for _, event := range executor.EventBuffer() {
			ti, err := d.taskInstances.FetchByKey(ctx, event.Key)
			if err != nil {
				return err
			}
			if ti == nil {
				continue
			}
			if ti.State != schedulerobjects.TaskInstanceStateQueued && ti.State != schedulerobjects.TaskInstanceStateRunning {
				continue
			}
			if ti.TryNumber != event.TryNumber || ti.QueuedByJobID != d.jobID {
				continue
			}
			if event.State == schedulerobjects.TaskInstanceStateSuccess {
				ti.State = schedulerobjects.TaskInstanceStateSuccess
				updated = append(updated, ti)
				continue
			}
			message := fmt.Sprintf(
				"Executor reports task instance %s finished (failed) although the task says it's %s. (Info: %s) Was the task killed externally?",
				ti.Key(), ti.State, event.Info)
			log.Error(message)
			if ti.RetriesRemain() {
				ti.State = schedulerobjects.TaskInstanceStateUpForRetry
			} else {
				ti.State = schedulerobjects.TaskInstanceStateFailed
			}
			ti.QueuedByJobID = ""
			ti.QueuedAt = nil
			updated = append(updated, ti)
			failures = append(failures, failure{ti: ti, message: message})
		}
	}
	if len(updated) > 0 {
		if err := d.taskInstances.UpdateTaskInstances(ctx, updated); err != nil {
			return err
		}
	}
	now := d.clock.Now()
	for _, f := range failures {
		d.metrics.ReportTaskFailure(f.ti)
		sendCallback(ctx, d.callbackSink, NewCallbackRequest(f.ti, true, f.message, now))
	}
	return nil
}

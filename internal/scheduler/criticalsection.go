package scheduler

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// CriticalSection is the task admission step: under row locks it walks
// schedulable task instances in priority order, checks every capacity
// dimension against an in-memory ledger, and transitions the admitted ones to
// queued with this scheduler recorded as owner. Capacity snapshots are taken
// before the locks so the locked walk does no further reads.
type CriticalSection struct {
	jobID          string
	taskInstances  database.TaskInstanceRepository
	pools          database.PoolRepository
	dagBag         DagBag
	executors      *ExecutorRegistry
	callbackSink   CallbackSink
	metrics        *Metrics
	clock          clock.Clock
	parallelism    int
	maxTisPerQuery int
}

func NewCriticalSection(
	jobID string,
	taskInstances database.TaskInstanceRepository,
	pools database.PoolRepository,
	dagBag DagBag,
	executors *ExecutorRegistry,
	callbackSink CallbackSink,
	metrics *Metrics,
	clk clock.Clock,
	parallelism int,
	maxTisPerQuery int,
) *CriticalSection {
	return &CriticalSection{
		jobID:          jobID,
		taskInstances:  taskInstances,
		pools:          pools,
		dagBag:         dagBag,
		executors:      executors,
		callbackSink:   callbackSink,
		metrics:        metrics,
		clock:          clk,
		parallelism:    parallelism,
		maxTisPerQuery: maxTisPerQuery,
	}
}

// QueueTaskInstances runs one critical section entry. Rejected candidates are
// skipped, not blocking later candidates that still fit. Running it again
// without new schedulable task instances is a no-op.
func (cs *CriticalSection) QueueTaskInstances(ctx context.Context) error {
	counts, err := cs.taskInstances.FetchActiveTaskCounts(ctx)
	if err != nil {
		return err
	}
	poolStats, err := cs.pools.FetchPoolStats(ctx)
	if err != nil {
		return err
	}
	executorSlots := cs.executors.SlotsAvailable()
	cs.metrics.ReportPoolSlots(poolStats)

	var failed []*schedulerobjects.TaskInstance
	err = cs.taskInstances.WithSchedulableTaskInstances(ctx, cs.maxTisPerQuery, func(candidates []database.AdmissionCandidate) ([]*schedulerobjects.TaskInstance, error) {
		ledger := newLedger(cs.parallelism, counts, poolStats, executorSlots)
		now := cs.clock.Now()
		var updated []*schedulerobjects.TaskInstance
		admitted := 0
		for _, candidate := range candidates {
			ti := candidate.Ti
			dag, err := cs.dagBag.GetDag(ctx, ti.DagID)
			if errors.Is(err, database.ErrDagNotFound) {
				// Fail valve: without the dag the task could wait forever.
				log.Warnf("DAG '%s' not found in serialized_dag table", ti.DagID)
				ti.State = schedulerobjects.TaskInstanceStateFailed
				updated = append(updated, ti)
				failed = append(failed, ti)
				continue
			} else if err != nil {
				return nil, err
			}
			task, ok := dag.Tasks[ti.TaskID]
			if !ok {
				log.Warnf("task %s removed from DAG '%s', marking task instance %s failed", ti.TaskID, ti.DagID, ti.Key())
				ti.State = schedulerobjects.TaskInstanceStateFailed
				updated = append(updated, ti)
				failed = append(failed, ti)
				continue
			}

			executorName := cs.executors.ResolveName(ti, dag.DefaultExecutor)
			verdict := ledger.check(ti, task, dag.MaxActiveTasks, executorName)
			switch verdict {
			case verdictAdmit:
				ti.State = schedulerobjects.TaskInstanceStateQueued
				ti.TryNumber++
				ti.QueuedByJobID = cs.jobID
				queuedAt := now
				ti.QueuedAt = &queuedAt
				ledger.admit(ti, executorName)
				updated = append(updated, ti)
				admitted++
			case verdictRejectPoolMissing:
				log.Warnf("Tasks using non-existent pool '%s' will not be scheduled", ti.Pool)
			case verdictRejectPoolOversized:
				log.Warnf("Not executing %s. Requested pool slots (%d) are greater than total pool slots: '%d' for pool: %s",
					ti.Key(), ti.PoolSlots, poolStats[ti.Pool].Pool.Slots, ti.Pool)
			default:
				log.Debugf("not queueing task instance %s: %s", ti.Key(), verdict)
			}
		}
		// Emitted every entry, also when nothing was admitted or starving.
		cs.metrics.ReportStarvingTasks(ledger.starvingByPool())
		if len(candidates) > 0 {
			log.Infof("queued %d of %d schedulable task instances", admitted, len(candidates))
		}
		return updated, nil
	})
	if err != nil {
		return err
	}

	// Callbacks only after the failing transitions have been committed.
	now := cs.clock.Now()
	for _, ti := range failed {
		cs.metrics.ReportTiFailure(ti)
		sendCallback(ctx, cs.callbackSink, NewCallbackRequest(ti, true, "task removed from DAG or DAG missing", now))
	}
	return nil
}

package scheduler

import (
	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// admissionVerdict says whether a task instance fits the current capacity
// snapshot and, if not, which dimension rejected it.
type admissionVerdict int

const (
	verdictAdmit admissionVerdict = iota
	// Global running+queued cap reached.
	verdictRejectParallelism
	// Dag-level max_active_tasks reached.
	verdictRejectDagConcurrency
	// Task-level max_active_tis_per_dag reached.
	verdictRejectTaskConcurrency
	// Task-level max_active_tis_per_dagrun reached.
	verdictRejectRunConcurrency
	// Task references a pool that does not exist.
	verdictRejectPoolMissing
	// Pool has too few open slots right now.
	verdictRejectPoolSlots
	// Task wants more slots than the pool has in total; can never be admitted.
	verdictRejectPoolOversized
	// Resolved executor has no free slots.
	verdictRejectExecutorSlots
)

func (v admissionVerdict) String() string {
	switch v {
	case verdictAdmit:
		return "admit"
	case verdictRejectParallelism:
		return "parallelism"
	case verdictRejectDagConcurrency:
		return "dag concurrency"
	case verdictRejectTaskConcurrency:
		return "task concurrency"
	case verdictRejectRunConcurrency:
		return "run concurrency"
	case verdictRejectPoolMissing:
		return "pool missing"
	case verdictRejectPoolSlots:
		return "pool slots"
	case verdictRejectPoolOversized:
		return "pool oversized"
	case verdictRejectExecutorSlots:
		return "executor slots"
	}
	return "unknown"
}

type ledgerPool struct {
	pool *schedulerobjects.Pool
	open int
	// Slots requested by rejected candidates this cycle, for starvation gauges.
	starving int
}

// capacityLedger is the in-memory capacity snapshot walked by the critical
// section. All checks and debits happen against this snapshot; nothing is
// read from the store between candidates, so one pass is consistent even
// though occupancy keeps changing underneath.
type capacityLedger struct {
	// Remaining global slots. Negative means unlimited.
	parallelismRemaining int
	counts               *database.ActiveTaskCounts
	pools                map[string]*ledgerPool
	// Remaining slots per executor name. Negative means unlimited.
	executorSlots map[string]int
}

// newLedger builds the ledger from the occupancy snapshots taken at the start
// of the critical section.
func newLedger(
	parallelism int,
	counts *database.ActiveTaskCounts,
	poolStats map[string]database.PoolStats,
	executorSlots map[string]int,
) *capacityLedger {
	remaining := -1
	if parallelism > 0 {
		remaining = parallelism - counts.Total
		if remaining < 0 {
			remaining = 0
		}
	}
	pools := make(map[string]*ledgerPool, len(poolStats))
	for name, stats := range poolStats {
		pools[name] = &ledgerPool{
			pool: stats.Pool,
			open: stats.Pool.OpenSlots(stats.OccupiedSlots),
		}
	}
	return &capacityLedger{
		parallelismRemaining: remaining,
		counts:               counts,
		pools:                pools,
		executorSlots:        executorSlots,
	}
}

// check returns the verdict for one candidate without debiting anything.
// task carries the per-task limits from the serialized dag; dagMaxActiveTasks
// is the dag-level limit (zero means unlimited).
func (l *capacityLedger) check(
	ti *schedulerobjects.TaskInstance,
	task *schedulerobjects.Task,
	dagMaxActiveTasks int,
	executorName string,
) admissionVerdict {
	if l.parallelismRemaining == 0 {
		return verdictRejectParallelism
	}
	if dagMaxActiveTasks > 0 && l.counts.PerDag[ti.DagID] >= dagMaxActiveTasks {
		return verdictRejectDagConcurrency
	}
	if task.MaxActiveTisPerDag > 0 && l.counts.PerTask[ti.DagID][ti.TaskID] >= task.MaxActiveTisPerDag {
		return verdictRejectTaskConcurrency
	}
	if task.MaxActiveTisPerDagrun > 0 {
		runKey := schedulerobjects.TaskInstanceKey{DagID: ti.DagID, TaskID: ti.TaskID, RunID: ti.RunID}
		if l.counts.PerRunTask[runKey] >= task.MaxActiveTisPerDagrun {
			return verdictRejectRunConcurrency
		}
	}
	pool, ok := l.pools[ti.Pool]
	if !ok {
		return verdictRejectPoolMissing
	}
	if !pool.pool.Infinite() && ti.PoolSlots > pool.pool.Slots {
		return verdictRejectPoolOversized
	}
	if ti.PoolSlots > pool.open {
		pool.starving += ti.PoolSlots
		return verdictRejectPoolSlots
	}
	if slots, ok := l.executorSlots[executorName]; ok && slots == 0 {
		return verdictRejectExecutorSlots
	}
	return verdictAdmit
}

// admit debits every dimension for a candidate that passed check. Must only
// be called immediately after a verdictAdmit for the same candidate.
func (l *capacityLedger) admit(ti *schedulerobjects.TaskInstance, executorName string) {
	if l.parallelismRemaining > 0 {
		l.parallelismRemaining--
	}
	l.counts.Add(ti.Key(), 1)
	if pool, ok := l.pools[ti.Pool]; ok && !pool.pool.Infinite() {
		pool.open -= ti.PoolSlots
	}
	if slots, ok := l.executorSlots[executorName]; ok && slots > 0 {
		l.executorSlots[executorName] = slots - 1
	}
}

// starvingByPool returns the per-pool slot demand that could not be satisfied
// during this ledger's walk. Pools with no starvation report zero so gauges
// are reset every cycle.
func (l *capacityLedger) starvingByPool() map[string]int {
	starving := make(map[string]int, len(l.pools))
	for name, pool := range l.pools {
		starving[name] = pool.starving
	}
	return starving
}

package schedulerobjects

import "time"

// Dag is the scheduler-relevant view of a dag model row.
// Task structure comes from the versioned serialized dag, not from here.
type Dag struct {
	DagID  string
	Paused bool
	// Maximum number of non-backfill runs in the running state.
	MaxActiveRuns int
	// Maximum number of running/queued task instances across all runs of this dag.
	MaxActiveTasks int
	// Executor used for tasks that don't name one. Empty means the global default.
	DefaultExecutor string
	// Deadline applied to runs of this dag. Zero means no timeout.
	DagRunTimeout time.Duration
	// Watermark: the earliest logical date not yet covered by a created run.
	// Held in place when creation is skipped (max_active_runs reached, dag
	// not serialized) so the interval is created later instead of lost.
	NextRunAfter *time.Time
	// Next data interval as computed by the timetable collaborator.
	NextDataIntervalStart time.Time
	NextDataIntervalEnd   time.Time
}

// DagWatermark is the next-run bookkeeping written back to the dag row when a
// scheduled run is created.
type DagWatermark struct {
	NextRunAfter          time.Time
	NextDataIntervalStart time.Time
	NextDataIntervalEnd   time.Time
}

// Task is one node of a versioned serialized dag.
type Task struct {
	TaskID         string
	Operator       string
	Pool           string
	PoolSlots      int
	PriorityWeight int
	// Maximum attempts, inclusive of the first try.
	MaxTries int
	// Per-task concurrency limits. Zero means unlimited.
	MaxActiveTisPerDag    int
	MaxActiveTisPerDagrun int
	// Executor override for this task. Empty means the dag default.
	Executor string
}

// SerializedDag is a versioned, deserialized dag as returned by the dag bag.
type SerializedDag struct {
	DagID   string
	Version int
	// Maximum running/queued task instances across all runs of this dag.
	// Zero means unlimited.
	MaxActiveTasks int
	// Executor for tasks that don't name one. Empty means the global default.
	DefaultExecutor string
	Tasks           map[string]*Task
}

// HasTask reports whether the task still exists in this dag version.
func (d *SerializedDag) HasTask(taskID string) bool {
	_, ok := d.Tasks[taskID]
	return ok
}

// AssetTrigger is a pending record indicating that all asset conditions
// required to trigger a dag have been satisfied. Consumed exactly once when
// the triggered run is created.
type AssetTrigger struct {
	ID    string
	DagID string
	// Ids of the satisfied asset events to attach to the created run.
	AssetEventIDs []string
	CreatedAt     time.Time
}

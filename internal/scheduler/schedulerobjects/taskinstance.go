package schedulerobjects

import (
	"fmt"
	"time"
)

// TaskInstanceState is the state of a single task instance attempt slot.
type TaskInstanceState string

const (
	// TaskInstanceStateNone indicates a task instance with no state, i.e. one that
	// has not yet been picked up by the scheduling decision step or has been reset.
	TaskInstanceStateNone            TaskInstanceState = ""
	TaskInstanceStateScheduled       TaskInstanceState = "scheduled"
	TaskInstanceStateQueued          TaskInstanceState = "queued"
	TaskInstanceStateRunning         TaskInstanceState = "running"
	TaskInstanceStateSuccess         TaskInstanceState = "success"
	TaskInstanceStateFailed          TaskInstanceState = "failed"
	TaskInstanceStateSkipped         TaskInstanceState = "skipped"
	TaskInstanceStateUpForRetry      TaskInstanceState = "up_for_retry"
	TaskInstanceStateUpForReschedule TaskInstanceState = "up_for_reschedule"
	TaskInstanceStateDeferred        TaskInstanceState = "deferred"
)

// FailFastNextMethod is the sentinel next method set on deferred task instances
// whose trigger timed out. A task instance rescheduled with this marker fails
// immediately on its next execution instead of re-entering its deferred logic.
const FailFastNextMethod = "__fail__"

// TaskInstanceKey uniquely identifies one attempt slot of one task within one dag run.
type TaskInstanceKey struct {
	DagID    string
	TaskID   string
	RunID    string
	MapIndex int
}

func (k TaskInstanceKey) String() string {
	return fmt.Sprintf("%s.%s %s map_index=%d", k.DagID, k.TaskID, k.RunID, k.MapIndex)
}

// TaskInstance is one attempt slot of one task within one dag run.
// Task instances are never deleted; retries supersede them with a higher TryNumber.
type TaskInstance struct {
	DagID    string
	TaskID   string
	RunID    string
	MapIndex int
	State    TaskInstanceState
	// Current attempt number, starting at 1 for the first attempt.
	TryNumber int
	// Maximum number of attempts before the task instance is failed terminally.
	MaxTries int
	// Id of the scheduler job that queued this task instance. Empty if unowned.
	// At most one scheduler may own a queued/running task instance at a time.
	QueuedByJobID string
	QueuedAt      *time.Time
	// Last heartbeat reported by the worker running this task instance.
	LastHeartbeatAt *time.Time
	// Pool this task instance draws slots from.
	Pool      string
	PoolSlots int
	// Higher priority weights are admitted first within a run.
	PriorityWeight int
	// Name of the executor this task instance should be handed to.
	// Empty means the dag default, or failing that the global default.
	Executor string
	// Operator (task type) used for failure metric labels.
	Operator string
	// Deadline for the trigger of a deferred task instance.
	TriggerTimeout *time.Time
	// Method to invoke when the task instance next executes.
	NextMethod string
}

func (ti *TaskInstance) Key() TaskInstanceKey {
	return TaskInstanceKey{DagID: ti.DagID, TaskID: ti.TaskID, RunID: ti.RunID, MapIndex: ti.MapIndex}
}

// InTerminalState returns true if the task instance can no longer transition to another state.
func (ti *TaskInstance) InTerminalState() bool {
	switch ti.State {
	case TaskInstanceStateSuccess, TaskInstanceStateFailed, TaskInstanceStateSkipped:
		return true
	}
	return false
}

// RetriesRemain returns true if failing the current attempt would leave the
// task instance eligible for another try.
func (ti *TaskInstance) RetriesRemain() bool {
	return ti.TryNumber < ti.MaxTries
}

// OccupiesPoolSlots returns true if the task instance counts against pool occupancy.
// Deferred task instances count only for pools configured with includeDeferred.
func (ti *TaskInstance) OccupiesPoolSlots(includeDeferred bool) bool {
	switch ti.State {
	case TaskInstanceStateQueued, TaskInstanceStateRunning:
		return true
	case TaskInstanceStateDeferred:
		return includeDeferred
	}
	return false
}

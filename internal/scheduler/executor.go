package scheduler

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// Workload is what the scheduler hands an executor for one task instance try.
type Workload struct {
	Ti *schedulerobjects.TaskInstance
	// Version of the serialized dag the task was admitted against.
	DagVersion int
}

// ExecutorEvent is a terminal-state report buffered by an executor until the
// scheduler drains it during event reconciliation.
type ExecutorEvent struct {
	Key       schedulerobjects.TaskInstanceKey
	TryNumber int
	// Terminal state the executor observed: success or failed.
	State schedulerobjects.TaskInstanceState
	// Free-form diagnostic attached to the event, e.g. an exit code.
	Info string
}

// Executor runs task instance workloads. Implementations track the tasks
// queued on them and buffer terminal-state events for the scheduler to drain.
// All methods are called from the scheduling loop goroutine.
type Executor interface {
	Name() string

	// Start initialises the executor. Called once before the first cycle.
	Start() error

	// End shuts the executor down, releasing tracked workloads.
	End() error

	// Heartbeat gives the executor a chance to sync its internal state.
	// Called once per scheduling cycle.
	Heartbeat() error

	// QueueWorkload hands a queued task instance to the executor.
	QueueWorkload(workload Workload) error

	// EventBuffer drains and returns the buffered terminal-state events.
	EventBuffer() []ExecutorEvent

	// TryAdoptTaskInstances asks the executor to take over task instances
	// orphaned by a dead scheduler, returning those it could not adopt.
	TryAdoptTaskInstances(tis []*schedulerobjects.TaskInstance) []*schedulerobjects.TaskInstance

	// HasTask reports whether the executor is tracking the given task instance.
	HasTask(key schedulerobjects.TaskInstanceKey) bool

	// SlotsAvailable returns how many more workloads the executor can accept.
	// Negative means unlimited.
	SlotsAvailable() int

	// SetJobID tells the executor which scheduler job owns it.
	SetJobID(jobID string)

	// SetCallbackSink gives the executor a sink for callbacks it raises itself.
	SetCallbackSink(sink CallbackSink)

	// DebugDump returns a human-readable snapshot of internal state.
	DebugDump() string
}

// TaskRevoker is implemented by executors that can stop tracking a task on
// request. Executors without the capability are simply never asked.
type TaskRevoker interface {
	RevokeTask(key schedulerobjects.TaskInstanceKey)
}

// ExecutorRegistry holds the configured executors by name and resolves which
// executor a task instance runs on: the task's own executor if set, else the
// dag's default, else the global default.
type ExecutorRegistry struct {
	executors   map[string]Executor
	defaultName string
}

func NewExecutorRegistry(executors []Executor, defaultName string) (*ExecutorRegistry, error) {
	byName := make(map[string]Executor, len(executors))
	for _, ex := range executors {
		if _, ok := byName[ex.Name()]; ok {
			return nil, errors.Errorf("duplicate executor name %s", ex.Name())
		}
		byName[ex.Name()] = ex
	}
	if _, ok := byName[defaultName]; !ok {
		return nil, errors.Errorf("default executor %s not registered", defaultName)
	}
	return &ExecutorRegistry{executors: byName, defaultName: defaultName}, nil
}

// All returns the registered executors ordered by name.
func (r *ExecutorRegistry) All() []Executor {
	names := maps.Keys(r.executors)
	slices.Sort(names)
	executors := make([]Executor, 0, len(names))
	for _, name := range names {
		executors = append(executors, r.executors[name])
	}
	return executors
}

// ResolveName returns the executor name for a task instance given the dag's
// default executor, without checking it is registered.
func (r *ExecutorRegistry) ResolveName(ti *schedulerobjects.TaskInstance, dagDefault string) string {
	if ti.Executor != "" {
		return ti.Executor
	}
	if dagDefault != "" {
		return dagDefault
	}
	return r.defaultName
}

// Resolve returns the executor a task instance runs on.
func (r *ExecutorRegistry) Resolve(ti *schedulerobjects.TaskInstance, dagDefault string) (Executor, error) {
	name := r.ResolveName(ti, dagDefault)
	ex, ok := r.executors[name]
	if !ok {
		return nil, errors.Errorf("executor %s is not registered", name)
	}
	return ex, nil
}

// Default returns the globally configured default executor.
func (r *ExecutorRegistry) Default() Executor {
	return r.executors[r.defaultName]
}

// SlotsAvailable returns a snapshot of free slots per executor name.
func (r *ExecutorRegistry) SlotsAvailable() map[string]int {
	slots := make(map[string]int, len(r.executors))
	for name, ex := range r.executors {
		slots[name] = ex.SlotsAvailable()
	}
	return slots
}

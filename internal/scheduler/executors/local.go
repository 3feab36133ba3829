package executors

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler"
	"github.com/maestroproject/maestro/internal/scheduler/configuration"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// TaskInstanceWriter is the slice of the task instance repository an executor
// needs: persisting the running transition and recording heartbeats.
type TaskInstanceWriter interface {
	UpdateTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error
	RecordHeartbeats(ctx context.Context, keys []schedulerobjects.TaskInstanceKey, now time.Time) error
}

// LocalExecutor runs each task instance as a child process of the scheduler.
// The configured command is invoked with the task instance identity appended
// as arguments; a zero exit status reports success, anything else failure.
// Processes do not outlive the scheduler, so orphaned task instances of a dead
// scheduler are never adopted.
type LocalExecutor struct {
	config        configuration.LocalExecutorConfig
	taskInstances TaskInstanceWriter
	clock         clock.Clock
	jobID         string
	sink          scheduler.CallbackSink

	mu     sync.Mutex
	tasks  map[schedulerobjects.TaskInstanceKey]*localTask
	events []scheduler.ExecutorEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ scheduler.Executor    = (*LocalExecutor)(nil)
	_ scheduler.TaskRevoker = (*LocalExecutor)(nil)
)

type localTask struct {
	tryNumber int
	cancel    context.CancelFunc
	// Set once the process exited and its event is buffered. The task stays
	// tracked until the event is drained so the dispatcher won't requeue it.
	done bool
}

func NewLocalExecutor(config configuration.LocalExecutorConfig, taskInstances TaskInstanceWriter, clk clock.Clock) *LocalExecutor {
	return &LocalExecutor{
		config:        config,
		taskInstances: taskInstances,
		clock:         clk,
		tasks:         map[schedulerobjects.TaskInstanceKey]*localTask{},
	}
}

func (e *LocalExecutor) Name() string { return "local" }

func (e *LocalExecutor) Start() error {
	if len(e.config.Command) == 0 {
		return errors.New("local executor has no command configured")
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return nil
}

// End kills every supervised process and waits for them to be reaped.
func (e *LocalExecutor) End() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return nil
}

// Heartbeat records last_heartbeat_at for every process still running.
func (e *LocalExecutor) Heartbeat() error {
	e.mu.Lock()
	keys := make([]schedulerobjects.TaskInstanceKey, 0, len(e.tasks))
	for key, task := range e.tasks {
		if !task.done {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return e.taskInstances.RecordHeartbeats(e.ctx, keys, e.clock.Now())
}

func (e *LocalExecutor) QueueWorkload(workload scheduler.Workload) error {
	ti := workload.Ti
	if e.config.Parallelism > 0 && e.trackedCount() >= e.config.Parallelism {
		return errors.Errorf("local executor is at its parallelism limit of %d", e.config.Parallelism)
	}

	taskCtx, taskCancel := context.WithCancel(e.ctx)
	args := append(append([]string{}, e.config.Command[1:]...),
		ti.DagID, ti.TaskID, ti.RunID, strconv.Itoa(ti.MapIndex), strconv.Itoa(ti.TryNumber))
	cmd := exec.CommandContext(taskCtx, e.config.Command[0], args...)
	if err := cmd.Start(); err != nil {
		taskCancel()
		return errors.Wrapf(err, "starting process for task instance %s", ti.Key())
	}

	now := e.clock.Now()
	ti.State = schedulerobjects.TaskInstanceStateRunning
	ti.LastHeartbeatAt = &now
	if err := e.taskInstances.UpdateTaskInstances(e.ctx, []*schedulerobjects.TaskInstance{ti}); err != nil {
		taskCancel()
		_ = cmd.Wait()
		return err
	}

	log.Infof("started process %d for task instance %s", cmd.Process.Pid, ti.Key())
	key := ti.Key()
	task := &localTask{tryNumber: ti.TryNumber, cancel: taskCancel}
	e.mu.Lock()
	e.tasks[key] = task
	e.mu.Unlock()

	e.wg.Add(1)
	go e.supervise(key, task, cmd)
	return nil
}

func (e *LocalExecutor) supervise(key schedulerobjects.TaskInstanceKey, task *localTask, cmd *exec.Cmd) {
	defer e.wg.Done()
	err := cmd.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tasks[key] != task {
		// Revoked while running; whoever revoked it owns the state now.
		return
	}
	task.done = true
	event := scheduler.ExecutorEvent{Key: key, TryNumber: task.tryNumber}
	if err == nil {
		event.State = schedulerobjects.TaskInstanceStateSuccess
		event.Info = "exit status 0"
	} else {
		event.State = schedulerobjects.TaskInstanceStateFailed
		event.Info = err.Error()
	}
	e.events = append(e.events, event)
}

// EventBuffer drains the buffered events and stops tracking their tasks.
func (e *LocalExecutor) EventBuffer() []scheduler.ExecutorEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.events
	e.events = nil
	for _, event := range events {
		delete(e.tasks, event.Key)
	}
	return events
}

// TryAdoptTaskInstances refuses everything: a local process cannot survive the
// scheduler that forked it, so there is never anything to adopt.
func (e *LocalExecutor) TryAdoptTaskInstances(tis []*schedulerobjects.TaskInstance) []*schedulerobjects.TaskInstance {
	return tis
}

func (e *LocalExecutor) HasTask(key schedulerobjects.TaskInstanceKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[key]
	return ok
}

func (e *LocalExecutor) SlotsAvailable() int {
	if e.config.Parallelism <= 0 {
		return -1
	}
	return e.config.Parallelism - e.trackedCount()
}

func (e *LocalExecutor) SetJobID(jobID string) { e.jobID = jobID }

func (e *LocalExecutor) SetCallbackSink(sink scheduler.CallbackSink) { e.sink = sink }

func (e *LocalExecutor) RevokeTask(key schedulerobjects.TaskInstanceKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if task, ok := e.tasks[key]; ok {
		task.cancel()
		delete(e.tasks, key)
	}
}

func (e *LocalExecutor) DebugDump() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := 0
	for _, task := range e.tasks {
		if !task.done {
			running++
		}
	}
	return fmt.Sprintf("local executor: %d tracked, %d running, %d buffered events", len(e.tasks), running, len(e.events))
}

func (e *LocalExecutor) trackedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

func TestRunAdmission_CreateDagRuns(t *testing.T) {
	dueAt := testBaseTime.Add(-time.Hour)
	hourlyDag := func(dagID string) *schedulerobjects.Dag {
		next := dueAt
		return &schedulerobjects.Dag{
			DagID:                 dagID,
			MaxActiveRuns:         16,
			NextRunAfter:          &next,
			NextDataIntervalStart: dueAt.Add(-time.Hour),
			NextDataIntervalEnd:   dueAt,
		}
	}

	t.Run("creates a queued run and advances the watermark", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		dag := hourlyDag("dag-1")
		drRepo.addDag(dag)

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		require.Len(t, drRepo.runs, 1)
		for _, run := range drRepo.runs {
			assert.Equal(t, schedulerobjects.DagRunStateQueued, run.State)
			assert.Equal(t, schedulerobjects.DagRunTypeScheduled, run.RunType)
			assert.Equal(t, dueAt, run.RunAfter)
			assert.Equal(t, dueAt.Add(-time.Hour), run.LogicalDate)
			assert.Equal(t, "scheduler-1", run.CreatingJobID)
			assert.Contains(t, run.RunID, "scheduled__")
		}
		require.NotNil(t, dag.NextRunAfter)
		assert.Equal(t, dueAt.Add(time.Hour), *dag.NextRunAfter)
	})

	t.Run("one failing dag does not block the others", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		drRepo.addDag(hourlyDag("bad-dag"))
		drRepo.addDag(hourlyDag("good-dag"))
		drRepo.createErrs["bad-dag"] = assert.AnError

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		require.Len(t, drRepo.runs, 1)
		for _, run := range drRepo.runs {
			assert.Equal(t, "good-dag", run.DagID)
		}
	})

	t.Run("dag missing from the dag bag is skipped without advancing", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		dag := hourlyDag("unserialized-dag")
		drRepo.addDag(dag)

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		assert.Empty(t, drRepo.runs)
		assert.Equal(t, dueAt, *dag.NextRunAfter)
	})

	t.Run("dag at max_active_runs keeps its watermark for catchup", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		dag := hourlyDag("dag-1")
		dag.MaxActiveRuns = 1
		drRepo.addDag(dag)
		drRepo.addRun(&schedulerobjects.DagRun{
			DagID: "dag-1", RunID: "existing", State: schedulerobjects.DagRunStateRunning,
			RunType: schedulerobjects.DagRunTypeScheduled,
		})

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		assert.Len(t, drRepo.runs, 1)
		assert.Equal(t, dueAt, *dag.NextRunAfter)
	})

	t.Run("no scheduled runs without use_job_schedule", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, false)
		drRepo.addDag(hourlyDag("dag-1"))

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		assert.Empty(t, drRepo.runs)
	})

	t.Run("asset trigger is consumed exactly once", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, false)
		drRepo.addDag(&schedulerobjects.Dag{DagID: "dag-1", MaxActiveRuns: 16})
		drRepo.triggers = []*schedulerobjects.AssetTrigger{{
			ID: "trigger-1", DagID: "dag-1",
			AssetEventIDs: []string{"event-1", "event-2"},
			CreatedAt:     testBaseTime.Add(-time.Minute),
		}}

		require.NoError(t, admission.CreateDagRuns(context.Background()))

		require.Len(t, drRepo.runs, 1)
		for _, run := range drRepo.runs {
			assert.Equal(t, schedulerobjects.DagRunTypeAssetTriggered, run.RunType)
			assert.Equal(t, []string{"event-1", "event-2"}, run.ConsumedAssetEvents)
		}
		assert.Empty(t, drRepo.triggers)

		// Re-running must not create a second run from the same trigger.
		require.NoError(t, admission.CreateDagRuns(context.Background()))
		assert.Len(t, drRepo.runs, 1)
	})
}

func TestRunAdmission_StartQueuedRuns(t *testing.T) {
	queuedRun := func(dagID, runID string, runAfter time.Time, maxActiveRuns int) *schedulerobjects.DagRun {
		return &schedulerobjects.DagRun{
			DagID: dagID, RunID: runID,
			State: schedulerobjects.DagRunStateQueued, RunType: schedulerobjects.DagRunTypeScheduled,
			RunAfter: runAfter, LogicalDate: runAfter, MaxActiveRuns: maxActiveRuns,
		}
	}
	backfillRun := func(dagID, runID, backfillID string, runAfter time.Time) *schedulerobjects.DagRun {
		return &schedulerobjects.DagRun{
			DagID: dagID, RunID: runID,
			State: schedulerobjects.DagRunStateQueued, RunType: schedulerobjects.DagRunTypeBackfill,
			BackfillID: backfillID, RunAfter: runAfter, LogicalDate: runAfter,
		}
	}

	t.Run("oldest runs start first within max_active_runs", func(t *testing.T) {
		admission, drRepo, tiRepo, _, observer := newTestRunAdmission(t, true)
		drRepo.addRun(queuedRun("dag-1", "run-new", testBaseTime.Add(-time.Hour), 2))
		drRepo.addRun(queuedRun("dag-1", "run-old", testBaseTime.Add(-2*time.Hour), 2))
		drRepo.addRun(queuedRun("dag-1", "run-newest", testBaseTime.Add(-30*time.Minute), 2))

		require.NoError(t, admission.StartQueuedRuns(context.Background()))

		assert.Equal(t, schedulerobjects.DagRunStateRunning, drRepo.runs[runKey("dag-1", "run-old")].State)
		assert.Equal(t, schedulerobjects.DagRunStateRunning, drRepo.runs[runKey("dag-1", "run-new")].State)
		assert.Equal(t, schedulerobjects.DagRunStateQueued, drRepo.runs[runKey("dag-1", "run-newest")].State)
		assert.ElementsMatch(t, []string{runKey("dag-1", "run-old"), runKey("dag-1", "run-new")}, observer.started)

		// Task instances were expanded for the started runs.
		keys, err := tiRepo.FetchRunningKeys(context.Background())
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.Len(t, tiRepo.tis, 2)
	})

	t.Run("regular runs start before backfill runs", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		drRepo.backfills["bf-1"] = &schedulerobjects.Backfill{ID: "bf-1", DagID: "dag-1", MaxActiveRuns: 1}
		drRepo.addRun(backfillRun("dag-1", "bf-run-1", "bf-1", testBaseTime.Add(-3*time.Hour)))
		drRepo.addRun(backfillRun("dag-1", "bf-run-2", "bf-1", testBaseTime.Add(-2*time.Hour)))
		drRepo.addRun(queuedRun("dag-1", "regular-run", testBaseTime.Add(-time.Hour), 16))

		require.NoError(t, admission.StartQueuedRuns(context.Background()))

		assert.Equal(t, schedulerobjects.DagRunStateRunning, drRepo.runs[runKey("dag-1", "regular-run")].State)
		assert.Equal(t, schedulerobjects.DagRunStateRunning, drRepo.runs[runKey("dag-1", "bf-run-1")].State)
		// The backfill's own max_active_runs holds the second one back.
		assert.Equal(t, schedulerobjects.DagRunStateQueued, drRepo.runs[runKey("dag-1", "bf-run-2")].State)
	})

	t.Run("paused backfills do not start", func(t *testing.T) {
		admission, drRepo, _, _, _ := newTestRunAdmission(t, true)
		drRepo.backfills["bf-1"] = &schedulerobjects.Backfill{ID: "bf-1", DagID: "dag-1", MaxActiveRuns: 5, Paused: true}
		drRepo.addRun(backfillRun("dag-1", "bf-run-1", "bf-1", testBaseTime.Add(-time.Hour)))

		require.NoError(t, admission.StartQueuedRuns(context.Background()))

		assert.Equal(t, schedulerobjects.DagRunStateQueued, drRepo.runs[runKey("dag-1", "bf-run-1")].State)
	})
}

func TestRunAdmission_FinishDagRuns(t *testing.T) {
	addTis := func(tiRepo *fakeTaskInstanceRepository, runID string, states ...schedulerobjects.TaskInstanceState) {
		for i, state := range states {
			tiRepo.addTi(&schedulerobjects.TaskInstance{
				DagID: "dag-1", TaskID: string(rune('a' + i)), RunID: runID, MapIndex: -1,
				State: state, MaxTries: 1, Pool: "default_pool", PoolSlots: 1,
			})
		}
	}
	runningRun := func(runID string, timeout time.Duration, startedAt time.Time) *schedulerobjects.DagRun {
		t := startedAt
		return &schedulerobjects.DagRun{
			DagID: "dag-1", RunID: runID,
			State: schedulerobjects.DagRunStateRunning, RunType: schedulerobjects.DagRunTypeScheduled,
			StartedAt: &t, Timeout: timeout,
		}
	}

	tests := map[string]struct {
		run            *schedulerobjects.DagRun
		tiStates       []schedulerobjects.TaskInstanceState
		expectedState  schedulerobjects.DagRunState
		expectFinished bool
		expectFailure  bool
	}{
		"all tasks succeeded finishes the run": {
			run:            runningRun("run-1", 0, testBaseTime.Add(-time.Hour)),
			tiStates:       []schedulerobjects.TaskInstanceState{schedulerobjects.TaskInstanceStateSuccess, schedulerobjects.TaskInstanceStateSkipped},
			expectedState:  schedulerobjects.DagRunStateSuccess,
			expectFinished: true,
		},
		"a failed task fails the run": {
			run:            runningRun("run-1", 0, testBaseTime.Add(-time.Hour)),
			tiStates:       []schedulerobjects.TaskInstanceState{schedulerobjects.TaskInstanceStateSuccess, schedulerobjects.TaskInstanceStateFailed},
			expectedState:  schedulerobjects.DagRunStateFailed,
			expectFinished: true,
			expectFailure:  true,
		},
		"unfinished tasks keep the run open": {
			run:           runningRun("run-1", 0, testBaseTime.Add(-time.Hour)),
			tiStates:      []schedulerobjects.TaskInstanceState{schedulerobjects.TaskInstanceStateSuccess, schedulerobjects.TaskInstanceStateRunning},
			expectedState: schedulerobjects.DagRunStateRunning,
		},
		"a run with no task instances yet stays open": {
			run:           runningRun("run-1", 0, testBaseTime.Add(-time.Minute)),
			expectedState: schedulerobjects.DagRunStateRunning,
		},
		"a timed out run fails even with unfinished tasks": {
			run:            runningRun("run-1", 30*time.Minute, testBaseTime.Add(-time.Hour)),
			tiStates:       []schedulerobjects.TaskInstanceState{schedulerobjects.TaskInstanceStateRunning},
			expectedState:  schedulerobjects.DagRunStateFailed,
			expectFinished: true,
			expectFailure:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			admission, drRepo, tiRepo, sink, observer := newTestRunAdmission(t, true)
			drRepo.addRun(tc.run)
			addTis(tiRepo, tc.run.RunID, tc.tiStates...)

			require.NoError(t, admission.FinishDagRuns(context.Background()))

			assert.Equal(t, tc.expectedState, tc.run.State)
			if tc.expectFinished {
				assert.Equal(t, []string{runKey("dag-1", tc.run.RunID)}, observer.finished)
				require.Len(t, sink.requests, 1)
				assert.Equal(t, tc.expectFailure, sink.requests[0].IsFailure)
				assert.Empty(t, sink.requests[0].TaskID)
			} else {
				assert.Empty(t, observer.finished)
				assert.Empty(t, sink.requests)
			}
		})
	}

	t.Run("a running run with no task instances is re-expanded", func(t *testing.T) {
		admission, drRepo, tiRepo, sink, observer := newTestRunAdmission(t, true)
		drRepo.addRun(runningRun("run-1", 0, testBaseTime.Add(-time.Minute)))

		require.NoError(t, admission.FinishDagRuns(context.Background()))

		assert.Equal(t, schedulerobjects.DagRunStateRunning, drRepo.runs[runKey("dag-1", "run-1")].State)
		require.Len(t, tiRepo.tis, 1)
		for _, ti := range tiRepo.tis {
			assert.Equal(t, "task-a", ti.TaskID)
			assert.Equal(t, schedulerobjects.TaskInstanceStateScheduled, ti.State)
		}
		assert.Empty(t, observer.finished)
		assert.Empty(t, sink.requests)
	})

	t.Run("a run whose dag was missing at start is expanded once it reappears", func(t *testing.T) {
		tiRepo := newFakeTaskInstanceRepository()
		drRepo := newFakeDagRunRepository()
		drRepo.tis = tiRepo
		bag := &fakeDagBag{dags: map[string]*schedulerobjects.SerializedDag{}}
		admission := NewRunAdmission(
			"scheduler-1",
			drRepo,
			tiRepo,
			bag,
			DataIntervalTimetable{DefaultInterval: time.Hour},
			&recordingSink{},
			NewMetrics(prometheus.NewRegistry()),
			clock.NewFakeClock(testBaseTime),
			nil,
			true,
			100,
			20,
		)
		drRepo.addRun(&schedulerobjects.DagRun{
			DagID: "ghost-dag", RunID: "run-1",
			State: schedulerobjects.DagRunStateQueued, RunType: schedulerobjects.DagRunTypeScheduled,
			RunAfter: testBaseTime.Add(-time.Hour), LogicalDate: testBaseTime.Add(-time.Hour),
		})

		// The run starts without task instances because nothing is serialized.
		require.NoError(t, admission.StartQueuedRuns(context.Background()))
		run := drRepo.runs[runKey("ghost-dag", "run-1")]
		assert.Equal(t, schedulerobjects.DagRunStateRunning, run.State)
		assert.Empty(t, tiRepo.tis)

		// It stays open across cycles rather than being finished or leaked.
		for i := 0; i < 3; i++ {
			require.NoError(t, admission.FinishDagRuns(context.Background()))
		}
		assert.Equal(t, schedulerobjects.DagRunStateRunning, run.State)
		assert.Empty(t, tiRepo.tis)

		// Once the dag is serialized again the run picks up its tasks.
		bag.dags["ghost-dag"] = &schedulerobjects.SerializedDag{
			DagID: "ghost-dag", Version: 1,
			Tasks: map[string]*schedulerobjects.Task{"task-a": {TaskID: "task-a"}},
		}
		require.NoError(t, admission.FinishDagRuns(context.Background()))
		assert.Equal(t, schedulerobjects.DagRunStateRunning, run.State)
		require.Len(t, tiRepo.tis, 1)
		for _, ti := range tiRepo.tis {
			assert.Equal(t, schedulerobjects.TaskInstanceStateScheduled, ti.State)
		}
	})

	t.Run("retryable task instances move back to scheduled", func(t *testing.T) {
		admission, drRepo, tiRepo, _, _ := newTestRunAdmission(t, true)
		drRepo.addRun(runningRun("run-1", 0, testBaseTime.Add(-time.Hour)))
		ti := &schedulerobjects.TaskInstance{
			DagID: "dag-1", TaskID: "task-a", RunID: "run-1", MapIndex: -1,
			State: schedulerobjects.TaskInstanceStateUpForRetry, TryNumber: 1, MaxTries: 3,
			QueuedByJobID: "scheduler-1", Pool: "default_pool", PoolSlots: 1,
		}
		tiRepo.addTi(ti)

		require.NoError(t, admission.FinishDagRuns(context.Background()))

		assert.Equal(t, schedulerobjects.TaskInstanceStateScheduled, ti.State)
		assert.Empty(t, ti.QueuedByJobID)
	})
}

func newTestRunAdmission(t *testing.T, useJobSchedule bool) (*RunAdmission, *fakeDagRunRepository, *fakeTaskInstanceRepository, *recordingSink, *recordingObserver) {
	t.Helper()
	tiRepo := newFakeTaskInstanceRepository()
	drRepo := newFakeDagRunRepository()
	drRepo.tis = tiRepo
	sink := &recordingSink{}
	observer := &recordingObserver{}
	dag := &schedulerobjects.SerializedDag{
		DagID: "dag-1", Version: 1,
		Tasks: map[string]*schedulerobjects.Task{"task-a": {TaskID: "task-a", Operator: "BashOperator"}},
	}
	admission := NewRunAdmission(
		"scheduler-1",
		drRepo,
		tiRepo,
		&fakeDagBag{dags: map[string]*schedulerobjects.SerializedDag{"dag-1": dag, "good-dag": dag, "bad-dag": dag}},
		DataIntervalTimetable{DefaultInterval: time.Hour},
		sink,
		NewMetrics(prometheus.NewRegistry()),
		clock.NewFakeClock(testBaseTime),
		[]LifecycleObserver{observer},
		useJobSchedule,
		100,
		20,
	)
	return admission, drRepo, tiRepo, sink, observer
}

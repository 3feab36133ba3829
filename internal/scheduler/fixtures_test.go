package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

func runKey(dagID, runID string) string {
	return fmt.Sprintf("%s/%s", dagID, runID)
}

// fakeTaskInstanceRepository is an in-memory TaskInstanceRepository.
// Task instances and runs are stored by pointer, so mutations made by the
// code under test are immediately visible to subsequent calls.
type fakeTaskInstanceRepository struct {
	tis              map[schedulerobjects.TaskInstanceKey]*schedulerobjects.TaskInstance
	runs             map[string]*schedulerobjects.DagRun
	rescheduleCounts map[schedulerobjects.TaskInstanceKey]int
	err              error
}

func newFakeTaskInstanceRepository() *fakeTaskInstanceRepository {
	return &fakeTaskInstanceRepository{
		tis:              map[schedulerobjects.TaskInstanceKey]*schedulerobjects.TaskInstance{},
		runs:             map[string]*schedulerobjects.DagRun{},
		rescheduleCounts: map[schedulerobjects.TaskInstanceKey]int{},
	}
}

func (r *fakeTaskInstanceRepository) addRun(run *schedulerobjects.DagRun) {
	r.runs[runKey(run.DagID, run.RunID)] = run
}

func (r *fakeTaskInstanceRepository) addTi(ti *schedulerobjects.TaskInstance) {
	r.tis[ti.Key()] = ti
}

func (r *fakeTaskInstanceRepository) WithSchedulableTaskInstances(
	ctx context.Context,
	limit int,
	fn func([]database.AdmissionCandidate) ([]*schedulerobjects.TaskInstance, error),
) error {
	if r.err != nil {
		return r.err
	}
	var candidates []database.AdmissionCandidate
	for _, ti := range r.tis {
		run := r.runs[runKey(ti.DagID, ti.RunID)]
		if run == nil || run.State != schedulerobjects.DagRunStateRunning {
			continue
		}
		if ti.State != schedulerobjects.TaskInstanceStateScheduled {
			continue
		}
		candidates = append(candidates, database.AdmissionCandidate{Ti: ti, Run: run})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Run.IsBackfill() != b.Run.IsBackfill() {
			return !a.Run.IsBackfill()
		}
		if !a.Run.RunAfter.Equal(b.Run.RunAfter) {
			return a.Run.RunAfter.Before(b.Run.RunAfter)
		}
		if a.Ti.PriorityWeight != b.Ti.PriorityWeight {
			return a.Ti.PriorityWeight > b.Ti.PriorityWeight
		}
		return a.Ti.Key().String() < b.Ti.Key().String()
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	updated, err := fn(candidates)
	if err != nil {
		return err
	}
	for _, ti := range updated {
		r.tis[ti.Key()] = ti
	}
	return nil
}

func (r *fakeTaskInstanceRepository) FetchActiveTaskCounts(ctx context.Context) (*database.ActiveTaskCounts, error) {
	counts := &database.ActiveTaskCounts{
		PerDag:     map[string]int{},
		PerTask:    map[string]map[string]int{},
		PerRunTask: map[schedulerobjects.TaskInstanceKey]int{},
	}
	for _, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateQueued || ti.State == schedulerobjects.TaskInstanceStateRunning {
			counts.Add(ti.Key(), 1)
		}
	}
	return counts, r.err
}

func (r *fakeTaskInstanceRepository) FetchQueuedForDispatch(ctx context.Context, jobID string) ([]database.AdmissionCandidate, error) {
	var candidates []database.AdmissionCandidate
	for _, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateQueued && ti.QueuedByJobID == jobID {
			candidates = append(candidates, database.AdmissionCandidate{Ti: ti, Run: r.runs[runKey(ti.DagID, ti.RunID)]})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Ti.Key().String() < candidates[j].Ti.Key().String()
	})
	return candidates, r.err
}

func (r *fakeTaskInstanceRepository) FetchByKey(ctx context.Context, key schedulerobjects.TaskInstanceKey) (*schedulerobjects.TaskInstance, error) {
	return r.tis[key], r.err
}

func (r *fakeTaskInstanceRepository) InsertTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error {
	for _, ti := range tis {
		if _, ok := r.tis[ti.Key()]; !ok {
			r.tis[ti.Key()] = ti
		}
	}
	return r.err
}

func (r *fakeTaskInstanceRepository) UpdateTaskInstances(ctx context.Context, tis []*schedulerobjects.TaskInstance) error {
	for _, ti := range tis {
		r.tis[ti.Key()] = ti
	}
	return r.err
}

func (r *fakeTaskInstanceRepository) MoveRetryableToScheduled(ctx context.Context) (int, error) {
	moved := 0
	for _, ti := range r.tis {
		run := r.runs[runKey(ti.DagID, ti.RunID)]
		if run == nil || run.State != schedulerobjects.DagRunStateRunning {
			continue
		}
		if ti.State == schedulerobjects.TaskInstanceStateUpForRetry || ti.State == schedulerobjects.TaskInstanceStateUpForReschedule {
			ti.State = schedulerobjects.TaskInstanceStateScheduled
			ti.QueuedByJobID = ""
			ti.QueuedAt = nil
			moved++
		}
	}
	return moved, r.err
}

func (r *fakeTaskInstanceRepository) FetchRunningKeys(ctx context.Context) ([]schedulerobjects.TaskInstanceKey, error) {
	var keys []schedulerobjects.TaskInstanceKey
	for key, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateRunning {
			keys = append(keys, key)
		}
	}
	return keys, r.err
}

func (r *fakeTaskInstanceRepository) RecordHeartbeats(ctx context.Context, keys []schedulerobjects.TaskInstanceKey, now time.Time) error {
	for _, key := range keys {
		if ti, ok := r.tis[key]; ok {
			heartbeat := now
			ti.LastHeartbeatAt = &heartbeat
		}
	}
	return r.err
}

func (r *fakeTaskInstanceRepository) FetchStuckInQueued(ctx context.Context, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error) {
	var tis []*schedulerobjects.TaskInstance
	for _, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateQueued && ti.QueuedAt != nil && ti.QueuedAt.Before(cutoff) {
			tis = append(tis, ti)
		}
	}
	sortTis(tis)
	return tis, r.err
}

func (r *fakeTaskInstanceRepository) FetchAdoptable(ctx context.Context, deadJobIDs []string) ([]database.AdmissionCandidate, error) {
	dead := map[string]bool{}
	for _, id := range deadJobIDs {
		dead[id] = true
	}
	var candidates []database.AdmissionCandidate
	for _, ti := range r.tis {
		if !dead[ti.QueuedByJobID] {
			continue
		}
		if ti.State != schedulerobjects.TaskInstanceStateQueued && ti.State != schedulerobjects.TaskInstanceStateRunning {
			continue
		}
		run := r.runs[runKey(ti.DagID, ti.RunID)]
		if run != nil && run.IsBackfill() {
			continue
		}
		candidates = append(candidates, database.AdmissionCandidate{Ti: ti, Run: run})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Ti.Key().String() < candidates[j].Ti.Key().String()
	})
	return candidates, r.err
}

func (r *fakeTaskInstanceRepository) FetchRunningWithStaleHeartbeat(ctx context.Context, jobID string, cutoff time.Time) ([]*schedulerobjects.TaskInstance, error) {
	var tis []*schedulerobjects.TaskInstance
	for _, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateRunning && ti.QueuedByJobID == jobID &&
			ti.LastHeartbeatAt != nil && ti.LastHeartbeatAt.Before(cutoff) {
			tis = append(tis, ti)
		}
	}
	sortTis(tis)
	return tis, r.err
}

func (r *fakeTaskInstanceRepository) FetchDeferredTimedOut(ctx context.Context, now time.Time) ([]*schedulerobjects.TaskInstance, error) {
	var tis []*schedulerobjects.TaskInstance
	for _, ti := range r.tis {
		if ti.State == schedulerobjects.TaskInstanceStateDeferred && ti.TriggerTimeout != nil && ti.TriggerTimeout.Before(now) {
			tis = append(tis, ti)
		}
	}
	sortTis(tis)
	return tis, r.err
}

func (r *fakeTaskInstanceRepository) FetchRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) (map[schedulerobjects.TaskInstanceKey]int, error) {
	counts := map[schedulerobjects.TaskInstanceKey]int{}
	for _, key := range keys {
		if count, ok := r.rescheduleCounts[key]; ok {
			counts[key] = count
		}
	}
	return counts, r.err
}

func (r *fakeTaskInstanceRepository) BumpRescheduleCount(ctx context.Context, key schedulerobjects.TaskInstanceKey) (int, error) {
	r.rescheduleCounts[key]++
	return r.rescheduleCounts[key], r.err
}

func (r *fakeTaskInstanceRepository) ResetRescheduleCounts(ctx context.Context, keys []schedulerobjects.TaskInstanceKey) error {
	for _, key := range keys {
		delete(r.rescheduleCounts, key)
	}
	return r.err
}

func sortTis(tis []*schedulerobjects.TaskInstance) {
	sort.Slice(tis, func(i, j int) bool {
		return tis[i].Key().String() < tis[j].Key().String()
	})
}

// fakeDagRunRepository is an in-memory DagRunRepository. Run summaries are
// computed from the linked task instance repository when one is attached.
type fakeDagRunRepository struct {
	dags      map[string]*schedulerobjects.Dag
	runs      map[string]*schedulerobjects.DagRun
	backfills map[string]*schedulerobjects.Backfill
	triggers  []*schedulerobjects.AssetTrigger
	tis       *fakeTaskInstanceRepository
	// Injected failure for CreateDagRun, by dag id.
	createErrs map[string]error
	err        error
}

func newFakeDagRunRepository() *fakeDagRunRepository {
	return &fakeDagRunRepository{
		dags:       map[string]*schedulerobjects.Dag{},
		runs:       map[string]*schedulerobjects.DagRun{},
		backfills:  map[string]*schedulerobjects.Backfill{},
		createErrs: map[string]error{},
	}
}

func (r *fakeDagRunRepository) addDag(dag *schedulerobjects.Dag) {
	r.dags[dag.DagID] = dag
}

func (r *fakeDagRunRepository) addRun(run *schedulerobjects.DagRun) {
	r.runs[runKey(run.DagID, run.RunID)] = run
	if r.tis != nil {
		r.tis.addRun(run)
	}
}

func (r *fakeDagRunRepository) FetchDagsNeedingRuns(ctx context.Context, now time.Time, limit int) ([]*schedulerobjects.Dag, error) {
	var dags []*schedulerobjects.Dag
	for _, dag := range r.dags {
		if !dag.Paused && dag.NextRunAfter != nil && !dag.NextRunAfter.After(now) {
			dags = append(dags, dag)
		}
	}
	sort.Slice(dags, func(i, j int) bool {
		if !dags[i].NextRunAfter.Equal(*dags[j].NextRunAfter) {
			return dags[i].NextRunAfter.Before(*dags[j].NextRunAfter)
		}
		return dags[i].DagID < dags[j].DagID
	})
	if limit > 0 && len(dags) > limit {
		dags = dags[:limit]
	}
	return dags, r.err
}

func (r *fakeDagRunRepository) FetchDags(ctx context.Context, dagIDs []string) (map[string]*schedulerobjects.Dag, error) {
	dags := map[string]*schedulerobjects.Dag{}
	for _, dagID := range dagIDs {
		if dag, ok := r.dags[dagID]; ok {
			dags[dagID] = dag
		}
	}
	return dags, r.err
}

func (r *fakeDagRunRepository) CountActiveRuns(ctx context.Context, dagIDs []string) (map[string]int, error) {
	counts := map[string]int{}
	for _, dagID := range dagIDs {
		for _, run := range r.runs {
			if run.DagID != dagID || run.IsBackfill() {
				continue
			}
			if run.State == schedulerobjects.DagRunStateQueued || run.State == schedulerobjects.DagRunStateRunning {
				counts[dagID]++
			}
		}
	}
	return counts, r.err
}

func (r *fakeDagRunRepository) CreateDagRun(ctx context.Context, run *schedulerobjects.DagRun, watermark *schedulerobjects.DagWatermark) error {
	if err := r.createErrs[run.DagID]; err != nil {
		return err
	}
	r.addRun(run)
	if watermark != nil {
		if dag, ok := r.dags[run.DagID]; ok {
			next := watermark.NextRunAfter
			dag.NextRunAfter = &next
			dag.NextDataIntervalStart = watermark.NextDataIntervalStart
			dag.NextDataIntervalEnd = watermark.NextDataIntervalEnd
		}
	}
	return r.err
}

func (r *fakeDagRunRepository) FetchAssetTriggers(ctx context.Context) ([]*schedulerobjects.AssetTrigger, error) {
	triggers := append([]*schedulerobjects.AssetTrigger{}, r.triggers...)
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].CreatedAt.Before(triggers[j].CreatedAt) })
	return triggers, r.err
}

func (r *fakeDagRunRepository) CreateAssetTriggeredRun(ctx context.Context, trigger *schedulerobjects.AssetTrigger, run *schedulerobjects.DagRun) error {
	for i, pending := range r.triggers {
		if pending.ID == trigger.ID {
			r.triggers = append(r.triggers[:i], r.triggers[i+1:]...)
			r.addRun(run)
			return r.err
		}
	}
	return errors.Errorf("asset trigger %s for dag %s already consumed", trigger.ID, trigger.DagID)
}

func (r *fakeDagRunRepository) WithQueuedRuns(
	ctx context.Context,
	window int,
	fn func(queued []*schedulerobjects.DagRun, runningByDag map[string]int, runningByBackfill map[string]int) ([]*schedulerobjects.DagRun, error),
) error {
	if r.err != nil {
		return r.err
	}
	byDag := map[string][]*schedulerobjects.DagRun{}
	for _, run := range r.runs {
		if run.State == schedulerobjects.DagRunStateQueued {
			byDag[run.DagID] = append(byDag[run.DagID], run)
		}
	}
	var queued []*schedulerobjects.DagRun
	for _, runs := range byDag {
		// Keep the window most recent runs per dag.
		sort.Slice(runs, func(i, j int) bool { return runs[i].RunAfter.After(runs[j].RunAfter) })
		if len(runs) > window {
			runs = runs[:window]
		}
		queued = append(queued, runs...)
	}
	sort.Slice(queued, func(i, j int) bool {
		a, b := queued[i], queued[j]
		if a.DagID != b.DagID {
			return a.DagID < b.DagID
		}
		if !a.RunAfter.Equal(b.RunAfter) {
			return a.RunAfter.Before(b.RunAfter)
		}
		return a.RunID < b.RunID
	})
	runningByDag := map[string]int{}
	runningByBackfill := map[string]int{}
	for _, run := range r.runs {
		if run.State != schedulerobjects.DagRunStateRunning {
			continue
		}
		if run.IsBackfill() {
			runningByBackfill[run.BackfillID]++
		} else {
			runningByDag[run.DagID]++
		}
	}
	updated, err := fn(queued, runningByDag, runningByBackfill)
	if err != nil {
		return err
	}
	for _, run := range updated {
		r.runs[runKey(run.DagID, run.RunID)] = run
	}
	return nil
}

func (r *fakeDagRunRepository) FetchBackfills(ctx context.Context, ids []string) (map[string]*schedulerobjects.Backfill, error) {
	backfills := map[string]*schedulerobjects.Backfill{}
	for _, id := range ids {
		if b, ok := r.backfills[id]; ok {
			backfills[id] = b
		}
	}
	return backfills, r.err
}

func (r *fakeDagRunRepository) FetchRunSummaries(ctx context.Context) ([]database.RunSummary, error) {
	var summaries []database.RunSummary
	for _, run := range r.runs {
		if run.State != schedulerobjects.DagRunStateRunning {
			continue
		}
		summary := database.RunSummary{Run: run}
		if r.tis != nil {
			for _, ti := range r.tis.tis {
				if ti.DagID != run.DagID || ti.RunID != run.RunID {
					continue
				}
				summary.TotalTasks++
				if !ti.InTerminalState() {
					summary.UnfinishedTasks++
				}
				if ti.State == schedulerobjects.TaskInstanceStateFailed {
					summary.FailedTasks++
				}
			}
		}
		summaries = append(summaries, summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return runKey(summaries[i].Run.DagID, summaries[i].Run.RunID) < runKey(summaries[j].Run.DagID, summaries[j].Run.RunID)
	})
	return summaries, r.err
}

func (r *fakeDagRunRepository) UpdateDagRuns(ctx context.Context, runs []*schedulerobjects.DagRun) error {
	for _, run := range runs {
		r.runs[runKey(run.DagID, run.RunID)] = run
	}
	return r.err
}

// fakePoolRepository serves a static set of pool stats.
type fakePoolRepository struct {
	stats map[string]database.PoolStats
	err   error
}

func (r *fakePoolRepository) FetchPoolStats(ctx context.Context) (map[string]database.PoolStats, error) {
	return r.stats, r.err
}

// fakeJobRepository is an in-memory JobRepository.
type fakeJobRepository struct {
	jobs map[string]*schedulerobjects.Job
	err  error
}

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{jobs: map[string]*schedulerobjects.Job{}}
}

func (r *fakeJobRepository) RegisterJob(ctx context.Context, job *schedulerobjects.Job) error {
	r.jobs[job.ID] = job
	return r.err
}

func (r *fakeJobRepository) Heartbeat(ctx context.Context, jobID string, now time.Time) error {
	if job, ok := r.jobs[jobID]; ok {
		job.LatestHeartbeat = now
	}
	return r.err
}

func (r *fakeJobRepository) FetchJobs(ctx context.Context, jobType string) ([]*schedulerobjects.Job, error) {
	var jobs []*schedulerobjects.Job
	for _, job := range r.jobs {
		if job.JobType == jobType {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, r.err
}

func (r *fakeJobRepository) MarkJobsFailed(ctx context.Context, jobIDs []string) (int, error) {
	failed := 0
	for _, id := range jobIDs {
		if job, ok := r.jobs[id]; ok && job.State == schedulerobjects.JobStateRunning {
			job.State = schedulerobjects.JobStateFailed
			failed++
		}
	}
	return failed, r.err
}

func (r *fakeJobRepository) MarkJobFinished(ctx context.Context, jobID string) error {
	if job, ok := r.jobs[jobID]; ok {
		job.State = schedulerobjects.JobStateSuccess
	}
	return r.err
}

// fakeDagBag serves serialized dags from a map.
type fakeDagBag struct {
	dags map[string]*schedulerobjects.SerializedDag
	err  error
}

func (b *fakeDagBag) GetDag(ctx context.Context, dagID string) (*schedulerobjects.SerializedDag, error) {
	if b.err != nil {
		return nil, b.err
	}
	dag, ok := b.dags[dagID]
	if !ok {
		return nil, errors.Wrapf(database.ErrDagNotFound, "dag %s", dagID)
	}
	return dag, nil
}

// testExecutor is a controllable Executor implementation. It tracks queued
// workloads, serves injected events and optionally refuses adoption.
type testExecutor struct {
	name          string
	slots         int
	started       bool
	ended         bool
	heartbeats    int
	jobID         string
	sink          CallbackSink
	queued        []Workload
	tracked       map[schedulerobjects.TaskInstanceKey]bool
	events        []ExecutorEvent
	revoked       []schedulerobjects.TaskInstanceKey
	refuseAdopt   bool
	queueErr      error
	startErr      error
	endErr        error
	heartbeatErr  error
}

func newTestExecutor(name string, slots int) *testExecutor {
	return &testExecutor{
		name:    name,
		slots:   slots,
		tracked: map[schedulerobjects.TaskInstanceKey]bool{},
	}
}

func (e *testExecutor) Name() string { return e.name }

func (e *testExecutor) Start() error {
	e.started = true
	return e.startErr
}

func (e *testExecutor) End() error {
	e.ended = true
	return e.endErr
}

func (e *testExecutor) Heartbeat() error {
	e.heartbeats++
	return e.heartbeatErr
}

func (e *testExecutor) QueueWorkload(workload Workload) error {
	if e.queueErr != nil {
		return e.queueErr
	}
	e.queued = append(e.queued, workload)
	e.tracked[workload.Ti.Key()] = true
	return nil
}

func (e *testExecutor) EventBuffer() []ExecutorEvent {
	events := e.events
	e.events = nil
	return events
}

func (e *testExecutor) TryAdoptTaskInstances(tis []*schedulerobjects.TaskInstance) []*schedulerobjects.TaskInstance {
	if e.refuseAdopt {
		return tis
	}
	for _, ti := range tis {
		e.tracked[ti.Key()] = true
	}
	return nil
}

func (e *testExecutor) HasTask(key schedulerobjects.TaskInstanceKey) bool {
	return e.tracked[key]
}

func (e *testExecutor) SlotsAvailable() int {
	if e.slots < 0 {
		return -1
	}
	return e.slots - len(e.tracked)
}

func (e *testExecutor) SetJobID(jobID string) { e.jobID = jobID }

func (e *testExecutor) SetCallbackSink(sink CallbackSink) { e.sink = sink }

func (e *testExecutor) DebugDump() string {
	return fmt.Sprintf("executor %s: %d tracked", e.name, len(e.tracked))
}

func (e *testExecutor) RevokeTask(key schedulerobjects.TaskInstanceKey) {
	delete(e.tracked, key)
	e.revoked = append(e.revoked, key)
}

// recordingSink is a CallbackSink that records every request it receives.
type recordingSink struct {
	requests []*schedulerobjects.CallbackRequest
	err      error
}

func (s *recordingSink) Send(ctx context.Context, req *schedulerobjects.CallbackRequest) error {
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	return nil
}

// recordingObserver records run lifecycle notifications.
type recordingObserver struct {
	started  []string
	finished []string
	err      error
	panics   bool
}

func (o *recordingObserver) RunStarted(run *schedulerobjects.DagRun) error {
	if o.panics {
		panic("observer exploded")
	}
	o.started = append(o.started, runKey(run.DagID, run.RunID))
	return o.err
}

func (o *recordingObserver) RunFinished(run *schedulerobjects.DagRun) error {
	if o.panics {
		panic("observer exploded")
	}
	o.finished = append(o.finished, runKey(run.DagID, run.RunID))
	return o.err
}

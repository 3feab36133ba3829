package schedulerobjects

import "time"

// JobState is the state of a scheduler process as recorded in the store.
type JobState string

const (
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
)

// JobTypeScheduler identifies scheduler jobs. The orphan sweep only ever fails
// jobs of this type, never other job types.
const JobTypeScheduler = "SchedulerJob"

// Job is one running process registered in the store, e.g. a scheduler replica.
type Job struct {
	ID              string
	JobType         string
	State           JobState
	LatestHeartbeat time.Time
}

// IsAlive returns true if the job is running and has heartbeated within the
// supplied grace period.
func (j *Job) IsAlive(now time.Time, gracePeriod time.Duration) bool {
	return j.State == JobStateRunning && now.Sub(j.LatestHeartbeat) <= gracePeriod
}

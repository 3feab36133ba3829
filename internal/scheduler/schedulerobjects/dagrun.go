package schedulerobjects

import "time"

// DagRunState is the state of one instantiation of a dag.
type DagRunState string

const (
	DagRunStateQueued  DagRunState = "queued"
	DagRunStateRunning DagRunState = "running"
	DagRunStateSuccess DagRunState = "success"
	DagRunStateFailed  DagRunState = "failed"
)

// DagRunType distinguishes how a dag run came to exist.
type DagRunType string

const (
	DagRunTypeScheduled      DagRunType = "scheduled"
	DagRunTypeManual         DagRunType = "manual"
	DagRunTypeBackfill       DagRunType = "backfill"
	DagRunTypeAssetTriggered DagRunType = "asset_triggered"
)

// DagRun is one instantiation of a dag for a logical schedule interval or trigger.
type DagRun struct {
	DagID   string
	RunID   string
	State   DagRunState
	RunType DagRunType
	// Logical point in time this run covers.
	LogicalDate time.Time
	// Earliest time this run may be started. Also the ordering key for admission.
	RunAfter          time.Time
	DataIntervalStart time.Time
	DataIntervalEnd   time.Time
	// Inherited from the dag at creation time.
	MaxActiveRuns int
	// Id of the backfill this run belongs to. Empty for non-backfill runs.
	BackfillID    string
	CreatingJobID string
	StartedAt     *time.Time
	// Deadline after which a running run is failed. Zero means no timeout.
	Timeout                time.Duration
	LastSchedulingDecision *time.Time
	// Ids of the satisfied asset events attached to an asset-triggered run.
	ConsumedAssetEvents []string
}

func (r *DagRun) IsBackfill() bool {
	return r.RunType == DagRunTypeBackfill
}

// InTerminalState returns true if the run can no longer transition to another state.
func (r *DagRun) InTerminalState() bool {
	return r.State == DagRunStateSuccess || r.State == DagRunStateFailed
}

// TimedOut returns true if the run has been running past its configured timeout.
func (r *DagRun) TimedOut(now time.Time) bool {
	if r.Timeout == 0 || r.StartedAt == nil || r.State != DagRunStateRunning {
		return false
	}
	return now.Sub(*r.StartedAt) > r.Timeout
}

package schedulerobjects

import "time"

// CallbackRequest carries enough context for a dag-processing collaborator to
// run user callback code outside the scheduler's critical path.
// A callback request is only ever generated after the state change that caused
// it has been committed to the store.
type CallbackRequest struct {
	ID        string
	DagID     string
	TaskID    string
	RunID     string
	MapIndex  int
	TryNumber int
	IsFailure bool
	Message   string
	// Snapshot of scheduler-side context at the time the request was generated.
	Context   map[string]string
	CreatedAt time.Time
}

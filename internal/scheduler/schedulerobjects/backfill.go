package schedulerobjects

import "time"

// Backfill is a bounded range of logical dates for one dag to be (re)run.
// Backfill runs dispatch at lower priority than scheduled or manual runs.
type Backfill struct {
	ID            string
	DagID         string
	FromDate      time.Time
	ToDate        time.Time
	MaxActiveRuns int
	Paused        bool
	CompletedAt   *time.Time
}

func (b *Backfill) Completed() bool {
	return b.CompletedAt != nil
}

package scheduler

import (
	"time"

	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// DagSchedule is one concrete run slot produced by a timetable.
type DagSchedule struct {
	// Logical point in time the run covers. Follows the data interval start.
	LogicalDate       time.Time
	RunAfter          time.Time
	DataIntervalStart time.Time
	DataIntervalEnd   time.Time
	// Bookkeeping for the following run, written back to the dag row.
	Watermark schedulerobjects.DagWatermark
}

// Timetable computes run slots for a dag. The scheduler only ever asks for the
// slot at the dag's current watermark; cadence computation itself lives with
// the dag-processing collaborator that maintains the dag rows.
type Timetable interface {
	NextSchedule(dag *schedulerobjects.Dag) (*DagSchedule, error)
}

// DataIntervalTimetable derives each dag's cadence from its stored next data
// interval: the following slot is one interval length later.
type DataIntervalTimetable struct {
	// Used for dags whose rows carry no data interval bounds.
	DefaultInterval time.Duration
}

func (t DataIntervalTimetable) NextSchedule(dag *schedulerobjects.Dag) (*DagSchedule, error) {
	if dag.NextRunAfter == nil {
		return nil, errors.Errorf("dag %s has no next run watermark", dag.DagID)
	}
	runAfter := *dag.NextRunAfter
	interval := dag.NextDataIntervalEnd.Sub(dag.NextDataIntervalStart)
	if interval <= 0 {
		interval = t.DefaultInterval
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	start, end := dag.NextDataIntervalStart, dag.NextDataIntervalEnd
	if start.IsZero() || end.IsZero() {
		end = runAfter
		start = end.Add(-interval)
	}
	return &DagSchedule{
		LogicalDate:       start,
		RunAfter:          runAfter,
		DataIntervalStart: start,
		DataIntervalEnd:   end,
		Watermark: schedulerobjects.DagWatermark{
			NextRunAfter:          runAfter.Add(interval),
			NextDataIntervalStart: start.Add(interval),
			NextDataIntervalEnd:   end.Add(interval),
		},
	}, nil
}

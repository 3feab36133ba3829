package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

const metricsPrefix = "maestro_scheduler_"

// Metrics records scheduler observability signals on a prometheus registry.
type Metrics struct {
	tasksKilledExternally prometheus.Counter
	operatorFailures      *prometheus.CounterVec
	tiFailures            *prometheus.CounterVec
	starvingTasks         prometheus.Gauge
	starvingTasksByPool   *prometheus.GaugeVec
	poolOpenSlots         *prometheus.GaugeVec
	poolScheduledSlots    *prometheus.GaugeVec
	phaseDuration         *prometheus.HistogramVec
	scheduleDelay         *prometheus.HistogramVec
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksKilledExternally: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricsPrefix + "tasks_killed_externally",
				Help: "Number of task instances the executor reported failed while the store still considered them active.",
			},
		),
		operatorFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "operator_failures",
				Help: "Number of task instance failures by operator type.",
			},
			[]string{"operator"},
		),
		tiFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricsPrefix + "ti_failures",
				Help: "Number of task instance failures by dag.",
			},
			[]string{"dag_id"},
		),
		starvingTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "pool_starving_tasks",
				Help: "Number of schedulable task instances that could not get pool slots in the last cycle.",
			},
		),
		starvingTasksByPool: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "pool_starving_tasks_by_pool",
				Help: "Number of schedulable task instances that could not get pool slots in the last cycle, by pool.",
			},
			[]string{"pool"},
		),
		poolOpenSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "pool_open_slots",
				Help: "Number of slots not occupied by active task instances, by pool.",
			},
			[]string{"pool"},
		),
		poolScheduledSlots: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricsPrefix + "pool_scheduled_slots",
				Help: "Number of slots requested by task instances still in the scheduled state, by pool.",
			},
			[]string{"pool"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "cycle_phase_duration_seconds",
				Help:    "Time spent in each phase of the scheduling cycle.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"phase"},
		),
		scheduleDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "dagrun_schedule_delay_seconds",
				Help:    "Delay between a dag run becoming due and being started, by dag.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
			},
			[]string{"dag_id"},
		),
	}
	registry.MustRegister(
		m.tasksKilledExternally, m.operatorFailures, m.tiFailures,
		m.starvingTasks, m.starvingTasksByPool, m.poolOpenSlots, m.poolScheduledSlots,
		m.phaseDuration, m.scheduleDelay,
	)
	return m
}

// ReportTaskFailure records the failure counters for a task instance that the
// executor reported failed while the store still considered it active.
func (m *Metrics) ReportTaskFailure(ti *schedulerobjects.TaskInstance) {
	m.tasksKilledExternally.Inc()
	m.operatorFailures.WithLabelValues(ti.Operator).Inc()
	m.tiFailures.WithLabelValues(ti.DagID).Inc()
}

// ReportTiFailure records a task instance failure that did not come from an
// executor event, e.g. a stuck-in-queued task that ran out of retries.
func (m *Metrics) ReportTiFailure(ti *schedulerobjects.TaskInstance) {
	m.operatorFailures.WithLabelValues(ti.Operator).Inc()
	m.tiFailures.WithLabelValues(ti.DagID).Inc()
}

// ReportStarvingTasks records the per-pool and total starving-task gauges.
// Called every critical section entry, including when everything fit.
func (m *Metrics) ReportStarvingTasks(byPool map[string]int) {
	total := 0
	for pool, n := range byPool {
		m.starvingTasksByPool.WithLabelValues(pool).Set(float64(n))
		total += n
	}
	m.starvingTasks.Set(float64(total))
}

// ReportPoolSlots records the per-pool open and scheduled-demand slot gauges
// from the occupancy snapshot taken at the start of the critical section.
// Infinite pools skip the open-slots gauge.
func (m *Metrics) ReportPoolSlots(stats map[string]database.PoolStats) {
	for name, s := range stats {
		if !s.Pool.Infinite() {
			m.poolOpenSlots.WithLabelValues(name).Set(float64(s.Pool.OpenSlots(s.OccupiedSlots)))
		}
		m.poolScheduledSlots.WithLabelValues(name).Set(float64(s.ScheduledSlots))
	}
}

// ReportPhaseDuration records how long one phase of the scheduling cycle took.
func (m *Metrics) ReportPhaseDuration(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// ReportScheduleDelay records the delay between a run becoming due and starting.
func (m *Metrics) ReportScheduleDelay(dagID string, d time.Duration) {
	m.scheduleDelay.WithLabelValues(dagID).Observe(d.Seconds())
}

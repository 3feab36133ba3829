package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/common/database"
)

type Configuration struct {
	// Database configuration
	Postgres database.PostgresConfig
	// Pulsar callback sink configuration
	Pulsar PulsarConfig
	// Where callback requests are delivered: "database", "pulsar" or "direct".
	CallbackSink string `validate:"oneof=database pulsar direct"`
	// Scheduling behaviour
	Scheduling SchedulingConfig
	// Local process executor, registered under the name "local".
	LocalExecutor LocalExecutorConfig
	// Port prometheus metrics are served on.
	MetricsPort uint16 `validate:"required"`
	// Debug dump of executor state each cycle
	EnableDebugDump bool
}

type LocalExecutorConfig struct {
	// Command prefix a task instance is run with. The task instance identity
	// (dag id, task id, run id, map index, try number) is appended as arguments.
	Command []string `validate:"required,min=1"`
	// Maximum number of concurrently supervised processes. Zero or negative
	// means unlimited.
	Parallelism int
}

type PulsarConfig struct {
	URL string
	// Topic callback requests are published to.
	CallbackTopic      string
	SendTimeout        time.Duration
	CompressionEnabled bool
}

type SchedulingConfig struct {
	// Time between scheduling cycles.
	CyclePeriod time.Duration `validate:"required"`
	// Time between heartbeats of this scheduler's own job row.
	HeartbeatPeriod time.Duration `validate:"required"`
	// A scheduler job whose last heartbeat is older than this is considered dead.
	HealthCheckThreshold time.Duration `validate:"required"`
	// Time between health and recovery sweeps.
	RecoveryPeriod time.Duration `validate:"required"`
	// Number of scheduling cycles to run before exiting. Zero or negative
	// means run until cancelled.
	NumCycles int
	// Upper bound on running+queued task instances across all executors.
	// Zero means unlimited.
	Parallelism int `validate:"min=0"`
	// Upper bound on task instances examined per critical section entry.
	// Zero means no limit.
	MaxTisPerQuery int `validate:"min=0"`
	// Number of queued runs per dag considered by the start-queued-runs step.
	QueuedRunsWindow int `validate:"required,min=1"`
	// Upper bound on dags examined per run creation pass.
	DagsNeedingRunsLimit int `validate:"required,min=1"`
	// Whether scheduled runs are created from dag watermarks. Asset-triggered
	// and externally created runs are processed regardless.
	UseJobSchedule bool
	// A task instance queued longer than this is bounced back to scheduled.
	TaskQueuedTimeout time.Duration `validate:"required"`
	// Number of times a task instance may be bounced out of queued within one
	// reschedule episode before it is failed.
	NumStuckInQueuedRetries int `validate:"min=1"`
	// A running task instance whose heartbeat is older than this is failed.
	TaskHeartbeatTimeout time.Duration `validate:"required"`
	// Name of the executor used when neither task nor dag names one.
	DefaultExecutor string `validate:"required"`
	// How long deserialized dags are cached by the dag bag.
	DagCacheTtl time.Duration `validate:"required"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	return errors.WithStack(validate.Struct(c))
}

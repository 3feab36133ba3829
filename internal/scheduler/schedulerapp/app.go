package schedulerapp

import (
	"context"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/common"
	commondatabase "github.com/maestroproject/maestro/internal/common/database"
	"github.com/maestroproject/maestro/internal/scheduler"
	"github.com/maestroproject/maestro/internal/scheduler/configuration"
	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/executors"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// Run assembles the scheduler from configuration and drives it until ctx is
// cancelled or the configured cycle budget is spent.
func Run(ctx context.Context, config configuration.Configuration) error {
	jobID := fmt.Sprintf("scheduler-%s", uuid.NewString())
	log.Infof("assembling scheduler %s", jobID)

	db, err := commondatabase.OpenPgxPool(ctx, config.Postgres)
	if err != nil {
		return errors.Wrap(err, "error connecting to postgres")
	}
	defer db.Close()

	taskInstances := database.NewPostgresTaskInstanceRepository(db)
	dagRuns := database.NewPostgresDagRunRepository(db)
	pools := database.NewPostgresPoolRepository(db)
	jobs := database.NewPostgresJobRepository(db)
	dagBag := scheduler.NewCachedDagBag(database.NewPostgresSerializedDagRepository(db), config.Scheduling.DagCacheTtl)

	callbackSink, closeSink, err := createCallbackSink(config, db)
	if err != nil {
		return err
	}
	defer closeSink()

	registry := prometheus.NewRegistry()
	metrics := scheduler.NewMetrics(registry)
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, registry)
	defer shutdownMetricServer()

	clk := clock.RealClock{}
	localExecutor := executors.NewLocalExecutor(config.LocalExecutor, taskInstances, clk)
	executorRegistry, err := scheduler.NewExecutorRegistry(
		[]scheduler.Executor{localExecutor}, config.Scheduling.DefaultExecutor)
	if err != nil {
		return err
	}

	observers := []scheduler.LifecycleObserver{runLogObserver{}}

	runAdmission := scheduler.NewRunAdmission(
		jobID, dagRuns, taskInstances, dagBag, scheduler.DataIntervalTimetable{},
		callbackSink, metrics, clk, observers,
		config.Scheduling.UseJobSchedule,
		config.Scheduling.DagsNeedingRunsLimit,
		config.Scheduling.QueuedRunsWindow)
	criticalSection := scheduler.NewCriticalSection(
		jobID, taskInstances, pools, dagBag, executorRegistry, callbackSink, metrics, clk,
		config.Scheduling.Parallelism,
		config.Scheduling.MaxTisPerQuery)
	dispatcher := scheduler.NewExecutorDispatcher(
		jobID, taskInstances, dagBag, executorRegistry, callbackSink, metrics, clk)
	recovery := scheduler.NewRecoverySweep(
		jobID, taskInstances, jobs, executorRegistry, callbackSink, metrics, clk, observers,
		config.Scheduling.HealthCheckThreshold,
		config.Scheduling.TaskQueuedTimeout,
		config.Scheduling.NumStuckInQueuedRetries,
		config.Scheduling.TaskHeartbeatTimeout)

	return scheduler.NewScheduler(
		jobID, jobs, runAdmission, criticalSection, dispatcher, recovery, executorRegistry,
		callbackSink, metrics, clk,
		config.Scheduling.CyclePeriod,
		config.Scheduling.HeartbeatPeriod,
		config.Scheduling.RecoveryPeriod,
		config.Scheduling.NumCycles,
		config.EnableDebugDump,
	).Run(ctx)
}

// createCallbackSink builds the configured callback delivery mechanism and a
// function releasing whatever it holds open.
func createCallbackSink(config configuration.Configuration, db *pgxpool.Pool) (scheduler.CallbackSink, func(), error) {
	switch config.CallbackSink {
	case "database":
		return scheduler.NewDatabaseCallbackSink(database.NewPostgresCallbackRepository(db)), func() {}, nil
	case "pulsar":
		client, err := pulsar.NewClient(pulsar.ClientOptions{URL: config.Pulsar.URL})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "error creating pulsar client for %s", config.Pulsar.URL)
		}
		sink, err := scheduler.NewPulsarCallbackSink(client, config.Pulsar)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return sink, func() {
			sink.Close()
			client.Close()
		}, nil
	case "direct":
		sink := scheduler.NewDirectCallbackSink(func(req *schedulerobjects.CallbackRequest) error {
			log.Infof("callback %s for %s.%s (failure=%t): %s", req.ID, req.DagID, req.TaskID, req.IsFailure, req.Message)
			return nil
		})
		return sink, func() {}, nil
	}
	return nil, nil, errors.Errorf("unknown callback sink %q", config.CallbackSink)
}

// runLogObserver traces run lifecycle transitions into the application log.
type runLogObserver struct{}

func (runLogObserver) RunStarted(run *schedulerobjects.DagRun) error {
	log.Infof("run %s of dag %s started", run.RunID, run.DagID)
	return nil
}

func (runLogObserver) RunFinished(run *schedulerobjects.DagRun) error {
	log.Infof("run %s of dag %s finished as %s", run.RunID, run.DagID, run.State)
	return nil
}

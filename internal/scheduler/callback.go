package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/common/util"
	"github.com/maestroproject/maestro/internal/scheduler/configuration"
	"github.com/maestroproject/maestro/internal/scheduler/database"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// CallbackSink delivers callback requests to whatever executes dag-level and
// task-level callbacks. Requests are sent after the state transition that
// caused them has been committed.
type CallbackSink interface {
	Send(ctx context.Context, req *schedulerobjects.CallbackRequest) error
}

// NewCallbackRequest assembles a callback request for a task instance with a
// fresh id and the full task context a callback handler needs.
func NewCallbackRequest(ti *schedulerobjects.TaskInstance, isFailure bool, message string, now time.Time) *schedulerobjects.CallbackRequest {
	return &schedulerobjects.CallbackRequest{
		ID:        util.NewULID(),
		DagID:     ti.DagID,
		TaskID:    ti.TaskID,
		RunID:     ti.RunID,
		MapIndex:  ti.MapIndex,
		TryNumber: ti.TryNumber,
		IsFailure: isFailure,
		Message:   message,
		Context: map[string]string{
			"pool":     ti.Pool,
			"operator": ti.Operator,
			"executor": ti.Executor,
		},
		CreatedAt: now,
	}
}

// NewRunCallbackRequest assembles a dag-level callback request for a finished
// run. TaskID is left empty to mark the request as dag-level.
func NewRunCallbackRequest(run *schedulerobjects.DagRun, isFailure bool, message string, now time.Time) *schedulerobjects.CallbackRequest {
	return &schedulerobjects.CallbackRequest{
		ID:        util.NewULID(),
		DagID:     run.DagID,
		RunID:     run.RunID,
		MapIndex:  -1,
		IsFailure: isFailure,
		Message:   message,
		Context: map[string]string{
			"run_type": string(run.RunType),
		},
		CreatedAt: now,
	}
}

// DirectCallbackSink hands requests to an in-process handler. Used when the
// callback executor runs inside the same process as the scheduler.
type DirectCallbackSink struct {
	handler func(req *schedulerobjects.CallbackRequest) error
}

func NewDirectCallbackSink(handler func(req *schedulerobjects.CallbackRequest) error) *DirectCallbackSink {
	return &DirectCallbackSink{handler: handler}
}

func (s *DirectCallbackSink) Send(_ context.Context, req *schedulerobjects.CallbackRequest) error {
	return s.handler(req)
}

// DatabaseCallbackSink persists requests for asynchronous pickup by the dag
// processor.
type DatabaseCallbackSink struct {
	callbacks database.CallbackRepository
}

func NewDatabaseCallbackSink(callbacks database.CallbackRepository) *DatabaseCallbackSink {
	return &DatabaseCallbackSink{callbacks: callbacks}
}

func (s *DatabaseCallbackSink) Send(ctx context.Context, req *schedulerobjects.CallbackRequest) error {
	return s.callbacks.Insert(ctx, req)
}

// PulsarCallbackSink publishes requests to a pulsar topic for consumption by
// out-of-process callback workers.
type PulsarCallbackSink struct {
	producer pulsar.Producer
	timeout  time.Duration
}

func NewPulsarCallbackSink(client pulsar.Client, config configuration.PulsarConfig) (*PulsarCallbackSink, error) {
	compressionType := pulsar.NoCompression
	if config.CompressionEnabled {
		compressionType = pulsar.ZLib
	}
	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic:           config.CallbackTopic,
		CompressionType: compressionType,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error creating pulsar producer for topic %s", config.CallbackTopic)
	}
	return &PulsarCallbackSink{
		producer: producer,
		timeout:  config.SendTimeout,
	}, nil
}

func (s *PulsarCallbackSink) Send(ctx context.Context, req *schedulerobjects.CallbackRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.WithStack(err)
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	// Keyed on dag id so callbacks for one dag are consumed in order.
	_, err = s.producer.Send(sendCtx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     req.DagID,
	})
	return errors.Wrapf(err, "error publishing callback request %s", req.ID)
}

func (s *PulsarCallbackSink) Close() {
	s.producer.Close()
}

// sendCallback delivers a callback request, logging rather than propagating
// failures: the state transition is already committed and must not be undone
// because delivery failed.
func sendCallback(ctx context.Context, sink CallbackSink, req *schedulerobjects.CallbackRequest) {
	if sink == nil {
		return
	}
	if err := sink.Send(ctx, req); err != nil {
		log.WithError(err).Errorf("failed to deliver callback request %s for task %s.%s", req.ID, req.DagID, req.TaskID)
	}
}

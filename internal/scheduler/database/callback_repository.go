package database

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// CallbackRepository durably persists callback requests for asynchronous
// pickup by a dag-processing collaborator.
type CallbackRepository interface {
	Insert(ctx context.Context, req *schedulerobjects.CallbackRequest) error
}

// PostgresCallbackRepository is an implementation of CallbackRepository that
// stores callback requests in postgres.
type PostgresCallbackRepository struct {
	db *pgxpool.Pool
}

func NewPostgresCallbackRepository(db *pgxpool.Pool) *PostgresCallbackRepository {
	return &PostgresCallbackRepository{db: db}
}

func (r *PostgresCallbackRepository) Insert(ctx context.Context, req *schedulerobjects.CallbackRequest) error {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO callback_request (id, dag_id, task_id, run_id, map_index, try_number, is_failure, message, context, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.DagID, req.TaskID, req.RunID, req.MapIndex, req.TryNumber, req.IsFailure, req.Message,
		contextJSON, req.CreatedAt)
	return errors.WithStack(err)
}

package database

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// ErrDagNotFound is returned when a dag has no entry in the serialized_dag
// table. It is distinct from transient store errors so callers can treat a
// missing dag as a scheduling decision rather than a fault.
var ErrDagNotFound = errors.New("dag not found in serialized_dag table")

// SerializedDagRepository provides versioned, deserialized dags.
type SerializedDagRepository interface {
	// FetchLatest returns the newest serialized version of the given dag.
	// Returns ErrDagNotFound if the dag has never been serialized.
	FetchLatest(ctx context.Context, dagID string) (*schedulerobjects.SerializedDag, error)
}

// PostgresSerializedDagRepository is an implementation of
// SerializedDagRepository reading the serialized_dag table.
type PostgresSerializedDagRepository struct {
	db *pgxpool.Pool
}

func NewPostgresSerializedDagRepository(db *pgxpool.Pool) *PostgresSerializedDagRepository {
	return &PostgresSerializedDagRepository{db: db}
}

func (r *PostgresSerializedDagRepository) FetchLatest(ctx context.Context, dagID string) (*schedulerobjects.SerializedDag, error) {
	var version int
	var data []byte
	err := r.db.QueryRow(ctx, `
SELECT version, data FROM serialized_dag WHERE dag_id = $1 ORDER BY version DESC LIMIT 1`, dagID).
		Scan(&version, &data)
	if err == pgx.ErrNoRows {
		return nil, errors.Wrapf(ErrDagNotFound, "dag %s", dagID)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	dag := &schedulerobjects.SerializedDag{}
	if err := json.Unmarshal(data, dag); err != nil {
		return nil, errors.Wrapf(err, "error unmarshalling serialized dag %s version %d", dagID, version)
	}
	dag.DagID = dagID
	dag.Version = version
	return dag, nil
}

package database

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// PoolStats is one pool together with its current occupancy and demand.
type PoolStats struct {
	Pool *schedulerobjects.Pool
	// Slots consumed by running/queued (and, if configured, deferred) task instances.
	OccupiedSlots int
	// Slots wanted by task instances still in the scheduled state.
	ScheduledSlots int
}

// PoolRepository provides access to pool rows and their occupancy.
type PoolRepository interface {
	// FetchPoolStats returns every pool with its occupancy snapshot, keyed by name.
	FetchPoolStats(ctx context.Context) (map[string]PoolStats, error)
}

// PostgresPoolRepository is an implementation of PoolRepository that stores its
// state in postgres.
type PostgresPoolRepository struct {
	db *pgxpool.Pool
}

func NewPostgresPoolRepository(db *pgxpool.Pool) *PostgresPoolRepository {
	return &PostgresPoolRepository{db: db}
}

func (r *PostgresPoolRepository) FetchPoolStats(ctx context.Context) (map[string]PoolStats, error) {
	rows, err := r.db.Query(ctx, `
SELECT p.name, p.slots, p.include_deferred,
  COALESCE(SUM(ti.pool_slots) FILTER (
    WHERE ti.state IN ('queued', 'running') OR (ti.state = 'deferred' AND p.include_deferred)), 0) AS occupied,
  COALESCE(SUM(ti.pool_slots) FILTER (WHERE ti.state = 'scheduled'), 0) AS scheduled
FROM pool p
LEFT JOIN task_instance ti ON ti.pool = p.name
GROUP BY p.name, p.slots, p.include_deferred`)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	stats := map[string]PoolStats{}
	for rows.Next() {
		pool := &schedulerobjects.Pool{}
		var occupied, scheduled int64
		if err := rows.Scan(&pool.Name, &pool.Slots, &pool.IncludeDeferred, &occupied, &scheduled); err != nil {
			return nil, errors.WithStack(err)
		}
		stats[pool.Name] = PoolStats{Pool: pool, OccupiedSlots: int(occupied), ScheduledSlots: int(scheduled)}
	}
	return stats, errors.WithStack(rows.Err())
}

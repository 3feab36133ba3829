package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/maestroproject/maestro/internal/scheduler/schedulerobjects"
)

// JobRepository provides access to job rows, i.e. registered scheduler processes.
type JobRepository interface {
	// RegisterJob inserts (or re-activates) a job row for this process.
	RegisterJob(ctx context.Context, job *schedulerobjects.Job) error

	// Heartbeat records that the job was alive at the given time.
	Heartbeat(ctx context.Context, jobID string, now time.Time) error

	// FetchJobs returns all jobs of the given job type.
	FetchJobs(ctx context.Context, jobType string) ([]*schedulerobjects.Job, error)

	// MarkJobsFailed transitions the given jobs to the failed state and returns
	// the number of rows actually updated.
	MarkJobsFailed(ctx context.Context, jobIDs []string) (int, error)

	// MarkJobFinished transitions this process's own job row to success on
	// orderly shutdown.
	MarkJobFinished(ctx context.Context, jobID string) error
}

// PostgresJobRepository is an implementation of JobRepository that stores its
// state in postgres.
type PostgresJobRepository struct {
	db *pgxpool.Pool
}

func NewPostgresJobRepository(db *pgxpool.Pool) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) RegisterJob(ctx context.Context, job *schedulerobjects.Job) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO job (id, job_type, state, latest_heartbeat)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, latest_heartbeat = EXCLUDED.latest_heartbeat`,
		job.ID, job.JobType, string(job.State), job.LatestHeartbeat)
	return errors.WithStack(err)
}

func (r *PostgresJobRepository) Heartbeat(ctx context.Context, jobID string, now time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE job SET latest_heartbeat = $2 WHERE id = $1`, jobID, now)
	return errors.WithStack(err)
}

func (r *PostgresJobRepository) FetchJobs(ctx context.Context, jobType string) ([]*schedulerobjects.Job, error) {
	rows, err := r.db.Query(ctx, `SELECT id, job_type, state, latest_heartbeat FROM job WHERE job_type = $1`, jobType)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var jobs []*schedulerobjects.Job
	for rows.Next() {
		job := &schedulerobjects.Job{}
		var state string
		if err := rows.Scan(&job.ID, &job.JobType, &state, &job.LatestHeartbeat); err != nil {
			return nil, errors.WithStack(err)
		}
		job.State = schedulerobjects.JobState(state)
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

func (r *PostgresJobRepository) MarkJobsFailed(ctx context.Context, jobIDs []string) (int, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE job SET state = 'failed' WHERE id = ANY($1) AND state = 'running'`, jobIDs)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresJobRepository) MarkJobFinished(ctx context.Context, jobID string) error {
	_, err := r.db.Exec(ctx, `UPDATE job SET state = 'success' WHERE id = $1`, jobID)
	return errors.WithStack(err)
}

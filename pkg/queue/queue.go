package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// Queue enqueues background jobs. Workers on any pod claim them FIFO.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue over the shared database handle.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a job in status queued and returns its id. args is
// marshalled to JSON; handlers unmarshal into their kind's args struct.
func (q *Queue) Enqueue(ctx context.Context, kind, tenantID string, args any) (string, error) {
	if kind == "" {
		return "", models.NewValidationError("kind", "required")
	}
	if tenantID == "" {
		return "", models.NewValidationError("tenant_id", "required")
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal job args: %w", err)
	}

	id := uuid.NewString()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, tenant_id, args) VALUES ($1, $2, $3, $4)`,
		id, kind, tenantID, raw)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return id, nil
}

// Get returns the job row, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, kind, tenant_id, args, status, worker_id, attempts, error,
		        created_at, started_at, finished_at, last_heartbeat
		   FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return job, err
}

// CancelQueued flips a still-queued job to cancelled. Running jobs are
// cancelled through the pool's registry (same process) or the agent cancel
// channel (cross-process), not here. Returns true when the row was flipped.
func (q *Queue) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', finished_at = now()
		  WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("cancel queued job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		status    string
		workerID  sql.NullString
		errMsg    sql.NullString
		started   sql.NullTime
		finished  sql.NullTime
		heartbeat sql.NullTime
	)
	err := r.Scan(&job.ID, &job.Kind, &job.TenantID, &job.Args, &status,
		&workerID, &job.Attempts, &errMsg, &job.CreatedAt,
		&started, &finished, &heartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.JobStatus(status)
	job.WorkerID = workerID.String
	job.Error = errMsg.String
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	if heartbeat.Valid {
		job.LastHeartbeat = &heartbeat.Time
	}
	return &job, nil
}

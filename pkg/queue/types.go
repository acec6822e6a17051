// Package queue provides the Postgres-backed background job queue: enqueue,
// SKIP LOCKED claiming, worker pool processing with heartbeats, and orphan
// recovery. Delivery is at-least-once; handlers are idempotent under
// caller-supplied ids.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no queued jobs are waiting.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrUnknownJobKind indicates a claimed job has no registered handler.
	ErrUnknownJobKind = errors.New("unknown job kind")
)

// JobExecutor dispatches a claimed job to its handler. The worker owns
// claiming, heartbeats, terminal status and the cancel registry; the executor
// owns everything the job actually does.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job) error
}

// AgentFailer marks an agent failed when its execution job dies without the
// runner getting a chance to write the terminal status (orphaned jobs).
// Satisfied by *services.AgentService.
type AgentFailer interface {
	SetStatus(ctx context.Context, tenantID, agentID string, to models.AgentStatus, errMsg string) error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	RunningJobs      int            `json:"running_jobs"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

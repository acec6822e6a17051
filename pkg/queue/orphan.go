package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically scans for orphaned jobs.
// All pods run this independently — operations are idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds running jobs with stale heartbeats and
// requeues them, or fails them when the attempt budget is spent.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	threshold := time.Now().Add(-p.config.OrphanThreshold)

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, kind, tenant_id, args, status, worker_id, attempts, error,
		        created_at, started_at, finished_at, last_heartbeat
		   FROM jobs
		  WHERE status = 'running' AND last_heartbeat < $1`,
		threshold)
	if err != nil {
		return fmt.Errorf("failed to query orphaned jobs: %w", err)
	}
	defer rows.Close()

	var orphans []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		orphans = append(orphans, job)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query orphaned jobs: %w", err)
	}

	if len(orphans) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	slog.Warn("Detected orphaned jobs", "count", len(orphans))

	recovered := 0
	for _, job := range orphans {
		if err := p.recoverOrphanedJob(ctx, job); err != nil {
			slog.Error("Failed to recover orphaned job",
				"job_id", job.ID,
				"error", err)
			continue
		}
		recovered++
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// recoverOrphanedJob requeues a single orphaned job, or fails it past the
// attempt budget. The status guard keeps two pods from both recovering it.
func (p *WorkerPool) recoverOrphanedJob(ctx context.Context, job *models.Job) error {
	log := slog.With("job_id", job.ID, "kind", job.Kind, "old_worker_id", job.WorkerID)

	lastHeartbeat := "unknown"
	if job.LastHeartbeat != nil {
		lastHeartbeat = job.LastHeartbeat.Format(time.RFC3339)
	}

	if job.Attempts >= p.config.MaxAttempts {
		errMsg := fmt.Sprintf("Orphaned: no heartbeat from worker %s since %s (attempt %d/%d)",
			job.WorkerID, lastHeartbeat, job.Attempts, p.config.MaxAttempts)
		res, err := p.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', error = $2, finished_at = now()
			  WHERE id = $1 AND status = 'running'`,
			job.ID, errMsg)
		if err != nil {
			return fmt.Errorf("failed to mark job as failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // Another pod got here first.
		}
		p.failOrphanedAgent(ctx, job, errMsg)
		log.Warn("Orphaned job failed permanently", "last_heartbeat", lastHeartbeat)
		return nil
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs
		    SET status = 'queued', worker_id = NULL, started_at = NULL, last_heartbeat = NULL
		  WHERE id = $1 AND status = 'running'`,
		job.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	log.Warn("Orphaned job requeued",
		"last_heartbeat", lastHeartbeat,
		"attempt", job.Attempts)
	return nil
}

// failOrphanedAgent marks the agent behind a permanently failed execution job
// as failed, so it does not sit in working forever. Best-effort.
func (p *WorkerPool) failOrphanedAgent(ctx context.Context, job *models.Job, errMsg string) {
	if p.agents == nil {
		return
	}
	agentID := agentIDFromArgs(job)
	if agentID == "" {
		return
	}
	if err := p.agents.SetStatus(ctx, job.TenantID, agentID, models.AgentFailed, errMsg); err != nil {
		slog.Error("Failed to mark orphaned agent as failed",
			"job_id", job.ID, "agent_id", agentID, "error", err)
	}
}

// agentIDFromArgs extracts the agent id from execution job args. Non-agent
// kinds return "".
func agentIDFromArgs(job *models.Job) string {
	switch job.Kind {
	case models.JobRunAgentExecution, models.JobResumeAgentExecution:
	default:
		return ""
	}
	var args struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(job.Args, &args); err != nil {
		slog.Warn("Failed to decode agent job args during orphan recovery",
			"job_id", job.ID, "error", err)
		return ""
	}
	return args.AgentID
}

// RecoverStartupOrphans performs a one-time recovery of jobs owned by this
// pod's workers that were running when the pod previously crashed. Called
// once during startup, before the worker pool begins processing.
func (p *WorkerPool) RecoverStartupOrphans(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, kind, tenant_id, args, status, worker_id, attempts, error,
		        created_at, started_at, finished_at, last_heartbeat
		   FROM jobs
		  WHERE status = 'running' AND worker_id LIKE $1`,
		p.podID+"-%")
	if err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}
	defer rows.Close()

	var orphans []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return err
		}
		orphans = append(orphans, job)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to query startup orphans: %w", err)
	}

	if len(orphans) == 0 {
		return nil
	}

	slog.Warn("Found startup orphans from previous run",
		"pod_id", p.podID,
		"count", len(orphans))

	for _, job := range orphans {
		if err := p.recoverOrphanedJob(ctx, job); err != nil {
			slog.Error("Failed to recover startup orphan",
				"job_id", job.ID,
				"error", err)
			continue
		}
		slog.Info("Startup orphan recovered", "job_id", job.ID)
	}

	return nil
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/test/util"
)

// funcExecutor adapts a func to JobExecutor.
type funcExecutor func(ctx context.Context, job *models.Job) error

func (f funcExecutor) Execute(ctx context.Context, job *models.Job) error { return f(ctx, job) }

// noopRegistry satisfies JobRegistry for workers tested without a pool.
type noopRegistry struct{}

func (noopRegistry) RegisterJob(string, context.CancelFunc) {}
func (noopRegistry) UnregisterJob(string)                   {}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:             2,
		PollInterval:            50 * time.Millisecond,
		PollIntervalJitter:      0,
		JobTimeout:              10 * time.Second,
		HeartbeatInterval:       100 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
		OrphanDetectionInterval: 1 * time.Second,
		OrphanThreshold:         2 * time.Second,
		MaxAttempts:             3,
	}
}

func waitForJobStatus(t *testing.T, db *sql.DB, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	q := NewQueue(db)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), jobID)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	job, _ := q.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (last: %s, error: %s)", jobID, want, job.Status, job.Error)
	return nil
}

func TestClaimNextJobFIFO(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
	require.NoError(t, err)

	w := NewWorker("pod-worker-0", "pod", db, testQueueConfig(), nil, noopRegistry{})

	got, err := w.claimNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got.ID)
	assert.Equal(t, models.JobRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "pod-worker-0", got.WorkerID)
	require.NotNil(t, got.StartedAt)

	got, err = w.claimNextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got.ID)

	_, err = w.claimNextJob(ctx)
	assert.ErrorIs(t, err, ErrNoJobsAvailable)
}

func TestWorkerProcessesJobToCompletion(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		seen = append(seen, job.ID)
		mu.Unlock()
		return nil
	})

	w := NewWorker("pod-worker-0", "pod", db, testQueueConfig(), exec, noopRegistry{})
	w.Start(ctx)
	defer w.Stop()

	job := waitForJobStatus(t, db, id, models.JobCompleted)
	assert.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.Error)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{id}, seen)
}

func TestWorkerRecordsHandlerFailure(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobUpdateEntity, "acme", nil)
	require.NoError(t, err)

	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		return errors.New("entity vanished")
	})

	w := NewWorker("pod-worker-0", "pod", db, testQueueConfig(), exec, noopRegistry{})
	w.Start(ctx)
	defer w.Stop()

	job := waitForJobStatus(t, db, id, models.JobFailed)
	assert.Equal(t, "entity vanished", job.Error)
}

func TestWorkerTimesOutSlowJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobCrawlSource, "acme", nil)
	require.NoError(t, err)

	cfg := testQueueConfig()
	cfg.JobTimeout = 200 * time.Millisecond

	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		<-ctx.Done() // A well-behaved handler returns when its context dies.
		return ctx.Err()
	})

	w := NewWorker("pod-worker-0", "pod", db, cfg, exec, noopRegistry{})
	w.Start(ctx)
	defer w.Stop()

	job := waitForJobStatus(t, db, id, models.JobFailed)
	assert.Contains(t, job.Error, "timed out")
}

func TestWorkerHeartbeatsWhileRunning(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobCrawlSource, "acme", nil)
	require.NoError(t, err)

	release := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		<-release
		return nil
	})

	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond

	w := NewWorker("pod-worker-0", "pod", db, cfg, exec, noopRegistry{})
	w.Start(ctx)
	defer w.Stop()

	running := waitForJobStatus(t, db, id, models.JobRunning)
	require.NotNil(t, running.LastHeartbeat)
	firstBeat := *running.LastHeartbeat

	// After a few intervals the heartbeat must have advanced.
	require.Eventually(t, func() bool {
		job, err := NewQueue(db).Get(ctx, id)
		require.NoError(t, err)
		return job.LastHeartbeat != nil && job.LastHeartbeat.After(firstBeat)
	}, 5*time.Second, 50*time.Millisecond, "heartbeat never advanced")

	close(release)
	waitForJobStatus(t, db, id, models.JobCompleted)
}

func TestWorkerHealthTracking(t *testing.T) {
	db := util.SetupTestDatabase(t)
	w := NewWorker("pod-worker-7", "pod", db, testQueueConfig(), nil, noopRegistry{})

	h := w.Health()
	assert.Equal(t, "pod-worker-7", h.ID)
	assert.Equal(t, string(WorkerStatusIdle), h.Status)
	assert.Zero(t, h.JobsProcessed)
}

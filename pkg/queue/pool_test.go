package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/test/util"
)

func TestPoolProcessesJobsExactlyOnce(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	const jobCount = 10
	ids := make(map[string]bool, jobCount)
	for range jobCount {
		id, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
		require.NoError(t, err)
		ids[id] = false
	}

	var mu sync.Mutex
	var processed atomic.Int32
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		already := ids[job.ID]
		ids[job.ID] = true
		mu.Unlock()
		require.False(t, already, "job %s processed twice", job.ID)
		processed.Add(1)
		return nil
	})

	pool := NewWorkerPool("pod", db, testQueueConfig(), exec, nil)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return processed.Load() == jobCount
	}, 15*time.Second, 50*time.Millisecond)

	for id := range ids {
		waitForJobStatus(t, db, id, models.JobCompleted)
	}
}

func TestPoolCancelJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobRunAgentExecution, "acme",
		models.RunAgentArgs{AgentID: "agent-1", Prompt: "dig in"})
	require.NoError(t, err)

	started := make(chan struct{})
	var once sync.Once
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	pool := NewWorkerPool("pod", db, testQueueConfig(), exec, nil)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, pool.CancelJob(id), "job must be cancellable on this pod")
	assert.False(t, pool.CancelJob("job-running-elsewhere"))

	job := waitForJobStatus(t, db, id, models.JobCancelled)
	assert.Equal(t, "job cancelled", job.Error)
}

func TestPoolGracefulStopFinishesCurrentJob(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
	require.NoError(t, err)

	started := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		close(started)
		time.Sleep(300 * time.Millisecond) // Outlive the Stop call.
		return nil
	})

	cfg := testQueueConfig()
	cfg.WorkerCount = 1

	pool := NewWorkerPool("pod", db, cfg, exec, nil)
	require.NoError(t, pool.Start(ctx))

	<-started
	pool.Stop() // Must block until the in-flight job finishes.

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
}

func TestPoolHealth(t *testing.T) {
	db := util.SetupTestDatabase(t)
	q := NewQueue(db)
	ctx := context.Background()

	for range 2 {
		_, err := q.Enqueue(ctx, models.JobCreateEntity, "acme", nil)
		require.NoError(t, err)
	}

	block := make(chan struct{})
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		<-block
		return nil
	})

	cfg := testQueueConfig()
	cfg.WorkerCount = 1

	pool := NewWorkerPool("pod", db, cfg, exec, nil)
	require.NoError(t, pool.Start(ctx))
	defer func() {
		close(block)
		pool.Stop()
	}()

	require.Eventually(t, func() bool {
		return pool.Health().RunningJobs == 1
	}, 10*time.Second, 50*time.Millisecond)

	h := pool.Health()
	assert.True(t, h.IsHealthy)
	assert.True(t, h.DBReachable)
	assert.Equal(t, "pod", h.PodID)
	assert.Equal(t, 1, h.TotalWorkers)
	assert.Equal(t, 1, h.ActiveWorkers)
	assert.Equal(t, 1, h.QueueDepth, "one job running, one still queued")
	require.Len(t, h.WorkerStats, 1)
	assert.Equal(t, string(WorkerStatusWorking), h.WorkerStats[0].Status)
}

func TestPoolStartIsIdempotent(t *testing.T) {
	db := util.SetupTestDatabase(t)

	pool := NewWorkerPool("pod", db, testQueueConfig(), funcExecutor(func(context.Context, *models.Job) error {
		return nil
	}), nil)

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Start(ctx)) // Second start is a no-op.
	assert.Equal(t, testQueueConfig().WorkerCount, len(pool.workers))
	pool.Stop()
}

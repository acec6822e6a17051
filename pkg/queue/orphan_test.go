package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/test/util"
)

// recordingFailer captures SetStatus calls from orphan recovery.
type recordingFailer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingFailer) SetStatus(ctx context.Context, tenantID, agentID string, to models.AgentStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, agentID)
	return nil
}

func (r *recordingFailer) failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// plantOrphan inserts a running job whose heartbeat is long in the past,
// as a crashed worker would leave behind.
func plantOrphan(t *testing.T, db *sql.DB, workerID string, attempts int, kind string, args any) string {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)

	id := "orphan-" + workerID + "-" + kind
	stale := time.Now().Add(-time.Hour)
	_, err = db.ExecContext(context.Background(),
		`INSERT INTO jobs (id, kind, tenant_id, args, status, worker_id, attempts, started_at, last_heartbeat)
		 VALUES ($1, $2, 'acme', $3, 'running', $4, $5, $6, $6)`,
		id, kind, raw, workerID, attempts, stale)
	require.NoError(t, err)
	return id
}

func TestOrphanRequeuedUnderAttemptBudget(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pool := NewWorkerPool("pod", db, testQueueConfig(), nil, nil)

	id := plantOrphan(t, db, "deadpod-worker-0", 1, models.JobCrawlSource, models.CrawlSourceArgs{SourceID: "s1"})

	require.NoError(t, pool.detectAndRecoverOrphans(context.Background()))

	job, err := NewQueue(db).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Empty(t, job.WorkerID)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.LastHeartbeat)
	assert.Equal(t, 1, job.Attempts, "attempts advance on claim, not on requeue")

	h := pool.Health()
	assert.Equal(t, 1, h.OrphansRecovered)
	assert.False(t, h.LastOrphanScan.IsZero())
}

func TestOrphanFailedPastAttemptBudgetMarksAgent(t *testing.T) {
	db := util.SetupTestDatabase(t)
	failer := &recordingFailer{}
	cfg := testQueueConfig()
	pool := NewWorkerPool("pod", db, cfg, nil, failer)

	id := plantOrphan(t, db, "deadpod-worker-1", cfg.MaxAttempts, models.JobRunAgentExecution,
		models.RunAgentArgs{AgentID: "agent-9", Prompt: "hello"})

	require.NoError(t, pool.detectAndRecoverOrphans(context.Background()))

	job, err := NewQueue(db).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, "Orphaned: no heartbeat")
	assert.NotNil(t, job.FinishedAt)

	assert.Equal(t, []string{"agent-9"}, failer.failed())
}

func TestOrphanScanIgnoresHealthyJobs(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pool := NewWorkerPool("pod", db, testQueueConfig(), nil, nil)
	ctx := context.Background()

	// Fresh heartbeat: not an orphan.
	_, err := db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, tenant_id, args, status, worker_id, attempts, started_at, last_heartbeat)
		 VALUES ('healthy', $1, 'acme', '{}', 'running', 'otherpod-worker-0', 1, now(), now())`,
		models.JobCrawlSource)
	require.NoError(t, err)

	require.NoError(t, pool.detectAndRecoverOrphans(ctx))

	job, err := NewQueue(db).Get(ctx, "healthy")
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Zero(t, pool.Health().OrphansRecovered)
}

func TestRecoverStartupOrphansOnlyOwnPod(t *testing.T) {
	db := util.SetupTestDatabase(t)
	pool := NewWorkerPool("pod", db, testQueueConfig(), nil, nil)
	ctx := context.Background()

	mine := plantOrphan(t, db, "pod-worker-0", 1, models.JobCreateEntity, nil)
	theirs := plantOrphan(t, db, "otherpod-worker-0", 1, models.JobCreateEntity, nil)

	require.NoError(t, pool.RecoverStartupOrphans(ctx))

	q := NewQueue(db)
	job, err := q.Get(ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, job.Status, "own pod's orphan requeued")

	job, err = q.Get(ctx, theirs)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status, "other pod's job untouched at startup")
}

func TestOrphanedJobReprocessedByPool(t *testing.T) {
	db := util.SetupTestDatabase(t)
	ctx := context.Background()

	id := plantOrphan(t, db, "deadpod-worker-0", 1, models.JobCreateEntity, nil)

	done := make(chan struct{})
	var once sync.Once
	exec := funcExecutor(func(ctx context.Context, job *models.Job) error {
		once.Do(func() { close(done) })
		return nil
	})

	cfg := testQueueConfig()
	cfg.OrphanDetectionInterval = 100 * time.Millisecond
	cfg.OrphanThreshold = 200 * time.Millisecond

	pool := NewWorkerPool("pod", db, cfg, exec, nil)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("orphaned job never reprocessed")
	}

	job := waitForJobStatus(t, db, id, models.JobCompleted)
	assert.Equal(t, 2, job.Attempts, "reclaim counts as a fresh attempt")
}

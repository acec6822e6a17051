// Package e2e boots complete Sibyl instances against real PostgreSQL and
// FalkorDB testcontainers, with the agent runtime replaced by a scripted
// NDJSON stub, and drives them through the public HTTP and WebSocket surface.
package e2e

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/agent"
	"github.com/sibyl-dev/sibyl/pkg/api"
	"github.com/sibyl-dev/sibyl/pkg/approval"
	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/crawler"
	"github.com/sibyl-dev/sibyl/pkg/database"
	"github.com/sibyl-dev/sibyl/pkg/embedding"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/extraction"
	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/hints"
	"github.com/sibyl-dev/sibyl/pkg/masking"
	"github.com/sibyl-dev/sibyl/pkg/mcpserver"
	"github.com/sibyl-dev/sibyl/pkg/models"
	"github.com/sibyl-dev/sibyl/pkg/queue"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
	"github.com/sibyl-dev/sibyl/pkg/services"
	"github.com/sibyl-dev/sibyl/test/util"
)

// TestApp boots a complete Sibyl instance for e2e testing.
type TestApp struct {
	Config   *config.Config
	DB       *stdsql.DB
	DBClient *database.Client
	Driver   *graph.Driver

	Entities      *entity.Factory
	Relationships *relationship.Factory
	Agents        *services.AgentService
	Messages      *services.MessageService
	Approvals     *approval.Service
	Queue         *queue.Queue

	Publisher   *events.Publisher
	ConnManager *events.ConnectionManager
	Listener    *events.Listener
	Waiter      *events.Waiter
	WorkerPool  *queue.WorkerPool
	Runtime     *MockRuntime
	Server      *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg          *config.Config
	workerCount  int
	approvalWait time.Duration
	questionWait time.Duration
	notifier     approval.Notifier
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithWorkerCount sets the number of worker pool goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithApprovalWaitTimeout sets how long a gated tool call blocks for a human
// decision. Timeout scenarios shrink this to keep the suite fast.
func WithApprovalWaitTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.approvalWait = d }
}

// WithQuestionTimeout sets the wait deadline for intercepted question tools.
func WithQuestionTimeout(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.questionWait = d }
}

// WithApprovalNotifier attaches an out-of-band notifier (e.g. a Slack service
// pointed at a mock API) to the approval gate.
func WithApprovalNotifier(n approval.Notifier) TestAppOption {
	return func(c *testAppConfig) { c.notifier = n }
}

// NewTestApp creates and starts a full Sibyl test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:  2,
		approvalWait: 20 * time.Second,
		questionWait: 20 * time.Second,
	}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	cfg := tc.cfg
	cfg.Queue.WorkerCount = tc.workerCount
	cfg.Approvals.WaitTimeout = tc.approvalWait
	cfg.Approvals.QuestionTimeout = tc.questionWait

	ctx := context.Background()

	// 1. Database — per-test schema, embedded migrations applied. The
	// listener opens its own LISTEN connection, so it needs the
	// schema-scoped connection string too.
	db, connStr := util.SetupTestDatabaseWithConnString(t)
	dbClient := database.NewClientFromDB(db, connStr)

	// 2. Graph — shared FalkorDB container, per-test key prefix.
	driver := util.SetupTestGraph(t)

	// 3. Streaming infrastructure.
	eventService := services.NewEventService(db)
	publisher := events.NewPublisher(db)
	connManager := events.NewConnectionManager(eventService, 5*time.Second)
	listener := events.NewListener(connStr)
	waiter := events.NewWaiter(listener, eventService)
	listener.AddSink(connManager)
	listener.AddSink(waiter)
	connManager.SetListener(listener)
	require.NoError(t, listener.Start(ctx))

	// 4. Domain services. Embedding and extraction sidecars stay disabled;
	// entity writes and search degrade to their non-vector paths.
	embedder := embedding.NewClient(embedding.Config{Enabled: false})
	extractor := extraction.NewClient(extraction.Config{Enabled: false})
	entities := entity.NewFactory(driver, embedder, extractor, entity.WithPublisher(publisher))
	relationships := relationship.NewFactory(driver)
	agentService := services.NewAgentService(entities, publisher)
	messageService := services.NewMessageService(db)
	maskingService := masking.NewService()

	// 5. Approval gate.
	matchers := approval.DefaultMatchers(cfg.Approvals.HighRiskDomains, cfg.Approvals.ExtraSensitiveFilePatterns)
	approvalService := approval.NewService(entities, agentService, messageService,
		publisher, waiter, maskingService, matchers, *cfg.Approvals)
	if tc.notifier != nil {
		approvalService.SetNotifier(tc.notifier)
	}

	// 6. Scripted runtime and job handlers.
	mockRuntime := NewMockRuntime()
	cfg.Agents.RuntimeURL = mockRuntime.URL()
	runtimeClient := agent.NewHTTPRuntimeClient(cfg.Agents.RuntimeURL, "")
	jobQueue := queue.NewQueue(db)
	runner := agent.NewRunner(runtimeClient, entities, agentService, messageService,
		publisher, waiter, approvalService, jobQueue, cfg.Agents)
	crawlerSvc := crawler.New(db, entities, embedder, publisher, cfg.Crawler)
	hintsGen := hints.NewFromConfig(publisher, cfg.Hints)
	entityJobs := services.NewEntityJobs(entities, relationships)

	registry := queue.NewRegistry()
	registry.Register(models.JobCrawlSource, crawlerSvc.HandleCrawlJob)
	registry.Register(models.JobSyncSource, crawlerSvc.HandleSyncJob)
	registry.Register(models.JobRunAgentExecution, runner.HandleRunJob)
	registry.Register(models.JobResumeAgentExecution, runner.HandleResumeJob)
	registry.Register(models.JobCreateEntity, entityJobs.HandleCreateEntity)
	registry.Register(models.JobUpdateEntity, entityJobs.HandleUpdateEntity)
	registry.Register(models.JobCreateLearningEpisode, entityJobs.HandleCreateLearningEpisode)
	registry.Register(models.JobGenerateStatusHint, hintsGen.HandleJob)

	// 7. Worker pool.
	podID := fmt.Sprintf("e2e-%s", t.Name())
	workerPool := queue.NewWorkerPool(podID, db, cfg.Queue, registry, agentService)
	require.NoError(t, workerPool.Start(ctx))

	// 8. HTTP server on a random port.
	server := api.NewServer(cfg.API, dbClient, entities, relationships,
		agentService, messageService, approvalService, jobQueue, publisher, connManager)
	server.SetListener(listener)
	server.SetWorkerPool(workerPool)
	server.SetMCPHandler(mcpserver.NewServer(entities).Handler())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:        cfg,
		DB:            db,
		DBClient:      dbClient,
		Driver:        driver,
		Entities:      entities,
		Relationships: relationships,
		Agents:        agentService,
		Messages:      messageService,
		Approvals:     approvalService,
		Queue:         jobQueue,
		Publisher:     publisher,
		ConnManager:   connManager,
		Listener:      listener,
		Waiter:        waiter,
		WorkerPool:    workerPool,
		Runtime:       mockRuntime,
		Server:        server,
		BaseURL:       fmt.Sprintf("http://%s", addr),
		WSURL:         fmt.Sprintf("ws://%s/ws", addr),
		t:             t,
	}

	// Shutdown in reverse-creation order. The runtime stub closes after the
	// pool so in-flight streams can finish draining.
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		workerPool.Stop()
		mockRuntime.Close()
		listener.Stop(context.Background())
	})

	return app
}

// defaultTestConfig returns built-in defaults tightened for tests: fast queue
// polling, short job timeouts, no retries (at-least-once redelivery would
// make scripted conversations non-deterministic).
func defaultTestConfig() *config.Config {
	cfg := &config.Config{
		Queue:     config.DefaultQueueConfig(),
		Approvals: config.DefaultApprovalConfig(),
		Agents:    config.DefaultAgentsConfig(),
		Crawler:   config.DefaultCrawlerConfig(),
		Hints:     config.DefaultHintsConfig(),
		API:       config.DefaultAPIConfig(),
		Retention: config.DefaultRetentionConfig(),
	}
	cfg.Queue.PollInterval = 100 * time.Millisecond
	cfg.Queue.PollIntervalJitter = 50 * time.Millisecond
	cfg.Queue.JobTimeout = 60 * time.Second
	cfg.Queue.HeartbeatInterval = 5 * time.Second
	cfg.Queue.GracefulShutdownTimeout = 10 * time.Second
	cfg.Queue.OrphanDetectionInterval = 1 * time.Minute
	cfg.Queue.OrphanThreshold = 1 * time.Minute
	cfg.Queue.MaxAttempts = 1
	cfg.Crawler.FetchTimeout = 5 * time.Second
	return cfg
}

// Sibyl server — multi-tenant knowledge graph with agent execution, human
// approval gating, and a durable event stream. A single binary runs the HTTP
// API, the queue workers, or both, selected with -mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sibyl-dev/sibyl/pkg/agent"
	"github.com/sibyl-dev/sibyl/pkg/api"
	"github.com/sibyl-dev/sibyl/pkg/approval"
	"github.com/sibyl-dev/sibyl/pkg/cleanup"
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
	"github.com/sibyl-dev/sibyl/pkg/slack"
)

const (
	modeAPI    = "api"
	modeWorker = "worker"
	modeAll    = "all"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	mode := flag.String("mode",
		getEnv("SIBYL_MODE", modeAll),
		"Process role: api, worker, or all")
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	if *mode != modeAPI && *mode != modeWorker && *mode != modeAll {
		slog.Error("Invalid -mode, must be api, worker, or all", "mode", *mode)
		os.Exit(1)
	}

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting Sibyl",
		"mode", *mode,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs embedded migrations)
	dbClient, err := database.NewClient(ctx, database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize graph driver (one FalkorDB graph per tenant)
	driver := graph.NewDriver(graph.Config{
		Addr:          cfg.Graph.Addr,
		Password:      cfg.Graph.Password,
		DB:            cfg.Graph.DB,
		KeyPrefix:     cfg.Graph.KeyPrefix,
		EmbeddingDims: cfg.Graph.EmbeddingDims,
		QueryTimeout:  cfg.Graph.QueryTimeout,
	})
	defer func() {
		if err := driver.Close(); err != nil {
			slog.Error("Error closing graph driver", "error", err)
		}
	}()
	if err := driver.Ping(ctx); err != nil {
		slog.Error("Failed to connect to graph store", "addr", cfg.Graph.Addr, "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to graph store", "addr", cfg.Graph.Addr)

	// 4. Initialize streaming infrastructure
	eventService := services.NewEventService(dbClient.DB())
	publisher := events.NewPublisher(dbClient.DB())
	connManager := events.NewConnectionManager(eventService, 10*time.Second)

	// Dedicated LISTEN connection, shared by the WebSocket fan-out and the
	// approval/question wait handles.
	listener := events.NewListener(dbClient.DSN())
	waiter := events.NewWaiter(listener, eventService)
	listener.AddSink(connManager)
	listener.AddSink(waiter)
	connManager.SetListener(listener)

	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	slog.Info("Streaming infrastructure initialized")

	// 5. Domain services
	embedder := embedding.NewClient(embedding.Config{
		Enabled: cfg.Embedding.Enabled,
		URL:     cfg.Embedding.URL,
		Dims:    cfg.Embedding.Dims,
		Timeout: cfg.Embedding.Timeout,
	})
	extractor := extraction.NewClient(extraction.Config{
		Enabled: cfg.Extraction.Enabled,
		URL:     cfg.Extraction.URL,
		Timeout: cfg.Extraction.Timeout,
	})
	entities := entity.NewFactory(driver, embedder, extractor, entity.WithPublisher(publisher))
	relationships := relationship.NewFactory(driver)
	agentService := services.NewAgentService(entities, publisher)
	messageService := services.NewMessageService(dbClient.DB())
	maskingService := masking.NewService()
	slog.Info("Services initialized")

	// 6. Approval gate with optional Slack notifications
	matchers := approval.DefaultMatchers(cfg.Approvals.HighRiskDomains, cfg.Approvals.ExtraSensitiveFilePatterns)
	approvalService := approval.NewService(entities, agentService, messageService,
		publisher, waiter, maskingService, matchers, *cfg.Approvals)
	if notifier := slack.NewService(cfg.Slack); notifier != nil {
		approvalService.SetNotifier(notifier)
		slog.Info("Slack approval notifications enabled", "channel", cfg.Slack.Channel)
	}

	// 7. Job handlers and registry
	jobQueue := queue.NewQueue(dbClient.DB())
	runtime := agent.NewHTTPRuntimeClient(cfg.Agents.RuntimeURL, cfg.Agents.RuntimeToken)
	runner := agent.NewRunner(runtime, entities, agentService, messageService,
		publisher, waiter, approvalService, jobQueue, cfg.Agents)
	crawlerSvc := crawler.New(dbClient.DB(), entities, embedder, publisher, cfg.Crawler)
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
	slog.Info("Job handlers registered", "kinds", registry.Kinds(), "hints_enabled", hintsGen.Enabled())

	// 8. Start worker pool (worker and all modes, before HTTP)
	var workerPool *queue.WorkerPool
	if *mode != modeAPI {
		workerPool = queue.NewWorkerPool(podID, dbClient.DB(), cfg.Queue, registry, agentService)
		if err := workerPool.RecoverStartupOrphans(ctx); err != nil {
			slog.Error("Startup orphan recovery failed", "error", err)
			// Non-fatal — the periodic scan retries
		}
		if err := workerPool.Start(ctx); err != nil {
			slog.Error("Failed to start worker pool", "error", err)
			os.Exit(1)
		}
	}

	// 9. Event retention
	retention := cleanup.NewService(cfg.Retention, eventService)
	retention.Start(ctx)

	// 10. Start HTTP server (api and all modes, non-blocking)
	var httpServer *api.Server
	errCh := make(chan error, 1)
	if *mode != modeWorker {
		httpServer = api.NewServer(cfg.API, dbClient, entities, relationships,
			agentService, messageService, approvalService, jobQueue, publisher, connManager)
		httpServer.SetListener(listener)
		if workerPool != nil {
			httpServer.SetWorkerPool(workerPool)
		}
		httpServer.SetMCPHandler(mcpserver.NewServer(entities).Handler())

		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		go func() {
			slog.Info("HTTP server listening", "addr", addr)
			if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server error", "error", err)
				errCh <- err
			}
		}()
	}

	slog.Info("Sibyl started successfully",
		"mode", *mode,
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown
	retention.Stop()

	if workerPool != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
		done := make(chan struct{})
		go func() {
			workerPool.Stop()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Worker pool stopped gracefully")
		case <-shutdownCtx.Done():
			slog.Warn("Shutdown timeout exceeded — incomplete jobs will be orphan-recovered")
		}
		cancel()
	}

	if httpServer != nil {
		httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		httpCancel()
	}

	slog.Info("Shutdown complete")
}

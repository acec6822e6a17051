// Package api exposes the HTTP surface: REST routes under /api/v1, the
// WebSocket event stream, the health probe, and the MCP mount. Auth is out of
// scope; the tenant middleware only resolves and requires X-Sibyl-Tenant.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/sibyl-dev/sibyl/pkg/approval"
	"github.com/sibyl-dev/sibyl/pkg/config"
	"github.com/sibyl-dev/sibyl/pkg/database"
	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/events"
	"github.com/sibyl-dev/sibyl/pkg/queue"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
	"github.com/sibyl-dev/sibyl/pkg/services"
)

// Server wires the service layer to HTTP routes.
type Server struct {
	cfg           *config.APIConfig
	dbClient      *database.Client
	entities      *entity.Factory
	relationships *relationship.Factory
	agents        *services.AgentService
	messages      *services.MessageService
	approvals     *approval.Service
	jobs          *queue.Queue
	publisher     *events.Publisher
	connManager   *events.ConnectionManager

	// Optional collaborators, attached via setters before Start.
	listener   *events.Listener
	workerPool *queue.WorkerPool
	mcpHandler http.Handler

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(
	cfg *config.APIConfig,
	dbClient *database.Client,
	entities *entity.Factory,
	relationships *relationship.Factory,
	agents *services.AgentService,
	messages *services.MessageService,
	approvals *approval.Service,
	jobs *queue.Queue,
	publisher *events.Publisher,
	connManager *events.ConnectionManager,
) *Server {
	s := &Server{
		cfg:           cfg,
		dbClient:      dbClient,
		entities:      entities,
		relationships: relationships,
		agents:        agents,
		messages:      messages,
		approvals:     approvals,
		jobs:          jobs,
		publisher:     publisher,
		connManager:   connManager,
	}
	s.echo = s.buildRouter()
	return s
}

// SetListener attaches the NOTIFY listener for health reporting.
func (s *Server) SetListener(l *events.Listener) { s.listener = l }

// SetWorkerPool attaches the pool for health reporting (all-mode pods only).
func (s *Server) SetWorkerPool(p *queue.WorkerPool) { s.workerPool = p }

// SetMCPHandler mounts the MCP streamable HTTP handler at /mcp.
func (s *Server) SetMCPHandler(h http.Handler) { s.mcpHandler = h }

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	t := s.requireTenant

	// Agents.
	e.POST("/api/v1/agents", s.createAgentHandler, t)
	e.GET("/api/v1/agents/:id", s.getAgentHandler, t)
	e.GET("/api/v1/agents/:id/messages", s.listAgentMessagesHandler, t)
	e.POST("/api/v1/agents/:id/resume", s.resumeAgentHandler, t)
	e.POST("/api/v1/agents/:id/cancel", s.cancelAgentHandler, t)

	// Human responses.
	e.POST("/api/v1/approvals/:id/respond", s.respondApprovalHandler, t)
	e.POST("/api/v1/questions/:id/respond", s.respondQuestionHandler, t)

	// Entity graph.
	e.POST("/api/v1/entities", s.createEntityHandler, t)
	e.GET("/api/v1/entities", s.listEntitiesHandler, t)
	e.POST("/api/v1/entities/search", s.searchEntitiesHandler, t)
	e.POST("/api/v1/entities/backfill-edges", s.backfillEdgesHandler, t)
	e.GET("/api/v1/entities/:id", s.getEntityHandler, t)
	e.PATCH("/api/v1/entities/:id", s.updateEntityHandler, t)
	e.DELETE("/api/v1/entities/:id", s.deleteEntityHandler, t)
	e.GET("/api/v1/entities/:id/relationships", s.listEntityRelationshipsHandler, t)
	e.GET("/api/v1/entities/:id/related", s.relatedEntitiesHandler, t)

	// Relationships.
	e.POST("/api/v1/relationships", s.createRelationshipHandler, t)
	e.DELETE("/api/v1/relationships/:id", s.deleteRelationshipHandler, t)

	// Aggregate views.
	e.GET("/api/v1/projects/:id/summary", s.projectSummaryHandler, t)
	e.GET("/api/v1/epics/:id/progress", s.epicProgressHandler, t)
	e.GET("/api/v1/epics/:id/tasks", s.epicTasksHandler, t)

	// Crawler.
	e.POST("/api/v1/sources/:id/crawl", s.crawlSourceHandler, t)
	e.POST("/api/v1/sources/:id/sync", s.syncSourceHandler, t)

	// Event stream.
	e.GET("/ws", s.wsHandler, t)

	// Probes and mounts.
	e.GET("/healthz", s.healthHandler)
	e.Any("/mcp", s.mcpHandlerFunc)
	e.Any("/mcp/*", s.mcpHandlerFunc)

	return e
}

func (s *Server) mcpHandlerFunc(c *echo.Context) error {
	if s.mcpHandler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "MCP not available")
	}
	s.mcpHandler.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start runs the HTTP server on addr. Blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-bound listener. Tests use this to run on
// a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

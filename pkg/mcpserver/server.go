// Package mcpserver exposes the entity graph to MCP-speaking agents. Six
// tools cover what agents reach for mid-run: search, entity create and get,
// task status updates, relationship creation, and task listing. Tenancy rides
// the X-Sibyl-Tenant header; each tenant gets its own SDK server whose tool
// handlers are bound to that tenant's graph.
package mcpserver

import (
	"log/slog"
	"net/http"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sibyl-dev/sibyl/pkg/entity"
	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/relationship"
	"github.com/sibyl-dev/sibyl/pkg/version"
)

// Server builds and caches per-tenant MCP servers over the entity factory.
type Server struct {
	entities *entity.Factory

	mu      sync.Mutex
	servers map[string]*mcpsdk.Server
}

func NewServer(entities *entity.Factory) *Server {
	return &Server{
		entities: entities,
		servers:  make(map[string]*mcpsdk.Server),
	}
}

// ServerForTenant returns the tenant's SDK server, building it on first use.
// The instance is cached so MCP sessions of the same tenant share it.
func (s *Server) ServerForTenant(tenantID string) (*mcpsdk.Server, error) {
	mgr, err := s.entities.ForTenant(tenantID)
	if err != nil {
		return nil, err
	}
	handle, err := s.entities.Driver().Tenant(tenantID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if srv, ok := s.servers[tenantID]; ok {
		return srv, nil
	}
	srv := buildServer(&toolset{entities: mgr, rels: relationship.NewManager(handle)})
	s.servers[tenantID] = srv
	return srv, nil
}

// Handler returns the streamable HTTP handler for mounting under /mcp.
// Requests without a valid tenant header are rejected by the transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(r *http.Request) *mcpsdk.Server {
		tenantID := r.Header.Get(graph.TenantHeader)
		if !graph.ValidTenantID(tenantID) {
			return nil
		}
		srv, err := s.ServerForTenant(tenantID)
		if err != nil {
			slog.Error("Failed to build tenant MCP server", "tenant_id", tenantID, "error", err)
			return nil
		}
		return srv
	}, nil)
}

func buildServer(tools *toolset) *mcpsdk.Server {
	srv := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_search",
		Description: "Search entities by keyword and semantic similarity. Returns scored matches.",
		InputSchema: searchSchema,
	}, tools.search)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_create_entity",
		Description: "Create a knowledge entity (task, note, project, ...) in the tenant graph.",
		InputSchema: createEntitySchema,
	}, tools.createEntity)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_get_entity",
		Description: "Fetch one entity by id.",
		InputSchema: getEntitySchema,
	}, tools.getEntity)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_update_task_status",
		Description: "Move a task to a new status (todo, doing, blocked, review, done, archived).",
		InputSchema: updateTaskStatusSchema,
	}, tools.updateTaskStatus)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_add_relationship",
		Description: "Create a typed directed edge between two entities. Idempotent per (source, target, kind).",
		InputSchema: addRelationshipSchema,
	}, tools.addRelationship)

	srv.AddTool(&mcpsdk.Tool{
		Name:        "sibyl_list_tasks",
		Description: "List tasks, optionally filtered by status, project, or epic.",
		InputSchema: listTasksSchema,
	}, tools.listTasks)

	return srv
}

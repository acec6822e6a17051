package api

import "github.com/sibyl-dev/sibyl/pkg/models"

// SpawnAgentResponse is returned by POST /api/v1/agents.
type SpawnAgentResponse struct {
	AgentID string `json:"agent_id"`
	JobID   string `json:"job_id"`
}

// JobResponse is returned by endpoints that only enqueue background work.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// MessageListResponse is returned by GET /api/v1/agents/:id/messages.
type MessageListResponse struct {
	Messages []*models.AgentMessage `json:"messages"`
	Count    int                    `json:"count"`
}

// SearchResponse is returned by POST /api/v1/entities/search.
type SearchResponse struct {
	Results []models.ScoredEntity `json:"results"`
	Count   int                   `json:"count"`
}

// EntityListResponse is returned by GET /api/v1/entities.
type EntityListResponse struct {
	Entities []*models.Entity `json:"entities"`
	Count    int              `json:"count"`
}

// RelationshipListResponse is returned by GET /api/v1/entities/:id/relationships.
type RelationshipListResponse struct {
	Relationships []*models.Relationship `json:"relationships"`
	Count         int                    `json:"count"`
}

// RelatedEntitiesResponse is returned by GET /api/v1/entities/:id/related.
type RelatedEntitiesResponse struct {
	Related []models.RelatedEntity `json:"related"`
	Count   int                    `json:"count"`
}

// BackfillResponse is returned by POST /api/v1/entities/backfill-edges.
type BackfillResponse struct {
	EdgesCreated  int `json:"edges_created"`
	PropsRepaired int `json:"props_repaired"`
}

// HealthCheck is one component's health probe result.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

package api

import "github.com/sibyl-dev/sibyl/pkg/models"

// CreateAgentRequest is the body of POST /api/v1/agents.
type CreateAgentRequest struct {
	Prompt    string `json:"prompt"`
	AgentType string `json:"agent_type"`
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// ResumeAgentRequest is the body of POST /api/v1/agents/:id/resume.
type ResumeAgentRequest struct {
	Message string `json:"message"`
}

// CancelAgentRequest is the optional body of POST /api/v1/agents/:id/cancel.
type CancelAgentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RespondApprovalRequest is the body of POST /api/v1/approvals/:id/respond.
// Approved is a pointer so a missing field is distinguishable from false.
type RespondApprovalRequest struct {
	Approved *bool  `json:"approved"`
	By       string `json:"by,omitempty"`
	Message  string `json:"message,omitempty"`
}

// RespondQuestionRequest is the body of POST /api/v1/questions/:id/respond.
type RespondQuestionRequest struct {
	Answers map[string]string `json:"answers"`
	By      string            `json:"by,omitempty"`
}

// CreateEntityRequest is the body of POST /api/v1/entities. The entity fields
// are inline; Extract selects the extraction path and Async defers the write
// to a queue job.
type CreateEntityRequest struct {
	models.Entity
	Extract bool `json:"extract,omitempty"`
	Async   bool `json:"async,omitempty"`
}

// SearchEntitiesRequest is the body of POST /api/v1/entities/search.
type SearchEntitiesRequest struct {
	Query string   `json:"query"`
	Kinds []string `json:"kinds,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// CreateRelationshipRequest is the body of POST /api/v1/relationships.
type CreateRelationshipRequest struct {
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	Kind     string         `json:"kind"`
	Weight   float64        `json:"weight,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

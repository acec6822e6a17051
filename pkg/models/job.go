package models

import (
	"encoding/json"
	"time"
)

// JobStatus tracks a queued job through its lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Registered job kinds.
const (
	JobCrawlSource           = "crawl_source"
	JobSyncSource            = "sync_source"
	JobRunAgentExecution     = "run_agent_execution"
	JobResumeAgentExecution  = "resume_agent_execution"
	JobCreateEntity          = "create_entity"
	JobUpdateEntity          = "update_entity"
	JobCreateLearningEpisode = "create_learning_episode"
	JobGenerateStatusHint    = "generate_status_hint"
)

// Job is one row of the background work queue. Delivery is at-least-once;
// handlers must be idempotent under the ids they write.
type Job struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	TenantID      string          `json:"tenant_id"`
	Args          json.RawMessage `json:"args"`
	Status        JobStatus       `json:"status"`
	WorkerID      string          `json:"worker_id,omitempty"`
	Attempts      int             `json:"attempts"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`
}

// RunAgentArgs are the arguments of a run_agent_execution job.
type RunAgentArgs struct {
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
	AgentType string `json:"agent_type"`
	ProjectID string `json:"project_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// ResumeAgentArgs are the arguments of a resume_agent_execution job.
// When CheckpointID is set the runner reconstructs context from the
// checkpoint instead of the stored runtime session.
type ResumeAgentArgs struct {
	AgentID      string `json:"agent_id"`
	Prompt       string `json:"prompt"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// CrawlSourceArgs are the arguments of crawl_source and sync_source jobs.
type CrawlSourceArgs struct {
	SourceID string `json:"source_id"`
}

// CreateEntityArgs are the arguments of a create_entity job.
type CreateEntityArgs struct {
	Entity  *Entity `json:"entity"`
	Extract bool    `json:"extract,omitempty"`
}

// UpdateEntityArgs are the arguments of an update_entity job.
type UpdateEntityArgs struct {
	ID      string         `json:"id"`
	Updates map[string]any `json:"updates"`
}

// CreateLearningEpisodeArgs are the arguments of a create_learning_episode job.
type CreateLearningEpisodeArgs struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
}

// StatusHintArgs are the arguments of a generate_status_hint job.
type StatusHintArgs struct {
	AgentID  string `json:"agent_id"`
	ToolName string `json:"tool_name"`
	Preview  string `json:"preview,omitempty"`
}

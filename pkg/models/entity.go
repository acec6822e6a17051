package models

import "time"

// EntityKind tags every stored entity with one of a closed set of kinds.
type EntityKind string

const (
	KindProject    EntityKind = "project"
	KindEpic       EntityKind = "epic"
	KindTask       EntityKind = "task"
	KindNote       EntityKind = "note"
	KindEpisode    EntityKind = "episode"
	KindPattern    EntityKind = "pattern"
	KindRule       EntityKind = "rule"
	KindTemplate   EntityKind = "template"
	KindAgent      EntityKind = "agent"
	KindCheckpoint EntityKind = "checkpoint"
	KindApproval   EntityKind = "approval"
	KindSource     EntityKind = "source"
	KindDocument   EntityKind = "document"
	KindChunk      EntityKind = "chunk"
	KindTopic      EntityKind = "topic"
)

var entityKinds = map[EntityKind]bool{
	KindProject: true, KindEpic: true, KindTask: true, KindNote: true,
	KindEpisode: true, KindPattern: true, KindRule: true, KindTemplate: true,
	KindAgent: true, KindCheckpoint: true, KindApproval: true, KindSource: true,
	KindDocument: true, KindChunk: true, KindTopic: true,
}

// Valid reports whether k is a member of the closed kind set.
func (k EntityKind) Valid() bool {
	return entityKinds[k]
}

// ParseEntityKind maps a stored kind string to an EntityKind.
// Unknown strings resolve to KindTopic.
func ParseEntityKind(s string) EntityKind {
	k := EntityKind(s)
	if k.Valid() {
		return k
	}
	return KindTopic
}

// Entity is the uniform shape of every stored object: a tenant-unique id, a
// kind, a human name, optional description/content, the owning tenant,
// timestamps, and a free-form metadata map. Kind-specific fields live in
// Metadata and are additionally projected into structured node properties.
type Entity struct {
	ID          string         `json:"id"`
	Kind        EntityKind     `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Content     string         `json:"content,omitempty"`
	TenantID    string         `json:"tenant_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Embedding is stored as a direct vector property on the node.
	// It must never travel through Metadata: serialized floats bloat every
	// downstream read that feeds metadata to an LLM.
	Embedding []float32 `json:"-"`
}

// MetaString returns the metadata value for key when it is a string.
func (e *Entity) MetaString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// MetaStrings returns the metadata value for key as a string slice, tolerating
// both []string and []any encodings (metadata round-trips through JSON).
func (e *Entity) MetaStrings(key string) []string {
	if e.Metadata == nil {
		return nil
	}
	switch v := e.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// SetMeta assigns a metadata key, allocating the map on first use.
func (e *Entity) SetMeta(key string, value any) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
}

// ScoredEntity pairs a search hit with its fused relevance score.
type ScoredEntity struct {
	Entity *Entity `json:"entity"`
	Score  float64 `json:"score"`
}

// Task status values recognised by progress and summary views.
const (
	TaskStatusTodo     = "todo"
	TaskStatusDoing    = "doing"
	TaskStatusBlocked  = "blocked"
	TaskStatusReview   = "review"
	TaskStatusDone     = "done"
	TaskStatusArchived = "archived"
)

// EpicProgress aggregates task-status counts for one epic.
type EpicProgress struct {
	EpicID            string         `json:"epic_id"`
	TotalTasks        int            `json:"total_tasks"`
	StatusCounts      map[string]int `json:"status_counts"`
	CompletionPercent float64        `json:"completion_percent"`
}

// EpicSummary pairs an epic entity with its progress.
type EpicSummary struct {
	Epic     *Entity      `json:"epic"`
	Progress EpicProgress `json:"progress"`
}

// ProjectSummary is the curated, prioritized snapshot of one project:
// status counts, the most actionable tasks, critical open tasks, and the
// top epics with their progress.
type ProjectSummary struct {
	Project         *Entity        `json:"project"`
	StatusCounts    map[string]int `json:"status_counts"`
	ActionableTasks []*Entity      `json:"actionable_tasks"`
	CriticalTasks   []*Entity      `json:"critical_tasks"`
	Epics           []EpicSummary  `json:"epics"`
}

// AgentStatus tracks an agent entity through its lifecycle.
type AgentStatus string

const (
	AgentInitializing    AgentStatus = "initializing"
	AgentWorking         AgentStatus = "working"
	AgentWaitingApproval AgentStatus = "waiting_approval"
	AgentWaitingInput    AgentStatus = "waiting_input"
	AgentCompleted       AgentStatus = "completed"
	AgentFailed          AgentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// validAgentTransitions: initializing → working → {waiting_*}? → {completed, failed}.
// waiting_* states always return to working before a terminal state.
var validAgentTransitions = map[AgentStatus][]AgentStatus{
	AgentInitializing:    {AgentWorking, AgentFailed},
	AgentWorking:         {AgentWaitingApproval, AgentWaitingInput, AgentCompleted, AgentFailed},
	AgentWaitingApproval: {AgentWorking, AgentFailed},
	AgentWaitingInput:    {AgentWorking, AgentFailed},
}

// ValidAgentTransition reports whether from → to is an allowed move.
func ValidAgentTransition(from, to AgentStatus) bool {
	for _, next := range validAgentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApprovalStatus tracks an approval entity. Transitions only flow
// pending → {approved, denied, expired, cancelled}; never back.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case ApprovalApproved, ApprovalDenied, ApprovalExpired, ApprovalCancelled:
		return true
	}
	return false
}

// ValidApprovalTransition reports whether from → to is an allowed move.
func ValidApprovalTransition(from, to ApprovalStatus) bool {
	return from == ApprovalPending && to.Terminal()
}

// CrawlStatus tracks a source entity through a crawl.
type CrawlStatus string

const (
	CrawlPending    CrawlStatus = "pending"
	CrawlInProgress CrawlStatus = "in_progress"
	CrawlCompleted  CrawlStatus = "completed"
	CrawlPartial    CrawlStatus = "partial"
	CrawlFailed     CrawlStatus = "failed"
)

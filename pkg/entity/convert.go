package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// kindProjections lists the metadata fields each kind mirrors into structured
// node properties. Projected fields are readable by plain Cypher predicates;
// everything else stays inside the serialized metadata string.
var kindProjections = map[models.EntityKind][]string{
	models.KindTask: {
		"status", "priority", "project_id", "epic_id", "assignees",
		"technologies", "feature", "domain", "due_date", "estimated_hours",
		"branch_name", "pr_url",
	},
	models.KindProject: {"status", "tech_stack", "repository_url"},
	models.KindEpic: {
		"status", "priority", "project_id", "assignees", "target_date", "learnings",
	},
	models.KindNote: {"task_id", "author_type", "author_name"},
	models.KindAgent: {
		"agent_type", "spawn_source", "status", "project_id", "task_id",
		"worktree_path", "worktree_branch", "started_at", "last_heartbeat",
	},
	models.KindApproval: {
		"project_id", "agent_id", "task_id", "approval_type", "status",
		"priority", "title", "summary", "response_by", "responded_at",
		"response_message",
	},
	models.KindCheckpoint: {"agent_id", "session_id", "conversation_history", "current_step"},
}

// kindLabel maps a kind to its node label ("task" becomes "Task"). Kinds come
// from a closed set, so the label is safe to interpolate into query text.
func kindLabel(k models.EntityKind) string {
	s := string(k)
	return strings.ToUpper(s[:1]) + s[1:]
}

// ReturnColumns builds the canonical scalar projection for an entity node.
// Queries always return these ten columns in this order so rows can be
// scanned positionally. Exported because edge traversals in other packages
// join entity nodes into their own result rows.
func ReturnColumns(alias string) string {
	cols := []string{
		"id", "entity_type", "name", "description", "content",
		"tenant_id", "created_at", "updated_at", "metadata",
	}
	parts := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		parts = append(parts, alias+"."+c)
	}
	parts = append(parts, "labels("+alias+")")
	return strings.Join(parts, ", ")
}

// ColumnCount is the width of the canonical projection.
const ColumnCount = 10

// ScanRow converts one canonical row into an entity.
func ScanRow(row []any) *models.Entity {
	if len(row) < ColumnCount {
		return nil
	}
	e := &models.Entity{
		ID:          graph.AsString(row[0]),
		Name:        graph.AsString(row[2]),
		Description: graph.AsString(row[3]),
		Content:     graph.AsString(row[4]),
		TenantID:    graph.AsString(row[5]),
		CreatedAt:   ParseNodeTime(graph.AsString(row[6])),
		UpdatedAt:   ParseNodeTime(graph.AsString(row[7])),
		Metadata:    parseNodeMetadata(graph.AsString(row[8])),
	}
	e.Kind = resolveKind(graph.AsString(row[1]), graph.AsStringSlice(row[9]))
	return e
}

// resolveKind resolves in order: explicit entity_type attribute, then a node
// label other than the generic base labels, then the topic default.
func resolveKind(explicit string, labels []string) models.EntityKind {
	if explicit != "" {
		return models.ParseEntityKind(explicit)
	}
	for _, l := range labels {
		if l == "Entity" || l == "Episodic" {
			continue
		}
		return models.ParseEntityKind(strings.ToLower(l))
	}
	return models.KindTopic
}

// ParseNodeTime parses a stored ISO-8601 timestamp, tolerating both the
// nanosecond and second forms. Unparseable values become the zero time.
func ParseNodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// FormatNodeTime renders a fixed-width UTC timestamp. The width matters:
// node timestamps are compared lexicographically in ORDER BY clauses, and
// trimmed fractional digits would break chronological order.
func FormatNodeTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseNodeMetadata parses the serialized metadata string. A corrupt string
// is treated as empty metadata rather than an error.
func parseNodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("serialize metadata: %w", err)
	}
	return string(data), nil
}

// projectionValue validates that a metadata value can live as a structured
// node property. Maps (and anything else the property model rejects) stay in
// metadata only.
func projectionValue(v any) (any, bool) {
	switch val := v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return val, true
	case []string:
		return val, true
	case []any:
		for _, item := range val {
			switch item.(type) {
			case string, bool, int, int64, float64:
			default:
				return nil, false
			}
		}
		return val, true
	default:
		return nil, false
	}
}

// buildSetFragments renders "alias.field = $p_field" fragments for every
// projected metadata field the entity carries, filling params alongside.
// Fragments come back sorted so generated queries are deterministic.
func buildSetFragments(alias string, e *models.Entity, params map[string]any) []string {
	fields := kindProjections[e.Kind]
	fragments := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := e.Metadata[f]
		if !ok {
			continue
		}
		pv, ok := projectionValue(v)
		if !ok {
			continue
		}
		params["p_"+f] = pv
		fragments = append(fragments, fmt.Sprintf("%s.%s = $p_%s", alias, f, f))
	}
	sort.Strings(fragments)
	return fragments
}

package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/models"
)

func TestKindLabel(t *testing.T) {
	assert.Equal(t, "Task", kindLabel(models.KindTask))
	assert.Equal(t, "Project", kindLabel(models.KindProject))
	assert.Equal(t, "Checkpoint", kindLabel(models.KindCheckpoint))
}

func TestReturnColumns(t *testing.T) {
	expected := "e.id, e.entity_type, e.name, e.description, e.content, " +
		"e.tenant_id, e.created_at, e.updated_at, e.metadata, labels(e)"
	assert.Equal(t, expected, ReturnColumns("e"))
}

func TestScanRow(t *testing.T) {
	row := []any{
		"task-1",
		"task",
		"Fix login flow",
		"Session cookie expires too early",
		"",
		"acme",
		"2026-03-01T10:00:00.000000000Z",
		"2026-03-02T11:30:00.000000000Z",
		`{"status":"doing","priority":"high"}`,
		[]any{"Entity", "Task"},
	}

	e := ScanRow(row)
	require.NotNil(t, e)
	assert.Equal(t, "task-1", e.ID)
	assert.Equal(t, models.KindTask, e.Kind)
	assert.Equal(t, "Fix login flow", e.Name)
	assert.Equal(t, "Session cookie expires too early", e.Description)
	assert.Equal(t, "acme", e.TenantID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), e.CreatedAt)
	assert.Equal(t, "doing", e.MetaString("status"))
	assert.Equal(t, "high", e.MetaString("priority"))
}

func TestScanRowShortRow(t *testing.T) {
	assert.Nil(t, ScanRow([]any{"id-only"}))
}

func TestResolveKind(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		labels   []string
		expected models.EntityKind
	}{
		{
			name:     "explicit attribute wins",
			explicit: "epic",
			labels:   []string{"Entity", "Task"},
			expected: models.KindEpic,
		},
		{
			name:     "kind label used when attribute missing",
			explicit: "",
			labels:   []string{"Entity", "Note"},
			expected: models.KindNote,
		},
		{
			name:     "base labels alone fall back to topic",
			explicit: "",
			labels:   []string{"Entity"},
			expected: models.KindTopic,
		},
		{
			name:     "unknown explicit value falls back to topic",
			explicit: "banana",
			labels:   nil,
			expected: models.KindTopic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolveKind(tt.explicit, tt.labels))
		})
	}
}

func TestNodeTimeRoundTrip(t *testing.T) {
	orig := time.Date(2026, 7, 14, 9, 30, 45, 123456789, time.UTC)
	s := FormatNodeTime(orig)
	assert.Equal(t, orig, ParseNodeTime(s))
}

func TestFormatNodeTimeFixedWidth(t *testing.T) {
	// Stored timestamps are compared lexicographically in the graph, so the
	// rendered width must not depend on trailing zeros.
	a := FormatNodeTime(time.Date(2026, 1, 1, 0, 0, 0, 500000000, time.UTC))
	b := FormatNodeTime(time.Date(2026, 1, 1, 0, 0, 0, 512345678, time.UTC))
	assert.Len(t, a, len(b))
	assert.True(t, a < b, "lexicographic order must match chronological order")
}

func TestParseNodeTimeTolerance(t *testing.T) {
	assert.Equal(t, time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		ParseNodeTime("2026-05-01T08:00:00Z"))
	assert.True(t, ParseNodeTime("not a timestamp").IsZero())
	assert.True(t, ParseNodeTime("").IsZero())
}

func TestParseNodeMetadata(t *testing.T) {
	m := parseNodeMetadata(`{"status":"todo","estimated_hours":4}`)
	assert.Equal(t, "todo", m["status"])
	assert.Equal(t, float64(4), m["estimated_hours"])

	assert.Nil(t, parseNodeMetadata(""))

	// Corrupt metadata must not poison reads.
	corrupt := parseNodeMetadata(`{"status": unterminated`)
	assert.NotNil(t, corrupt)
	assert.Empty(t, corrupt)
}

func TestMarshalMetadata(t *testing.T) {
	s, err := marshalMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	s, err = marshalMetadata(map[string]any{"status": "doing"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"doing"}`, s)
}

func TestProjectionValue(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		accepted bool
	}{
		{name: "string", value: "todo", accepted: true},
		{name: "bool", value: true, accepted: true},
		{name: "int", value: 42, accepted: true},
		{name: "float", value: 3.5, accepted: true},
		{name: "string slice", value: []string{"alice", "bob"}, accepted: true},
		{name: "any slice of scalars", value: []any{"go", "redis"}, accepted: true},
		{name: "map rejected", value: map[string]any{"nested": true}, accepted: false},
		{name: "any slice with map rejected", value: []any{map[string]any{}}, accepted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := projectionValue(tt.value)
			assert.Equal(t, tt.accepted, ok)
		})
	}
}

func TestBuildSetFragments(t *testing.T) {
	e := &models.Entity{
		Kind: models.KindTask,
		Metadata: map[string]any{
			"status":    "doing",
			"priority":  "high",
			"assignees": []string{"alice"},
			// complexity is not a projected task field; maps never project.
			"complexity": "xl",
			"links":      map[string]any{"pr": "http"},
		},
	}

	params := map[string]any{}
	fragments := buildSetFragments("e", e, params)

	assert.Equal(t, []string{
		"e.assignees = $p_assignees",
		"e.priority = $p_priority",
		"e.status = $p_status",
	}, fragments)
	assert.Equal(t, "doing", params["p_status"])
	assert.Equal(t, "high", params["p_priority"])
	assert.Equal(t, []string{"alice"}, params["p_assignees"])
	assert.NotContains(t, params, "p_complexity")
	assert.NotContains(t, params, "p_links")
}

func TestBuildSetFragmentsUnprojectedKind(t *testing.T) {
	e := &models.Entity{
		Kind:     models.KindTopic,
		Metadata: map[string]any{"anything": "goes"},
	}
	params := map[string]any{}
	assert.Empty(t, buildSetFragments("e", e, params))
	assert.Empty(t, params)
}

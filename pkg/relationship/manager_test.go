package relationship

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyl-dev/sibyl/pkg/graph"
	"github.com/sibyl-dev/sibyl/pkg/models"
)

// newTestManager builds a manager over an unconnected driver. go-redis dials
// lazily, so everything short of query execution works without a server.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	d := graph.NewDriver(graph.Config{Addr: "localhost:0", KeyPrefix: "sibyl_"})
	t.Cleanup(func() { _ = d.Close() })
	h, err := d.Tenant("tenant-a")
	require.NoError(t, err)
	return NewManager(h)
}

func TestPrepareDefaults(t *testing.T) {
	m := newTestManager(t)

	rel := &models.Relationship{
		SourceID: "a",
		TargetID: "b",
		Kind:     "unheard_of_kind",
	}
	require.NoError(t, m.prepare(rel))

	assert.NotEmpty(t, rel.ID)
	assert.Equal(t, models.RelRelatedTo, rel.Kind, "unknown kind falls back to RELATED_TO")
	assert.Equal(t, 1.0, rel.Weight)
	assert.Equal(t, "tenant-a", rel.TenantID)
	assert.False(t, rel.CreatedAt.IsZero())
}

func TestPrepareKeepsExplicitValues(t *testing.T) {
	m := newTestManager(t)

	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rel := &models.Relationship{
		ID:        "rel-1",
		SourceID:  "a",
		TargetID:  "b",
		Kind:      models.RelDependsOn,
		Weight:    0.25,
		CreatedAt: created,
	}
	require.NoError(t, m.prepare(rel))

	assert.Equal(t, "rel-1", rel.ID)
	assert.Equal(t, models.RelDependsOn, rel.Kind)
	assert.Equal(t, 0.25, rel.Weight)
	assert.Equal(t, created, rel.CreatedAt)
}

func TestPrepareRejectsInvalidEdges(t *testing.T) {
	m := newTestManager(t)

	tests := []struct {
		name  string
		rel   *models.Relationship
		field string
	}{
		{name: "nil", rel: nil, field: "relationship"},
		{name: "missing source", rel: &models.Relationship{TargetID: "b"}, field: "source_id"},
		{name: "missing target", rel: &models.Relationship{SourceID: "a"}, field: "target_id"},
		{name: "self edge", rel: &models.Relationship{SourceID: "a", TargetID: "a"}, field: "target_id"},
		{
			name:  "foreign tenant",
			rel:   &models.Relationship{SourceID: "a", TargetID: "b", TenantID: "tenant-b"},
			field: "tenant_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.prepare(tt.rel)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrInvalidInput)

			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestScanEdge(t *testing.T) {
	row := []any{
		"rel-9",
		"DEPENDS_ON",
		"task-1",
		"task-2",
		"0.5",
		"tenant-a",
		"2026-03-01T10:00:00.000000000Z",
		`{"origin":"manual"}`,
	}

	rel := scanEdge(row)
	require.NotNil(t, rel)
	assert.Equal(t, "rel-9", rel.ID)
	assert.Equal(t, models.RelDependsOn, rel.Kind)
	assert.Equal(t, "task-1", rel.SourceID)
	assert.Equal(t, "task-2", rel.TargetID)
	assert.Equal(t, 0.5, rel.Weight)
	assert.Equal(t, "tenant-a", rel.TenantID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), rel.CreatedAt)
	assert.Equal(t, "manual", rel.Metadata["origin"])
}

func TestScanEdgeUnknownKind(t *testing.T) {
	row := []any{"rel-1", "MYSTERY", "a", "b", 1.0, "tenant-a", "", "{}"}

	rel := scanEdge(row)
	require.NotNil(t, rel)
	assert.Equal(t, models.RelRelatedTo, rel.Kind)
	assert.Nil(t, rel.Metadata)
}

func TestScanEdgeShortRow(t *testing.T) {
	assert.Nil(t, scanEdge([]any{"rel-1", "PART_OF"}))
}

func TestEdgeReturnShape(t *testing.T) {
	// The projection and the scanner must agree on column order.
	expected := "r.id, type(r), startNode(r).id, endNode(r).id, " +
		"r.weight, r.tenant_id, r.created_at, r.metadata"
	assert.Equal(t, expected, edgeReturn)
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, []string{"PART_OF", "REFERENCES"},
		kindStrings([]models.RelationshipKind{models.RelPartOf, models.RelReferences}))
	assert.Empty(t, kindStrings(nil))
}

func TestMarshalEdgeMetadata(t *testing.T) {
	s, err := marshalEdgeMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	s, err = marshalEdgeMetadata(map[string]any{"confidence": 0.9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"confidence":0.9}`, s)
}

func TestGetForEntityRejectsBadInput(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetForEntity(t.Context(), "", models.DirectionBoth, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = m.GetForEntity(t.Context(), "task-1", "sideways", nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestGetRelatedEntitiesRejectsEmptyID(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetRelatedEntities(t.Context(), "", TraversalOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

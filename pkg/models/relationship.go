package models

import "time"

// RelationshipKind tags a typed directed edge. The set is closed; unknown
// stored strings deserialize to RelRelatedTo.
type RelationshipKind string

const (
	RelBelongsTo   RelationshipKind = "BELONGS_TO"
	RelDependsOn   RelationshipKind = "DEPENDS_ON"
	RelRequires    RelationshipKind = "REQUIRES"
	RelPartOf      RelationshipKind = "PART_OF"
	RelReferences  RelationshipKind = "REFERENCES"
	RelDerivedFrom RelationshipKind = "DERIVED_FROM"
	RelRelatedTo   RelationshipKind = "RELATED_TO"
)

var relationshipKinds = map[RelationshipKind]bool{
	RelBelongsTo: true, RelDependsOn: true, RelRequires: true, RelPartOf: true,
	RelReferences: true, RelDerivedFrom: true, RelRelatedTo: true,
}

// Valid reports whether k is a member of the closed kind set.
func (k RelationshipKind) Valid() bool {
	return relationshipKinds[k]
}

// ParseRelationshipKind maps a stored kind string to a RelationshipKind.
// Unknown strings resolve to RelRelatedTo.
func ParseRelationshipKind(s string) RelationshipKind {
	k := RelationshipKind(s)
	if k.Valid() {
		return k
	}
	return RelRelatedTo
}

// Relationship is a typed directed edge between two entities. Edge identity
// is (source, target, kind): at most one edge exists per triple.
type Relationship struct {
	ID        string           `json:"id"`
	SourceID  string           `json:"source_id"`
	TargetID  string           `json:"target_id"`
	Kind      RelationshipKind `json:"kind"`
	Weight    float64          `json:"weight"`
	TenantID  string           `json:"tenant_id"`
	CreatedAt time.Time        `json:"created_at"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Direction selects which edges of an entity a query returns.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// RelatedEntity pairs a neighbouring entity with the edge that reached it.
type RelatedEntity struct {
	Entity *Entity       `json:"entity"`
	Via    *Relationship `json:"via"`
}

// Package graph implements C3: the knowledge graph's node/edge read API,
// tree navigation, search, and refs. Writes are not exposed directly —
// all mutation happens through internal/crdt, whose appliers
// (crdt.applyInsertNode etc) write the nodes and edges tables.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Node is a vertex in the knowledge graph (§3.1).
type Node struct {
	ID         uuid.UUID
	InstanceID uuid.UUID
	Kind       string
	Language   *string
	Content    *string
	ParentID   *uuid.UUID
	Position   int
	Path       string
	SpanStart  *int
	SpanEnd    *int
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Edge is a directed labeled relation between two nodes.
type Edge struct {
	ID       uuid.UUID
	SourceID uuid.UUID
	TargetID uuid.UUID
	Relation string
	Metadata map[string]any
}

// Association is an agent's weighted, directed claim about a relationship
// between two nodes — distinct from a plain Edge (agent-less, unweighted).
// Supplement from original_source/schema.rs (SPEC_FULL §3.1).
type Association struct {
	ID        uuid.UUID
	AgentID   uuid.UUID
	SourceID  uuid.UUID
	TargetID  uuid.UUID
	Weight    float64
	Relation  string
	Reasoning string
}

// ConsensusStats aggregates perspective weights for a node under an
// optional context (SPEC_FULL §3.1, mirrors the teacher's
// consensus_perspectives view).
type ConsensusStats struct {
	NodeID      uuid.UUID
	ContextID   *uuid.UUID
	AgentCount  int
	AvgWeight   float64
	MinWeight   float64
	MaxWeight   float64
	StddevWeight float64
}

// RefsResult holds the three disjoint lists returned by Refs.
type RefsResult struct {
	Definitions []Node
	References  []Node
	Impls       []Node
}

// definingKinds are node kinds whose content naming a symbol counts as
// that symbol's definition (language-agnostic catalog, see
// internal/parser for the full kind list).
var definingKinds = map[string]bool{
	"function":    true,
	"struct":      true,
	"enum":        true,
	"trait":       true,
	"impl":        true,
	"const":       true,
	"static":      true,
	"type_alias":  true,
	"module":      true,
	"interface":   true,
	"method":      true,
}

// IsDefiningKind reports whether kind is one that defines a symbol.
func IsDefiningKind(kind string) bool { return definingKinds[kind] }

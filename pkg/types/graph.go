package types

import "time"

// Graph is the set of entity versions and relationships valid at one instant.
type Graph struct {
	PointInTime   time.Time               `json:"point_in_time"`
	Entities      []*TemporalEntity       `json:"entities"`
	Relationships []*TemporalRelationship `json:"relationships"`
}

// EntityIndex returns the graph's entities keyed by entity id.
func (g *Graph) EntityIndex() map[string]*TemporalEntity {
	idx := make(map[string]*TemporalEntity, len(g.Entities))
	for _, e := range g.Entities {
		idx[e.EntityID] = e
	}
	return idx
}

// VersionNode is one node of an entity's version tree.
type VersionNode struct {
	Version  *TemporalEntity `json:"version"`
	State    VersionState    `json:"state"`
	Children []string        `json:"children,omitempty"`
}

// VersionTree is the arena of an entity's versions keyed by version id.
// Edges are predecessor to successor links held in each node's Children.
type VersionTree struct {
	EntityID string                  `json:"entity_id"`
	Roots    []string                `json:"roots"`
	Nodes    map[string]*VersionNode `json:"nodes"`
	Branches []string                `json:"branches"`
}

// EdgeCount returns the number of predecessor/successor links.
func (t *VersionTree) EdgeCount() int {
	n := 0
	for _, node := range t.Nodes {
		n += len(node.Children)
	}
	return n
}

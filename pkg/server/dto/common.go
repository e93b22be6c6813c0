package dto

import (
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/analysis"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/types"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// SnapshotResponse is the body of GET /snapshot.
type SnapshotResponse struct {
	PointInTime       time.Time                     `json:"point_in_time"`
	EntityCount       int                           `json:"entity_count"`
	RelationshipCount int                           `json:"relationship_count"`
	Entities          []*types.TemporalEntity       `json:"entities"`
	Relationships     []*types.TemporalRelationship `json:"relationships"`
}

// NewSnapshotResponse converts a graph into its response form.
func NewSnapshotResponse(g *types.Graph) SnapshotResponse {
	return SnapshotResponse{
		PointInTime:       g.PointInTime,
		EntityCount:       len(g.Entities),
		RelationshipCount: len(g.Relationships),
		Entities:          nonNil(g.Entities),
		Relationships:     nonNil(g.Relationships),
	}
}

// AtTimeResponse is the body of GET /entity/{id}/at-time. Version is null when
// the entity exists but had no valid version at the instant.
type AtTimeResponse struct {
	EntityID    string                `json:"entity_id"`
	PointInTime time.Time             `json:"point_in_time"`
	Version     *types.TemporalEntity `json:"version"`
}

// VersionsResponse is the body of GET /entity/{id}/versions.
type VersionsResponse struct {
	EntityID string                  `json:"entity_id"`
	Versions []*types.TemporalEntity `json:"versions"`
	Total    int                     `json:"total"`
}

// TimelineResponse is the body of GET /entity/{id}/timeline.
type TimelineResponse struct {
	EntityID string                `json:"entity_id"`
	Events   []query.TimelineEvent `json:"events"`
	Total    int                   `json:"total"`
}

// RelationshipResponse is a relationship with its confidence evaluated at read time.
type RelationshipResponse struct {
	*types.TemporalRelationship
	CurrentConfidence float64   `json:"current_confidence"`
	IsActive          bool      `json:"is_active"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// NewRelationshipResponse evaluates r at now.
func NewRelationshipResponse(r *types.TemporalRelationship, now time.Time) RelationshipResponse {
	return RelationshipResponse{
		TemporalRelationship: r,
		CurrentConfidence:    r.CurrentConfidence(now),
		IsActive:             r.IsActive(now),
		EvaluatedAt:          now,
	}
}

// PathResponse is the body of GET /query/temporal-path.
type PathResponse struct {
	*query.Path
	Hops int `json:"hops"`
}

// ConceptEvolutionResponse is the body of GET /query/concept-evolution.
type ConceptEvolutionResponse struct {
	Concept string               `json:"concept"`
	From    time.Time            `json:"from"`
	To      time.Time            `json:"to"`
	Entries []query.ConceptEntry `json:"entries"`
	Total   int                  `json:"total"`
}

// StagnationResponse is the body of GET /analysis/stagnation-detection.
type StagnationResponse struct {
	ThresholdMonths int                   `json:"threshold_months"`
	Stagnant        []analysis.Stagnation `json:"stagnant"`
	Total           int                   `json:"total"`
}

// PatternsResponse is the body of GET /analysis/recurring-patterns.
type PatternsResponse struct {
	Patterns []analysis.Pattern `json:"patterns"`
	Total    int                `json:"total"`
}

// SplitList flattens repeated and comma-separated query values, dropping blanks.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

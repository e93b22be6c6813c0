package dto

// Query-string bindings for the read-only API. Times are RFC 3339 timestamps
// or bare YYYY-MM-DD dates; list parameters may repeat or be comma-separated.

// SnapshotQuery binds GET /snapshot.
type SnapshotQuery struct {
	PointInTime       string   `form:"point_in_time"`
	EntityTypes       []string `form:"entity_types"`
	RelationshipTypes []string `form:"relationship_types"`
	IncludeInactive   bool     `form:"include_inactive"`
}

// AtTimeQuery binds GET /entity/{id}/at-time.
type AtTimeQuery struct {
	PointInTime string `form:"point_in_time"`
}

// VersionsQuery binds GET /entity/{id}/versions.
type VersionsQuery struct {
	IncludeExpired bool `form:"include_expired"`
}

// CompareQuery binds GET /query/compare-snapshots.
type CompareQuery struct {
	T1                string   `form:"t1" binding:"required"`
	T2                string   `form:"t2" binding:"required"`
	EntityTypes       []string `form:"entity_types"`
	RelationshipTypes []string `form:"relationship_types"`
}

// PathQuery binds GET /query/temporal-path.
type PathQuery struct {
	Start           string `form:"start" binding:"required"`
	End             string `form:"end" binding:"required"`
	IncludeIndirect bool   `form:"include_indirect"`
	At              string `form:"at"`
	MaxDepth        int    `form:"max_depth" binding:"min=0"`
}

// ConceptQuery binds GET /query/concept-evolution.
type ConceptQuery struct {
	Concept        string `form:"concept" binding:"required"`
	From           string `form:"from" binding:"required"`
	To             string `form:"to" binding:"required"`
	IncludeRelated bool   `form:"include_related"`
}

// TrendQuery binds GET /analysis/research-trends and /analysis/research-acceleration.
type TrendQuery struct {
	EntityType  string `form:"entity_type" binding:"required"`
	From        string `form:"from" binding:"required"`
	To          string `form:"to" binding:"required"`
	Granularity string `form:"granularity"`
}

// StagnationQuery binds GET /analysis/stagnation-detection.
type StagnationQuery struct {
	ThresholdMonths int `form:"threshold_months" binding:"required"`
}

// PatternQuery binds GET /analysis/recurring-patterns.
type PatternQuery struct {
	EntityType    string `form:"entity_type"`
	From          string `form:"from" binding:"required"`
	To            string `form:"to" binding:"required"`
	Granularity   string `form:"granularity"`
	MinCycleCount int    `form:"min_cycle_count" binding:"min=0"`
}

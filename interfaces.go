package tempora

import (
	"context"
	"time"

	"github.com/soundprediction/tempora/pkg/analysis"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/relationship"
	"github.com/soundprediction/tempora/pkg/types"
)

// This file defines focused interfaces that follow the Interface Segregation Principle.
// The main Tempora interface is composed from these smaller interfaces.
// Consumers should depend on the smallest interface that meets their needs.

// VersionManager creates and reads entity versions.
type VersionManager interface {
	// CreateEntity appends a version and closes the branch's current version at its valid_from.
	CreateEntity(ctx context.Context, version *types.TemporalEntity) (*types.TemporalEntity, error)

	// NewBranch starts a branch from an existing version.
	NewBranch(ctx context.Context, entityID, fromVersionID, branchName string, validFrom time.Time) (*types.TemporalEntity, error)

	// ArchiveBranch ends a branch without a successor.
	ArchiveBranch(ctx context.Context, entityID, branchName string, at time.Time) (*types.TemporalEntity, error)

	// GetVersion returns one version by id.
	GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error)

	// GetVersions returns an entity's versions ordered by valid_from.
	GetVersions(ctx context.Context, entityID string, includeExpired bool) ([]*types.TemporalEntity, error)

	// GetAtTime returns the version valid at the instant, or nil.
	GetAtTime(ctx context.Context, entityID string, at time.Time) (*types.TemporalEntity, error)

	// GetVersionTree rebuilds the entity's version tree.
	GetVersionTree(ctx context.Context, entityID string) (*types.VersionTree, error)
}

// RelationshipManager manages relationships between versions.
type RelationshipManager interface {
	CreateRelationship(ctx context.Context, rel *types.TemporalRelationship) (*types.TemporalRelationship, error)
	UpdateRelationship(ctx context.Context, relationshipID string, patch relationship.Patch) (*types.TemporalRelationship, error)
	CloseRelationship(ctx context.Context, relationshipID string, at time.Time) (*types.TemporalRelationship, error)
	RecalculateConfidence(ctx context.Context, relationshipID string) (float64, error)
	RelationshipsBetween(ctx context.Context, sourceID, targetID string, opts relationship.BetweenOptions) ([]*types.TemporalRelationship, error)
	GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error)
}

// TemporalQuerier answers read-only time-travel queries.
type TemporalQuerier interface {
	Snapshot(ctx context.Context, at time.Time, opts query.SnapshotOptions) (*types.Graph, error)
	CompareSnapshots(ctx context.Context, t1, t2 time.Time, opts query.SnapshotOptions) (*query.Diff, error)
	TemporalPath(ctx context.Context, startVersionID, endVersionID string, opts query.PathOptions) (*query.Path, error)
	TraceConceptEvolution(ctx context.Context, concept string, from, to time.Time, includeRelated bool) ([]query.ConceptEntry, error)
	Timeline(ctx context.Context, entityID string) ([]query.TimelineEvent, error)
}

// EvolutionAnalyst derives trends and patterns.
type EvolutionAnalyst interface {
	AnalyzeTrend(ctx context.Context, entityType string, from, to time.Time, granularity analysis.Granularity) (*analysis.Trend, error)
	AnalyzeAcceleration(ctx context.Context, entityType string, from, to time.Time, granularity analysis.Granularity) (*analysis.Acceleration, error)
	DetectStagnation(ctx context.Context, thresholdMonths int) ([]analysis.Stagnation, error)
	DetectRecurringPatterns(ctx context.Context, q analysis.PatternQuery) ([]analysis.Pattern, error)
}

// Ingestor accepts candidates from an upstream extraction pipeline.
type Ingestor interface {
	// SubmitEntityCandidate stores the candidate as the entity's new current version.
	SubmitEntityCandidate(ctx context.Context, candidate types.EntityCandidate) (*types.TemporalEntity, error)

	// SubmitRelationshipCandidate stores a relationship between two existing versions.
	SubmitRelationshipCandidate(ctx context.Context, candidate types.RelationshipCandidate) (*types.TemporalRelationship, error)
}

// Admin covers backend health and lifecycle.
type Admin interface {
	// Ping checks that the persistence backend is reachable.
	Ping(ctx context.Context) error

	// Now returns the engine clock. Queries without an explicit instant use it.
	Now() time.Time

	// Close releases the backend.
	Close() error
}

// Ensure Tempora interface composes all focused interfaces.
var _ interface {
	VersionManager
	RelationshipManager
	TemporalQuerier
	EvolutionAnalyst
	Ingestor
	Admin
} = (Tempora)(nil)

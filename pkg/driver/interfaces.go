package driver

import (
	"context"
	"time"

	"github.com/soundprediction/tempora/pkg/types"
)

// This file defines focused interfaces for the persistence backend.
// TemporalDriver composes them; consumers should depend on the smallest one they need.

// VersionLog is the append-only log of entity versions.
type VersionLog interface {
	// AppendVersion atomically closes the open head of the version's (entity_id, branch)
	// chain at version.ValidFrom and inserts version as the new head.
	// expectedHeadID is the head the caller validated against; an empty value means the
	// chain must have no open head. A mismatch returns a ConflictError and writes nothing.
	AppendVersion(ctx context.Context, version *types.TemporalEntity, expectedHeadID string) error

	// CloseVersion sets valid_to on an open version without inserting a successor.
	// Closing an already closed version returns a ConflictError.
	CloseVersion(ctx context.Context, versionID string, at time.Time) error

	// GetVersion returns a version by id or a NotFoundError.
	GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error)

	// ListVersions returns every version of an entity across branches, ordered by valid_from.
	// An unknown entity yields an empty slice.
	ListVersions(ctx context.Context, entityID string) ([]*types.TemporalEntity, error)

	// GetHead returns the open head of a chain, or nil when the chain has none.
	GetHead(ctx context.Context, entityID, branch string) (*types.TemporalEntity, error)
}

// IntervalQuerier answers range queries over valid time.
type IntervalQuerier interface {
	// VersionsValidAt returns, for every chain, the version valid at the instant,
	// optionally restricted to the given entity types.
	VersionsValidAt(ctx context.Context, at time.Time, entityTypes []string) ([]*types.TemporalEntity, error)

	// VersionsStartedBetween returns versions with valid_from in [from, to), ordered by valid_from.
	// An empty entityType matches every type.
	VersionsStartedBetween(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error)

	// LatestVersionsByType returns the version with the greatest valid_from per entity type.
	LatestVersionsByType(ctx context.Context) (map[string]*types.TemporalEntity, error)
}

// RelationshipLog stores temporal relationships. Relationships are never physically deleted.
type RelationshipLog interface {
	// InsertRelationship stores a new relationship; an existing id returns a ConflictError.
	InsertRelationship(ctx context.Context, rel *types.TemporalRelationship) error

	// ReplaceRelationship overwrites the mutable fields of an existing relationship.
	// Changing a structural field returns a ValidationError; clearing or moving a
	// set valid_to returns a ConflictError.
	ReplaceRelationship(ctx context.Context, rel *types.TemporalRelationship) error

	// GetRelationship returns a relationship by id or a NotFoundError.
	GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error)

	// RelationshipsFrom returns relationships whose source is the version.
	RelationshipsFrom(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error)

	// RelationshipsTo returns relationships whose target is the version.
	RelationshipsTo(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error)

	// RelationshipsStartedBy returns relationships with valid_from <= at, ordered by valid_from.
	RelationshipsStartedBy(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error)

	// RelationshipsValidAt returns relationships whose interval contains at, ordered by valid_from.
	RelationshipsValidAt(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error)
}

// DatabaseAdmin covers lifecycle and health of the backend.
type DatabaseAdmin interface {
	Provider() Provider
	Ping(ctx context.Context) error
	Close() error
}

// TemporalDriver is the full logical contract a storage backend must satisfy.
type TemporalDriver interface {
	VersionLog
	IntervalQuerier
	RelationshipLog
	DatabaseAdmin
}

// Ensure TemporalDriver composes all focused interfaces.
var _ interface {
	VersionLog
	IntervalQuerier
	RelationshipLog
	DatabaseAdmin
} = (TemporalDriver)(nil)

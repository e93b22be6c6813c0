package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/types"
)

// Provider names a storage backend implementation.
type Provider string

const (
	ProviderMemory Provider = "memory"
	ProviderBadger Provider = "badger"
	ProviderNeo4j  Provider = "neo4j"
)

// Options selects and configures a backend.
type Options struct {
	Provider Provider
	URI      string
	Username string
	Password string
	Database string
	Logger   *slog.Logger
}

// Open creates the backend described by opts.
func Open(ctx context.Context, opts Options) (TemporalDriver, error) {
	switch Provider(strings.ToLower(string(opts.Provider))) {
	case ProviderMemory, "":
		return NewMemoryDriver(), nil
	case ProviderBadger:
		return NewBadgerDriver(opts.URI, opts.Logger)
	case ProviderNeo4j:
		d, err := NewNeo4jDriver(opts.URI, opts.Username, opts.Password, opts.Database)
		if err != nil {
			return nil, err
		}
		if err := d.CreateIndices(ctx); err != nil {
			_ = d.Close()
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", opts.Provider)
	}
}

// sortVersions orders versions by valid_from, then branch, then version id.
func sortVersions(versions []*types.TemporalEntity) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, b := versions[i], versions[j]
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.Before(b.ValidFrom)
		}
		if a.Branch() != b.Branch() {
			return a.Branch() < b.Branch()
		}
		return a.VersionID < b.VersionID
	})
}

// checkReplace enforces the update rules every backend shares: structural
// fields never change and a closed relationship stays closed at the same instant.
func checkReplace(existing, next *types.TemporalRelationship) error {
	if existing.SourceID != next.SourceID || existing.TargetID != next.TargetID ||
		existing.RelationshipType != next.RelationshipType || !existing.ValidFrom.Equal(next.ValidFrom) {
		return types.NewValidationError("relationship", "structural fields are immutable")
	}
	if existing.ValidTo != nil && (next.ValidTo == nil || !next.ValidTo.Equal(*existing.ValidTo)) {
		return types.NewConflictError(existing.RelationshipID, "relationship already closed at %s",
			existing.ValidTo.Format(time.RFC3339))
	}
	return nil
}

// sortRelationships orders relationships by valid_from, then id.
func sortRelationships(rels []*types.TemporalRelationship) {
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i], rels[j]
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.Before(b.ValidFrom)
		}
		return a.RelationshipID < b.RelationshipID
	})
}

func matchesType(entityType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == entityType {
			return true
		}
	}
	return false
}

func headMismatch(key, expected, actual string) error {
	if expected == "" {
		return types.NewConflictError(key, "chain already has open head %s", actual)
	}
	if actual == "" {
		return types.NewConflictError(key, "expected head %s but chain has no open head", expected)
	}
	return types.NewConflictError(key, "expected head %s but found %s", expected, actual)
}

// follows reports whether a version starting at validFrom may be appended after last.
func follows(last *types.TemporalEntity, validFrom time.Time) bool {
	if !last.ValidFrom.Before(validFrom) {
		return false
	}
	return last.ValidTo == nil || !validFrom.Before(*last.ValidTo)
}

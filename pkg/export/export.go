package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

const (
	EntitiesFile      = "entities.parquet"
	RelationshipsFile = "relationships.parquet"

	defaultBatchSize = 1000
)

// EntityRow is one entity version as stored in entities.parquet.
type EntityRow struct {
	VersionID            string     `parquet:"version_id"`
	EntityID             string     `parquet:"entity_id"`
	VersionNumber        float64    `parquet:"version_number"`
	Name                 string     `parquet:"name"`
	EntityType           string     `parquet:"entity_type"`
	BranchName           string     `parquet:"branch_name"`
	ValidFrom            time.Time  `parquet:"valid_from"`
	ValidTo              *time.Time `parquet:"valid_to,optional"`
	PredecessorVersionID string     `parquet:"predecessor_version_id"`
	IsCurrent            bool       `parquet:"is_current"`
	CreationSource       string     `parquet:"creation_source"`
	CreationConfidence   float64    `parquet:"creation_confidence"`
	Attributes           string     `parquet:"attributes"` // JSON string
	SnapshotAt           time.Time  `parquet:"snapshot_at"`
}

// RelationshipRow is one relationship as stored in relationships.parquet.
type RelationshipRow struct {
	RelationshipID     string     `parquet:"relationship_id"`
	SourceID           string     `parquet:"source_id"`
	TargetID           string     `parquet:"target_id"`
	RelationshipType   string     `parquet:"relationship_type"`
	ValidFrom          time.Time  `parquet:"valid_from"`
	ValidTo            *time.Time `parquet:"valid_to,optional"`
	InitialConfidence  float64    `parquet:"initial_confidence"`
	CurrentConfidence  float64    `parquet:"current_confidence"`
	VerificationStatus string     `parquet:"verification_status"`
	CreationSource     string     `parquet:"creation_source"`
	Details            string     `parquet:"details"` // JSON string
	SnapshotAt         time.Time  `parquet:"snapshot_at"`
}

// SnapshotSource produces point-in-time graphs. *query.Engine and
// *tempora.Client satisfy it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, at time.Time, opts query.SnapshotOptions) (*types.Graph, error)
}

// Summary describes the files written by one export.
type Summary struct {
	At                time.Time `json:"at"`
	Dir               string    `json:"dir"`
	Entities          int       `json:"entities"`
	Relationships     int       `json:"relationships"`
	EntitiesPath      string    `json:"entities_path"`
	RelationshipsPath string    `json:"relationships_path"`
}

// SnapshotWriter writes snapshots as a pair of Parquet files.
type SnapshotWriter struct {
	source    SnapshotSource
	batchSize int
	logger    *slog.Logger
}

// NewSnapshotWriter creates a writer over source. batchSize <= 0 uses the default.
func NewSnapshotWriter(source SnapshotSource, batchSize int, logger *slog.Logger) *SnapshotWriter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotWriter{source: source, batchSize: batchSize, logger: logger}
}

// Export writes the snapshot at at into dir, creating it if needed. Current
// confidence is evaluated at the snapshot instant.
func (w *SnapshotWriter) Export(ctx context.Context, at time.Time, opts query.SnapshotOptions, dir string) (*Summary, error) {
	g, err := w.source.Snapshot(ctx, at, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	entities := make([]EntityRow, 0, len(g.Entities))
	for _, e := range g.Entities {
		row, err := entityRow(e, at)
		if err != nil {
			return nil, err
		}
		entities = append(entities, row)
	}
	relationships := make([]RelationshipRow, 0, len(g.Relationships))
	for _, r := range g.Relationships {
		row, err := relationshipRow(r, at)
		if err != nil {
			return nil, err
		}
		relationships = append(relationships, row)
	}

	summary := &Summary{
		At:                at,
		Dir:               dir,
		Entities:          len(entities),
		Relationships:     len(relationships),
		EntitiesPath:      filepath.Join(dir, EntitiesFile),
		RelationshipsPath: filepath.Join(dir, RelationshipsFile),
	}
	errs := utils.NewConcurrentExecutor(2).Execute(ctx,
		func() error { return writeRows(ctx, summary.EntitiesPath, entities, w.batchSize) },
		func() error { return writeRows(ctx, summary.RelationshipsPath, relationships, w.batchSize) },
	)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	w.logger.Info("Snapshot persisted to parquet",
		"at", at,
		"dir", dir,
		"entities", summary.Entities,
		"relationships", summary.Relationships)
	return summary, nil
}

// writeRows streams rows into path in batches. The file is written under a
// temporary name and renamed once complete.
func writeRows[T any](ctx context.Context, path string, rows []T, batchSize int) (err error) {
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	writer := parquet.NewGenericWriter[T](f)
	for batch := range slices.Chunk(rows, batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := writer.Write(batch); err != nil {
			return fmt.Errorf("failed to write rows to %s: %w", path, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

func entityRow(e *types.TemporalEntity, at time.Time) (EntityRow, error) {
	attrs := ""
	if len(e.Attributes) > 0 {
		data, err := json.Marshal(e.Attributes)
		if err != nil {
			return EntityRow{}, fmt.Errorf("failed to encode attributes of %s: %w", e.VersionID, err)
		}
		attrs = string(data)
	}
	return EntityRow{
		VersionID:            e.VersionID,
		EntityID:             e.EntityID,
		VersionNumber:        e.VersionNumber,
		Name:                 e.Name,
		EntityType:           e.EntityType,
		BranchName:           e.Branch(),
		ValidFrom:            e.ValidFrom.UTC(),
		ValidTo:              utcPtr(e.ValidTo),
		PredecessorVersionID: e.PredecessorVersionID,
		IsCurrent:            e.ValidTo == nil,
		CreationSource:       e.CreationSource,
		CreationConfidence:   e.CreationConfidence,
		Attributes:           attrs,
		SnapshotAt:           at.UTC(),
	}, nil
}

func relationshipRow(r *types.TemporalRelationship, at time.Time) (RelationshipRow, error) {
	var details any
	switch {
	case r.Evolution != nil:
		details = r.Evolution
	case r.Replacement != nil:
		details = r.Replacement
	case r.Influence != nil:
		details = r.Influence
	case r.Merge != nil:
		details = r.Merge
	}
	encoded := ""
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return RelationshipRow{}, fmt.Errorf("failed to encode details of %s: %w", r.RelationshipID, err)
		}
		encoded = string(data)
	}
	return RelationshipRow{
		RelationshipID:     r.RelationshipID,
		SourceID:           r.SourceID,
		TargetID:           r.TargetID,
		RelationshipType:   string(r.RelationshipType),
		ValidFrom:          r.ValidFrom.UTC(),
		ValidTo:            utcPtr(r.ValidTo),
		InitialConfidence:  r.InitialConfidence,
		CurrentConfidence:  r.CurrentConfidence(at),
		VerificationStatus: string(r.VerificationStatus),
		CreationSource:     r.CreationSource,
		Details:            encoded,
		SnapshotAt:         at.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

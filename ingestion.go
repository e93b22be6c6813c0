package tempora

import (
	"context"
	"fmt"

	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/types"
)

// SubmitEntityCandidate stores an extracted entity as the new current version
// of its (entity_id, branch) chain. The previous current version, if any,
// becomes its predecessor.
func (c *Client) SubmitEntityCandidate(ctx context.Context, candidate types.EntityCandidate) (*types.TemporalEntity, error) {
	v, err := c.submitEntity(ctx, candidate)
	metrics.IngestedRecords.WithLabelValues("entity", metrics.Outcome(err)).Inc()
	return v, err
}

func (c *Client) submitEntity(ctx context.Context, candidate types.EntityCandidate) (*types.TemporalEntity, error) {
	v, err := candidate.ToEntity()
	if err != nil {
		return nil, err
	}
	created, err := c.versions.CreateEntity(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest entity %s: %w", candidate.EntityID, err)
	}
	c.logger.Debug("Entity candidate accepted", "entity_id", created.EntityID, "version_id", created.VersionID, "source", candidate.Source)
	return created, nil
}

// SubmitRelationshipCandidate stores an extracted relationship between two
// existing versions.
func (c *Client) SubmitRelationshipCandidate(ctx context.Context, candidate types.RelationshipCandidate) (*types.TemporalRelationship, error) {
	r, err := c.submitRelationship(ctx, candidate)
	metrics.IngestedRecords.WithLabelValues("relationship", metrics.Outcome(err)).Inc()
	return r, err
}

func (c *Client) submitRelationship(ctx context.Context, candidate types.RelationshipCandidate) (*types.TemporalRelationship, error) {
	rel, err := candidate.ToRelationship()
	if err != nil {
		return nil, err
	}
	created, err := c.relationships.Create(ctx, rel)
	if err != nil {
		return nil, fmt.Errorf("failed to ingest %s relationship %s -> %s: %w",
			candidate.Type, candidate.SourceVersionID, candidate.TargetVersionID, err)
	}
	return created, nil
}

package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/checkpoint"
	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/ingest"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonLines = `{"kind":"entity","entity":{"entity_id":"model-1","name":"Transformer","entity_type":"model","confidence":0.9,"valid_from":"2017-06-12T00:00:00Z"}}
{"kind":"entity","entity":{"entity_id":"model-1","name":"Transformer-XL","entity_type":"model","confidence":0.8,"valid_from":"2019-01-09T00:00:00Z",}}

{kind:'relationship', relationship:{source_version_id:'model-1_v1.0', target_version_id:'model-1_v2.0', type:'EVOLVED_INTO', confidence:0.9, valid_from:'2019-01-09T00:00:00Z'}}
{"kind":"entity","entity":{"entity_id":"model-2","name":"Bad","entity_type":"model","confidence":4}}
{"kind":"dataset"}
`

const yamlList = `
- kind: entity
  entity:
    entity_id: bert
    name: BERT
    entity_type: model
    confidence: 0.95
    valid_from: 2018-10-11T00:00:00Z
    attributes:
      parameters: 340000000
- kind: entity
  entity:
    entity_id: bert
    name: RoBERTa
    entity_type: model
    confidence: 0.9
    valid_from: 2019-07-26T00:00:00Z
`

func newClient(t *testing.T) *tempora.Client {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := tempora.NewClient(driver.NewMemoryDriver(), &tempora.Config{Now: func() time.Time { return now }}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseJSONLinesRepairsRecords(t *testing.T) {
	records, err := ingest.ParseRecords([]byte(jsonLines), ingest.FormatJSONLines, nil)
	require.NoError(t, err)
	require.Len(t, records, 5)

	assert.Equal(t, ingest.KindEntity, records[1].Kind)
	assert.Equal(t, "Transformer-XL", records[1].Entity.Name)
	require.NotNil(t, records[2].Relationship)
	assert.Equal(t, "model-1_v2.0", records[2].Relationship.TargetVersionID)
	assert.ErrorIs(t, records[4].Validate(), types.ErrValidation)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, ingest.FormatYAML, ingest.DetectFormat("batch.YML"))
	assert.Equal(t, ingest.FormatYAML, ingest.DetectFormat("batch.yaml"))
	assert.Equal(t, ingest.FormatJSONLines, ingest.DetectFormat("batch.jsonl"))
	assert.Equal(t, ingest.FormatJSONLines, ingest.DetectFormat("batch"))
}

func TestIngestFileJSONLines(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)
	mgr, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)

	path := writeFile(t, "papers.jsonl", jsonLines)
	ing := ingest.NewIngester(c, ingest.Options{Checkpoints: mgr, Interval: 2})

	result, err := ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
	assert.False(t, result.Resumed)

	current, err := c.GetAtTime(ctx, "model-1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "Transformer-XL", current.Name)

	cp, err := mgr.Load(ctx, result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StageCompleted, cp.Stage)
	assert.Equal(t, 5, cp.Offset)
	assert.Len(t, cp.Rejections, 2)

	again, err := ing.IngestFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, 5, again.Skipped)
	assert.Zero(t, again.Accepted)
}

func TestIngestFileYAML(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	result, err := ingest.NewIngester(c, ingest.Options{}).IngestFile(ctx, writeFile(t, "models.yaml", yamlList))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)

	versions, err := c.GetVersions(ctx, "bert", true)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, types.NumberValue(340000000), versions[0].Attributes["parameters"])
	assert.Equal(t, versions[0].VersionID, versions[1].PredecessorVersionID)
}

// flakySubmitter reports the backend unavailable on the nth call.
type flakySubmitter struct {
	calls  int
	failAt int
	seen   []string
}

func (f *flakySubmitter) SubmitEntityCandidate(ctx context.Context, c types.EntityCandidate) (*types.TemporalEntity, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, types.NewBackendUnavailableError("badger", assert.AnError)
	}
	f.seen = append(f.seen, c.EntityID)
	return &types.TemporalEntity{EntityID: c.EntityID}, nil
}

func (f *flakySubmitter) SubmitRelationshipCandidate(ctx context.Context, c types.RelationshipCandidate) (*types.TemporalRelationship, error) {
	return nil, types.NewNotFoundError("version", c.SourceVersionID)
}

func entityRecords(ids ...string) []ingest.Record {
	records := make([]ingest.Record, len(ids))
	for i, id := range ids {
		records[i] = ingest.Record{Kind: ingest.KindEntity, Entity: &types.EntityCandidate{EntityID: id}}
	}
	return records
}

func TestIngestResumesAfterBackendOutage(t *testing.T) {
	ctx := context.Background()
	mgr, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)
	records := entityRecords("a", "b", "c", "d")

	sub := &flakySubmitter{failAt: 3}
	ing := ingest.NewIngester(sub, ingest.Options{Checkpoints: mgr, Interval: 10})

	result, err := ing.Ingest(ctx, "batch-1", "mem", records)
	require.ErrorIs(t, err, types.ErrBackendUnavailable)
	assert.Equal(t, 2, result.Accepted)

	cp, err := mgr.Load(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Offset)
	assert.Equal(t, 1, cp.AttemptCount)
	assert.NotEmpty(t, cp.LastError)

	result, err = ing.Ingest(ctx, "batch-1", "mem", records)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, []string{"a", "b", "c", "d"}, sub.seen)
}

func TestIngestRestartIgnoresCheckpoint(t *testing.T) {
	ctx := context.Background()
	mgr, err := checkpoint.NewManager(t.TempDir())
	require.NoError(t, err)
	records := entityRecords("a", "b")

	_, err = ingest.NewIngester(&flakySubmitter{}, ingest.Options{Checkpoints: mgr}).Ingest(ctx, "batch-r", "mem", records)
	require.NoError(t, err)

	sub := &flakySubmitter{}
	result, err := ingest.NewIngester(sub, ingest.Options{Checkpoints: mgr, Restart: true}).Ingest(ctx, "batch-r", "mem", records)
	require.NoError(t, err)
	assert.False(t, result.Resumed)
	assert.Equal(t, 2, result.Accepted)
	assert.Len(t, sub.seen, 2)
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := ingest.NewIngester(&flakySubmitter{}, ingest.Options{}).Ingest(ctx, "batch-c", "mem", entityRecords("a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Accepted)
}

func TestIngestRejectsMissingEndpoints(t *testing.T) {
	records := []ingest.Record{{Kind: ingest.KindRelationship, Relationship: &types.RelationshipCandidate{SourceVersionID: "x"}}}
	result, err := ingest.NewIngester(&flakySubmitter{}, ingest.Options{}).Ingest(context.Background(), "batch-n", "mem", records)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rejected)
}

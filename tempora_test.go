package tempora_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

func newClient(t *testing.T, now time.Time) *tempora.Client {
	t.Helper()
	c, err := tempora.NewClient(driver.NewMemoryDriver(), &tempora.Config{Now: func() time.Time { return now }}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientRequiresDriver(t *testing.T) {
	_, err := tempora.NewClient(nil, nil, nil)
	assert.Error(t, err)
}

func TestSubmitCandidates(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, day0.AddDate(10, 0, 50))

	v1, err := c.SubmitEntityCandidate(ctx, types.EntityCandidate{
		EntityID:   "model-1",
		Name:       "Transformer",
		EntityType: "model",
		Attributes: map[string]any{"parameters": 65e6, "open": true, "tasks": []any{"translation"}},
		Source:     "arxiv:1706.03762",
		Confidence: 0.95,
		ValidFrom:  day0,
	})
	require.NoError(t, err)
	assert.Equal(t, "model-1_v1.0", v1.VersionID)
	assert.Equal(t, types.NumberValue(65e6), v1.Attributes["parameters"])

	v2, err := c.SubmitEntityCandidate(ctx, types.EntityCandidate{
		EntityID: "model-1", Name: "Transformer", EntityType: "model", Confidence: 0.9, ValidFrom: day0.AddDate(0, 0, 50),
	})
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, v2.PredecessorVersionID)

	rate := 0.1
	rel, err := c.SubmitRelationshipCandidate(ctx, types.RelationshipCandidate{
		SourceVersionID: v1.VersionID,
		TargetVersionID: v2.VersionID,
		Type:            "evolved_into",
		Confidence:      1.0,
		DecayRate:       &rate,
		ValidFrom:       day0.AddDate(0, 0, 50),
		Evolution:       &types.EvolutionDetails{EvolutionType: "scaling"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EvolvedInto, rel.RelationshipType)

	conf, err := c.RecalculateConfidence(ctx, rel.RelationshipID)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-1), conf, 0.002)

	at25, err := c.GetAtTime(ctx, "model-1", day0.AddDate(0, 0, 25))
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, at25.VersionID)

	path, err := c.TemporalPath(ctx, "model-1_v1.0", "model-1_v2.0", query.PathOptions{})
	require.NoError(t, err)
	require.True(t, path.Found)
	assert.Equal(t, 1, path.Hops())

	tree, err := c.GetVersionTree(ctx, "model-1")
	require.NoError(t, err)
	assert.Len(t, tree.Nodes, 2)
	assert.Equal(t, 1, tree.EdgeCount())
}

func TestSubmitCandidateValidation(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, day0)
	before := testutil.ToFloat64(metrics.IngestedRecords.WithLabelValues("entity", "validation"))

	tests := []struct {
		name      string
		candidate types.EntityCandidate
	}{
		{"confidence out of range", types.EntityCandidate{EntityID: "e", Name: "E", EntityType: "t", Confidence: 1.5}},
		{"nested attribute map", types.EntityCandidate{EntityID: "e", Name: "E", EntityType: "t", Attributes: map[string]any{"x": map[string]any{}}}},
		{"missing name", types.EntityCandidate{EntityID: "e", EntityType: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SubmitEntityCandidate(ctx, tt.candidate)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.IngestedRecords.WithLabelValues("entity", "validation")))

	_, err := c.SubmitRelationshipCandidate(ctx, types.RelationshipCandidate{SourceVersionID: "a", TargetVersionID: "b", Type: "CITES", Confidence: 0.5})
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = c.SubmitRelationshipCandidate(ctx, types.RelationshipCandidate{SourceVersionID: "a", TargetVersionID: "b", Type: "INSPIRED", Confidence: 0.5})
	assert.ErrorIs(t, err, types.ErrValidation, "unknown endpoints")
}

func TestSubmittedEntityDefaultsToNow(t *testing.T) {
	now := day0.AddDate(3, 0, 0)
	c := newClient(t, now)
	v, err := c.SubmitEntityCandidate(context.Background(), types.EntityCandidate{EntityID: "e", Name: "E", EntityType: "t", Confidence: 0.5})
	require.NoError(t, err)
	assert.True(t, v.ValidFrom.Equal(now))
	assert.Equal(t, now, c.Now())
}

func TestOpenFromConfig(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: "badger", URI: t.TempDir()},
		Write:    config.WriteConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffMultiplier: 2},
		Analysis: config.AnalysisConfig{DefaultGranularity: "month", MaxConcurrency: 2, MinAutocorrelation: 0.6},
	}
	c, err := tempora.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, driver.ProviderBadger, c.GetDriver().Provider())

	cfg.Analysis.DefaultGranularity = "fortnight"
	cfg.Database = config.DatabaseConfig{Driver: "memory"}
	_, err = tempora.Open(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	cfg.Database.Driver = "cassandra"
	_, err = tempora.Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpenWithCircuitBreaker(t *testing.T) {
	cfg := &config.Config{
		Database:       config.DatabaseConfig{Driver: "memory"},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true, MaxRequests: 1, Interval: 60, Timeout: 30, ReadyToTripRatio: 0.6},
	}
	c, err := tempora.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	_, ok := c.GetDriver().(*driver.CircuitBreakerDriver)
	assert.True(t, ok)
}

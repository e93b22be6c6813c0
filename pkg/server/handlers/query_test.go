package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/server/dto"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	client *tempora.Client
	router *gin.Engine
	relID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := day0.AddDate(0, 0, 400)
	client, err := tempora.NewClient(driver.NewMemoryDriver(), &tempora.Config{Now: func() time.Time { return now }}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	v1, err := client.CreateEntity(ctx, &types.TemporalEntity{EntityID: "model-1", Name: "Transformer", EntityType: "model", ValidFrom: day0, CreationConfidence: 0.9})
	require.NoError(t, err)
	v2, err := client.CreateEntity(ctx, &types.TemporalEntity{EntityID: "model-1", Name: "Transformer-XL", EntityType: "model", ValidFrom: day0.AddDate(0, 0, 50), CreationConfidence: 0.9})
	require.NoError(t, err)
	_, err = client.CreateEntity(ctx, &types.TemporalEntity{EntityID: "ds-1", Name: "WikiText", EntityType: "dataset", ValidFrom: day0.AddDate(0, 0, 10), CreationConfidence: 0.8})
	require.NoError(t, err)

	rate := 0.1
	rel, err := client.CreateRelationship(ctx, &types.TemporalRelationship{
		SourceID: v1.VersionID, TargetID: v2.VersionID, RelationshipType: types.EvolvedInto,
		ValidFrom: day0.AddDate(0, 0, 50), InitialConfidence: 1.0, DecayRate: &rate,
	})
	require.NoError(t, err)

	r := gin.New()
	q := NewQueryHandler(client, nil)
	a := NewAnalysisHandler(client, nil)
	r.GET("/snapshot", q.Snapshot)
	r.GET("/entity/:id/at-time", q.GetAtTime)
	r.GET("/entity/:id/versions", q.GetVersions)
	r.GET("/entity/:id/version-tree", q.GetVersionTree)
	r.GET("/entity/:id/timeline", q.GetTimeline)
	r.GET("/relationship/:id", q.GetRelationship)
	r.GET("/query/compare-snapshots", q.CompareSnapshots)
	r.GET("/query/temporal-path", q.TemporalPath)
	r.GET("/query/concept-evolution", q.ConceptEvolution)
	r.GET("/analysis/research-trends", a.ResearchTrends)
	r.GET("/analysis/research-acceleration", a.ResearchAcceleration)
	r.GET("/analysis/stagnation-detection", a.StagnationDetection)
	r.GET("/analysis/recurring-patterns", a.RecurringPatterns)

	return &fixture{client: client, router: r, relID: rel.RelationshipID}
}

func (f *fixture) get(t *testing.T, target string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t)

	var snap dto.SnapshotResponse
	require.Equal(t, http.StatusOK, f.get(t, "/snapshot?point_in_time=2020-01-20", &snap))
	assert.Equal(t, 2, snap.EntityCount)
	assert.Empty(t, snap.Relationships)

	require.Equal(t, http.StatusOK, f.get(t, "/snapshot?point_in_time=2020-03-01&relationship_types=evolved_into", &snap))
	assert.Equal(t, 2, snap.EntityCount)
	assert.Equal(t, 1, snap.RelationshipCount)

	require.Equal(t, http.StatusOK, f.get(t, "/snapshot?point_in_time=2020-03-01&entity_types=model", &snap))
	assert.Equal(t, 1, snap.EntityCount)
	assert.Equal(t, "Transformer-XL", snap.Entities[0].Name)
	assert.Zero(t, snap.RelationshipCount, "source version is outside the snapshot")

	require.Equal(t, http.StatusOK, f.get(t, "/snapshot", &snap), "defaults to now")
	assert.Equal(t, 2, snap.EntityCount)

	var errResp dto.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/snapshot?point_in_time=yesterday", &errResp))
	assert.Equal(t, "invalid_request", errResp.Error)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/snapshot?relationship_types=CITES", &errResp))
}

func TestEntityEndpoints(t *testing.T) {
	f := newFixture(t)

	var at dto.AtTimeResponse
	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/at-time?point_in_time=2020-01-25", &at))
	require.NotNil(t, at.Version)
	assert.Equal(t, "model-1_v1.0", at.Version.VersionID)

	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/at-time?point_in_time=2019-01-01", &at))
	assert.Nil(t, at.Version, "known entity with no version at the instant")

	var errResp dto.ErrorResponse
	assert.Equal(t, http.StatusNotFound, f.get(t, "/entity/missing/at-time", &errResp))
	assert.Equal(t, http.StatusNotFound, errResp.Code)

	var versions dto.VersionsResponse
	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/versions", &versions))
	assert.Equal(t, 1, versions.Total)
	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/versions?include_expired=true", &versions))
	assert.Equal(t, 2, versions.Total)

	var tree types.VersionTree
	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/version-tree", &tree))
	assert.Len(t, tree.Nodes, 2)
	assert.Equal(t, 1, tree.EdgeCount())

	var timeline dto.TimelineResponse
	require.Equal(t, http.StatusOK, f.get(t, "/entity/model-1/timeline", &timeline))
	assert.Equal(t, 4, timeline.Total)
}

func TestRelationshipEndpoint(t *testing.T) {
	f := newFixture(t)

	var rel map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/relationship/"+f.relID, &rel))
	assert.Equal(t, "EVOLVED_INTO", rel["relationship_type"])
	assert.Equal(t, true, rel["is_active"])
	assert.Less(t, rel["current_confidence"].(float64), 1.0)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/relationship/nope", nil))
}

func TestQueryEndpoints(t *testing.T) {
	f := newFixture(t)

	var diff map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/query/compare-snapshots?t1=2020-01-05&t2=2020-03-01", &diff))
	assert.Len(t, diff["added"], 1)
	assert.Len(t, diff["modified"], 1)
	assert.Len(t, diff["removed"], 0)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/query/compare-snapshots?t1=2020-01-05", nil))

	var path dto.PathResponse
	require.Equal(t, http.StatusOK, f.get(t, "/query/temporal-path?start=model-1_v1.0&end=model-1_v2.0", &path))
	assert.True(t, path.Found)
	assert.Equal(t, 1, path.Hops)

	require.Equal(t, http.StatusOK, f.get(t, "/query/temporal-path?start=model-1_v1.0&end=model-1_v2.0&at=2020-01-10", &path))
	assert.False(t, path.Found, "edge not yet valid")

	var concepts dto.ConceptEvolutionResponse
	require.Equal(t, http.StatusOK, f.get(t, "/query/concept-evolution?concept=transformer&from=2019-01-01&to=2021-01-01", &concepts))
	assert.Equal(t, 2, concepts.Total)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/query/concept-evolution?concept=x&from=2021-01-01&to=2019-01-01", nil))
}

func TestAnalysisEndpoints(t *testing.T) {
	f := newFixture(t)

	var trend map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/analysis/research-trends?entity_type=model&from=2020-01-01&to=2020-04-01&granularity=month", &trend))
	assert.Equal(t, float64(2), trend["total"])
	assert.Len(t, trend["buckets"], 3)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/analysis/research-trends?entity_type=model&from=2020-01-01&to=2020-04-01&granularity=decade", nil))
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/analysis/research-trends?from=2020-01-01&to=2020-04-01", nil))

	var acc map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/analysis/research-acceleration?entity_type=model&from=2020-01-01&to=2020-04-01&granularity=month", &acc))
	assert.Equal(t, true, acc["signal"])

	var stagnation dto.StagnationResponse
	require.Equal(t, http.StatusOK, f.get(t, "/analysis/stagnation-detection?threshold_months=6", &stagnation))
	assert.Equal(t, 2, stagnation.Total)
	require.Equal(t, http.StatusOK, f.get(t, "/analysis/stagnation-detection?threshold_months=24", &stagnation))
	assert.Zero(t, stagnation.Total)
	assert.NotNil(t, stagnation.Stagnant)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/analysis/stagnation-detection", nil))

	var patterns dto.PatternsResponse
	require.Equal(t, http.StatusOK, f.get(t, "/analysis/recurring-patterns?from=2020-01-01&to=2021-01-01&granularity=month", &patterns))
	assert.Zero(t, patterns.Total)
	assert.NotNil(t, patterns.Patterns)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.NewValidationError("f", "bad"), http.StatusBadRequest},
		{types.NewNotFoundError("entity", "x"), http.StatusNotFound},
		{types.NewConflictError("k", "lost"), http.StatusConflict},
		{types.NewBackendUnavailableError("badger", context.Canceled), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

package export_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/export"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/relationship"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T) *query.Engine {
	t.Helper()
	ctx := context.Background()
	now := func() time.Time { return day0.AddDate(2, 0, 0) }
	d := driver.NewMemoryDriver()
	t.Cleanup(func() { _ = d.Close() })

	versions := version.NewStore(d, version.Options{Now: now})
	rels := relationship.NewStore(d, relationship.Options{Now: now})

	v1, err := versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "GPT", EntityType: "model", ValidFrom: day0, CreationConfidence: 0.9,
		Attributes: types.Attributes{"parameters": types.NumberValue(117e6)},
	})
	require.NoError(t, err)
	v2, err := versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "GPT-2", EntityType: "model", ValidFrom: day0.AddDate(0, 0, 100), CreationConfidence: 0.9,
	})
	require.NoError(t, err)
	_, err = versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "ds-1", Name: "WebText", EntityType: "dataset", ValidFrom: day0, CreationConfidence: 0.8,
	})
	require.NoError(t, err)

	rate := 0.5
	_, err = rels.Create(ctx, &types.TemporalRelationship{
		SourceID: v1.VersionID, TargetID: v2.VersionID, RelationshipType: types.EvolvedInto,
		ValidFrom: day0.AddDate(0, 0, 100), InitialConfidence: 1.0, DecayRate: &rate,
		Evolution: &types.EvolutionDetails{EvolutionType: "scaling"},
	})
	require.NoError(t, err)

	return query.NewEngine(d, query.Options{Now: now})
}

func TestExportSnapshot(t *testing.T) {
	engine := seed(t)
	dir := filepath.Join(t.TempDir(), "out")
	at := day0.AddDate(0, 0, 200)

	summary, err := export.NewSnapshotWriter(engine, 1, nil).Export(context.Background(), at, query.SnapshotOptions{IncludeInactive: true}, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Entities)
	assert.Equal(t, 1, summary.Relationships)

	entities, err := parquet.ReadFile[export.EntityRow](summary.EntitiesPath)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	byID := map[string]export.EntityRow{}
	for _, row := range entities {
		byID[row.EntityID] = row
	}
	assert.Equal(t, "GPT-2", byID["model-1"].Name)
	assert.Equal(t, "model-1_v1.0", byID["model-1"].PredecessorVersionID)
	assert.True(t, byID["model-1"].IsCurrent)
	assert.Nil(t, byID["model-1"].ValidTo)
	assert.Equal(t, "main", byID["ds-1"].BranchName)

	relationships, err := parquet.ReadFile[export.RelationshipRow](summary.RelationshipsPath)
	require.NoError(t, err)
	require.Len(t, relationships, 1)
	rel := relationships[0]
	assert.Equal(t, "EVOLVED_INTO", rel.RelationshipType)
	assert.Less(t, rel.CurrentConfidence, rel.InitialConfidence)
	var details types.EvolutionDetails
	require.NoError(t, json.Unmarshal([]byte(rel.Details), &details))
	assert.Equal(t, "scaling", details.EvolutionType)
}

func TestExportBeforeHistory(t *testing.T) {
	engine := seed(t)
	summary, err := export.NewSnapshotWriter(engine, 0, nil).Export(context.Background(), day0.AddDate(-1, 0, 0), query.SnapshotOptions{}, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, summary.Entities)

	rows, err := parquet.ReadFile[export.EntityRow](summary.EntitiesPath)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExportHistoricalAttributes(t *testing.T) {
	engine := seed(t)
	summary, err := export.NewSnapshotWriter(engine, 0, nil).Export(context.Background(), day0.AddDate(0, 0, 50), query.SnapshotOptions{EntityTypes: []string{"model"}}, t.TempDir())
	require.NoError(t, err)

	rows, err := parquet.ReadFile[export.EntityRow](summary.EntitiesPath)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "GPT", rows[0].Name)
	assert.False(t, rows[0].IsCurrent)
	require.NotNil(t, rows[0].ValidTo)
	assert.True(t, rows[0].ValidTo.Equal(day0.AddDate(0, 0, 100)))
	assert.JSONEq(t, `{"parameters":117000000}`, rows[0].Attributes)
}

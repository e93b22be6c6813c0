package relationship_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/relationship"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	backend  *driver.MemoryDriver
	clock    *clock
	versions *version.Store
	rels     *relationship.Store
	v1, v2   *types.TemporalEntity
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	c := &clock{now: day0.AddDate(0, 0, 100)}
	f := &fixture{
		backend:  d,
		clock:    c,
		versions: version.NewStore(d, version.Options{Now: c.Now}),
		rels:     relationship.NewStore(d, relationship.Options{Now: c.Now}),
	}
	var err error
	f.v1, err = f.versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "Model One", EntityType: "model", ValidFrom: day0, CreationConfidence: 1,
	})
	require.NoError(t, err)
	f.v2, err = f.versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "Model One", EntityType: "model", ValidFrom: day0.AddDate(0, 0, 50), CreationConfidence: 1,
	})
	require.NoError(t, err)
	return f
}

func rate(r float64) *float64 { return &r }

func (f *fixture) evolution(t *testing.T) *types.TemporalRelationship {
	t.Helper()
	rel := types.NewEvolutionRelationship(f.v1.VersionID, f.v2.VersionID, types.EvolutionDetails{EvolutionType: "incremental"})
	rel.InitialConfidence = 1.0
	rel.DecayRate = rate(0.1)
	rel.ValidFrom = day0.AddDate(0, 0, 50)
	created, err := f.rels.Create(context.Background(), rel)
	require.NoError(t, err)
	return created
}

func TestCreateRelationship(t *testing.T) {
	f := setup(t)
	rel := f.evolution(t)

	assert.NotEmpty(t, rel.RelationshipID)
	assert.Equal(t, types.Unverified, rel.VerificationStatus)
	assert.Equal(t, f.clock.now, rel.CreatedAt)

	stored, err := f.rels.Get(context.Background(), rel.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, types.EvolvedInto, stored.RelationshipType)
	assert.Equal(t, "incremental", stored.Evolution.EvolutionType)
}

func TestCreateRelationshipValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		rel   *types.TemporalRelationship
		field string
	}{
		{
			name:  "unknown source",
			rel:   &types.TemporalRelationship{SourceID: "ghost", TargetID: f.v2.VersionID, RelationshipType: types.Inspired, InitialConfidence: 0.5},
			field: "source_id",
		},
		{
			name:  "unknown target",
			rel:   &types.TemporalRelationship{SourceID: f.v1.VersionID, TargetID: "ghost", RelationshipType: types.Inspired, InitialConfidence: 0.5},
			field: "target_id",
		},
		{
			name:  "confidence above one",
			rel:   &types.TemporalRelationship{SourceID: f.v1.VersionID, TargetID: f.v2.VersionID, RelationshipType: types.Inspired, InitialConfidence: 1.2},
			field: "initial_confidence",
		},
		{
			name:  "unknown type",
			rel:   &types.TemporalRelationship{SourceID: f.v1.VersionID, TargetID: f.v2.VersionID, RelationshipType: "CITES", InitialConfidence: 0.5},
			field: "relationship_type",
		},
		{
			name: "details for another subtype",
			rel: &types.TemporalRelationship{SourceID: f.v1.VersionID, TargetID: f.v2.VersionID, RelationshipType: types.Inspired,
				InitialConfidence: 0.5, Replacement: &types.ReplacementDetails{ReplacementReason: "faster"}},
			field: "replacement",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.rels.Create(ctx, tt.rel)
			var ve *types.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRecalculateConfidence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rel := f.evolution(t)

	f.clock.now = rel.ValidFrom.Add(time.Duration(10 * 365.25 * 24 * float64(time.Hour)))
	got, err := f.rels.RecalculateConfidence(ctx, rel.RelationshipID)
	require.NoError(t, err)
	assert.InDelta(t, math.Exp(-1), got, 1e-6)
	assert.InDelta(t, 0.368, got, 0.001)

	prev := got
	for years := 11; years <= 80; years += 7 {
		f.clock.now = rel.ValidFrom.AddDate(years, 0, 0)
		c, err := f.rels.RecalculateConfidence(ctx, rel.RelationshipID)
		require.NoError(t, err)
		assert.LessOrEqual(t, c, prev)
		assert.GreaterOrEqual(t, c, types.MinConfidence)
		prev = c
	}

	stored, err := f.rels.Get(ctx, rel.RelationshipID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, stored.InitialConfidence, "recalculation must not write")
}

func TestUpdateRelationship(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rel := f.evolution(t)

	verified := types.Verified
	conf := 0.8
	updated, err := f.rels.Update(ctx, rel.RelationshipID, relationship.Patch{Confidence: &conf, VerificationStatus: &verified})
	require.NoError(t, err)
	assert.Equal(t, 0.8, updated.InitialConfidence)
	assert.Equal(t, types.Verified, updated.VerificationStatus)
	require.NotNil(t, updated.ConfidenceAnchor)

	// decay restarts at the patch time
	c, err := f.rels.RecalculateConfidence(ctx, rel.RelationshipID)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, c, 1e-9)

	target := "other"
	_, err = f.rels.Update(ctx, rel.RelationshipID, relationship.Patch{TargetID: &target})
	assert.ErrorIs(t, err, types.ErrValidation)

	typ := types.Inspired
	_, err = f.rels.Update(ctx, rel.RelationshipID, relationship.Patch{RelationshipType: &typ})
	assert.ErrorIs(t, err, types.ErrValidation)

	bad := 2.0
	_, err = f.rels.Update(ctx, rel.RelationshipID, relationship.Patch{Confidence: &bad})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = f.rels.Update(ctx, "missing", relationship.Patch{Confidence: &conf})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCloseRelationshipIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rel := f.evolution(t)

	at := day0.AddDate(0, 0, 80)
	first, err := f.rels.Close(ctx, rel.RelationshipID, at)
	require.NoError(t, err)
	require.NotNil(t, first.ValidTo)

	second, err := f.rels.Close(ctx, rel.RelationshipID, day0.AddDate(0, 0, 90))
	require.NoError(t, err)
	assert.True(t, first.ValidTo.Equal(*second.ValidTo))
	assert.False(t, second.IsActive(f.clock.now))

	_, err = f.rels.Close(ctx, rel.RelationshipID, time.Time{})
	require.NoError(t, err)

	_, err = f.rels.Close(ctx, "missing", at)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCloseBeforeValidFromRejected(t *testing.T) {
	f := setup(t)
	rel := f.evolution(t)
	_, err := f.rels.Close(context.Background(), rel.RelationshipID, rel.ValidFrom)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRelationshipsBetween(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	evo := f.evolution(t)

	inspired := types.NewInfluenceRelationship(f.v1.VersionID, f.v2.VersionID, types.InfluenceDetails{InfluenceStrength: 0.4})
	inspired.InitialConfidence = 0.6
	inspired.ValidFrom = day0.AddDate(0, 0, 60)
	inspired, err := f.rels.Create(ctx, inspired)
	require.NoError(t, err)
	_, err = f.rels.Close(ctx, inspired.RelationshipID, day0.AddDate(0, 0, 70))
	require.NoError(t, err)

	// v1 was superseded at day 50, so nothing from it is active afterwards.
	active, err := f.rels.RelationshipsBetween(ctx, f.v1.VersionID, f.v2.VersionID, relationship.BetweenOptions{})
	require.NoError(t, err)
	assert.Empty(t, active)

	at := day0.AddDate(0, 0, 65)
	mid, err := f.rels.RelationshipsBetween(ctx, f.v1.VersionID, f.v2.VersionID, relationship.BetweenOptions{
		At: &at, Types: []types.RelationshipType{types.Inspired},
	})
	require.NoError(t, err)
	assert.Empty(t, mid)

	all, err := f.rels.RelationshipsBetween(ctx, f.v1.VersionID, f.v2.VersionID, relationship.BetweenOptions{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, evo.RelationshipID, all[0].RelationshipID)

	early := day0.AddDate(0, 0, 10)
	none, err := f.rels.RelationshipsBetween(ctx, f.v1.VersionID, f.v2.VersionID, relationship.BetweenOptions{At: &early, IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, none)

	reverse, err := f.rels.RelationshipsBetween(ctx, f.v2.VersionID, f.v1.VersionID, relationship.BetweenOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.Empty(t, reverse)

	ghost, err := f.rels.RelationshipsBetween(ctx, "ghost", f.v2.VersionID, relationship.BetweenOptions{})
	require.NoError(t, err)
	assert.Empty(t, ghost)
}

func TestRelationshipsBetweenFiltersSupersededEndpoints(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dataset, err := f.versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "dataset-1", Name: "Dataset One", EntityType: "dataset", ValidFrom: day0, CreationConfidence: 1,
	})
	require.NoError(t, err)

	closed := types.NewInfluenceRelationship(f.v2.VersionID, dataset.VersionID, types.InfluenceDetails{InfluenceStrength: 0.3})
	closed.InitialConfidence = 0.5
	closed.ValidFrom = day0.AddDate(0, 0, 60)
	closed, err = f.rels.Create(ctx, closed)
	require.NoError(t, err)
	_, err = f.rels.Close(ctx, closed.RelationshipID, day0.AddDate(0, 0, 70))
	require.NoError(t, err)

	open := types.NewInfluenceRelationship(f.v2.VersionID, dataset.VersionID, types.InfluenceDetails{InfluenceStrength: 0.7})
	open.InitialConfidence = 0.9
	open.ValidFrom = day0.AddDate(0, 0, 80)
	open, err = f.rels.Create(ctx, open)
	require.NoError(t, err)

	between := func(days int) []*types.TemporalRelationship {
		at := day0.AddDate(0, 0, days)
		rels, err := f.rels.RelationshipsBetween(ctx, f.v2.VersionID, dataset.VersionID, relationship.BetweenOptions{At: &at})
		require.NoError(t, err)
		return rels
	}
	require.Len(t, between(65), 1)
	assert.Equal(t, closed.RelationshipID, between(65)[0].RelationshipID)
	require.Len(t, between(85), 1)
	assert.Equal(t, open.RelationshipID, between(85)[0].RelationshipID)

	// A successor of v2 at day 95 supersedes the source endpoint.
	_, err = f.versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "Model One", EntityType: "model", ValidFrom: day0.AddDate(0, 0, 95), CreationConfidence: 1,
	})
	require.NoError(t, err)

	assert.Empty(t, between(96), "relationship from a superseded version")
	require.Len(t, between(85), 1, "earlier instants still see the source as valid")

	inactive, err := f.rels.RelationshipsBetween(ctx, f.v2.VersionID, dataset.VersionID, relationship.BetweenOptions{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, inactive, 2)
}

// closeOnRead lets another writer close a relationship between the store's
// read and its write.
type closeOnRead struct {
	driver.TemporalDriver
	once  sync.Once
	other *relationship.Store
	at    time.Time
	t     *testing.T
}

func (c *closeOnRead) GetRelationship(ctx context.Context, id string) (*types.TemporalRelationship, error) {
	rel, err := c.TemporalDriver.GetRelationship(ctx, id)
	c.once.Do(func() {
		_, closeErr := c.other.Close(ctx, id, c.at)
		require.NoError(c.t, closeErr)
	})
	return rel, err
}

func TestUpdateDoesNotReopenConcurrentlyClosedRelationship(t *testing.T) {
	ctx := context.Background()
	d := driver.NewMemoryDriver()
	c := &clock{now: day0.AddDate(0, 0, 100)}
	versions := version.NewStore(d, version.Options{Now: c.Now})
	v1, err := versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "Model One", EntityType: "model", ValidFrom: day0, CreationConfidence: 1,
	})
	require.NoError(t, err)
	v2, err := versions.CreateEntity(ctx, &types.TemporalEntity{
		EntityID: "model-1", Name: "Model One", EntityType: "model", ValidFrom: day0.AddDate(0, 0, 50), CreationConfidence: 1,
	})
	require.NoError(t, err)

	other := relationship.NewStore(d, relationship.Options{Now: c.Now})
	rel := types.NewEvolutionRelationship(v1.VersionID, v2.VersionID, types.EvolutionDetails{EvolutionType: "incremental"})
	rel.InitialConfidence = 1.0
	rel.ValidFrom = day0.AddDate(0, 0, 50)
	rel, err = other.Create(ctx, rel)
	require.NoError(t, err)

	closedAt := day0.AddDate(0, 0, 80)
	racing := &closeOnRead{TemporalDriver: d, other: other, at: closedAt, t: t}
	s := relationship.NewStore(racing, relationship.Options{Now: c.Now})

	conf := 0.5
	updated, err := s.Update(ctx, rel.RelationshipID, relationship.Patch{Confidence: &conf})
	require.NoError(t, err)
	assert.Equal(t, 0.5, updated.InitialConfidence)
	require.NotNil(t, updated.ValidTo)
	assert.True(t, updated.ValidTo.Equal(closedAt))

	stored, err := other.Get(ctx, rel.RelationshipID)
	require.NoError(t, err)
	require.NotNil(t, stored.ValidTo, "closed relationship was reopened")
	assert.True(t, stored.ValidTo.Equal(closedAt))
	assert.Equal(t, 0.5, stored.InitialConfidence)
}

func TestCloseRacesWithDifferentInstants(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	rel := f.evolution(t)
	stores := []*relationship.Store{f.rels, relationship.NewStore(f.backend, relationship.Options{Now: f.clock.Now})}
	var wg sync.WaitGroup
	results := make([]*types.TemporalRelationship, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = stores[i%2].Close(ctx, rel.RelationshipID, day0.AddDate(0, 0, 60+i))
		}()
	}
	wg.Wait()

	stored, err := f.rels.Get(ctx, rel.RelationshipID)
	require.NoError(t, err)
	require.NotNil(t, stored.ValidTo)
	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].ValidTo)
		assert.True(t, stored.ValidTo.Equal(*results[i].ValidTo), "close %d saw %s, stored %s", i, results[i].ValidTo, stored.ValidTo)
	}
}

package analysis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type harness struct {
	versions *version.Store
	analyzer *Analyzer
	seq      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := driver.NewMemoryDriver()
	clock := func() time.Time { return now }
	return &harness{
		versions: version.NewStore(d, version.Options{Now: clock}),
		analyzer: NewAnalyzer(query.NewEngine(d, query.Options{Now: clock}), Options{}),
	}
}

func (h *harness) add(t *testing.T, typ string, at time.Time) {
	t.Helper()
	h.seq++
	_, err := h.versions.CreateEntity(context.Background(), &types.TemporalEntity{
		EntityID:   fmt.Sprintf("%s-%d", typ, h.seq),
		Name:       fmt.Sprintf("%s %d", typ, h.seq),
		EntityType: typ,
		ValidFrom:  at,
	})
	require.NoError(t, err)
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("", Year)
	require.NoError(t, err)
	assert.Equal(t, Year, g)

	g, err = ParseGranularity(" Month ", Year)
	require.NoError(t, err)
	assert.Equal(t, Month, g)

	_, err = ParseGranularity("decade", Year)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestGranularityTruncate(t *testing.T) {
	ts := time.Date(2024, 5, 16, 13, 4, 0, 0, time.UTC) // a Thursday
	assert.Equal(t, time.Date(2024, 5, 16, 0, 0, 0, 0, time.UTC), Day.truncate(ts))
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), Week.truncate(ts))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Month.truncate(ts))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Year.truncate(ts))
}

func TestAnalyzeTrend(t *testing.T) {
	h := newHarness(t)
	year := func(y int) time.Time { return time.Date(y, 3, 1, 0, 0, 0, 0, time.UTC) }
	h.add(t, "model", year(2018))
	h.add(t, "model", year(2020))
	h.add(t, "model", year(2020).AddDate(0, 2, 0))
	h.add(t, "model", year(2021))
	h.add(t, "model", year(2021).AddDate(0, 1, 0))
	h.add(t, "model", year(2021).AddDate(0, 2, 0))
	h.add(t, "dataset", year(2021))

	from := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	trend, err := h.analyzer.AnalyzeTrend(context.Background(), "model", from, to, Year)
	require.NoError(t, err)
	require.Len(t, trend.Buckets, 4)
	counts := []int{}
	for _, b := range trend.Buckets {
		counts = append(counts, b.Count)
	}
	assert.Equal(t, []int{1, 0, 2, 3}, counts)
	assert.Equal(t, 6, trend.Total)
	assert.True(t, trend.Signal)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), trend.Buckets[1].Start)

	all, err := h.analyzer.AnalyzeTrend(context.Background(), "", from, to, "")
	require.NoError(t, err)
	assert.Equal(t, 7, all.Total)
	assert.Equal(t, Year, all.Granularity)

	acc, err := h.analyzer.AnalyzeAcceleration(context.Background(), "model", from, to, Year)
	require.NoError(t, err)
	require.True(t, acc.Signal)
	deltas := []int{}
	for _, p := range acc.Points {
		deltas = append(deltas, p.Delta)
	}
	assert.Equal(t, []int{-1, 2, 1}, deltas)
	assert.InDelta(t, 2.0/3.0, acc.MeanDelta, 1e-9)
}

func TestNoSignal(t *testing.T) {
	h := newHarness(t)
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	trend, err := h.analyzer.AnalyzeTrend(context.Background(), "model", from, to, Year)
	require.NoError(t, err)
	assert.False(t, trend.Signal)
	assert.Len(t, trend.Buckets, 3)

	acc, err := h.analyzer.AnalyzeAcceleration(context.Background(), "model", from, to, Year)
	require.NoError(t, err)
	assert.False(t, acc.Signal)
	assert.Empty(t, acc.Points)

	patterns, err := h.analyzer.DetectRecurringPatterns(context.Background(), PatternQuery{From: from, To: to, MinCycleCount: 2})
	require.NoError(t, err)
	assert.Empty(t, patterns)

	stagnant, err := h.analyzer.DetectStagnation(context.Background(), 24)
	require.NoError(t, err)
	assert.Empty(t, stagnant)
}

func TestAnalyzeTrendValidation(t *testing.T) {
	h := newHarness(t)
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := h.analyzer.AnalyzeTrend(context.Background(), "model", from, from, Year)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = h.analyzer.AnalyzeTrend(context.Background(), "model", from, from.AddDate(1, 0, 0), "fortnight")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = h.analyzer.DetectStagnation(context.Background(), 0)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestAnalyzeTrendCancelled(t *testing.T) {
	h := newHarness(t)
	h.add(t, "model", time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.analyzer.AnalyzeTrend(ctx, "model",
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Day)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectStagnation(t *testing.T) {
	h := newHarness(t)
	h.add(t, "rnn", now.AddDate(0, -40, 0))
	h.add(t, "rnn", now.AddDate(0, -30, 0))
	h.add(t, "transformer", now.AddDate(0, -50, 0))
	h.add(t, "transformer", now.AddDate(0, -1, 0))

	stagnant, err := h.analyzer.DetectStagnation(context.Background(), 24)
	require.NoError(t, err)
	require.Len(t, stagnant, 1)
	assert.Equal(t, "rnn", stagnant[0].EntityType)
	assert.Equal(t, 30, stagnant[0].MonthsSince)
	assert.True(t, stagnant[0].LastUpdate.Equal(now.AddDate(0, -30, 0)))

	wide, err := h.analyzer.DetectStagnation(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, wide, 1, "a type updated exactly one month ago is not older than the threshold")
}

func TestDetectRecurringPatterns(t *testing.T) {
	h := newHarness(t)
	start := time.Date(2022, 1, 10, 0, 0, 0, 0, time.UTC)
	for m := 0; m < 24; m += 4 {
		h.add(t, "conference", start.AddDate(0, m, 0))
		h.add(t, "conference", start.AddDate(0, m, 3))
	}
	for m := 0; m < 24; m++ {
		h.add(t, "steady", start.AddDate(0, m, 0))
	}

	from := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	patterns, err := h.analyzer.DetectRecurringPatterns(context.Background(), PatternQuery{
		From: from, To: to, Granularity: Month, MinCycleCount: 3,
	})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "conference", patterns[0].EntityType)
	assert.Equal(t, 4, patterns[0].Period)
	assert.Equal(t, 6, patterns[0].Cycles)
	assert.InDelta(t, 1.0, patterns[0].Autocorrelation, 1e-9)

	none, err := h.analyzer.DetectRecurringPatterns(context.Background(), PatternQuery{
		EntityType: "conference", From: from, To: to, Granularity: Month, MinCycleCount: 7,
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPeriodicityIgnoresShortSeries(t *testing.T) {
	trend := &Trend{Buckets: []Bucket{{Count: 1}, {Count: 0}, {Count: 1}}, Signal: true}
	assert.Empty(t, periodicity(trend, 2, 0.5))
}

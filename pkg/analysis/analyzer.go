package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Granularity is the width of a trend bucket.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// ParseGranularity validates s. An empty string yields def.
func ParseGranularity(s string, def Granularity) (Granularity, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	g := Granularity(strings.ToLower(strings.TrimSpace(s)))
	switch g {
	case Day, Week, Month, Year:
		return g, nil
	}
	return "", types.NewValidationError("granularity", "must be day, week, month or year, got %q", s)
}

// truncate returns the start of the bucket containing t, in UTC.
func (g Granularity) truncate(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch g {
	case Week:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

func (g Granularity) next(t time.Time) time.Time {
	switch g {
	case Week:
		return t.AddDate(0, 0, 7)
	case Month:
		return t.AddDate(0, 1, 0)
	case Year:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// Options configures an Analyzer.
type Options struct {
	// DefaultGranularity applies when a call passes an empty granularity.
	DefaultGranularity Granularity
	// MinAutocorrelation is the smallest autocorrelation reported as a cycle.
	MinAutocorrelation float64
	// MaxConcurrency bounds per-type work in DetectRecurringPatterns.
	MaxConcurrency int
	Logger         *slog.Logger
}

// Analyzer derives trends and patterns from query results. It never writes.
type Analyzer struct {
	engine *query.Engine
	opts   Options
	logger *slog.Logger
}

// NewAnalyzer creates an analyzer reading through engine.
func NewAnalyzer(engine *query.Engine, opts Options) *Analyzer {
	if opts.DefaultGranularity == "" {
		opts.DefaultGranularity = Year
	}
	if opts.MinAutocorrelation <= 0 {
		opts.MinAutocorrelation = 0.5
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = utils.GetSemaphoreLimit()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{engine: engine, opts: opts, logger: opts.Logger}
}

func observe(name string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// Bucket is the number of versions created in [Start, next bucket).
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// Trend is a bucketed creation series.
type Trend struct {
	EntityType  string      `json:"entity_type"`
	Granularity Granularity `json:"granularity"`
	Buckets     []Bucket    `json:"buckets"`
	Total       int         `json:"total"`
	// Signal is false when no version fell in the range.
	Signal bool `json:"signal"`
}

// Series returns the bucket counts as floats.
func (t *Trend) Series() []float64 {
	out := make([]float64, len(t.Buckets))
	for i, b := range t.Buckets {
		out[i] = float64(b.Count)
	}
	return out
}

func validateRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return types.NewValidationError("from", "from and to must both be set")
	}
	if !from.Before(to) {
		return types.NewValidationError("to", "must be after from")
	}
	return nil
}

// AnalyzeTrend counts versions of entityType created per bucket between from
// and to. An empty entityType counts every type. Every bucket in the range is
// present, including empty ones. ctx is checked between buckets.
func (a *Analyzer) AnalyzeTrend(ctx context.Context, entityType string, from, to time.Time, granularity Granularity) (*Trend, error) {
	defer observe("analyze_trend", time.Now())
	if err := validateRange(from, to); err != nil {
		return nil, err
	}
	if granularity == "" {
		granularity = a.opts.DefaultGranularity
	}
	if _, err := ParseGranularity(string(granularity), ""); err != nil {
		return nil, err
	}

	versions, err := a.engine.VersionsCreated(ctx, from, to, entityType)
	if err != nil {
		return nil, err
	}

	trend := &Trend{EntityType: entityType, Granularity: granularity, Buckets: []Bucket{}}
	i := 0
	for start := granularity.truncate(from); start.Before(to); start = granularity.next(start) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("trend aggregation interrupted: %w", err)
		}
		end := granularity.next(start)
		b := Bucket{Start: start}
		for i < len(versions) && versions[i].ValidFrom.Before(end) {
			b.Count++
			i++
		}
		trend.Buckets = append(trend.Buckets, b)
	}
	trend.Total = int(floats.Sum(trend.Series()))
	trend.Signal = trend.Total > 0
	return trend, nil
}

// AccelerationPoint is the change in count from the previous bucket.
type AccelerationPoint struct {
	Start time.Time `json:"start"`
	Delta int       `json:"delta"`
}

// Acceleration is the first difference of a trend.
type Acceleration struct {
	EntityType  string              `json:"entity_type"`
	Granularity Granularity         `json:"granularity"`
	Points      []AccelerationPoint `json:"points"`
	// MeanDelta is positive when creation is speeding up overall.
	MeanDelta float64 `json:"mean_delta"`
	// Signal is false with fewer than two buckets or no data.
	Signal bool `json:"signal"`
}

// AnalyzeAcceleration returns the bucket-to-bucket change in creation counts.
func (a *Analyzer) AnalyzeAcceleration(ctx context.Context, entityType string, from, to time.Time, granularity Granularity) (*Acceleration, error) {
	defer observe("analyze_acceleration", time.Now())
	trend, err := a.AnalyzeTrend(ctx, entityType, from, to, granularity)
	if err != nil {
		return nil, err
	}
	acc := &Acceleration{EntityType: entityType, Granularity: trend.Granularity, Points: []AccelerationPoint{}}
	if !trend.Signal || len(trend.Buckets) < 2 {
		return acc, nil
	}
	deltas := make([]float64, 0, len(trend.Buckets)-1)
	for i := 1; i < len(trend.Buckets); i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("acceleration interrupted: %w", err)
		}
		d := trend.Buckets[i].Count - trend.Buckets[i-1].Count
		acc.Points = append(acc.Points, AccelerationPoint{Start: trend.Buckets[i].Start, Delta: d})
		deltas = append(deltas, float64(d))
	}
	acc.MeanDelta = stat.Mean(deltas, nil)
	acc.Signal = true
	return acc, nil
}

// Stagnation describes an entity type with no recent versions.
type Stagnation struct {
	EntityType    string    `json:"entity_type"`
	LastVersionID string    `json:"last_version_id"`
	LastEntityID  string    `json:"last_entity_id"`
	LastUpdate    time.Time `json:"last_update"`
	MonthsSince   int       `json:"months_since"`
}

// DetectStagnation flags entity types whose most recent version started more
// than thresholdMonths before now. Results are ordered oldest first.
func (a *Analyzer) DetectStagnation(ctx context.Context, thresholdMonths int) ([]Stagnation, error) {
	defer observe("detect_stagnation", time.Now())
	if thresholdMonths <= 0 {
		return nil, types.NewValidationError("threshold_months", "must be positive, got %d", thresholdMonths)
	}
	latest, err := a.engine.LatestByType(ctx)
	if err != nil {
		return nil, err
	}
	now := a.engine.Now()
	cutoff := now.AddDate(0, -thresholdMonths, 0)

	out := []Stagnation{}
	for typ, v := range latest {
		if !v.ValidFrom.Before(cutoff) {
			continue
		}
		out = append(out, Stagnation{
			EntityType:    typ,
			LastVersionID: v.VersionID,
			LastEntityID:  v.EntityID,
			LastUpdate:    v.ValidFrom,
			MonthsSince:   monthsBetween(v.ValidFrom, now),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].LastUpdate.Before(out[j].LastUpdate)
		}
		return out[i].EntityType < out[j].EntityType
	})
	a.logger.Debug("Stagnation scan complete", "types", len(latest), "stagnant", len(out), "threshold_months", thresholdMonths)
	return out, nil
}

func monthsBetween(from, to time.Time) int {
	months := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
	if to.Day() < from.Day() {
		months--
	}
	return months
}

// Pattern is a detected creation cycle.
type Pattern struct {
	EntityType      string      `json:"entity_type"`
	Granularity     Granularity `json:"granularity"`
	Period          int         `json:"period"`
	Cycles          int         `json:"cycles"`
	Autocorrelation float64     `json:"autocorrelation"`
}

// PatternQuery scopes DetectRecurringPatterns.
type PatternQuery struct {
	// EntityType restricts the scan to one type. Empty scans every known type.
	EntityType    string
	From, To      time.Time
	Granularity   Granularity
	MinCycleCount int
}

// DetectRecurringPatterns looks for periodic creation activity. A period p is
// reported when the series' autocorrelation at lag p is a local peak of at
// least MinAutocorrelation and the series spans at least MinCycleCount
// periods. Multiples of an already reported period are omitted. Series that
// are too short or constant produce no patterns.
func (a *Analyzer) DetectRecurringPatterns(ctx context.Context, q PatternQuery) ([]Pattern, error) {
	defer observe("detect_recurring_patterns", time.Now())
	if q.MinCycleCount < 2 {
		q.MinCycleCount = 2
	}
	if err := validateRange(q.From, q.To); err != nil {
		return nil, err
	}

	entityTypes := []string{q.EntityType}
	if q.EntityType == "" {
		latest, err := a.engine.LatestByType(ctx)
		if err != nil {
			return nil, err
		}
		entityTypes = entityTypes[:0]
		for typ := range latest {
			entityTypes = append(entityTypes, typ)
		}
		sort.Strings(entityTypes)
	}

	tasks := make([]func() ([]Pattern, error), len(entityTypes))
	for i, typ := range entityTypes {
		tasks[i] = func() ([]Pattern, error) {
			trend, err := a.AnalyzeTrend(ctx, typ, q.From, q.To, q.Granularity)
			if err != nil {
				return nil, err
			}
			return periodicity(trend, q.MinCycleCount, a.opts.MinAutocorrelation), nil
		}
	}
	results, errs := utils.ExecuteWithResults(ctx, a.opts.MaxConcurrency, tasks...)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	out := []Pattern{}
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func periodicity(trend *Trend, minCycles int, minCorrelation float64) []Pattern {
	x := trend.Series()
	n := len(x)
	maxLag := n / minCycles
	if maxLag < 2 || !trend.Signal || stat.Variance(x, nil) == 0 {
		return nil
	}

	r := make([]float64, maxLag+2)
	for lag := 1; lag <= maxLag+1 && lag < n-1; lag++ {
		r[lag] = stat.Correlation(x[:n-lag], x[lag:], nil)
		if math.IsNaN(r[lag]) {
			r[lag] = 0
		}
	}

	var out []Pattern
	for p := 2; p <= maxLag; p++ {
		if r[p] < minCorrelation || r[p] < r[p-1] || r[p] < r[p+1] {
			continue
		}
		harmonic := false
		for _, found := range out {
			if p%found.Period == 0 {
				harmonic = true
				break
			}
		}
		if harmonic {
			continue
		}
		out = append(out, Pattern{
			EntityType:      trend.EntityType,
			Granularity:     trend.Granularity,
			Period:          p,
			Cycles:          n / p,
			Autocorrelation: r[p],
		})
	}
	return out
}

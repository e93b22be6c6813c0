package tempora

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/tempora/pkg/alert"
	"github.com/soundprediction/tempora/pkg/analysis"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/relationship"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
	"github.com/soundprediction/tempora/pkg/version"
)

// Tempora is the main interface of the temporal knowledge versioning engine.
type Tempora interface {
	VersionManager
	RelationshipManager
	TemporalQuerier
	EvolutionAnalyst
	Ingestor
	Admin
}

// Config holds configuration for the Tempora client.
type Config struct {
	// Retry bounds waiting on a contended (entity_id, branch) key.
	Retry utils.RetryConfig
	// Analysis configures the evolution analyzer.
	Analysis analysis.Options
	// Now overrides the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// Client is the main implementation of the Tempora interface.
type Client struct {
	driver        driver.TemporalDriver
	versions      *version.Store
	relationships *relationship.Store
	queries       *query.Engine
	analyzer      *analysis.Analyzer
	config        *Config
	logger        *slog.Logger
}

// NewClient wires the stores, query engine and analyzer over d.
func NewClient(d driver.TemporalDriver, cfg *Config, logger *slog.Logger) (*Client, error) {
	if d == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if cfg == nil {
		cfg = &Config{Retry: utils.DefaultRetryConfig()}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Analysis.Logger = logger

	engine := query.NewEngine(d, query.Options{Now: cfg.Now, Logger: logger})
	return &Client{
		driver:        d,
		versions:      version.NewStore(d, version.Options{Retry: cfg.Retry, Now: cfg.Now, Logger: logger}),
		relationships: relationship.NewStore(d, relationship.Options{Now: cfg.Now, Logger: logger}),
		queries:       engine,
		analyzer:      analysis.NewAnalyzer(engine, cfg.Analysis),
		config:        cfg,
		logger:        logger,
	}, nil
}

// Open builds a client from application configuration: it opens the configured
// backend, wraps it in a circuit breaker when enabled, and applies the write
// and analysis settings.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d, err := driver.Open(ctx, driver.Options{
		Provider: driver.Provider(cfg.Database.Driver),
		URI:      cfg.Database.URI,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Database.Driver, err)
	}
	if cfg.CircuitBreaker.Enabled {
		d = driver.NewCircuitBreakerDriver(d, cfg.CircuitBreaker, alert.New(cfg.Alert, logger), logger)
	}

	granularity, err := analysis.ParseGranularity(cfg.Analysis.DefaultGranularity, analysis.Year)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	logger.Info("Backend opened", "driver", d.Provider(), "uri", cfg.Database.URI)

	return NewClient(d, &Config{
		Retry: utils.RetryConfig{
			MaxAttempts:       cfg.Write.MaxAttempts,
			InitialDelay:      cfg.Write.InitialDelay,
			MaxDelay:          cfg.Write.MaxDelay,
			BackoffMultiplier: cfg.Write.BackoffMultiplier,
		},
		Analysis: analysis.Options{
			DefaultGranularity: granularity,
			MinAutocorrelation: cfg.Analysis.MinAutocorrelation,
			MaxConcurrency:     cfg.Analysis.MaxConcurrency,
		},
	}, logger)
}

// GetDriver returns the underlying backend.
func (c *Client) GetDriver() driver.TemporalDriver {
	return c.driver
}

// Now returns the client's clock reading.
func (c *Client) Now() time.Time {
	return c.config.Now()
}

// Ping checks that the persistence backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.driver.Ping(ctx)
}

// Close releases the backend.
func (c *Client) Close() error {
	return c.driver.Close()
}

func (c *Client) CreateEntity(ctx context.Context, v *types.TemporalEntity) (*types.TemporalEntity, error) {
	return c.versions.CreateEntity(ctx, v)
}

func (c *Client) NewBranch(ctx context.Context, entityID, fromVersionID, branchName string, validFrom time.Time) (*types.TemporalEntity, error) {
	return c.versions.NewBranch(ctx, entityID, fromVersionID, branchName, validFrom)
}

func (c *Client) ArchiveBranch(ctx context.Context, entityID, branchName string, at time.Time) (*types.TemporalEntity, error) {
	return c.versions.ArchiveBranch(ctx, entityID, branchName, at)
}

func (c *Client) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	return c.versions.GetVersion(ctx, versionID)
}

func (c *Client) GetVersions(ctx context.Context, entityID string, includeExpired bool) ([]*types.TemporalEntity, error) {
	return c.versions.GetVersions(ctx, entityID, includeExpired)
}

func (c *Client) GetAtTime(ctx context.Context, entityID string, at time.Time) (*types.TemporalEntity, error) {
	return c.versions.GetAtTime(ctx, entityID, at)
}

func (c *Client) GetVersionTree(ctx context.Context, entityID string) (*types.VersionTree, error) {
	return c.versions.GetVersionTree(ctx, entityID)
}

func (c *Client) CreateRelationship(ctx context.Context, rel *types.TemporalRelationship) (*types.TemporalRelationship, error) {
	return c.relationships.Create(ctx, rel)
}

func (c *Client) UpdateRelationship(ctx context.Context, relationshipID string, patch relationship.Patch) (*types.TemporalRelationship, error) {
	return c.relationships.Update(ctx, relationshipID, patch)
}

func (c *Client) CloseRelationship(ctx context.Context, relationshipID string, at time.Time) (*types.TemporalRelationship, error) {
	return c.relationships.Close(ctx, relationshipID, at)
}

func (c *Client) RecalculateConfidence(ctx context.Context, relationshipID string) (float64, error) {
	return c.relationships.RecalculateConfidence(ctx, relationshipID)
}

func (c *Client) RelationshipsBetween(ctx context.Context, sourceID, targetID string, opts relationship.BetweenOptions) ([]*types.TemporalRelationship, error) {
	return c.relationships.RelationshipsBetween(ctx, sourceID, targetID, opts)
}

func (c *Client) GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	return c.relationships.Get(ctx, relationshipID)
}

func (c *Client) Snapshot(ctx context.Context, at time.Time, opts query.SnapshotOptions) (*types.Graph, error) {
	return c.queries.Snapshot(ctx, at, opts)
}

func (c *Client) CompareSnapshots(ctx context.Context, t1, t2 time.Time, opts query.SnapshotOptions) (*query.Diff, error) {
	return c.queries.CompareSnapshots(ctx, t1, t2, opts)
}

func (c *Client) TemporalPath(ctx context.Context, startVersionID, endVersionID string, opts query.PathOptions) (*query.Path, error) {
	return c.queries.TemporalPath(ctx, startVersionID, endVersionID, opts)
}

func (c *Client) TraceConceptEvolution(ctx context.Context, concept string, from, to time.Time, includeRelated bool) ([]query.ConceptEntry, error) {
	return c.queries.TraceConceptEvolution(ctx, concept, from, to, includeRelated)
}

func (c *Client) Timeline(ctx context.Context, entityID string) ([]query.TimelineEvent, error) {
	return c.queries.Timeline(ctx, entityID)
}

func (c *Client) AnalyzeTrend(ctx context.Context, entityType string, from, to time.Time, granularity analysis.Granularity) (*analysis.Trend, error) {
	return c.analyzer.AnalyzeTrend(ctx, entityType, from, to, granularity)
}

func (c *Client) AnalyzeAcceleration(ctx context.Context, entityType string, from, to time.Time, granularity analysis.Granularity) (*analysis.Acceleration, error) {
	return c.analyzer.AnalyzeAcceleration(ctx, entityType, from, to, granularity)
}

func (c *Client) DetectStagnation(ctx context.Context, thresholdMonths int) ([]analysis.Stagnation, error) {
	return c.analyzer.DetectStagnation(ctx, thresholdMonths)
}

func (c *Client) DetectRecurringPatterns(ctx context.Context, q analysis.PatternQuery) ([]analysis.Pattern, error) {
	return c.analyzer.DetectRecurringPatterns(ctx, q)
}

var _ Tempora = (*Client)(nil)

package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/soundprediction/tempora/pkg/alert"
	"github.com/soundprediction/tempora/pkg/config"
	"github.com/soundprediction/tempora/pkg/types"
)

// CircuitBreakerDriver wraps a TemporalDriver with circuit breaking logic.
// Only backend failures count against the breaker; validation, conflict and
// not-found outcomes are answers from a healthy backend.
type CircuitBreakerDriver struct {
	inner   TemporalDriver
	cb      *gobreaker.CircuitBreaker
	alerter alert.Alerter
	logger  *slog.Logger
}

// NewCircuitBreakerDriver creates a new circuit breaker driver
func NewCircuitBreakerDriver(inner TemporalDriver, cfg config.CircuitBreakerConfig, alerter alert.Alerter, logger *slog.Logger) *CircuitBreakerDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if alerter == nil {
		alerter = &alert.NoOpAlerter{}
	}
	name := fmt.Sprintf("%s-backend", inner.Provider())

	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= cfg.ReadyToTripRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, types.ErrBackendUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				msg := fmt.Sprintf("Circuit Breaker '%s' changed status from %s to %s. Too many backend failures detected.", name, from, to)
				_ = alerter.Alert(fmt.Sprintf("URGENT: Circuit Breaker Tripped - %s", name), msg)
			}
		},
	}

	return &CircuitBreakerDriver{
		inner:   inner,
		cb:      gobreaker.NewCircuitBreaker(st),
		alerter: alerter,
		logger:  logger,
	}
}

// State exposes the breaker state for health reporting.
func (c *CircuitBreakerDriver) State() string {
	return c.cb.State().String()
}

func guard[T any](c *CircuitBreakerDriver, fn func() (T, error)) (T, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, types.NewBackendUnavailableError(string(c.inner.Provider()), err)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

func guardErr(c *CircuitBreakerDriver, fn func() error) error {
	_, err := guard(c, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (c *CircuitBreakerDriver) AppendVersion(ctx context.Context, version *types.TemporalEntity, expectedHeadID string) error {
	return guardErr(c, func() error { return c.inner.AppendVersion(ctx, version, expectedHeadID) })
}

func (c *CircuitBreakerDriver) CloseVersion(ctx context.Context, versionID string, at time.Time) error {
	return guardErr(c, func() error { return c.inner.CloseVersion(ctx, versionID, at) })
}

func (c *CircuitBreakerDriver) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	return guard(c, func() (*types.TemporalEntity, error) { return c.inner.GetVersion(ctx, versionID) })
}

func (c *CircuitBreakerDriver) ListVersions(ctx context.Context, entityID string) ([]*types.TemporalEntity, error) {
	return guard(c, func() ([]*types.TemporalEntity, error) { return c.inner.ListVersions(ctx, entityID) })
}

func (c *CircuitBreakerDriver) GetHead(ctx context.Context, entityID, branch string) (*types.TemporalEntity, error) {
	return guard(c, func() (*types.TemporalEntity, error) { return c.inner.GetHead(ctx, entityID, branch) })
}

func (c *CircuitBreakerDriver) VersionsValidAt(ctx context.Context, at time.Time, entityTypes []string) ([]*types.TemporalEntity, error) {
	return guard(c, func() ([]*types.TemporalEntity, error) { return c.inner.VersionsValidAt(ctx, at, entityTypes) })
}

func (c *CircuitBreakerDriver) VersionsStartedBetween(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error) {
	return guard(c, func() ([]*types.TemporalEntity, error) {
		return c.inner.VersionsStartedBetween(ctx, from, to, entityType)
	})
}

func (c *CircuitBreakerDriver) LatestVersionsByType(ctx context.Context) (map[string]*types.TemporalEntity, error) {
	return guard(c, func() (map[string]*types.TemporalEntity, error) { return c.inner.LatestVersionsByType(ctx) })
}

func (c *CircuitBreakerDriver) InsertRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	return guardErr(c, func() error { return c.inner.InsertRelationship(ctx, rel) })
}

func (c *CircuitBreakerDriver) ReplaceRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	return guardErr(c, func() error { return c.inner.ReplaceRelationship(ctx, rel) })
}

func (c *CircuitBreakerDriver) GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	return guard(c, func() (*types.TemporalRelationship, error) { return c.inner.GetRelationship(ctx, relationshipID) })
}

func (c *CircuitBreakerDriver) RelationshipsFrom(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return guard(c, func() ([]*types.TemporalRelationship, error) { return c.inner.RelationshipsFrom(ctx, versionID) })
}

func (c *CircuitBreakerDriver) RelationshipsTo(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return guard(c, func() ([]*types.TemporalRelationship, error) { return c.inner.RelationshipsTo(ctx, versionID) })
}

func (c *CircuitBreakerDriver) RelationshipsStartedBy(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	return guard(c, func() ([]*types.TemporalRelationship, error) { return c.inner.RelationshipsStartedBy(ctx, at) })
}

func (c *CircuitBreakerDriver) RelationshipsValidAt(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	return guard(c, func() ([]*types.TemporalRelationship, error) { return c.inner.RelationshipsValidAt(ctx, at) })
}

func (c *CircuitBreakerDriver) Provider() Provider { return c.inner.Provider() }

func (c *CircuitBreakerDriver) Ping(ctx context.Context) error {
	return guardErr(c, func() error { return c.inner.Ping(ctx) })
}

func (c *CircuitBreakerDriver) Close() error {
	return c.inner.Close()
}

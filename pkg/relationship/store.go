package relationship

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

// Options configures a Store.
type Options struct {
	// Now is the clock used for defaults and decay. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store manages temporal relationships between entity versions.
type Store struct {
	driver driver.TemporalDriver
	locks  *utils.KeyedLocks
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates a relationship store over d.
func NewStore(d driver.TemporalDriver, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{driver: d, locks: utils.NewKeyedLocks(), now: opts.Now, logger: opts.Logger}
}

// Patch lists the fields an update may touch. Structural fields are present
// only so that attempts to change them can be rejected explicitly.
type Patch struct {
	Confidence         *float64                  `json:"confidence,omitempty"`
	DecayRate          *float64                  `json:"decay_rate,omitempty"`
	VerificationStatus *types.VerificationStatus `json:"verification_status,omitempty"`
	ValidTo            *time.Time                `json:"valid_to,omitempty"`

	SourceID         *string                 `json:"source_id,omitempty"`
	TargetID         *string                 `json:"target_id,omitempty"`
	RelationshipType *types.RelationshipType `json:"relationship_type,omitempty"`
}

// BetweenOptions narrows RelationshipsBetween.
type BetweenOptions struct {
	// At defaults to now.
	At              *time.Time
	Types           []types.RelationshipType
	IncludeInactive bool
}

// Create validates rel, checks that both endpoints are stored versions and persists it.
func (s *Store) Create(ctx context.Context, rel *types.TemporalRelationship) (*types.TemporalRelationship, error) {
	if rel == nil {
		return nil, types.NewValidationError("relationship", "cannot be nil")
	}
	r := rel.Clone()
	if r.ValidFrom.IsZero() {
		r.ValidFrom = s.now()
	}
	if r.VerificationStatus == "" {
		r.VerificationStatus = types.Unverified
	}
	if r.RelationshipID == "" {
		r.RelationshipID = utils.GenerateUUID()
	}
	r.ConfidenceAnchor = nil
	r.CreatedAt = s.now()

	err := s.create(ctx, r)
	metrics.WritesTotal.WithLabelValues("create_relationship", metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) create(ctx context.Context, r *types.TemporalRelationship) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.requireVersion(ctx, "source_id", r.SourceID); err != nil {
		return err
	}
	if err := s.requireVersion(ctx, "target_id", r.TargetID); err != nil {
		return err
	}
	if err := s.driver.InsertRelationship(ctx, r); err != nil {
		return err
	}
	s.logger.Info("Relationship persisted", "relationship_id", r.RelationshipID,
		"type", r.RelationshipType, "source_id", r.SourceID, "target_id", r.TargetID)
	return nil
}

func (s *Store) requireVersion(ctx context.Context, field, versionID string) error {
	_, err := s.driver.GetVersion(ctx, versionID)
	if errors.Is(err, types.ErrNotFound) {
		return types.NewValidationError(field, "references unknown version %s", versionID)
	}
	return err
}

// Get returns a relationship by id.
func (s *Store) Get(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	return s.driver.GetRelationship(ctx, relationshipID)
}

// Update applies patch to the mutable fields of a relationship. A confidence
// change becomes the new initial confidence and restarts decay at the patch time.
func (s *Store) Update(ctx context.Context, relationshipID string, patch Patch) (*types.TemporalRelationship, error) {
	r, err := s.update(ctx, relationshipID, patch, false)
	metrics.WritesTotal.WithLabelValues("update_relationship", metrics.Outcome(err)).Inc()
	return r, err
}

// Close ends a relationship at at (zero means now). Closing a closed
// relationship returns it unchanged.
func (s *Store) Close(ctx context.Context, relationshipID string, at time.Time) (*types.TemporalRelationship, error) {
	if at.IsZero() {
		at = s.now()
	}
	r, err := s.update(ctx, relationshipID, Patch{ValidTo: &at}, true)
	metrics.WritesTotal.WithLabelValues("close_relationship", metrics.Outcome(err)).Inc()
	return r, err
}

// staleWriteRetry bounds re-reads after a backend rejects a write because the
// relationship changed underneath it, e.g. a close from another process.
var staleWriteRetry = utils.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

func (s *Store) update(ctx context.Context, relationshipID string, patch Patch, closing bool) (*types.TemporalRelationship, error) {
	unlock := s.locks.Lock(relationshipID)
	defer unlock()

	isStale := func(err error) bool { return errors.Is(err, types.ErrConflict) }
	onRetry := func(attempt int, err error) {
		s.logger.Debug("Re-reading relationship after stale write", "relationship_id", relationshipID, "attempt", attempt, "error", err)
	}
	return utils.Retry(ctx, staleWriteRetry, isStale, onRetry, func(ctx context.Context) (*types.TemporalRelationship, error) {
		return s.apply(ctx, relationshipID, patch, closing)
	})
}

func (s *Store) apply(ctx context.Context, relationshipID string, patch Patch, closing bool) (*types.TemporalRelationship, error) {
	current, err := s.driver.GetRelationship(ctx, relationshipID)
	if err != nil {
		return nil, err
	}
	if closing && current.ValidTo != nil {
		return current, nil
	}
	if patch.SourceID != nil && *patch.SourceID != current.SourceID {
		return nil, types.NewValidationError("source_id", "is immutable after creation")
	}
	if patch.TargetID != nil && *patch.TargetID != current.TargetID {
		return nil, types.NewValidationError("target_id", "is immutable after creation")
	}
	if patch.RelationshipType != nil && *patch.RelationshipType != current.RelationshipType {
		return nil, types.NewValidationError("relationship_type", "is immutable after creation")
	}

	next := current.Clone()
	if patch.Confidence != nil {
		if err := types.ValidateConfidence("confidence", *patch.Confidence); err != nil {
			return nil, err
		}
		next.InitialConfidence = *patch.Confidence
		next.ConfidenceAnchor = types.TimePtr(s.now())
	}
	if patch.DecayRate != nil {
		rate := *patch.DecayRate
		next.DecayRate = &rate
	}
	if patch.VerificationStatus != nil {
		next.VerificationStatus = *patch.VerificationStatus
	}
	if patch.ValidTo != nil {
		if current.ValidTo != nil && !current.ValidTo.Equal(*patch.ValidTo) {
			return nil, types.NewValidationError("valid_to", "relationship %s is already closed", relationshipID)
		}
		next.ValidTo = types.TimePtr(*patch.ValidTo)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	if err := s.driver.ReplaceRelationship(ctx, next); err != nil {
		return nil, err
	}
	s.logger.Debug("Relationship updated", "relationship_id", relationshipID)
	return next, nil
}

// RecalculateConfidence returns the decayed confidence of a relationship as of now.
// Nothing is written.
func (s *Store) RecalculateConfidence(ctx context.Context, relationshipID string) (float64, error) {
	r, err := s.driver.GetRelationship(ctx, relationshipID)
	if err != nil {
		return 0, err
	}
	return r.CurrentConfidence(s.now()), nil
}

// RelationshipsBetween returns relationships from sourceID to targetID. Unless
// IncludeInactive is set, both endpoint versions and the relationship itself
// must be valid at opts.At; with it, every relationship that had started by
// then is included.
func (s *Store) RelationshipsBetween(ctx context.Context, sourceID, targetID string, opts BetweenOptions) ([]*types.TemporalRelationship, error) {
	at := s.now()
	if opts.At != nil {
		at = *opts.At
	}
	if !opts.IncludeInactive {
		for _, id := range []string{sourceID, targetID} {
			valid, err := s.versionValidAt(ctx, id, at)
			if err != nil || !valid {
				return nil, err
			}
		}
	}
	from, err := s.Outgoing(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	var out []*types.TemporalRelationship
	for _, r := range from {
		if r.TargetID != targetID || !MatchesType(r, opts.Types) {
			continue
		}
		if !opts.IncludeInactive && !r.ValidAt(at) {
			continue
		}
		if opts.IncludeInactive && r.ValidFrom.After(at) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// versionValidAt reports whether the stored version exists and is valid at at.
func (s *Store) versionValidAt(ctx context.Context, versionID string, at time.Time) (bool, error) {
	v, err := s.driver.GetVersion(ctx, versionID)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v.ValidAt(at), nil
}

// Outgoing returns every relationship whose source is versionID.
func (s *Store) Outgoing(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return s.driver.RelationshipsFrom(ctx, versionID)
}

// Incoming returns every relationship whose target is versionID.
func (s *Store) Incoming(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return s.driver.RelationshipsTo(ctx, versionID)
}

// MatchesType reports whether r has one of the given types. An empty filter matches all.
func MatchesType(r *types.TemporalRelationship, filter []types.RelationshipType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, t := range filter {
		if r.RelationshipType == t {
			return true
		}
	}
	return false
}

package version

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

// Options configures a Store.
type Options struct {
	// Retry bounds how long a writer waits on a busy (entity_id, branch) key.
	Retry utils.RetryConfig
	// Now is the clock used for default timestamps. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Store enforces the per-entity version-tree invariants on top of a backend.
type Store struct {
	driver driver.TemporalDriver
	locks  *utils.KeyedLocks
	retry  utils.RetryConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewStore creates a version store over d.
func NewStore(d driver.TemporalDriver, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		driver: d,
		locks:  utils.NewKeyedLocks(),
		retry:  opts.Retry,
		now:    opts.Now,
		logger: opts.Logger,
	}
}

// retryableConflict marks conflicts caused by contention, as opposed to
// collisions that will fail again on every attempt.
type retryableConflict struct {
	err error
}

func (r *retryableConflict) Error() string { return r.err.Error() }
func (r *retryableConflict) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	var rc *retryableConflict
	return errors.As(err, &rc)
}

// withKey runs fn while holding the key's write lock, retrying with backoff
// while the key is busy or the backend reports a lost optimistic race.
func withKey[T any](ctx context.Context, s *Store, op, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	onRetry := func(attempt int, err error) {
		metrics.WriteRetries.WithLabelValues(op).Inc()
		s.logger.Debug("Retrying contended write", "operation", op, "key", key, "attempt", attempt, "error", err)
	}
	result, err := utils.Retry(ctx, s.retry, isRetryable, onRetry, func(ctx context.Context) (T, error) {
		var zero T
		unlock, ok := s.locks.TryLock(key)
		if !ok {
			return zero, &retryableConflict{types.NewConflictError(key, "concurrent write in progress")}
		}
		defer unlock()
		res, err := fn(ctx)
		if err != nil && errors.Is(err, types.ErrConflict) && !isRetryable(err) && fromBackend(err) {
			return zero, &retryableConflict{err}
		}
		return res, err
	})
	metrics.WritesTotal.WithLabelValues(op, metrics.Outcome(err)).Inc()
	return result, err
}

// backendConflict tags a ConflictError raised by the driver.
type backendConflict struct{ err error }

func (b *backendConflict) Error() string { return b.err.Error() }
func (b *backendConflict) Unwrap() error { return b.err }

func fromBackend(err error) bool {
	var bc *backendConflict
	return errors.As(err, &bc)
}

func (s *Store) append(ctx context.Context, v *types.TemporalEntity, expectedHeadID string) error {
	err := s.driver.AppendVersion(ctx, v, expectedHeadID)
	if err != nil && errors.Is(err, types.ErrConflict) && !types.IsDuplicate(err) {
		return &backendConflict{err}
	}
	return err
}

// CreateEntity appends a new version to its (entity_id, branch) chain, closing
// the current head at the new version's valid_from.
func (s *Store) CreateEntity(ctx context.Context, version *types.TemporalEntity) (*types.TemporalEntity, error) {
	if version == nil {
		return nil, types.NewValidationError("version", "cannot be nil")
	}
	v := version.Clone()
	if v.ValidTo != nil {
		return nil, types.NewValidationError("valid_to", "a new version must be open-ended")
	}
	v.BranchName = v.Branch()
	if v.ValidFrom.IsZero() {
		v.ValidFrom = s.now()
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	return withKey(ctx, s, "create_entity", v.Key(), func(ctx context.Context) (*types.TemporalEntity, error) {
		return s.createLocked(ctx, v.Clone())
	})
}

func (s *Store) createLocked(ctx context.Context, v *types.TemporalEntity) (*types.TemporalEntity, error) {
	all, err := s.driver.ListVersions(ctx, v.EntityID)
	if err != nil {
		return nil, err
	}
	chain := onBranch(all, v.BranchName)
	head := openHead(chain)

	if head == nil && len(chain) > 0 {
		return nil, types.NewValidationError("branch_name", "branch %s of %s is archived", v.BranchName, v.EntityID)
	}

	var pred *types.TemporalEntity
	switch {
	case v.PredecessorVersionID != "":
		pred = findVersion(all, v.PredecessorVersionID)
		if pred == nil {
			if _, err := s.driver.GetVersion(ctx, v.PredecessorVersionID); err == nil {
				return nil, types.NewValidationError("predecessor_version_id", "%s belongs to another entity", v.PredecessorVersionID)
			}
			return nil, types.NewValidationError("predecessor_version_id", "references unknown version %s", v.PredecessorVersionID)
		}
		if head != nil && pred.VersionID != head.VersionID {
			return nil, types.NewValidationError("predecessor_version_id",
				"successor of %s would leave two current versions on branch %s; current is %s",
				pred.VersionID, v.BranchName, head.VersionID)
		}
	case head != nil:
		pred = head
		v.PredecessorVersionID = head.VersionID
	case v.BranchName != types.DefaultBranch:
		return nil, types.NewValidationError("branch_name", "branch %s does not exist; create it from a version first", v.BranchName)
	}

	if head != nil && !v.ValidFrom.After(head.ValidFrom) {
		return nil, types.NewValidationError("valid_from", "must be after the current version's valid_from (%s)",
			head.ValidFrom.Format(time.RFC3339))
	}
	if pred != nil && !v.ValidFrom.After(pred.ValidFrom) {
		return nil, types.NewValidationError("valid_from", "must be after the predecessor's valid_from (%s)",
			pred.ValidFrom.Format(time.RFC3339))
	}

	switch {
	case v.VersionNumber == 0 && pred == nil:
		v.VersionNumber = 1
	case v.VersionNumber == 0 && pred.Branch() == v.BranchName:
		v.VersionNumber = types.NextVersionNumber(pred.VersionNumber)
	case v.VersionNumber == 0:
		v.VersionNumber = types.BranchVersionNumber(pred.VersionNumber)
	case pred != nil && v.VersionNumber <= pred.VersionNumber:
		return nil, types.NewValidationError("version_number", "%v must exceed predecessor's %v", v.VersionNumber, pred.VersionNumber)
	}
	if v.VersionID == "" {
		v.VersionID = types.DefaultVersionID(v.EntityID, v.BranchName, v.VersionNumber)
	}
	v.SuccessorVersionIDs = nil
	v.RecordedAt = s.now()

	expected := ""
	if head != nil {
		expected = head.VersionID
	}
	s.logger.Debug("Persisting version", "entity_id", v.EntityID, "version_id", v.VersionID, "branch", v.BranchName)
	if err := s.append(ctx, v, expected); err != nil {
		return nil, err
	}
	s.logger.Info("Version persisted", "entity_id", v.EntityID, "version_id", v.VersionID,
		"branch", v.BranchName, "version_number", v.VersionNumber)

	v.IsCurrent = true
	return v, nil
}

// NewBranch starts branchName from an existing version. The source version is
// left untouched; the new branch head shares it as predecessor with its siblings.
// A zero validFrom means now.
func (s *Store) NewBranch(ctx context.Context, entityID, fromVersionID, branchName string, validFrom time.Time) (*types.TemporalEntity, error) {
	branchName = strings.TrimSpace(branchName)
	if branchName == "" {
		return nil, types.NewValidationError("branch_name", "cannot be empty")
	}
	from, err := s.driver.GetVersion(ctx, fromVersionID)
	if err != nil {
		return nil, err
	}
	if from.EntityID != entityID {
		return nil, types.NewValidationError("from_version_id", "%s is not a version of %s", fromVersionID, entityID)
	}
	if validFrom.IsZero() {
		validFrom = s.now()
	}

	v := &types.TemporalEntity{
		EntityID:             entityID,
		VersionNumber:        types.BranchVersionNumber(from.VersionNumber),
		Name:                 from.Name,
		EntityType:           from.EntityType,
		ValidFrom:            validFrom,
		PredecessorVersionID: from.VersionID,
		BranchName:           branchName,
		CreationSource:       from.CreationSource,
		CreationConfidence:   from.CreationConfidence,
		Attributes:           from.Attributes.Clone(),
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	v.VersionID = types.DefaultVersionID(entityID, branchName, v.VersionNumber)

	return withKey(ctx, s, "new_branch", v.Key(), func(ctx context.Context) (*types.TemporalEntity, error) {
		all, err := s.driver.ListVersions(ctx, entityID)
		if err != nil {
			return nil, err
		}
		if len(onBranch(all, branchName)) > 0 {
			return nil, types.NewConflictError(v.Key(), "branch %s already exists", branchName)
		}
		if !v.ValidFrom.After(from.ValidFrom) {
			return nil, types.NewValidationError("valid_from", "must be after the source version's valid_from (%s)",
				from.ValidFrom.Format(time.RFC3339))
		}
		v.RecordedAt = s.now()
		s.logger.Debug("Persisting branch root", "entity_id", entityID, "branch", branchName, "from", fromVersionID)
		if err := s.append(ctx, v, ""); err != nil {
			return nil, err
		}
		v.IsCurrent = true
		return v, nil
	})
}

// ArchiveBranch closes the branch's current version without a successor.
// A zero at means now.
func (s *Store) ArchiveBranch(ctx context.Context, entityID, branchName string, at time.Time) (*types.TemporalEntity, error) {
	if branchName == "" {
		branchName = types.DefaultBranch
	}
	if at.IsZero() {
		at = s.now()
	}
	key := types.ChainKey(entityID, branchName)

	return withKey(ctx, s, "archive_branch", key, func(ctx context.Context) (*types.TemporalEntity, error) {
		head, err := s.driver.GetHead(ctx, entityID, branchName)
		if err != nil {
			return nil, err
		}
		if head == nil {
			all, err := s.driver.ListVersions(ctx, entityID)
			if err != nil {
				return nil, err
			}
			if len(onBranch(all, branchName)) == 0 {
				return nil, types.NewNotFoundError("branch", key)
			}
			return nil, types.NewConflictError(key, "branch is already archived")
		}
		if err := s.driver.CloseVersion(ctx, head.VersionID, at); err != nil {
			return nil, err
		}
		s.logger.Info("Branch archived", "entity_id", entityID, "branch", branchName, "version_id", head.VersionID)
		head.ValidTo = types.TimePtr(at)
		head.IsCurrent = false
		return head, nil
	})
}

// GetVersion returns one version with its successors and current flag derived.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	v, err := s.driver.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	all, err := s.driver.ListVersions(ctx, v.EntityID)
	if err != nil {
		return nil, err
	}
	Hydrate(all)
	if found := findVersion(all, versionID); found != nil {
		return found, nil
	}
	return v, nil
}

// GetVersions returns an entity's versions ordered by valid_from. Without
// includeExpired only open versions (one per live branch) are returned.
func (s *Store) GetVersions(ctx context.Context, entityID string, includeExpired bool) ([]*types.TemporalEntity, error) {
	all, err := s.driver.ListVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, types.NewNotFoundError("entity", entityID)
	}
	Hydrate(all)
	if includeExpired {
		return all, nil
	}
	out := make([]*types.TemporalEntity, 0, len(all))
	for _, v := range all {
		if v.ValidTo == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// GetAtTime returns the version of entityID valid at t, or nil when the
// entity exists but had no valid version then.
func (s *Store) GetAtTime(ctx context.Context, entityID string, at time.Time) (*types.TemporalEntity, error) {
	all, err := s.driver.ListVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, types.NewNotFoundError("entity", entityID)
	}
	Hydrate(all)
	var valid []*types.TemporalEntity
	for _, v := range all {
		if v.ValidAt(at) {
			valid = append(valid, v)
		}
	}
	return Resolve(valid), nil
}

// GetVersionTree rebuilds the entity's version tree from predecessor links.
func (s *Store) GetVersionTree(ctx context.Context, entityID string) (*types.VersionTree, error) {
	all, err := s.driver.ListVersions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, types.NewNotFoundError("entity", entityID)
	}
	Hydrate(all)

	tree := &types.VersionTree{
		EntityID: entityID,
		Nodes:    make(map[string]*types.VersionNode, len(all)),
	}
	states := States(all)
	branches := make(map[string]bool)
	for _, v := range all {
		tree.Nodes[v.VersionID] = &types.VersionNode{
			Version:  v,
			State:    states[v.VersionID],
			Children: v.SuccessorVersionIDs,
		}
		branches[v.Branch()] = true
		if v.PredecessorVersionID == "" || findVersion(all, v.PredecessorVersionID) == nil {
			tree.Roots = append(tree.Roots, v.VersionID)
		}
	}
	for b := range branches {
		tree.Branches = append(tree.Branches, b)
	}
	sort.Strings(tree.Branches)
	return tree, nil
}

// Hydrate derives successor ids and the current flag across versions of one entity.
func Hydrate(versions []*types.TemporalEntity) {
	children := make(map[string][]string)
	for _, v := range versions {
		if v.PredecessorVersionID != "" {
			children[v.PredecessorVersionID] = append(children[v.PredecessorVersionID], v.VersionID)
		}
	}
	for _, v := range versions {
		v.SuccessorVersionIDs = children[v.VersionID]
		v.IsCurrent = v.ValidTo == nil
	}
}

// States classifies every version of one entity. A closed version is
// superseded when a successor continues its branch, archived otherwise.
func States(versions []*types.TemporalEntity) map[string]types.VersionState {
	byID := make(map[string]*types.TemporalEntity, len(versions))
	for _, v := range versions {
		byID[v.VersionID] = v
	}
	states := make(map[string]types.VersionState, len(versions))
	for _, v := range versions {
		states[v.VersionID] = types.StateArchived
		if v.ValidTo == nil {
			states[v.VersionID] = types.StateCurrent
		}
	}
	for _, v := range versions {
		pred, ok := byID[v.PredecessorVersionID]
		if ok && pred.ValidTo != nil && pred.Branch() == v.Branch() {
			states[pred.VersionID] = types.StateSuperseded
		}
	}
	return states
}

// Resolve picks one version among several valid at the same instant:
// main first, then the latest valid_from, then the smallest branch name.
func Resolve(candidates []*types.TemporalEntity) *types.TemporalEntity {
	var best *types.TemporalEntity
	for _, v := range candidates {
		if best == nil || preferred(v, best) {
			best = v
		}
	}
	return best
}

func preferred(a, b *types.TemporalEntity) bool {
	aMain, bMain := a.Branch() == types.DefaultBranch, b.Branch() == types.DefaultBranch
	if aMain != bMain {
		return aMain
	}
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.After(b.ValidFrom)
	}
	return a.Branch() < b.Branch()
}

func onBranch(all []*types.TemporalEntity, branch string) []*types.TemporalEntity {
	var out []*types.TemporalEntity
	for _, v := range all {
		if v.Branch() == branch {
			out = append(out, v)
		}
	}
	return out
}

func openHead(chain []*types.TemporalEntity) *types.TemporalEntity {
	for _, v := range chain {
		if v.ValidTo == nil {
			return v
		}
	}
	return nil
}

func findVersion(all []*types.TemporalEntity, versionID string) *types.TemporalEntity {
	for _, v := range all {
		if v.VersionID == versionID {
			return v
		}
	}
	return nil
}

package driver

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/soundprediction/tempora/pkg/types"
	"github.com/tidwall/btree"
)

var errMemoryClosed = errors.New("memory driver closed")

// startItem orders records by an instant (valid_from, or valid_to in the
// closed-relationship index), with the record id as tie-breaker.
type startItem struct {
	ValidFrom time.Time
	ID        string
}

func startItemLess(a, b startItem) bool {
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.Before(b.ValidFrom)
	}
	return a.ID < b.ID
}

// MemoryDriver is an in-process backend. Each (entity_id, branch) chain is kept
// sorted by valid_from so point-in-time lookups are a binary search per chain,
// and a B-tree over valid_from serves range scans.
type MemoryDriver struct {
	mu sync.RWMutex

	versions map[string]*types.TemporalEntity
	chains   map[string][]*types.TemporalEntity
	entities map[string][]string
	byStart  *btree.BTreeG[startItem]

	rels        map[string]*types.TemporalRelationship
	relsFrom    map[string][]string
	relsTo      map[string][]string
	relsByStart *btree.BTreeG[startItem]
	relsOpen    *btree.BTreeG[startItem]
	relsByEnd   *btree.BTreeG[startItem]

	closed bool
}

// NewMemoryDriver creates an empty in-memory backend.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		versions:    make(map[string]*types.TemporalEntity),
		chains:      make(map[string][]*types.TemporalEntity),
		entities:    make(map[string][]string),
		byStart:     btree.NewBTreeG[startItem](startItemLess),
		rels:        make(map[string]*types.TemporalRelationship),
		relsFrom:    make(map[string][]string),
		relsTo:      make(map[string][]string),
		relsByStart: btree.NewBTreeG[startItem](startItemLess),
		relsOpen:    btree.NewBTreeG[startItem](startItemLess),
		relsByEnd:   btree.NewBTreeG[startItem](startItemLess),
	}
}

func (m *MemoryDriver) Provider() Provider { return ProviderMemory }

func (m *MemoryDriver) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

func (m *MemoryDriver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryDriver) checkOpen() error {
	if m.closed {
		return types.NewBackendUnavailableError(string(ProviderMemory), errMemoryClosed)
	}
	return nil
}

func (m *MemoryDriver) head(key string) *types.TemporalEntity {
	chain := m.chains[key]
	if len(chain) == 0 {
		return nil
	}
	last := chain[len(chain)-1]
	if last.ValidTo != nil {
		return nil
	}
	return last
}

// AppendVersion implements VersionLog.
func (m *MemoryDriver) AppendVersion(ctx context.Context, version *types.TemporalEntity, expectedHeadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	key := version.Key()
	head := m.head(key)
	actual := ""
	if head != nil {
		actual = head.VersionID
	}
	if actual != expectedHeadID {
		return headMismatch(key, expectedHeadID, actual)
	}
	if _, exists := m.versions[version.VersionID]; exists {
		return types.NewDuplicateError("version", version.VersionID)
	}
	chain := m.chains[key]
	if n := len(chain); n > 0 && !follows(chain[n-1], version.ValidFrom) {
		return types.NewConflictError(key, "valid_from does not follow the chain's latest version")
	}

	if head != nil {
		head.ValidTo = types.TimePtr(version.ValidFrom)
	}

	stored := version.Clone()
	stored.BranchName = version.Branch()
	stored.SuccessorVersionIDs = nil
	stored.IsCurrent = false
	m.versions[stored.VersionID] = stored
	if len(chain) == 0 {
		m.entities[stored.EntityID] = append(m.entities[stored.EntityID], key)
	}
	m.chains[key] = append(chain, stored)
	m.byStart.Set(startItem{ValidFrom: stored.ValidFrom, ID: stored.VersionID})
	return nil
}

// CloseVersion implements VersionLog.
func (m *MemoryDriver) CloseVersion(ctx context.Context, versionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	v, ok := m.versions[versionID]
	if !ok {
		return types.NewNotFoundError("version", versionID)
	}
	if v.ValidTo != nil {
		return types.NewConflictError(versionID, "version already closed")
	}
	if !at.After(v.ValidFrom) {
		return types.NewValidationError("valid_to", "must be after valid_from of %s", versionID)
	}
	v.ValidTo = types.TimePtr(at)
	return nil
}

// GetVersion implements VersionLog.
func (m *MemoryDriver) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	v, ok := m.versions[versionID]
	if !ok {
		return nil, types.NewNotFoundError("version", versionID)
	}
	return v.Clone(), nil
}

// ListVersions implements VersionLog.
func (m *MemoryDriver) ListVersions(ctx context.Context, entityID string) ([]*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.TemporalEntity
	for _, key := range m.entities[entityID] {
		for _, v := range m.chains[key] {
			out = append(out, v.Clone())
		}
	}
	sortVersions(out)
	return out, nil
}

// GetHead implements VersionLog.
func (m *MemoryDriver) GetHead(ctx context.Context, entityID, branch string) (*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return m.head(types.ChainKey(entityID, branch)).Clone(), nil
}

// VersionsValidAt implements IntervalQuerier.
func (m *MemoryDriver) VersionsValidAt(ctx context.Context, at time.Time, entityTypes []string) ([]*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.TemporalEntity
	for _, chain := range m.chains {
		// Intervals on a chain are disjoint, so only the last version starting
		// at or before the instant can contain it.
		idx := sort.Search(len(chain), func(i int) bool { return chain[i].ValidFrom.After(at) })
		if idx == 0 {
			continue
		}
		v := chain[idx-1]
		if v.ValidAt(at) && matchesType(v.EntityType, entityTypes) {
			out = append(out, v.Clone())
		}
	}
	sortVersions(out)
	return out, nil
}

// VersionsStartedBetween implements IntervalQuerier.
func (m *MemoryDriver) VersionsStartedBetween(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.TemporalEntity
	var iterErr error
	m.byStart.Ascend(startItem{ValidFrom: from}, func(item startItem) bool {
		if !item.ValidFrom.Before(to) {
			return false
		}
		if iterErr = ctx.Err(); iterErr != nil {
			return false
		}
		v := m.versions[item.ID]
		if entityType == "" || v.EntityType == entityType {
			out = append(out, v.Clone())
		}
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return out, nil
}

// LatestVersionsByType implements IntervalQuerier.
func (m *MemoryDriver) LatestVersionsByType(ctx context.Context) (map[string]*types.TemporalEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	latest := make(map[string]*types.TemporalEntity)
	m.byStart.Reverse(func(item startItem) bool {
		v := m.versions[item.ID]
		if _, seen := latest[v.EntityType]; !seen {
			latest[v.EntityType] = v.Clone()
		}
		return true
	})
	return latest, nil
}

// InsertRelationship implements RelationshipLog.
func (m *MemoryDriver) InsertRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.rels[rel.RelationshipID]; exists {
		return types.NewDuplicateError("relationship", rel.RelationshipID)
	}
	stored := rel.Clone()
	m.rels[stored.RelationshipID] = stored
	m.relsFrom[stored.SourceID] = append(m.relsFrom[stored.SourceID], stored.RelationshipID)
	m.relsTo[stored.TargetID] = append(m.relsTo[stored.TargetID], stored.RelationshipID)
	m.relsByStart.Set(startItem{ValidFrom: stored.ValidFrom, ID: stored.RelationshipID})
	m.indexInterval(nil, stored)
	return nil
}

// indexInterval moves a relationship from the open index to the closed-at
// index when its valid_to is first set.
func (m *MemoryDriver) indexInterval(prev, next *types.TemporalRelationship) {
	if next.ValidTo == nil {
		m.relsOpen.Set(startItem{ValidFrom: next.ValidFrom, ID: next.RelationshipID})
		return
	}
	if prev != nil && prev.ValidTo != nil {
		return
	}
	m.relsOpen.Delete(startItem{ValidFrom: next.ValidFrom, ID: next.RelationshipID})
	m.relsByEnd.Set(startItem{ValidFrom: *next.ValidTo, ID: next.RelationshipID})
}

// ReplaceRelationship implements RelationshipLog.
func (m *MemoryDriver) ReplaceRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	existing, ok := m.rels[rel.RelationshipID]
	if !ok {
		return types.NewNotFoundError("relationship", rel.RelationshipID)
	}
	if err := checkReplace(existing, rel); err != nil {
		return err
	}
	stored := rel.Clone()
	m.rels[rel.RelationshipID] = stored
	m.indexInterval(existing, stored)
	return nil
}

// GetRelationship implements RelationshipLog.
func (m *MemoryDriver) GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rel, ok := m.rels[relationshipID]
	if !ok {
		return nil, types.NewNotFoundError("relationship", relationshipID)
	}
	return rel.Clone(), nil
}

// RelationshipsFrom implements RelationshipLog.
func (m *MemoryDriver) RelationshipsFrom(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return m.relationshipsByIndex(m.relsFrom, versionID)
}

// RelationshipsTo implements RelationshipLog.
func (m *MemoryDriver) RelationshipsTo(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return m.relationshipsByIndex(m.relsTo, versionID)
}

func (m *MemoryDriver) relationshipsByIndex(index map[string][]string, versionID string) ([]*types.TemporalRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ids := index[versionID]
	out := make([]*types.TemporalRelationship, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rels[id].Clone())
	}
	sortRelationships(out)
	return out, nil
}

// RelationshipsStartedBy implements RelationshipLog.
func (m *MemoryDriver) RelationshipsStartedBy(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.TemporalRelationship
	m.relsByStart.Scan(func(item startItem) bool {
		if item.ValidFrom.After(at) {
			return false
		}
		out = append(out, m.rels[item.ID].Clone())
		return true
	})
	return out, nil
}

// RelationshipsValidAt implements RelationshipLog. It reads the open relationships
// started by at and the closed ones ending after at, never the full history.
func (m *MemoryDriver) RelationshipsValidAt(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var out []*types.TemporalRelationship
	m.relsOpen.Scan(func(item startItem) bool {
		if item.ValidFrom.After(at) {
			return false
		}
		out = append(out, m.rels[item.ID].Clone())
		return true
	})
	m.relsByEnd.Ascend(startItem{ValidFrom: at}, func(item startItem) bool {
		if rel := m.rels[item.ID]; item.ValidFrom.After(at) && !rel.ValidFrom.After(at) {
			out = append(out, rel.Clone())
		}
		return true
	})
	sortRelationships(out)
	return out, nil
}

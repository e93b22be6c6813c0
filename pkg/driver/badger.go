package driver

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/soundprediction/tempora/pkg/types"
)

// Key layout. Every write is append-only except the single valid_to close
// performed in the same transaction that inserts a successor.
//
//	v/<version_id>                              version record (JSON)
//	c/<entity_id>/<branch>                      chain marker
//	e/<entity_id>/<branch>/<valid_from>/<vid>   chain index ordered by valid_from
//	h/<entity_id>/<branch>                      open head version id
//	t/<valid_from>/<vid>                        global start index
//	y/<entity_type>/<valid_from>/<vid>          per-type start index
//	r/<relationship_id>                         relationship record (JSON)
//	rs/<source_id>/<rid>, rt/<target_id>/<rid>  adjacency
//	rv/<valid_from>/<rid>                       relationship start index
//	ro/<valid_from>/<rid>                       open relationships by start
//	rx/<valid_to>/<rid>                         closed relationships by end
const (
	prefixVersion     = "v/"
	prefixChain       = "c/"
	prefixChainIndex  = "e/"
	prefixHead        = "h/"
	prefixStart       = "t/"
	prefixTypeStart   = "y/"
	prefixRel         = "r/"
	prefixRelSource   = "rs/"
	prefixRelTarget   = "rt/"
	prefixRelStart    = "rv/"
	prefixRelOpen     = "ro/"
	prefixRelEnd      = "rx/"
	maxTimestampToken = "\xff"
)

// BadgerDriver is an embedded persistent backend built on badger.
type BadgerDriver struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerDriver opens (or creates) a badger database at path.
// An empty path or ":memory:" opens an in-memory database.
func NewBadgerDriver(path string, logger *slog.Logger) (*BadgerDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" || path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, types.NewBackendUnavailableError(string(ProviderBadger), err)
	}
	logger.Info("Opened badger store", "path", path)
	return &BadgerDriver{db: db, logger: logger}, nil
}

func (b *BadgerDriver) Provider() Provider { return ProviderBadger }

func (b *BadgerDriver) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return types.NewBackendUnavailableError(string(ProviderBadger), badger.ErrDBClosed)
	}
	return nil
}

func (b *BadgerDriver) Close() error {
	return b.db.Close()
}

// encodeTime renders t as a fixed-width, lexicographically ordered token.
func encodeTime(t time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixNano())^(1<<63))
	return hex.EncodeToString(buf[:])
}

func chainSuffix(entityID, branch string) string {
	if branch == "" {
		branch = types.DefaultBranch
	}
	return entityID + "/" + branch
}

// wrap maps badger failures onto the error taxonomy.
func (b *BadgerDriver) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return types.NewConflictError("badger", "transaction conflict")
	case errors.Is(err, badger.ErrDBClosed):
		return types.NewBackendUnavailableError(string(ProviderBadger), err)
	case errors.Is(err, types.ErrValidation), errors.Is(err, types.ErrConflict),
		errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrBackendUnavailable):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return types.NewBackendUnavailableError(string(ProviderBadger), err)
	}
}

func getJSON[T any](txn *badger.Txn, key string, kind, id string) (*T, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.NewNotFoundError(kind, id)
	}
	if err != nil {
		return nil, err
	}
	out := new(T)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return out, nil
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func readHead(txn *badger.Txn, entityID, branch string) (string, error) {
	item, err := txn.Get([]byte(prefixHead + chainSuffix(entityID, branch)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	return string(val), err
}

// lastInChain returns the chain's version with the greatest valid_from <= at.
func lastInChain(txn *badger.Txn, chain string, at *time.Time) (*types.TemporalEntity, error) {
	prefix := []byte(prefixChainIndex + chain + "/")
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := string(prefix) + maxTimestampToken
	if at != nil {
		seek = string(prefix) + encodeTime(*at) + "/" + maxTimestampToken
	}
	it.Seek([]byte(seek))
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}
	key := string(it.Item().Key())
	vid := key[strings.LastIndex(key, "/")+1:]
	return getJSON[types.TemporalEntity](txn, prefixVersion+vid, "version", vid)
}

// AppendVersion implements VersionLog.
func (b *BadgerDriver) AppendVersion(ctx context.Context, version *types.TemporalEntity, expectedHeadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := version.Clone()
	stored.BranchName = version.Branch()
	stored.SuccessorVersionIDs = nil
	stored.IsCurrent = false
	chain := chainSuffix(stored.EntityID, stored.BranchName)

	err := b.db.Update(func(txn *badger.Txn) error {
		headID, err := readHead(txn, stored.EntityID, stored.BranchName)
		if err != nil {
			return err
		}
		if headID != expectedHeadID {
			return headMismatch(stored.Key(), expectedHeadID, headID)
		}
		dup, err := exists(txn, prefixVersion+stored.VersionID)
		if err != nil {
			return err
		}
		if dup {
			return types.NewDuplicateError("version", stored.VersionID)
		}

		last, err := lastInChain(txn, chain, nil)
		if err != nil {
			return err
		}
		if last != nil && !follows(last, stored.ValidFrom) {
			return types.NewConflictError(stored.Key(), "valid_from does not follow the chain's latest version")
		}

		if headID != "" {
			head, err := getJSON[types.TemporalEntity](txn, prefixVersion+headID, "version", headID)
			if err != nil {
				return err
			}
			head.ValidTo = types.TimePtr(stored.ValidFrom)
			if err := setJSON(txn, prefixVersion+headID, head); err != nil {
				return err
			}
		}

		ts := encodeTime(stored.ValidFrom)
		if err := setJSON(txn, prefixVersion+stored.VersionID, stored); err != nil {
			return err
		}
		for _, key := range []string{
			prefixChain + chain,
			prefixChainIndex + chain + "/" + ts + "/" + stored.VersionID,
			prefixStart + ts + "/" + stored.VersionID,
			prefixTypeStart + stored.EntityType + "/" + ts + "/" + stored.VersionID,
		} {
			if err := txn.Set([]byte(key), nil); err != nil {
				return err
			}
		}
		return txn.Set([]byte(prefixHead+chain), []byte(stored.VersionID))
	})
	if err == nil {
		b.logger.Debug("Version persisted", "version_id", stored.VersionID, "chain", chain)
	}
	return b.wrap(err)
}

// CloseVersion implements VersionLog.
func (b *BadgerDriver) CloseVersion(ctx context.Context, versionID string, at time.Time) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		v, err := getJSON[types.TemporalEntity](txn, prefixVersion+versionID, "version", versionID)
		if err != nil {
			return err
		}
		if v.ValidTo != nil {
			return types.NewConflictError(versionID, "version already closed")
		}
		if !at.After(v.ValidFrom) {
			return types.NewValidationError("valid_to", "must be after valid_from of %s", versionID)
		}
		v.ValidTo = types.TimePtr(at)
		if err := setJSON(txn, prefixVersion+versionID, v); err != nil {
			return err
		}
		headID, err := readHead(txn, v.EntityID, v.Branch())
		if err != nil {
			return err
		}
		if headID == versionID {
			return txn.Delete([]byte(prefixHead + chainSuffix(v.EntityID, v.Branch())))
		}
		return nil
	})
	return b.wrap(err)
}

// GetVersion implements VersionLog.
func (b *BadgerDriver) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	var out *types.TemporalEntity
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[types.TemporalEntity](txn, prefixVersion+versionID, "version", versionID)
		return err
	})
	return out, b.wrap(err)
}

// ListVersions implements VersionLog.
func (b *BadgerDriver) ListVersions(ctx context.Context, entityID string) ([]*types.TemporalEntity, error) {
	var out []*types.TemporalEntity
	err := b.db.View(func(txn *badger.Txn) error {
		vids := scanSuffixes(txn, prefixChainIndex+entityID+"/", "", "")
		for _, vid := range vids {
			v, err := getJSON[types.TemporalEntity](txn, prefixVersion+vid, "version", vid)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortVersions(out)
	return out, nil
}

// GetHead implements VersionLog.
func (b *BadgerDriver) GetHead(ctx context.Context, entityID, branch string) (*types.TemporalEntity, error) {
	var out *types.TemporalEntity
	err := b.db.View(func(txn *badger.Txn) error {
		headID, err := readHead(txn, entityID, branch)
		if err != nil || headID == "" {
			return err
		}
		out, err = getJSON[types.TemporalEntity](txn, prefixVersion+headID, "version", headID)
		return err
	})
	return out, b.wrap(err)
}

// scanSuffixes returns the last path segment of every key under prefix whose
// remainder sorts within [from, to). Empty bounds are unbounded.
func scanSuffixes(txn *badger.Txn, prefix, from, to string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Seek([]byte(prefix + from)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		key := string(it.Item().Key())
		rest := key[len(prefix):]
		if to != "" && rest >= to {
			break
		}
		out = append(out, key[strings.LastIndex(key, "/")+1:])
	}
	return out
}

// VersionsValidAt implements IntervalQuerier with one reverse seek per chain.
func (b *BadgerDriver) VersionsValidAt(ctx context.Context, at time.Time, entityTypes []string) ([]*types.TemporalEntity, error) {
	var out []*types.TemporalEntity
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixChain)
		it := txn.NewIterator(opts)
		var chains []string
		for it.Rewind(); it.Valid(); it.Next() {
			chains = append(chains, string(it.Item().Key())[len(prefixChain):])
		}
		it.Close()

		for _, chain := range chains {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := lastInChain(txn, chain, &at)
			if err != nil {
				return err
			}
			if v != nil && v.ValidAt(at) && matchesType(v.EntityType, entityTypes) {
				out = append(out, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortVersions(out)
	return out, nil
}

// VersionsStartedBetween implements IntervalQuerier.
func (b *BadgerDriver) VersionsStartedBetween(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error) {
	prefix := prefixStart
	if entityType != "" {
		prefix = prefixTypeStart + entityType + "/"
	}
	var out []*types.TemporalEntity
	err := b.db.View(func(txn *badger.Txn) error {
		for _, vid := range scanSuffixes(txn, prefix, encodeTime(from), encodeTime(to)) {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := getJSON[types.TemporalEntity](txn, prefixVersion+vid, "version", vid)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortVersions(out)
	return out, nil
}

// LatestVersionsByType implements IntervalQuerier.
func (b *BadgerDriver) LatestVersionsByType(ctx context.Context) (map[string]*types.TemporalEntity, error) {
	latest := make(map[string]*types.TemporalEntity)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixTypeStart)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefixTypeStart + maxTimestampToken)); it.ValidForPrefix([]byte(prefixTypeStart)); it.Next() {
			key := string(it.Item().Key())
			parts := strings.Split(key[len(prefixTypeStart):], "/")
			if len(parts) < 3 {
				continue
			}
			entityType := strings.Join(parts[:len(parts)-2], "/")
			if _, seen := latest[entityType]; seen {
				continue
			}
			vid := parts[len(parts)-1]
			v, err := getJSON[types.TemporalEntity](txn, prefixVersion+vid, "version", vid)
			if err != nil {
				return err
			}
			latest[entityType] = v
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	return latest, nil
}

// InsertRelationship implements RelationshipLog.
func (b *BadgerDriver) InsertRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		dup, err := exists(txn, prefixRel+rel.RelationshipID)
		if err != nil {
			return err
		}
		if dup {
			return types.NewDuplicateError("relationship", rel.RelationshipID)
		}
		if err := setJSON(txn, prefixRel+rel.RelationshipID, rel); err != nil {
			return err
		}
		for _, key := range []string{
			prefixRelSource + rel.SourceID + "/" + rel.RelationshipID,
			prefixRelTarget + rel.TargetID + "/" + rel.RelationshipID,
			prefixRelStart + encodeTime(rel.ValidFrom) + "/" + rel.RelationshipID,
			intervalKey(rel),
		} {
			if err := txn.Set([]byte(key), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return b.wrap(err)
}

// ReplaceRelationship implements RelationshipLog.
func (b *BadgerDriver) ReplaceRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := getJSON[types.TemporalRelationship](txn, prefixRel+rel.RelationshipID, "relationship", rel.RelationshipID)
		if err != nil {
			return err
		}
		if err := checkReplace(existing, rel); err != nil {
			return err
		}
		if existing.ValidTo == nil && rel.ValidTo != nil {
			if err := txn.Delete([]byte(intervalKey(existing))); err != nil {
				return err
			}
			if err := txn.Set([]byte(intervalKey(rel)), nil); err != nil {
				return err
			}
		}
		return setJSON(txn, prefixRel+rel.RelationshipID, rel)
	})
	return b.wrap(err)
}

// GetRelationship implements RelationshipLog.
func (b *BadgerDriver) GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	var out *types.TemporalRelationship
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = getJSON[types.TemporalRelationship](txn, prefixRel+relationshipID, "relationship", relationshipID)
		return err
	})
	return out, b.wrap(err)
}

// RelationshipsFrom implements RelationshipLog.
func (b *BadgerDriver) RelationshipsFrom(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return b.relationshipsUnder(prefixRelSource+versionID+"/", "", "")
}

// RelationshipsTo implements RelationshipLog.
func (b *BadgerDriver) RelationshipsTo(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return b.relationshipsUnder(prefixRelTarget+versionID+"/", "", "")
}

// RelationshipsStartedBy implements RelationshipLog.
func (b *BadgerDriver) RelationshipsStartedBy(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	return b.relationshipsUnder(prefixRelStart, "", encodeTime(at)+"/"+maxTimestampToken)
}

// RelationshipsValidAt implements RelationshipLog from the open and closed-at indexes.
func (b *BadgerDriver) RelationshipsValidAt(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	var out []*types.TemporalRelationship
	err := b.db.View(func(txn *badger.Txn) error {
		bound := encodeTime(at) + "/" + maxTimestampToken
		ids := scanSuffixes(txn, prefixRelOpen, "", bound)
		ids = append(ids, scanSuffixes(txn, prefixRelEnd, bound, "")...)
		for _, rid := range ids {
			rel, err := getJSON[types.TemporalRelationship](txn, prefixRel+rid, "relationship", rid)
			if err != nil {
				return err
			}
			if rel.ValidAt(at) {
				out = append(out, rel)
			}
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortRelationships(out)
	return out, nil
}

// intervalKey is the open or closed-at index entry for rel.
func intervalKey(rel *types.TemporalRelationship) string {
	if rel.ValidTo == nil {
		return prefixRelOpen + encodeTime(rel.ValidFrom) + "/" + rel.RelationshipID
	}
	return prefixRelEnd + encodeTime(*rel.ValidTo) + "/" + rel.RelationshipID
}

func (b *BadgerDriver) relationshipsUnder(prefix, from, to string) ([]*types.TemporalRelationship, error) {
	var out []*types.TemporalRelationship
	err := b.db.View(func(txn *badger.Txn) error {
		for _, rid := range scanSuffixes(txn, prefix, from, to) {
			rel, err := getJSON[types.TemporalRelationship](txn, prefixRel+rid, "relationship", rid)
			if err != nil {
				return err
			}
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, b.wrap(err)
	}
	sortRelationships(out)
	return out, nil
}

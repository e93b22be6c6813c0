package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/soundprediction/tempora/pkg/types"
)

// Neo4jDriver stores versions as :EntityVersion nodes linked by :PRECEDES,
// and temporal relationships as typed edges between version nodes.
// Timestamps are stored as Unix nanoseconds; the full record is kept as JSON
// in the `record` property so attribute variants round-trip exactly.
type Neo4jDriver struct {
	client   neo4j.DriverWithContext
	database string
}

// NewNeo4jDriver creates a new Neo4j driver instance.
func NewNeo4jDriver(uri, username, password, database string) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	return &Neo4jDriver{
		client:   driver,
		database: database,
	}, nil
}

// Provider returns the provider type.
func (n *Neo4jDriver) Provider() Provider {
	return ProviderNeo4j
}

// Ping checks if the driver can connect to the database.
func (n *Neo4jDriver) Ping(ctx context.Context) error {
	return n.wrap(n.client.VerifyConnectivity(ctx))
}

// Close closes the Neo4j driver.
func (n *Neo4jDriver) Close() error {
	return n.client.Close(context.Background())
}

// CreateIndices creates the constraints and indexes the queries rely on.
func (n *Neo4jDriver) CreateIndices(ctx context.Context) error {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	indices := []string{
		"CREATE CONSTRAINT entity_version_id IF NOT EXISTS FOR (n:EntityVersion) REQUIRE n.version_id IS UNIQUE",
		"CREATE CONSTRAINT entity_chain_key IF NOT EXISTS FOR (c:EntityChain) REQUIRE c.key IS UNIQUE",
		"CREATE INDEX entity_version_chain IF NOT EXISTS FOR (n:EntityVersion) ON (n.entity_id, n.branch)",
		"CREATE INDEX entity_version_valid_from IF NOT EXISTS FOR (n:EntityVersion) ON (n.valid_from)",
		"CREATE INDEX entity_version_type IF NOT EXISTS FOR (n:EntityVersion) ON (n.entity_type, n.valid_from)",
	}
	for _, relType := range types.AllRelationshipTypes {
		indices = append(indices, fmt.Sprintf(
			"CREATE INDEX rel_%s_id IF NOT EXISTS FOR ()-[r:%s]-() ON (r.relationship_id)",
			strings.ToLower(string(relType)), relType))
		indices = append(indices, fmt.Sprintf(
			"CREATE INDEX rel_%s_interval IF NOT EXISTS FOR ()-[r:%s]-() ON (r.valid_from, r.valid_to)",
			strings.ToLower(string(relType)), relType))
	}

	for _, indexQuery := range indices {
		_, err := session.Run(ctx, indexQuery, nil)
		if err != nil {
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "An equivalent") {
				return n.wrap(err)
			}
		}
	}

	return nil
}

// wrap maps driver failures onto the error taxonomy.
func (n *Neo4jDriver) wrap(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range []error{types.ErrValidation, types.ErrConflict, types.ErrNotFound, types.ErrBackendUnavailable,
		context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, target) {
			return err
		}
	}
	if neo4j.IsConnectivityError(err) {
		return types.NewBackendUnavailableError(string(ProviderNeo4j), err)
	}
	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.Contains(neoErr.Code, "ConstraintValidationFailed"):
			return types.NewConflictError("neo4j", "%s", neoErr.Msg)
		case strings.HasPrefix(neoErr.Code, "Neo.TransientError"):
			return types.NewConflictError("neo4j", "transient failure: %s", neoErr.Msg)
		}
	}
	return types.NewBackendUnavailableError(string(ProviderNeo4j), err)
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func optionalNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func versionProperties(v *types.TemporalEntity) (map[string]any, error) {
	record, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version_id":  v.VersionID,
		"entity_id":   v.EntityID,
		"branch":      v.Branch(),
		"entity_type": v.EntityType,
		"name":        v.Name,
		"valid_from":  nanos(v.ValidFrom),
		"valid_to":    optionalNanos(v.ValidTo),
		"record":      string(record),
	}, nil
}

func decodeVersion(value any) (*types.TemporalEntity, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type for version record: %T", value)
	}
	v := &types.TemporalEntity{}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return nil, fmt.Errorf("failed to decode version record: %w", err)
	}
	return v, nil
}

func decodeRelationship(value any) (*types.TemporalRelationship, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type for relationship record: %T", value)
	}
	r := &types.TemporalRelationship{}
	if err := json.Unmarshal([]byte(s), r); err != nil {
		return nil, fmt.Errorf("failed to decode relationship record: %w", err)
	}
	return r, nil
}

// collectVersions runs a read query whose rows expose the record as `record`.
func (n *Neo4jDriver) collectVersions(ctx context.Context, query string, params map[string]any) ([]*types.TemporalEntity, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, n.wrap(err)
	}

	records := result.([]*db.Record)
	versions := make([]*types.TemporalEntity, 0, len(records))
	for _, record := range records {
		raw, _ := record.Get("record")
		v, err := decodeVersion(raw)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (n *Neo4jDriver) collectRelationships(ctx context.Context, query string, params map[string]any) ([]*types.TemporalRelationship, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, n.wrap(err)
	}

	records := result.([]*db.Record)
	rels := make([]*types.TemporalRelationship, 0, len(records))
	for _, record := range records {
		raw, _ := record.Get("record")
		r, err := decodeRelationship(raw)
		if err != nil {
			return nil, err
		}
		rels = append(rels, r)
	}
	sortRelationships(rels)
	return rels, nil
}

func singleVersion(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (*types.TemporalEntity, error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	records, err := res.Collect(ctx)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	raw, _ := records[0].Get("record")
	return decodeVersion(raw)
}

// AppendVersion implements VersionLog. The chain node is written first so
// concurrent transactions on the same (entity_id, branch) serialize on its lock.
func (n *Neo4jDriver) AppendVersion(ctx context.Context, version *types.TemporalEntity, expectedHeadID string) error {
	stored := version.Clone()
	stored.BranchName = version.Branch()
	stored.SuccessorVersionIDs = nil
	stored.IsCurrent = false
	props, err := versionProperties(stored)
	if err != nil {
		return err
	}
	chainKey := stored.Key()

	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MERGE (c:EntityChain {key: $key}) SET c.writes = coalesce(c.writes, 0) + 1`,
			map[string]any{"key": chainKey}); err != nil {
			return nil, err
		}

		chainParams := map[string]any{"entity_id": stored.EntityID, "branch": stored.BranchName}
		head, err := singleVersion(ctx, tx,
			`MATCH (n:EntityVersion {entity_id: $entity_id, branch: $branch})
			 WHERE n.valid_to IS NULL
			 RETURN n.record AS record`, chainParams)
		if err != nil {
			return nil, err
		}
		actual := ""
		if head != nil {
			actual = head.VersionID
		}
		if actual != expectedHeadID {
			return nil, headMismatch(chainKey, expectedHeadID, actual)
		}
		dup, err := singleVersion(ctx, tx,
			`MATCH (n:EntityVersion {version_id: $vid}) RETURN n.record AS record`,
			map[string]any{"vid": stored.VersionID})
		if err != nil {
			return nil, err
		}
		if dup != nil {
			return nil, types.NewDuplicateError("version", stored.VersionID)
		}

		last, err := singleVersion(ctx, tx,
			`MATCH (n:EntityVersion {entity_id: $entity_id, branch: $branch})
			 RETURN n.record AS record
			 ORDER BY n.valid_from DESC LIMIT 1`, chainParams)
		if err != nil {
			return nil, err
		}
		if last != nil && !follows(last, stored.ValidFrom) {
			return nil, types.NewConflictError(chainKey, "valid_from does not follow the chain's latest version")
		}

		if head != nil {
			head.ValidTo = types.TimePtr(stored.ValidFrom)
			if err := n.setValidTo(ctx, tx, head); err != nil {
				return nil, err
			}
		}

		if _, err := tx.Run(ctx, `CREATE (n:EntityVersion) SET n = $props`, map[string]any{"props": props}); err != nil {
			return nil, err
		}
		if stored.PredecessorVersionID != "" {
			_, err := tx.Run(ctx,
				`MATCH (p:EntityVersion {version_id: $pred}), (n:EntityVersion {version_id: $vid})
				 CREATE (p)-[:PRECEDES]->(n)`,
				map[string]any{"pred": stored.PredecessorVersionID, "vid": stored.VersionID})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return n.wrap(err)
}

func (n *Neo4jDriver) setValidTo(ctx context.Context, tx neo4j.ManagedTransaction, v *types.TemporalEntity) error {
	record, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.Run(ctx,
		`MATCH (n:EntityVersion {version_id: $vid}) SET n.valid_to = $valid_to, n.record = $record`,
		map[string]any{"vid": v.VersionID, "valid_to": optionalNanos(v.ValidTo), "record": string(record)})
	return err
}

// CloseVersion implements VersionLog.
func (n *Neo4jDriver) CloseVersion(ctx context.Context, versionID string, at time.Time) error {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		v, err := singleVersion(ctx, tx,
			`MATCH (n:EntityVersion {version_id: $vid}) RETURN n.record AS record`,
			map[string]any{"vid": versionID})
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, types.NewNotFoundError("version", versionID)
		}
		if _, err := tx.Run(ctx,
			`MERGE (c:EntityChain {key: $key}) SET c.writes = coalesce(c.writes, 0) + 1`,
			map[string]any{"key": v.Key()}); err != nil {
			return nil, err
		}
		if v.ValidTo != nil {
			return nil, types.NewConflictError(versionID, "version already closed")
		}
		if !at.After(v.ValidFrom) {
			return nil, types.NewValidationError("valid_to", "must be after valid_from of %s", versionID)
		}
		v.ValidTo = types.TimePtr(at)
		return nil, n.setValidTo(ctx, tx, v)
	})
	return n.wrap(err)
}

// GetVersion implements VersionLog.
func (n *Neo4jDriver) GetVersion(ctx context.Context, versionID string) (*types.TemporalEntity, error) {
	versions, err := n.collectVersions(ctx,
		`MATCH (n:EntityVersion {version_id: $vid}) RETURN n.record AS record`,
		map[string]any{"vid": versionID})
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, types.NewNotFoundError("version", versionID)
	}
	return versions[0], nil
}

// ListVersions implements VersionLog.
func (n *Neo4jDriver) ListVersions(ctx context.Context, entityID string) ([]*types.TemporalEntity, error) {
	versions, err := n.collectVersions(ctx,
		`MATCH (n:EntityVersion {entity_id: $entity_id}) RETURN n.record AS record`,
		map[string]any{"entity_id": entityID})
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// GetHead implements VersionLog.
func (n *Neo4jDriver) GetHead(ctx context.Context, entityID, branch string) (*types.TemporalEntity, error) {
	if branch == "" {
		branch = types.DefaultBranch
	}
	versions, err := n.collectVersions(ctx,
		`MATCH (n:EntityVersion {entity_id: $entity_id, branch: $branch})
		 WHERE n.valid_to IS NULL
		 RETURN n.record AS record`,
		map[string]any{"entity_id": entityID, "branch": branch})
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return versions[0], nil
}

// VersionsValidAt implements IntervalQuerier.
func (n *Neo4jDriver) VersionsValidAt(ctx context.Context, at time.Time, entityTypes []string) ([]*types.TemporalEntity, error) {
	query := `MATCH (n:EntityVersion)
		WHERE n.valid_from <= $at AND (n.valid_to IS NULL OR n.valid_to > $at)
		AND (size($types) = 0 OR n.entity_type IN $types)
		RETURN n.record AS record`
	if entityTypes == nil {
		entityTypes = []string{}
	}
	versions, err := n.collectVersions(ctx, query, map[string]any{"at": nanos(at), "types": entityTypes})
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// VersionsStartedBetween implements IntervalQuerier.
func (n *Neo4jDriver) VersionsStartedBetween(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error) {
	query := `MATCH (n:EntityVersion)
		WHERE n.valid_from >= $from AND n.valid_from < $to
		AND ($entity_type = '' OR n.entity_type = $entity_type)
		RETURN n.record AS record`
	versions, err := n.collectVersions(ctx, query, map[string]any{
		"from":        nanos(from),
		"to":          nanos(to),
		"entity_type": entityType,
	})
	if err != nil {
		return nil, err
	}
	sortVersions(versions)
	return versions, nil
}

// LatestVersionsByType implements IntervalQuerier.
func (n *Neo4jDriver) LatestVersionsByType(ctx context.Context) (map[string]*types.TemporalEntity, error) {
	query := `MATCH (n:EntityVersion)
		WITH n.entity_type AS entity_type, n ORDER BY n.valid_from DESC
		WITH entity_type, collect(n)[0] AS latest
		RETURN latest.record AS record`
	versions, err := n.collectVersions(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]*types.TemporalEntity, len(versions))
	for _, v := range versions {
		latest[v.EntityType] = v
	}
	return latest, nil
}

func relationshipProperties(rel *types.TemporalRelationship) (map[string]any, error) {
	record, err := json.Marshal(rel)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"relationship_id": rel.RelationshipID,
		"valid_from":      nanos(rel.ValidFrom),
		"valid_to":        optionalNanos(rel.ValidTo),
		"record":          string(record),
	}, nil
}

// InsertRelationship implements RelationshipLog. The edge label is taken from
// the validated relationship type enum, never from free text.
func (n *Neo4jDriver) InsertRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	if !rel.RelationshipType.Valid() {
		return types.NewValidationError("relationship_type", "unsupported type %q", rel.RelationshipType)
	}
	props, err := relationshipProperties(rel)
	if err != nil {
		return err
	}

	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH ()-[r {relationship_id: $rid}]->() RETURN count(r) AS c`,
			map[string]any{"rid": rel.RelationshipID})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		if c, _ := record.Get("c"); c.(int64) > 0 {
			return nil, types.NewDuplicateError("relationship", rel.RelationshipID)
		}

		query := fmt.Sprintf(`MATCH (s:EntityVersion {version_id: $source}), (t:EntityVersion {version_id: $target})
			CREATE (s)-[r:%s]->(t) SET r = $props
			RETURN r.relationship_id AS id`, rel.RelationshipType)
		res, err = tx.Run(ctx, query, map[string]any{"source": rel.SourceID, "target": rel.TargetID, "props": props})
		if err != nil {
			return nil, err
		}
		created, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(created) == 0 {
			return nil, types.NewNotFoundError("version", rel.SourceID+" or "+rel.TargetID)
		}
		return nil, nil
	})
	return n.wrap(err)
}

// ReplaceRelationship implements RelationshipLog.
func (n *Neo4jDriver) ReplaceRelationship(ctx context.Context, rel *types.TemporalRelationship) error {
	existing, err := n.GetRelationship(ctx, rel.RelationshipID)
	if err != nil {
		return err
	}
	if err := checkReplace(existing, rel); err != nil {
		return err
	}
	props, err := relationshipProperties(rel)
	if err != nil {
		return err
	}

	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	// The write only matches while valid_to is still what was read, so a
	// concurrent close cannot be overwritten.
	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH ()-[r {relationship_id: $rid}]->()
			WHERE ($expected IS NULL AND r.valid_to IS NULL) OR r.valid_to = $expected
			SET r = $props
			RETURN r.relationship_id AS id`,
			map[string]any{"rid": rel.RelationshipID, "expected": optionalNanos(existing.ValidTo), "props": props})
		if err != nil {
			return nil, err
		}
		updated, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(updated) == 0 {
			return nil, types.NewConflictError(rel.RelationshipID, "relationship changed concurrently")
		}
		return nil, nil
	})
	return n.wrap(err)
}

// GetRelationship implements RelationshipLog.
func (n *Neo4jDriver) GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error) {
	rels, err := n.collectRelationships(ctx,
		`MATCH ()-[r {relationship_id: $rid}]->() RETURN r.record AS record`,
		map[string]any{"rid": relationshipID})
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, types.NewNotFoundError("relationship", relationshipID)
	}
	return rels[0], nil
}

// RelationshipsFrom implements RelationshipLog.
func (n *Neo4jDriver) RelationshipsFrom(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return n.collectRelationships(ctx,
		`MATCH (:EntityVersion {version_id: $vid})-[r]->(:EntityVersion)
		 WHERE r.relationship_id IS NOT NULL
		 RETURN r.record AS record`,
		map[string]any{"vid": versionID})
}

// RelationshipsTo implements RelationshipLog.
func (n *Neo4jDriver) RelationshipsTo(ctx context.Context, versionID string) ([]*types.TemporalRelationship, error) {
	return n.collectRelationships(ctx,
		`MATCH (:EntityVersion)-[r]->(:EntityVersion {version_id: $vid})
		 WHERE r.relationship_id IS NOT NULL
		 RETURN r.record AS record`,
		map[string]any{"vid": versionID})
}

// RelationshipsStartedBy implements RelationshipLog.
func (n *Neo4jDriver) RelationshipsStartedBy(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	return n.collectRelationships(ctx,
		`MATCH (:EntityVersion)-[r]->(:EntityVersion)
		 WHERE r.relationship_id IS NOT NULL AND r.valid_from <= $at
		 RETURN r.record AS record`,
		map[string]any{"at": nanos(at)})
}

// RelationshipsValidAt implements RelationshipLog.
func (n *Neo4jDriver) RelationshipsValidAt(ctx context.Context, at time.Time) ([]*types.TemporalRelationship, error) {
	return n.collectRelationships(ctx,
		`MATCH (:EntityVersion)-[r]->(:EntityVersion)
		 WHERE r.relationship_id IS NOT NULL AND r.valid_from <= $at
		   AND (r.valid_to IS NULL OR r.valid_to > $at)
		 RETURN r.record AS record`,
		map[string]any{"at": nanos(at)})
}

package query

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/tempora/pkg/driver"
	"github.com/soundprediction/tempora/pkg/metrics"
	"github.com/soundprediction/tempora/pkg/relationship"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
	"github.com/soundprediction/tempora/pkg/version"
)

// Options configures an Engine.
type Options struct {
	// Now is the default instant for queries without an explicit time.
	Now    func() time.Time
	Logger *slog.Logger
}

// Engine answers point-in-time, diff and path queries over committed state.
type Engine struct {
	driver driver.TemporalDriver
	rels   *relationship.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates a query engine over d.
func NewEngine(d driver.TemporalDriver, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		driver: d,
		rels:   relationship.NewStore(d, relationship.Options{Now: opts.Now, Logger: opts.Logger}),
		now:    opts.Now,
		logger: opts.Logger,
	}
}

func observe(query string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
}

// SnapshotOptions filters a snapshot.
type SnapshotOptions struct {
	EntityTypes       []string
	RelationshipTypes []types.RelationshipType
	// IncludeInactive adds relationships that started by the instant but were already closed.
	IncludeInactive bool
}

// Snapshot returns the entity versions and relationships valid at at. Each
// entity contributes one version, chosen across branches by version.Resolve.
// With an entity type filter, relationships are kept only when both endpoints
// are in the snapshot.
func (e *Engine) Snapshot(ctx context.Context, at time.Time, opts SnapshotOptions) (*types.Graph, error) {
	defer observe("snapshot", time.Now())

	valid, err := e.driver.VersionsValidAt(ctx, at, opts.EntityTypes)
	if err != nil {
		return nil, err
	}
	byEntity := make(map[string][]*types.TemporalEntity)
	for _, v := range valid {
		byEntity[v.EntityID] = append(byEntity[v.EntityID], v)
	}
	graph := &types.Graph{PointInTime: at, Entities: make([]*types.TemporalEntity, 0, len(byEntity))}
	included := make(map[string]bool, len(byEntity))
	for _, candidates := range byEntity {
		v := version.Resolve(candidates)
		v.IsCurrent = v.ValidTo == nil
		graph.Entities = append(graph.Entities, v)
		included[v.VersionID] = true
	}
	sort.Slice(graph.Entities, func(i, j int) bool {
		return graph.Entities[i].EntityID < graph.Entities[j].EntityID
	})

	var rels []*types.TemporalRelationship
	if opts.IncludeInactive {
		rels, err = e.driver.RelationshipsStartedBy(ctx, at)
	} else {
		rels, err = e.driver.RelationshipsValidAt(ctx, at)
	}
	if err != nil {
		return nil, err
	}
	graph.Relationships = make([]*types.TemporalRelationship, 0, len(rels))
	for _, r := range rels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !relationship.MatchesType(r, opts.RelationshipTypes) {
			continue
		}
		if len(opts.EntityTypes) > 0 && (!included[r.SourceID] || !included[r.TargetID]) {
			continue
		}
		graph.Relationships = append(graph.Relationships, r)
	}

	e.logger.Debug("Snapshot built", "point_in_time", at, "entities", len(graph.Entities), "relationships", len(graph.Relationships))
	return graph, nil
}

// EntityChange is an entity present in both snapshots under different versions.
type EntityChange struct {
	EntityID string                `json:"entity_id"`
	Before   *types.TemporalEntity `json:"before"`
	After    *types.TemporalEntity `json:"after"`
}

// Diff is the set difference between two snapshots.
type Diff struct {
	T1                   time.Time                     `json:"t1"`
	T2                   time.Time                     `json:"t2"`
	Added                []*types.TemporalEntity       `json:"added"`
	Removed              []*types.TemporalEntity       `json:"removed"`
	Modified             []EntityChange                `json:"modified"`
	AddedRelationships   []*types.TemporalRelationship `json:"added_relationships"`
	RemovedRelationships []*types.TemporalRelationship `json:"removed_relationships"`
}

// Empty reports whether the snapshots were identical.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 &&
		len(d.AddedRelationships) == 0 && len(d.RemovedRelationships) == 0
}

// CompareSnapshots diffs the snapshots at t1 and t2. Entities are matched by
// entity_id and relationships by relationship_id.
func (e *Engine) CompareSnapshots(ctx context.Context, t1, t2 time.Time, opts SnapshotOptions) (*Diff, error) {
	defer observe("compare_snapshots", time.Now())

	graphs, errs := utils.ExecuteWithResults(ctx, 2,
		func() (*types.Graph, error) { return e.Snapshot(ctx, t1, opts) },
		func() (*types.Graph, error) { return e.Snapshot(ctx, t2, opts) },
	)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	before, after := graphs[0], graphs[1]

	diff := &Diff{
		T1:                   t1,
		T2:                   t2,
		Added:                []*types.TemporalEntity{},
		Removed:              []*types.TemporalEntity{},
		Modified:             []EntityChange{},
		AddedRelationships:   []*types.TemporalRelationship{},
		RemovedRelationships: []*types.TemporalRelationship{},
	}
	beforeIdx, afterIdx := before.EntityIndex(), after.EntityIndex()
	for _, a := range after.Entities {
		b, ok := beforeIdx[a.EntityID]
		switch {
		case !ok:
			diff.Added = append(diff.Added, a)
		case b.VersionID != a.VersionID:
			diff.Modified = append(diff.Modified, EntityChange{EntityID: a.EntityID, Before: b, After: a})
		}
	}
	for _, b := range before.Entities {
		if _, ok := afterIdx[b.EntityID]; !ok {
			diff.Removed = append(diff.Removed, b)
		}
	}

	beforeRels := relationshipIndex(before.Relationships)
	afterRels := relationshipIndex(after.Relationships)
	for _, r := range after.Relationships {
		if !beforeRels[r.RelationshipID] {
			diff.AddedRelationships = append(diff.AddedRelationships, r)
		}
	}
	for _, r := range before.Relationships {
		if !afterRels[r.RelationshipID] {
			diff.RemovedRelationships = append(diff.RemovedRelationships, r)
		}
	}
	return diff, nil
}

func relationshipIndex(rels []*types.TemporalRelationship) map[string]bool {
	idx := make(map[string]bool, len(rels))
	for _, r := range rels {
		idx[r.RelationshipID] = true
	}
	return idx
}

// directTypes are followed by every path search; indirectTypes only on request.
var (
	directTypes   = []types.RelationshipType{types.EvolvedInto, types.ReplacedBy}
	indirectTypes = []types.RelationshipType{types.EvolvedInto, types.ReplacedBy, types.Inspired, types.MergedWith}
)

// PathOptions controls TemporalPath.
type PathOptions struct {
	// IncludeIndirect also follows INSPIRED and MERGED_WITH edges.
	IncludeIndirect bool
	// At selects edges valid at that instant. Defaults to now.
	At *time.Time
	// MaxDepth bounds the search. Zero means unbounded.
	MaxDepth int
}

// Path is the result of a temporal path search.
type Path struct {
	Found      bool                          `json:"found"`
	StartID    string                        `json:"start_id"`
	EndID      string                        `json:"end_id"`
	VersionIDs []string                      `json:"version_ids"`
	Edges      []*types.TemporalRelationship `json:"edges"`
}

// Hops returns the number of edges on the path.
func (p *Path) Hops() int {
	return len(p.Edges)
}

// TemporalPath finds the fewest-hop path from start to end over directed
// relationship edges. Among equally short paths the one whose first edge has
// the earliest valid_from wins. Unknown endpoints yield a path with Found false.
func (e *Engine) TemporalPath(ctx context.Context, startVersionID, endVersionID string, opts PathOptions) (*Path, error) {
	defer observe("temporal_path", time.Now())

	result := &Path{StartID: startVersionID, EndID: endVersionID, VersionIDs: []string{}, Edges: []*types.TemporalRelationship{}}
	for _, id := range []string{startVersionID, endVersionID} {
		if _, err := e.driver.GetVersion(ctx, id); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return result, nil
			}
			return nil, err
		}
	}
	if startVersionID == endVersionID {
		result.Found = true
		result.VersionIDs = []string{startVersionID}
		return result, nil
	}

	at := e.now()
	if opts.At != nil {
		at = *opts.At
	}
	allowed := directTypes
	if opts.IncludeIndirect {
		allowed = indirectTypes
	}

	parent := map[string]*types.TemporalRelationship{startVersionID: nil}
	queue := []string{startVersionID}
	for depth := 0; len(queue) > 0 && (opts.MaxDepth <= 0 || depth < opts.MaxDepth); depth++ {
		var next []string
		for _, curr := range queue {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			edges, err := e.rels.Outgoing(ctx, curr)
			if err != nil {
				return nil, err
			}
			sortEdges(edges)
			for _, edge := range edges {
				if !relationship.MatchesType(edge, allowed) || !edge.ValidAt(at) {
					continue
				}
				if _, seen := parent[edge.TargetID]; seen {
					continue
				}
				parent[edge.TargetID] = edge
				if edge.TargetID == endVersionID {
					return buildPath(result, parent), nil
				}
				next = append(next, edge.TargetID)
			}
		}
		queue = next
	}
	return result, nil
}

func sortEdges(edges []*types.TemporalRelationship) {
	sort.SliceStable(edges, func(i, j int) bool {
		if !edges[i].ValidFrom.Equal(edges[j].ValidFrom) {
			return edges[i].ValidFrom.Before(edges[j].ValidFrom)
		}
		return edges[i].RelationshipID < edges[j].RelationshipID
	})
}

func buildPath(p *Path, parent map[string]*types.TemporalRelationship) *Path {
	var edges []*types.TemporalRelationship
	for node := p.EndID; parent[node] != nil; node = parent[node].SourceID {
		edges = append(edges, parent[node])
	}
	p.Found = true
	p.VersionIDs = []string{p.StartID}
	for i := len(edges) - 1; i >= 0; i-- {
		p.Edges = append(p.Edges, edges[i])
		p.VersionIDs = append(p.VersionIDs, edges[i].TargetID)
	}
	return p
}

// ConceptEntry is one version on a concept's evolution timeline.
type ConceptEntry struct {
	Version *types.TemporalEntity `json:"version"`
	// Related is set for versions reached through an INSPIRED or MERGED_WITH edge.
	Related bool                        `json:"related"`
	Via     *types.TemporalRelationship `json:"via,omitempty"`
}

var conceptLinks = []types.RelationshipType{types.Inspired, types.MergedWith}

// TraceConceptEvolution lists the versions started in [from, to) whose name
// contains concept (case-insensitive), ordered by valid_from. With
// includeRelated, versions one INSPIRED or MERGED_WITH hop away are added.
func (e *Engine) TraceConceptEvolution(ctx context.Context, concept string, from, to time.Time, includeRelated bool) ([]ConceptEntry, error) {
	defer observe("trace_concept_evolution", time.Now())

	concept = strings.ToLower(strings.TrimSpace(concept))
	if concept == "" {
		return nil, types.NewValidationError("concept_name", "cannot be empty")
	}
	if !from.Before(to) {
		return nil, types.NewValidationError("to", "must be after from")
	}
	started, err := e.driver.VersionsStartedBetween(ctx, from, to, "")
	if err != nil {
		return nil, err
	}

	entries := []ConceptEntry{}
	seen := make(map[string]bool)
	for _, v := range started {
		if strings.Contains(strings.ToLower(v.Name), concept) {
			entries = append(entries, ConceptEntry{Version: v})
			seen[v.VersionID] = true
		}
	}

	if includeRelated {
		matched := len(entries)
		for i := 0; i < matched; i++ {
			related, err := e.neighbours(ctx, entries[i].Version.VersionID)
			if err != nil {
				return nil, err
			}
			for _, link := range related {
				if seen[link.version.VersionID] {
					continue
				}
				seen[link.version.VersionID] = true
				entries = append(entries, ConceptEntry{Version: link.version, Related: true, Via: link.via})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Version.ValidFrom.Before(entries[j].Version.ValidFrom)
	})
	return entries, nil
}

type neighbour struct {
	version *types.TemporalEntity
	via     *types.TemporalRelationship
}

func (e *Engine) neighbours(ctx context.Context, versionID string) ([]neighbour, error) {
	out, err := e.rels.Outgoing(ctx, versionID)
	if err != nil {
		return nil, err
	}
	in, err := e.rels.Incoming(ctx, versionID)
	if err != nil {
		return nil, err
	}
	var result []neighbour
	for _, r := range append(out, in...) {
		if !relationship.MatchesType(r, conceptLinks) {
			continue
		}
		other := r.TargetID
		if other == versionID {
			other = r.SourceID
		}
		v, err := e.driver.GetVersion(ctx, other)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, neighbour{version: v, via: r})
	}
	return result, nil
}

// VersionsCreated returns versions whose valid_from lies in [from, to),
// optionally restricted to one entity type, ordered by valid_from.
func (e *Engine) VersionsCreated(ctx context.Context, from, to time.Time, entityType string) ([]*types.TemporalEntity, error) {
	defer observe("versions_created", time.Now())
	return e.driver.VersionsStartedBetween(ctx, from, to, entityType)
}

// LatestByType returns the most recently started version of every entity type.
func (e *Engine) LatestByType(ctx context.Context) (map[string]*types.TemporalEntity, error) {
	defer observe("latest_by_type", time.Now())
	return e.driver.LatestVersionsByType(ctx)
}

// Now returns the engine's clock reading.
func (e *Engine) Now() time.Time {
	return e.now()
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/query"
	"github.com/soundprediction/tempora/pkg/server/dto"
	"github.com/soundprediction/tempora/pkg/types"
)

// QueryService is what the query endpoints need from the engine.
type QueryService interface {
	tempora.TemporalQuerier
	GetAtTime(ctx context.Context, entityID string, at time.Time) (*types.TemporalEntity, error)
	GetVersions(ctx context.Context, entityID string, includeExpired bool) ([]*types.TemporalEntity, error)
	GetVersionTree(ctx context.Context, entityID string) (*types.VersionTree, error)
	GetRelationship(ctx context.Context, relationshipID string) (*types.TemporalRelationship, error)
	Now() time.Time
}

// QueryHandler serves entity and time-travel queries.
type QueryHandler struct {
	svc    QueryService
	logger *slog.Logger
}

// NewQueryHandler creates a new query handler
func NewQueryHandler(svc QueryService, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{svc: svc, logger: logger}
}

// Snapshot handles GET /snapshot
func (h *QueryHandler) Snapshot(c *gin.Context) {
	var req dto.SnapshotQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	at, err := parseTimeParam("point_in_time", req.PointInTime, h.svc.Now())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	relTypes, err := parseRelationshipTypes(req.RelationshipTypes)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	g, err := h.svc.Snapshot(c.Request.Context(), at, query.SnapshotOptions{
		EntityTypes:       dto.SplitList(req.EntityTypes),
		RelationshipTypes: relTypes,
		IncludeInactive:   req.IncludeInactive,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewSnapshotResponse(g))
}

// GetAtTime handles GET /entity/:id/at-time
func (h *QueryHandler) GetAtTime(c *gin.Context) {
	var req dto.AtTimeQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	at, err := parseTimeParam("point_in_time", req.PointInTime, h.svc.Now())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	entityID := c.Param("id")
	v, err := h.svc.GetAtTime(c.Request.Context(), entityID, at)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.AtTimeResponse{EntityID: entityID, PointInTime: at, Version: v})
}

// GetVersions handles GET /entity/:id/versions
func (h *QueryHandler) GetVersions(c *gin.Context) {
	var req dto.VersionsQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	entityID := c.Param("id")
	versions, err := h.svc.GetVersions(c.Request.Context(), entityID, req.IncludeExpired)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.VersionsResponse{EntityID: entityID, Versions: versions, Total: len(versions)})
}

// GetVersionTree handles GET /entity/:id/version-tree
func (h *QueryHandler) GetVersionTree(c *gin.Context) {
	tree, err := h.svc.GetVersionTree(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// GetTimeline handles GET /entity/:id/timeline
func (h *QueryHandler) GetTimeline(c *gin.Context) {
	entityID := c.Param("id")
	events, err := h.svc.Timeline(c.Request.Context(), entityID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if events == nil {
		events = []query.TimelineEvent{}
	}
	c.JSON(http.StatusOK, dto.TimelineResponse{EntityID: entityID, Events: events, Total: len(events)})
}

// GetRelationship handles GET /relationship/:id
func (h *QueryHandler) GetRelationship(c *gin.Context) {
	rel, err := h.svc.GetRelationship(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewRelationshipResponse(rel, h.svc.Now()))
}

// CompareSnapshots handles GET /query/compare-snapshots
func (h *QueryHandler) CompareSnapshots(c *gin.Context) {
	var req dto.CompareQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	t1, err := parseTimeParam("t1", req.T1, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	t2, err := parseTimeParam("t2", req.T2, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	relTypes, err := parseRelationshipTypes(req.RelationshipTypes)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	diff, err := h.svc.CompareSnapshots(c.Request.Context(), t1, t2, query.SnapshotOptions{
		EntityTypes:       dto.SplitList(req.EntityTypes),
		RelationshipTypes: relTypes,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}

// TemporalPath handles GET /query/temporal-path
func (h *QueryHandler) TemporalPath(c *gin.Context) {
	var req dto.PathQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	opts := query.PathOptions{IncludeIndirect: req.IncludeIndirect, MaxDepth: req.MaxDepth}
	if req.At != "" {
		at, err := parseTimeParam("at", req.At, time.Time{})
		if err != nil {
			writeError(c, h.logger, err)
			return
		}
		opts.At = &at
	}

	path, err := h.svc.TemporalPath(c.Request.Context(), req.Start, req.End, opts)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.PathResponse{Path: path, Hops: path.Hops()})
}

// ConceptEvolution handles GET /query/concept-evolution
func (h *QueryHandler) ConceptEvolution(c *gin.Context) {
	var req dto.ConceptQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	from, err := parseTimeParam("from", req.From, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	to, err := parseTimeParam("to", req.To, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	entries, err := h.svc.TraceConceptEvolution(c.Request.Context(), req.Concept, from, to, req.IncludeRelated)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []query.ConceptEntry{}
	}
	c.JSON(http.StatusOK, dto.ConceptEvolutionResponse{
		Concept: req.Concept,
		From:    from,
		To:      to,
		Entries: entries,
		Total:   len(entries),
	})
}

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora"
	"github.com/soundprediction/tempora/pkg/analysis"
	"github.com/soundprediction/tempora/pkg/server/dto"
)

// AnalysisHandler serves evolution analytics.
type AnalysisHandler struct {
	analyst tempora.EvolutionAnalyst
	logger  *slog.Logger
}

// NewAnalysisHandler creates a new analysis handler
func NewAnalysisHandler(analyst tempora.EvolutionAnalyst, logger *slog.Logger) *AnalysisHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisHandler{analyst: analyst, logger: logger}
}

type trendParams struct {
	entityType  string
	from, to    time.Time
	granularity analysis.Granularity
}

func (h *AnalysisHandler) bindTrend(c *gin.Context) (trendParams, bool) {
	var req dto.TrendQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return trendParams{}, false
	}
	from, err := parseTimeParam("from", req.From, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return trendParams{}, false
	}
	to, err := parseTimeParam("to", req.To, time.Time{})
	if err != nil {
		writeError(c, h.logger, err)
		return trendParams{}, false
	}
	granularity, err := analysis.ParseGranularity(req.Granularity, "")
	if err != nil {
		writeError(c, h.logger, err)
		return trendParams{}, false
	}
	return trendParams{entityType: req.EntityType, from: from, to: to, granularity: granularity}, true
}

// ResearchTrends handles GET /analysis/research-trends
func (h *AnalysisHandler) ResearchTrends(c *gin.Context) {
	p, ok := h.bindTrend(c)
	if !ok {
		return
	}
	trend, err := h.analyst.AnalyzeTrend(c.Request.Context(), p.entityType, p.from, p.to, p.granularity)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, trend)
}

// ResearchAcceleration handles GET /analysis/research-acceleration
func (h *AnalysisHandler) ResearchAcceleration(c *gin.Context) {
	p, ok := h.bindTrend(c)
	if !ok {
		return
	}
	acc, err := h.analyst.AnalyzeAcceleration(c.Request.Context(), p.entityType, p.from, p.to, p.granularity)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// StagnationDetection handles GET /analysis/stagnation-detection
func (h *AnalysisHandler) StagnationDetection(c *gin.Context) {
	var req dto.StagnationQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	stagnant, err := h.analyst.DetectStagnation(c.Request.Context(), req.ThresholdMonths)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if stagnant == nil {
		stagnant = []analysis.Stagnation{}
	}
	c.JSON(http.StatusOK, dto.StagnationResponse{
		ThresholdMonths: req.ThresholdMonths,
		Stagnant:        stagnant,
		Total:           len(stagnant),
	})
}

// RecurringPatterns handles GET /analysis/recurring-patterns
func (h *AnalysisHandler) RecurringPatterns(c *gin.Context) {
	var req dto.PatternQuery
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
	granularity, err := analysis.ParseGranularity(req.Granularity, "")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	patterns, err := h.analyst.DetectRecurringPatterns(c.Request.Context(), analysis.PatternQuery{
		EntityType:    req.EntityType,
		From:          from,
		To:            to,
		Granularity:   granularity,
		MinCycleCount: req.MinCycleCount,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if patterns == nil {
		patterns = []analysis.Pattern{}
	}
	c.JSON(http.StatusOK, dto.PatternsResponse{Patterns: patterns, Total: len(patterns)})
}

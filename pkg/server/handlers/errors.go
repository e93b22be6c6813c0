package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soundprediction/tempora/pkg/server/dto"
	"github.com/soundprediction/tempora/pkg/types"
	"github.com/soundprediction/tempora/pkg/utils"
)

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "backend_unavailable"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// writeError renders err as a dto.ErrorResponse with the mapped status.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(c.Request.Context(), "Request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, dto.ErrorResponse{
		Error:   errorCode(status),
		Message: err.Error(),
		Code:    status,
	})
}

// badRequest reports malformed query parameters.
func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   errorCode(http.StatusBadRequest),
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// parseTimeParam parses value as a time, falling back to def when empty.
func parseTimeParam(name, value string, def time.Time) (time.Time, error) {
	if value == "" {
		return def, nil
	}
	t, err := utils.ParseTime(value)
	if err != nil {
		return time.Time{}, types.NewValidationError(name, "%v", err)
	}
	return t, nil
}

// parseRelationshipTypes validates relationship type filters.
func parseRelationshipTypes(values []string) ([]types.RelationshipType, error) {
	names := dto.SplitList(values)
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]types.RelationshipType, 0, len(names))
	for _, name := range names {
		t, err := types.ParseRelationshipType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

package api

import (
	"errors"
	"net/http"

	"adgen/server/internal/concept"
	"adgen/server/internal/pipeline"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeServiceError maps domain and gateway errors onto the response envelope.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found or expired", false, nil)
	case errors.Is(err, session.ErrRowNotFound):
		writeError(c, http.StatusNotFound, "ROW_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, session.ErrInvalidStep):
		writeError(c, http.StatusConflict, "INVALID_STEP", err.Error(), false, nil)
	case errors.Is(err, session.ErrStale):
		writeError(c, http.StatusConflict, "SESSION_CHANGED", err.Error(), true, nil)
	case errors.Is(err, pipeline.ErrInvalidState):
		writeError(c, http.StatusConflict, "INVALID_GENERATION_STATE", err.Error(), false, nil)
	case errors.Is(err, session.ErrInvalidRow),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, concept.ErrInvalidRequest):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), false, nil)
	case errors.Is(err, provider.ErrConfiguration):
		writeError(c, http.StatusServiceUnavailable, "NOT_CONFIGURED", provider.Message(err), false, nil)
	case errors.Is(err, concept.ErrGeneration):
		writeError(c, http.StatusBadGateway, "GENERATION_FAILED", provider.Message(err), true, nil)
	case errors.Is(err, provider.ErrUpstream):
		writeError(c, http.StatusBadGateway, "UPSTREAM_ERROR", provider.Message(err), true, nil)
	case errors.Is(err, provider.ErrParse):
		writeError(c, http.StatusBadGateway, "PARSE_FAILED", provider.Message(err), true, nil)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", true, nil)
	}
}

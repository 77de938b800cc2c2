package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adgen/server/internal/session"
	"adgen/server/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID   = "trace_id"
	ctxSessionID = "session_id"

	headerSessionToken   = "X-Session-Token"
	headerSessionExpires = "X-Session-Expires-In"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			if v7, err := uuid.NewV7(); err == nil {
				traceID = v7.String()
			} else {
				traceID = uuid.NewString()
			}
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}

func RequestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http_request",
			"trace_id", traceIDFromContext(c),
			"session_id", sessionIDFromContext(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
		)
	}
}

// SessionMiddleware resolves the bearer session handle. EventSource cannot
// set headers, so the handle is also accepted as ?session_token=. Every
// authenticated response carries a fresh handle in X-Session-Token.
func SessionMiddleware(tokens *token.Service, sessions *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := ""
		const prefix = "Bearer "
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, prefix) {
			raw = strings.TrimSpace(strings.TrimPrefix(header, prefix))
		} else if q := c.Query("session_token"); q != "" {
			raw = q
		}
		if raw == "" {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		sessionID, err := tokens.Parse(raw)
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				writeError(c, http.StatusUnauthorized, "SESSION_EXPIRED", "Session handle expired", false, nil)
			} else {
				writeUnauthorized(c)
			}
			c.Abort()
			return
		}
		if _, err := sessions.Get(sessionID); err != nil {
			writeServiceError(c, err)
			c.Abort()
			return
		}
		// The store expiry slides on every request, so the handle slides with it.
		if handle, err := tokens.Issue(sessionID); err == nil {
			c.Writer.Header().Set(headerSessionToken, handle.Token)
			c.Writer.Header().Set(headerSessionExpires, strconv.FormatInt(handle.ExpiresInSec, 10))
		}
		c.Set(ctxSessionID, sessionID)
		c.Next()
	}
}

func traceIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxTraceID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func sessionIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxSessionID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func requireJSON(c *gin.Context) bool {
	if c.ContentType() == "" {
		return true
	}
	if strings.Contains(c.ContentType(), "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}

// rowIndexParam parses the zero-based :index path parameter.
func rowIndexParam(c *gin.Context) (int, bool) {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil || i < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_ROW_INDEX", "Row index must be a non-negative integer", false, nil)
		return 0, false
	}
	return i, true
}

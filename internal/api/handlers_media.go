package api

import (
	"net/http"
	"strings"

	"adgen/server/internal/poller"
	"adgen/server/internal/provider"

	"github.com/gin-gonic/gin"
)

// taskStatus reports one image job as the poller would classify it.
func (s *Server) taskStatus(c *gin.Context) {
	taskID := strings.TrimSpace(c.Param("task_id"))
	if taskID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Task ID is required", false, nil)
		return
	}
	rec, err := s.images.RecordInfo(c.Request.Context(), taskID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	status := poller.Classify(rec.State)
	resp := gin.H{
		"task_id":   taskID,
		"status":    status,
		"raw_state": rec.State,
		"terminal":  status.Terminal(),
	}
	if rec.ImageURL != "" {
		resp["image_url"] = rec.ImageURL
	}
	if status == poller.StatusFail {
		resp["error"] = rec.FailMessage
	}
	writeData(c, http.StatusOK, resp)
}

type rehostRequest struct {
	ImageURL string `json:"image_url" binding:"required"`
	PublicID string `json:"public_id"`
}

func (s *Server) rehostMedia(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req rehostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "image_url is required", false, nil)
		return
	}
	publicID := strings.TrimSpace(req.PublicID)
	if publicID == "" {
		publicID = provider.DefaultPublicID(s.settings.MediaFolder)
	}
	hosted, err := s.media.RehostURL(c.Request.Context(), req.ImageURL, publicID)
	if err != nil {
		s.log.Warn("rehost_failed", "session_id", sessionIDFromContext(c), "error", err)
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, hosted)
}

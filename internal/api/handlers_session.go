package api

import (
	"net/http"

	"adgen/server/internal/model"
	"adgen/server/internal/session"

	"github.com/gin-gonic/gin"
)

func (s *Server) createSession(c *gin.Context) {
	sess := s.sessions.Create()
	handle, err := s.tokens.Issue(sess.ID)
	if err != nil {
		s.sessions.Delete(sess.ID)
		writeError(c, http.StatusInternalServerError, "SESSION_CREATE_FAILED", "Failed to create session", true, nil)
		return
	}
	s.log.Info("session_created", "session_id", sess.ID)
	writeData(c, http.StatusCreated, gin.H{
		"session":        sess,
		"session_token":  handle.Token,
		"expires_in_sec": handle.ExpiresInSec,
	})
}

func (s *Server) getSession(c *gin.Context) {
	id := sessionIDFromContext(c)
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"session": sess,
		"running": s.pipeline.Running(id),
	})
}

func (s *Server) resetSession(c *gin.Context) {
	id := sessionIDFromContext(c)
	s.pipeline.Stop(id)
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		st.Reset()
		return nil
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.hub.Emit(id, model.EventSessionReset, map[string]any{"step": sess.Step})
	writeData(c, http.StatusOK, gin.H{"session": sess})
}

type stepRequest struct {
	Step model.Step `json:"step" binding:"required"`
}

func (s *Server) putStep(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid step payload", false, nil)
		return
	}
	id := sessionIDFromContext(c)
	if req.Step == model.StepGenerating {
		sess, err := s.pipeline.Start(id)
		s.respondSession(c, sess, err)
		return
	}
	var before model.Step
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		before = st.Step()
		return st.Advance(req.Step)
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if before != sess.Step {
		s.hub.Emit(id, model.EventStepChanged, map[string]any{"step": sess.Step})
	}
	writeData(c, http.StatusOK, gin.H{"session": sess})
}

type configRequest struct {
	AdCount     int              `json:"ad_count"`
	ProductName string           `json:"product_name"`
	BrandName   string           `json:"brand_name"`
	Watermark   string           `json:"watermark"`
	Colors      []model.Color    `json:"colors"`
	Style       model.Style      `json:"style"`
	Model       model.ImageModel `json:"model"`
}

func (s *Server) putConfig(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid config payload", false, nil)
		return
	}
	sess, err := s.sessions.Update(sessionIDFromContext(c), func(st *session.State) error {
		return st.Configure(model.SessionConfig{
			AdCount:     req.AdCount,
			ProductName: req.ProductName,
			BrandName:   req.BrandName,
			Watermark:   req.Watermark,
			Colors:      req.Colors,
			Style:       req.Style,
			Model:       req.Model,
		})
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"session": sess})
}

func (s *Server) respondSession(c *gin.Context, sess model.Session, err error) {
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"session": sess,
		"running": s.pipeline.Running(sess.ID),
	})
}

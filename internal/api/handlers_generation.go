package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"adgen/server/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) startGeneration(c *gin.Context) {
	sess, err := s.pipeline.Start(sessionIDFromContext(c))
	if err == nil {
		s.log.Info("generation_started", "session_id", sess.ID, "rows", len(sess.Rows), "model", sess.Config.Model)
	}
	s.respondSession(c, sess, err)
}

func (s *Server) pauseGeneration(c *gin.Context) {
	sess, err := s.pipeline.Pause(sessionIDFromContext(c))
	s.respondSession(c, sess, err)
}

func (s *Server) resumeGeneration(c *gin.Context) {
	sess, err := s.pipeline.Resume(sessionIDFromContext(c))
	s.respondSession(c, sess, err)
}

func (s *Server) retryFailed(c *gin.Context) {
	sess, reset, err := s.pipeline.RetryFailed(sessionIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if reset == nil {
		reset = []int{}
	}
	writeData(c, http.StatusOK, gin.H{
		"session": sess,
		"retried": reset,
		"running": s.pipeline.Running(sess.ID),
	})
}

// streamSessionEvents opens an SSE stream. The first event is a snapshot of
// the session, so a reconnecting client needs no replay.
func (s *Server) streamSessionEvents(c *gin.Context) {
	id := sessionIDFromContext(c)
	_, sub, unsubscribe := s.hub.Subscribe(id, 128)
	defer unsubscribe()

	sess, err := s.sessions.Get(id)
	if err != nil {
		writeServiceError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}

	writeSSE(c, model.SessionEvent{
		SessionID: id,
		Type:      model.EventSnapshot,
		TS:        time.Now().UTC(),
		Payload: map[string]any{
			"session": sess,
			"running": s.pipeline.Running(id),
		},
	})
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			writeSSE(c, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeSSE(c *gin.Context, evt model.SessionEvent) {
	payload, _ := json.Marshal(evt)
	if evt.Seq > 0 {
		fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	}
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

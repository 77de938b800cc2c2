package api

import (
	"fmt"
	"net/http"

	"adgen/server/internal/concept"
	"adgen/server/internal/model"
	"adgen/server/internal/session"

	"github.com/gin-gonic/gin"
)

// rowEditRequest carries the user-editable fields of a row. Lifecycle
// fields belong to the pipeline and cannot be patched from outside.
type rowEditRequest struct {
	AdCopy        *string `json:"ad_copy"`
	Product       *string `json:"product"`
	Character     *string `json:"character"`
	VisualGuide   *string `json:"visual_guide"`
	TextWatermark *string `json:"text_watermark"`
	Color1        *string `json:"color_1"`
	Color2        *string `json:"color_2"`
	Color3        *string `json:"color_3"`
}

func (s *Server) patchRow(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	index, ok := rowIndexParam(c)
	if !ok {
		return
	}
	var req rowEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid row payload", false, nil)
		return
	}
	id := sessionIDFromContext(c)
	var row model.AdRow
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		if st.Step() != model.StepReview {
			return fmt.Errorf("%w: rows can only be edited during review", session.ErrInvalidStep)
		}
		var err error
		row, err = st.UpdateRow(index, session.RowPatch{
			AdCopy:        req.AdCopy,
			Product:       req.Product,
			Character:     req.Character,
			VisualGuide:   req.VisualGuide,
			TextWatermark: req.TextWatermark,
			Color1:        req.Color1,
			Color2:        req.Color2,
			Color3:        req.Color3,
		})
		return err
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.hub.Emit(id, model.EventRowUpdated, map[string]any{"index": index, "row": row})
	writeData(c, http.StatusOK, gin.H{"row": row, "session": sess})
}

func (s *Server) regenerateRow(c *gin.Context) {
	index, ok := rowIndexParam(c)
	if !ok {
		return
	}
	id := sessionIDFromContext(c)
	cur, err := s.sessions.Get(id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if cur.Step != model.StepReview {
		writeError(c, http.StatusConflict, "INVALID_STEP", "Rows can only be regenerated during review", false, gin.H{"step": cur.Step})
		return
	}
	if index >= len(cur.Rows) {
		writeError(c, http.StatusNotFound, "ROW_NOT_FOUND", "Row not found", false, nil)
		return
	}

	patch, err := s.concepts.RegenerateConcept(c.Request.Context(), concept.RegenerateRequest{
		Current:     cur.Rows[index],
		ProductName: cur.Config.ProductName,
		BrandName:   cur.Config.BrandName,
		Colors:      cur.Config.ColorHexes(),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	var row model.AdRow
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		if st.Step() != model.StepReview {
			return fmt.Errorf("%w: generation started while the concept was regenerating", session.ErrInvalidStep)
		}
		if st.Epoch() != cur.Epoch {
			return fmt.Errorf("%w: table changed while the concept was regenerating", session.ErrStale)
		}
		var err error
		row, err = st.UpdateRow(index, session.RowPatch{
			AdCopy:      &patch.AdCopy,
			Character:   &patch.Character,
			VisualGuide: &patch.VisualGuide,
		})
		return err
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.hub.Emit(id, model.EventRowUpdated, map[string]any{"index": index, "row": row})
	writeData(c, http.StatusOK, gin.H{"row": row, "session": sess})
}

func (s *Server) retryRow(c *gin.Context) {
	index, ok := rowIndexParam(c)
	if !ok {
		return
	}
	sess, err := s.pipeline.RetryRow(sessionIDFromContext(c), index)
	s.respondSession(c, sess, err)
}

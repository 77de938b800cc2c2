package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"adgen/server/internal/concept"
	"adgen/server/internal/model"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"

	"github.com/gin-gonic/gin"
)

const maxProductImageBytes = 10 << 20

// uploadProductImage stores the product image on the CDN and, unless
// ?analyze=false, runs the vision analysis on it right away.
func (s *Server) uploadProductImage(c *gin.Context) {
	id := sessionIDFromContext(c)
	fh, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Multipart field \"file\" is required", false, nil)
		return
	}
	if fh.Size > maxProductImageBytes {
		writeError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Product image must be 10MB or smaller", false, gin.H{"max_bytes": maxProductImageBytes})
		return
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Product image must be an image", false, nil)
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Could not read upload", false, nil)
		return
	}
	defer f.Close()

	publicID := fmt.Sprintf("%s-product", provider.DefaultPublicID(s.settings.MediaFolder))
	hosted, err := s.media.Upload(c.Request.Context(), f, publicID, contentType)
	if err != nil {
		s.log.Warn("product_upload_failed", "session_id", id, "error", err)
		writeServiceError(c, err)
		return
	}
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		st.SetProductImage(hosted.URL)
		return nil
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	resp := gin.H{"image": hosted}
	if c.Query("analyze") != "false" {
		analyzed, aErr := s.runAnalysis(c.Request.Context(), id, hosted.URL)
		if aErr != nil {
			s.log.Warn("product_analysis_failed", "session_id", id, "error", aErr)
			resp["analysis_error"] = provider.Message(aErr)
		} else {
			sess = analyzed
		}
	}
	resp["session"] = sess
	writeData(c, http.StatusOK, resp)
}

type analyzeRequest struct {
	ImageURL string `json:"image_url"`
}

func (s *Server) analyzeProduct(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req analyzeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid analyze payload", false, nil)
			return
		}
	}
	id := sessionIDFromContext(c)
	imageURL := strings.TrimSpace(req.ImageURL)
	if imageURL == "" {
		cur, err := s.sessions.Get(id)
		if err != nil {
			writeServiceError(c, err)
			return
		}
		imageURL = cur.Config.ProductImageURL
	}
	if imageURL == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "No product image to analyze", false, nil)
		return
	}
	sess, err := s.runAnalysis(c.Request.Context(), id, imageURL)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeData(c, http.StatusOK, gin.H{"session": sess, "analysis": sess.Analysis})
}

func (s *Server) runAnalysis(ctx context.Context, id, imageURL string) (model.Session, error) {
	analysis, err := s.concepts.AnalyzeProduct(ctx, imageURL)
	if err != nil {
		return model.Session{}, err
	}
	return s.sessions.Update(id, func(st *session.State) error {
		if st.Config().ProductImageURL != imageURL {
			st.SetProductImage(imageURL)
		}
		st.SetAnalysis(analysis)
		return nil
	})
}

// generateTable builds the concept table from the saved configuration and
// moves the wizard to review. A failure leaves the session untouched so the
// whole action can be retried.
func (s *Server) generateTable(c *gin.Context) {
	id := sessionIDFromContext(c)
	cur, err := s.sessions.Get(id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if cur.Step != model.StepSetup && cur.Step != model.StepReview {
		writeError(c, http.StatusConflict, "INVALID_STEP", "Concept table can only be generated during setup or review", false, gin.H{"step": cur.Step})
		return
	}

	rows, err := s.concepts.GenerateTable(c.Request.Context(), concept.TableRequest{
		AdCount:     cur.Config.AdCount,
		ProductName: cur.Config.ProductName,
		BrandName:   cur.Config.BrandName,
		Watermark:   cur.Config.Watermark,
		Colors:      cur.Config.ColorHexes(),
		Style:       cur.Config.Style,
		Analysis:    cur.Analysis,
	})
	if err != nil {
		s.log.Warn("concept_table_failed", "session_id", id, "error", err)
		writeServiceError(c, err)
		return
	}

	var before model.Step
	sess, err := s.sessions.Update(id, func(st *session.State) error {
		before = st.Step()
		if err := st.SetRows(rows); err != nil {
			return err
		}
		return st.Advance(model.StepReview)
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	s.log.Info("concept_table_generated", "session_id", id, "rows", len(rows))
	if before != sess.Step {
		s.hub.Emit(id, model.EventStepChanged, map[string]any{"step": sess.Step})
	}
	writeData(c, http.StatusOK, gin.H{"session": sess})
}

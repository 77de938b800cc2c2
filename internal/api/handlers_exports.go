package api

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"adgen/server/internal/model"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const (
	maxDownloadImageBytes = 25 << 20
	downloadConcurrency   = 4
)

var errImageTooLarge = errors.New("image exceeds 25 MiB")

var csvHeader = []string{
	"index", "ad_copy", "product", "character", "visual_guide", "text_watermark",
	"color_1", "color_2", "color_3", "status", "image_url", "task_id", "error",
}

func (s *Server) exportCSV(c *gin.Context) {
	sess, err := s.sessions.Get(sessionIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if len(sess.Rows) == 0 {
		writeError(c, http.StatusConflict, "TABLE_EMPTY", "No concept table to export", false, nil)
		return
	}
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportName(sess, "csv")))
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)
	for _, r := range sess.Rows {
		_ = w.Write([]string{
			r.Index, r.AdCopy, r.Product, r.Character, r.VisualGuide, r.TextWatermark,
			r.Color1, r.Color2, r.Color3, string(r.Status), r.ImageURL, r.TaskID, r.Error,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		s.log.Warn("csv_export_failed", "session_id", sess.ID, "error", err)
	}
}

type downloadedImage struct {
	name string
	data []byte
}

// downloadZip bundles every completed image. Images are fetched in
// parallel, then written in row order.
func (s *Server) downloadZip(c *gin.Context) {
	sess, err := s.sessions.Get(sessionIDFromContext(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	complete := make([]model.AdRow, 0, len(sess.Rows))
	for _, r := range sess.Rows {
		if r.Status == model.RowComplete && r.ImageURL != "" {
			complete = append(complete, r)
		}
	}
	if len(complete) == 0 {
		writeError(c, http.StatusConflict, "NO_IMAGES", "No completed images to download", false, nil)
		return
	}

	images := make([]downloadedImage, len(complete))
	eg, egCtx := errgroup.WithContext(c.Request.Context())
	eg.SetLimit(downloadConcurrency)
	for i, r := range complete {
		i, r := i, r
		eg.Go(func() error {
			data, err := s.fetchImage(egCtx, r.ImageURL)
			if err != nil {
				return fmt.Errorf("row %s: %w", r.Index, err)
			}
			images[i] = downloadedImage{name: zipEntryName(r), data: data}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		s.log.Warn("zip_download_failed", "session_id", sess.ID, "error", err)
		writeError(c, http.StatusBadGateway, "DOWNLOAD_FAILED", "Failed to fetch generated images", true, nil)
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, exportName(sess, "zip")))
	c.Status(http.StatusOK)

	zw := zip.NewWriter(c.Writer)
	for _, img := range images {
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     img.name,
			Method:   zip.Store,
			Modified: time.Now().UTC(),
		})
		if err != nil {
			s.log.Warn("zip_write_failed", "session_id", sess.ID, "error", err)
			return
		}
		if _, err := fw.Write(img.data); err != nil {
			s.log.Warn("zip_write_failed", "session_id", sess.ID, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.log.Warn("zip_write_failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch image: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDownloadImageBytes {
		return nil, errImageTooLarge
	}
	return data, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return slug
}

func zipEntryName(r model.AdRow) string {
	ext := path.Ext(strings.SplitN(r.ImageURL, "?", 2)[0])
	if ext == "" || len(ext) > 5 {
		ext = ".png"
	}
	name := "ad-" + r.Index
	if slug := slugify(r.AdCopy); slug != "" {
		name += "-" + slug
	}
	return name + ext
}

func exportName(sess model.Session, ext string) string {
	base := slugify(sess.Config.ProductName)
	if base == "" {
		base = "ad-genesis"
	}
	return fmt.Sprintf("%s-ads.%s", base, ext)
}

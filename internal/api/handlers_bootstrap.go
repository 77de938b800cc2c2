package api

import (
	"net/http"

	"adgen/server/internal/model"

	"github.com/gin-gonic/gin"
)

func (s *Server) bootstrap(c *gin.Context) {
	writeData(c, http.StatusOK, gin.H{
		"ad_counts": model.AdCounts,
		"styles":    model.Styles,
		"models":    []model.ImageModel{model.ModelNanoBanana, model.ModelNanoBananaPro},
		"steps":     model.Steps,
		"defaults":  model.DefaultSessionConfig(),
		"generation": gin.H{
			"poll_interval_ms":  s.settings.PollInterval.Milliseconds(),
			"poll_max_attempts": s.settings.PollMaxAttempts,
			"row_delay_ms":      s.settings.RowDelay.Milliseconds(),
		},
		"media": gin.H{
			"backend": s.settings.MediaBackend,
			"folder":  s.settings.MediaFolder,
		},
		"sse": gin.H{
			"heartbeat_sec": 15,
			"retry_ms":      2000,
		},
	})
}

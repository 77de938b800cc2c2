package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"adgen/server/internal/concept"
	"adgen/server/internal/events"
	"adgen/server/internal/pipeline"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"
	"adgen/server/internal/token"

	"github.com/gin-gonic/gin"
)

// Settings are the tunables surfaced to the wizard through /bootstrap.
type Settings struct {
	PollInterval    time.Duration
	PollMaxAttempts int
	RowDelay        time.Duration
	MediaBackend    string
	MediaFolder     string
}

type Deps struct {
	Sessions   *session.Store
	Tokens     *token.Service
	Concepts   *concept.Generator
	Pipeline   *pipeline.Service
	Hub        *events.Hub
	Images     provider.ImageGateway
	Media      provider.Rehoster
	HTTPClient *http.Client
	Settings   Settings
	Logger     *slog.Logger
}

type Server struct {
	sessions *session.Store
	tokens   *token.Service
	concepts *concept.Generator
	pipeline *pipeline.Service
	hub      *events.Hub
	images   provider.ImageGateway
	media    provider.Rehoster
	client   *http.Client
	settings Settings
	log      *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Server{
		sessions: d.Sessions,
		tokens:   d.Tokens,
		concepts: d.Concepts,
		pipeline: d.Pipeline,
		hub:      d.Hub,
		images:   d.Images,
		media:    d.Media,
		client:   client,
		settings: d.Settings,
		log:      logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, http.StatusOK, gin.H{"status": "ok", "sessions": s.sessions.Len()})
	})
	v1.GET("/bootstrap", s.bootstrap)
	v1.POST("/sessions", s.createSession)

	authed := v1.Group("")
	authed.Use(SessionMiddleware(s.tokens, s.sessions))
	{
		authed.GET("/session", s.getSession)
		authed.POST("/session/reset", s.resetSession)
		authed.PUT("/session/step", s.putStep)
		authed.PUT("/session/config", s.putConfig)

		authed.POST("/session/product-image", s.uploadProductImage)
		authed.POST("/session/analyze", s.analyzeProduct)
		authed.POST("/session/table", s.generateTable)

		authed.PATCH("/session/rows/:index", s.patchRow)
		authed.POST("/session/rows/:index/regenerate", s.regenerateRow)
		authed.POST("/session/rows/:index/retry", s.retryRow)

		authed.POST("/session/generation/start", s.startGeneration)
		authed.POST("/session/generation/pause", s.pauseGeneration)
		authed.POST("/session/generation/resume", s.resumeGeneration)
		authed.POST("/session/generation/retry", s.retryFailed)
		authed.GET("/session/events", s.streamSessionEvents)

		authed.GET("/session/export.csv", s.exportCSV)
		authed.GET("/session/download.zip", s.downloadZip)

		authed.GET("/tasks/:task_id", s.taskStatus)
		authed.POST("/media/rehost", s.rehostMedia)
	}

	return r
}

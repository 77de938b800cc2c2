package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adgen/server/internal/api"
	"adgen/server/internal/concept"
	"adgen/server/internal/config"
	"adgen/server/internal/events"
	"adgen/server/internal/httpclient"
	"adgen/server/internal/pipeline"
	"adgen/server/internal/poller"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"
	"adgen/server/internal/telemetry"
	"adgen/server/internal/token"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("dotenv_load_failed", "error", err)
	}
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.LogLevel)

	client := httpclient.New(httpclient.Options{PreferIPv4: cfg.PreferIPv4, Timeout: cfg.HTTPTimeout})

	llm := provider.NewOpenAI(provider.OpenAIOptions{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIModel,
		HTTPClient: client,
		Logger:     logger,
	})
	kie := provider.NewKie(provider.KieOptions{
		APIKey:     cfg.KieAPIKey,
		BaseURL:    cfg.KieBaseURL,
		HTTPClient: client,
		Logger:     logger,
	})
	media, folder, err := newMedia(cfg, client, logger)
	if err != nil {
		logger.Error("media_backend_init_failed", "backend", cfg.MediaBackend, "error", err)
		os.Exit(1)
	}

	poll := poller.New(kie, poller.Options{
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
		Logger:      logger,
	})
	concepts := concept.NewGenerator(llm, logger)

	sessions := session.NewStore(cfg.SessionTTL)
	hub := events.NewHub()
	pipe := pipeline.NewService(sessions, hub, concepts, kie, media, poll, logger, pipeline.Options{
		RowDelay: cfg.RowDelay,
		Folder:   folder,
	})
	sessions.OnExpire(func(id string) {
		pipe.Stop(id)
		hub.Forget(id)
		logger.Info("session_expired", "session_id", id)
	})

	srv := api.NewServer(api.Deps{
		Sessions:   sessions,
		Tokens:     token.NewService(cfg.SessionSecret, cfg.SessionTTL),
		Concepts:   concepts,
		Pipeline:   pipe,
		Hub:        hub,
		Images:     kie,
		Media:      media,
		HTTPClient: client,
		Settings: api.Settings{
			PollInterval:    cfg.PollInterval,
			PollMaxAttempts: cfg.PollMaxAttempts,
			RowDelay:        cfg.RowDelay,
			MediaBackend:    cfg.MediaBackend,
			MediaFolder:     folder,
		},
		Logger: logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server_start",
		"addr", cfg.Addr,
		"media_backend", cfg.MediaBackend,
		"session_ttl", cfg.SessionTTL.String(),
		"poll_interval", cfg.PollInterval.String(),
		"poll_max_attempts", cfg.PollMaxAttempts,
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		logger.Info("server_shutdown")
		err := httpSrv.Shutdown(shutdownCtx)
		return errors.Join(err, pipe.Shutdown(shutdownCtx))
	})
	if err := eg.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func newMedia(cfg config.Config, client *http.Client, logger *slog.Logger) (provider.Rehoster, string, error) {
	if cfg.MediaBackend == config.MediaBackendS3 {
		r, err := provider.NewS3(provider.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
			HTTPClient:      client,
			Logger:          logger,
		})
		if err != nil {
			return nil, "", err
		}
		return r, cfg.Cloudinary.Folder, nil
	}
	r, err := provider.NewCloudinary(provider.CloudinaryOptions{
		CloudName: cfg.Cloudinary.CloudName,
		APIKey:    cfg.Cloudinary.APIKey,
		APISecret: cfg.Cloudinary.APISecret,
		Folder:    cfg.Cloudinary.Folder,
		Logger:    logger,
	})
	if err != nil {
		return nil, "", err
	}
	return r, cfg.Cloudinary.Folder, nil
}

// Package poller waits for an image generation job to reach a terminal state.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"adgen/server/internal/provider"
)

type Status string

const (
	StatusSuccess    Status = "success"
	StatusFail       Status = "fail"
	StatusQueued     Status = "queued"
	StatusGenerating Status = "generating"
)

func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFail
}

// Classify maps the upstream status vocabulary onto canonical states.
// Unknown values count as still generating.
func Classify(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "done", "completed":
		return StatusSuccess
	case "fail", "failed", "error":
		return StatusFail
	case "waiting", "queuing", "queue", "queued":
		return StatusQueued
	default:
		return StatusGenerating
	}
}

type StatusSource interface {
	RecordInfo(ctx context.Context, taskID string) (provider.TaskRecord, error)
}

const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 60
)

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

type Poller struct {
	source      StatusSource
	interval    time.Duration
	maxAttempts int
	log         *slog.Logger
}

func New(source StatusSource, opts Options) *Poller {
	interval := opts.Interval
	if interval < 0 {
		interval = DefaultInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		source:      source,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         logger,
	}
}

// Wait polls taskID until success, failure or the attempt budget runs out and
// returns the generated image URL. onStatus, when set, sees every classified
// status. Fetch errors are counted as ordinary attempts; only a missing
// credential or a canceled context aborts early.
func (p *Poller) Wait(ctx context.Context, taskID string, onStatus func(Status)) (string, error) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := sleep(ctx, p.interval); err != nil {
			return "", err
		}

		rec, err := p.source.RecordInfo(ctx, taskID)
		if err != nil {
			if provider.IsConfiguration(err) {
				return "", err
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			p.log.Warn("poll_transient_error", "task_id", taskID, "attempt", attempt, "error", err)
			continue
		}

		status := Classify(rec.State)
		if onStatus != nil {
			onStatus(status)
		}
		switch status {
		case StatusSuccess:
			if rec.ImageURL == "" {
				return "", provider.ParseError("Generation succeeded but no image URL matched a known response shape", nil)
			}
			return rec.ImageURL, nil
		case StatusFail:
			msg := rec.FailMessage
			if msg == "" {
				msg = "Generation failed"
			}
			return "", &provider.Error{
				Kind:        provider.ErrGenerationFailed,
				Code:        "GENERATION_FAILED",
				UserMessage: msg,
			}
		}
	}
	return "", &provider.Error{
		Kind:        provider.ErrGenerationTimeout,
		Code:        "GENERATION_TIMEOUT",
		Retryable:   true,
		UserMessage: fmt.Sprintf("Generation timed out after %d attempts", p.maxAttempts),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

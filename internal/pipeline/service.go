// Package pipeline advances concept rows to rendered, rehosted images one
// row at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"adgen/server/internal/events"
	"adgen/server/internal/model"
	"adgen/server/internal/poller"
	"adgen/server/internal/provider"
	"adgen/server/internal/session"

	"golang.org/x/time/rate"
)

var ErrInvalidState = errors.New("invalid generation state")

const (
	DefaultRowDelay = time.Second
	defaultFolder   = "ad-genesis"
)

type PromptBuilder interface {
	BuildImagePrompt(ctx context.Context, row model.AdRow) (string, error)
}

type Waiter interface {
	Wait(ctx context.Context, taskID string, onStatus func(poller.Status)) (string, error)
}

type Options struct {
	// RowDelay is the pause between the end of one row and the start of the
	// next. Zero disables it.
	RowDelay time.Duration
	Folder   string
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Service struct {
	sessions *session.Store
	hub      *events.Hub
	prompts  PromptBuilder
	images   provider.ImageGateway
	rehost   provider.Rehoster
	poll     Waiter
	log      *slog.Logger

	rowDelay time.Duration
	folder   string
	now      func() time.Time

	mu      sync.Mutex
	runners map[string]*runner
}

func NewService(sessions *session.Store, hub *events.Hub, prompts PromptBuilder, images provider.ImageGateway, rehost provider.Rehoster, poll Waiter, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RowDelay < 0 {
		opts.RowDelay = DefaultRowDelay
	}
	if opts.Folder == "" {
		opts.Folder = defaultFolder
	}
	return &Service{
		sessions: sessions,
		hub:      hub,
		prompts:  prompts,
		images:   images,
		rehost:   rehost,
		poll:     poll,
		log:      logger,
		rowDelay: opts.RowDelay,
		folder:   opts.Folder,
		now:      time.Now,
		runners:  map[string]*runner{},
	}
}

// Start moves a reviewed table into generation and launches the runner.
// Calling it again while generating only clears a pause.
func (s *Service) Start(sessionID string) (model.Session, error) {
	var before model.Step
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		before = st.Step()
		switch before {
		case model.StepReview:
			if err := st.Advance(model.StepGenerating); err != nil {
				return err
			}
		case model.StepGenerating:
		default:
			return fmt.Errorf("%w: cannot start generation from %s", ErrInvalidState, before)
		}
		st.SetPaused(false)
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	if before != sess.Step {
		s.emitStep(sess)
	}
	s.startRunnerIfNeeded(sessionID)
	return sess, nil
}

// Pause stops the runner before its next row. The row in flight finishes.
func (s *Service) Pause(sessionID string) (model.Session, error) {
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		if st.Step() != model.StepGenerating {
			return fmt.Errorf("%w: nothing is generating", ErrInvalidState)
		}
		st.SetPaused(true)
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	s.hub.Emit(sessionID, model.EventGenerationPaused, map[string]any{
		"paused":  true,
		"running": s.Running(sessionID),
	})
	return sess, nil
}

// Resume continues with the first row still pending.
func (s *Service) Resume(sessionID string) (model.Session, error) {
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		if st.Step() != model.StepGenerating {
			return fmt.Errorf("%w: nothing to resume", ErrInvalidState)
		}
		st.SetPaused(false)
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	s.hub.Emit(sessionID, model.EventGenerationPaused, map[string]any{"paused": false})
	s.startRunnerIfNeeded(sessionID)
	return sess, nil
}

// RetryFailed re-queues every errored row and runs them with the same throttle.
func (s *Service) RetryFailed(sessionID string) (model.Session, []int, error) {
	var reset []int
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		if st.Step() != model.StepGenerating {
			return fmt.Errorf("%w: retry is only available while generating", ErrInvalidState)
		}
		reset = st.ResetFailed()
		st.SetPaused(false)
		return nil
	})
	if err != nil {
		return model.Session{}, nil, err
	}
	for _, i := range reset {
		s.emitRow(sess, i)
	}
	if len(reset) > 0 {
		s.emitProgress(sess)
		s.startRunnerIfNeeded(sessionID)
	}
	return sess, reset, nil
}

// RetryRow re-queues a single errored row. Retrying also lifts a pause.
func (s *Service) RetryRow(sessionID string, index int) (model.Session, error) {
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		if st.Step() != model.StepGenerating {
			return fmt.Errorf("%w: retry is only available while generating", ErrInvalidState)
		}
		if _, err := st.ResetRow(index); err != nil {
			return err
		}
		st.SetPaused(false)
		return nil
	})
	if err != nil {
		return model.Session{}, err
	}
	s.emitRow(sess, index)
	s.emitProgress(sess)
	s.startRunnerIfNeeded(sessionID)
	return sess, nil
}

// Stop cancels the runner of a session, including its in-flight row. It
// never touches the session store.
func (s *Service) Stop(sessionID string) {
	s.mu.Lock()
	r, ok := s.runners[sessionID]
	if ok {
		delete(s.runners, sessionID)
	}
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Shutdown cancels every runner and waits for them to exit or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*runner, 0, len(s.runners))
	for id, r := range s.runners {
		all = append(all, r)
		delete(s.runners, id)
	}
	s.mu.Unlock()
	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runners[sessionID]
	return ok
}

func (s *Service) startRunnerIfNeeded(sessionID string) {
	s.mu.Lock()
	if _, ok := s.runners[sessionID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	s.runners[sessionID] = r
	s.mu.Unlock()

	go s.run(ctx, sessionID, r)
}

// finishRunner deregisters r unless Stop already replaced or removed it.
func (s *Service) finishRunner(sessionID string, r *runner) {
	s.mu.Lock()
	if cur, ok := s.runners[sessionID]; ok && cur == r {
		delete(s.runners, sessionID)
	}
	s.mu.Unlock()
	r.cancel()
}

type cursor struct {
	index int
	epoch int64
}

type stopReason int

const (
	keepGoing stopReason = iota
	stopDrained
	stopPaused
	stopGone
)

// next returns the row to process. When there is none it deregisters the
// runner in the same critical section, so a concurrent Resume either sees
// the runner gone or the runner sees the resumed state.
func (s *Service) next(sessionID string, r *runner) (cursor, model.Session, stopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.runners[sessionID]; !ok || cur != r {
		return cursor{}, model.Session{}, stopGone
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		delete(s.runners, sessionID)
		return cursor{}, model.Session{}, stopGone
	}
	if sess.Step != model.StepGenerating {
		delete(s.runners, sessionID)
		return cursor{}, sess, stopDrained
	}
	if sess.Paused {
		delete(s.runners, sessionID)
		return cursor{}, sess, stopPaused
	}
	for i, row := range sess.Rows {
		if row.Status == model.RowPending {
			return cursor{index: i, epoch: sess.Epoch}, sess, keepGoing
		}
	}
	delete(s.runners, sessionID)
	return cursor{}, sess, stopDrained
}

func (s *Service) run(ctx context.Context, sessionID string, r *runner) {
	defer close(r.done)
	defer s.finishRunner(sessionID, r)

	s.log.Info("generation_runner_started", "session_id", sessionID)
	processed := 0
	var pace *rate.Limiter
	for {
		// The row is picked after the delay so a pause accepted meanwhile wins.
		if pace != nil {
			if err := pace.Wait(ctx); err != nil {
				s.log.Info("generation_runner_stopped", "session_id", sessionID, "rows_processed", processed, "canceled", true)
				return
			}
		}
		c, sess, reason := s.next(sessionID, r)
		if reason != keepGoing {
			if reason == stopDrained && ctx.Err() == nil {
				s.emitFinished(sess)
			}
			s.log.Info("generation_runner_stopped", "session_id", sessionID, "rows_processed", processed, "paused", reason == stopPaused)
			return
		}
		s.runRow(ctx, sessionID, c)
		processed++
		pace = cooldown(s.rowDelay)
	}
}

// cooldown returns a limiter whose single token is already spent, so the
// next Wait blocks for exactly d.
func cooldown(d time.Duration) *rate.Limiter {
	l := rate.NewLimiter(rate.Every(d), 1)
	l.Allow()
	return l
}

func (s *Service) runRow(ctx context.Context, sessionID string, c cursor) {
	logger := s.log.With("session_id", sessionID, "row", c.index)
	var row model.AdRow
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		var err error
		row, err = st.MarkGenerating(c.index, c.epoch)
		return err
	})
	if err != nil {
		logger.Warn("row_skipped", "error", err)
		return
	}
	s.emitRow(sess, c.index)
	cfg := sess.Config

	prompt, err := s.prompts.BuildImagePrompt(ctx, row)
	if err != nil {
		s.failRow(ctx, sessionID, c, fmt.Errorf("build image prompt: %w", err))
		return
	}

	taskID, err := s.images.CreateTask(ctx, taskRequest(cfg, prompt))
	if err != nil {
		s.failRow(ctx, sessionID, c, fmt.Errorf("create image task: %w", err))
		return
	}
	if sess, err = s.sessions.Update(sessionID, func(st *session.State) error {
		_, err := st.AttachTask(c.index, c.epoch, taskID, prompt)
		return err
	}); err != nil {
		logger.Warn("row_abandoned", "task_id", taskID, "error", err)
		return
	}
	s.emitRow(sess, c.index)
	logger.Info("row_task_submitted", "task_id", taskID)

	imageURL, err := s.poll.Wait(ctx, taskID, func(st poller.Status) {
		logger.Debug("row_task_status", "task_id", taskID, "status", st)
	})
	if err != nil {
		s.failRow(ctx, sessionID, c, err)
		return
	}

	publicID := fmt.Sprintf("%s/ad-%d-%d", s.folder, s.now().UnixMilli(), c.index)
	hosted, err := s.rehost.RehostURL(ctx, imageURL, publicID)
	if err != nil {
		s.failRow(ctx, sessionID, c, fmt.Errorf("rehost image: %w", err))
		return
	}

	before := sess.Step
	sess, err = s.sessions.Update(sessionID, func(st *session.State) error {
		_, err := st.MarkComplete(c.index, c.epoch, hosted.URL)
		return err
	})
	if err != nil {
		logger.Warn("row_abandoned", "task_id", taskID, "error", err)
		return
	}
	logger.Info("row_complete", "task_id", taskID, "image_url", hosted.URL)
	s.emitRow(sess, c.index)
	s.emitProgress(sess)
	if sess.Step != before {
		s.emitStep(sess)
	}
}

func (s *Service) failRow(ctx context.Context, sessionID string, c cursor, cause error) {
	msg := provider.Message(cause)
	if ctx.Err() != nil {
		msg = "Generation canceled"
	}
	sess, err := s.sessions.Update(sessionID, func(st *session.State) error {
		_, err := st.MarkError(c.index, c.epoch, msg)
		return err
	})
	if err != nil {
		s.log.Warn("row_abandoned", "session_id", sessionID, "row", c.index, "error", err)
		return
	}
	s.log.Warn("row_failed", "session_id", sessionID, "row", c.index, "error", cause)
	s.hub.Emit(sessionID, model.EventRowFailed, map[string]any{
		"index": c.index,
		"row":   sess.Rows[c.index],
		"error": msg,
	})
	s.emitProgress(sess)
}

// taskRequest maps the session's model choice onto the image gateway payload.
func taskRequest(cfg model.SessionConfig, prompt string) provider.TaskRequest {
	req := provider.TaskRequest{
		Model:        "google/nano-banana",
		Prompt:       prompt,
		AspectRatio:  "1:1",
		OutputFormat: "png",
	}
	if cfg.Model == model.ModelNanoBananaPro {
		req.Model = "nano-banana-pro"
		req.Resolution = "1K"
	}
	if cfg.ProductImageURL != "" {
		req.ImageInputs = []string{cfg.ProductImageURL}
	}
	return req
}

func (s *Service) emitRow(sess model.Session, index int) {
	if index < 0 || index >= len(sess.Rows) {
		return
	}
	s.hub.Emit(sess.ID, model.EventRowUpdated, map[string]any{
		"index": index,
		"row":   sess.Rows[index],
	})
}

func (s *Service) emitProgress(sess model.Session) {
	s.hub.Emit(sess.ID, model.EventGenerationProgress, map[string]any{
		"progress":         sess.GenerationProgress,
		"completed_images": sess.CompletedImages,
	})
}

func (s *Service) emitStep(sess model.Session) {
	s.hub.Emit(sess.ID, model.EventStepChanged, map[string]any{"step": sess.Step})
}

func (s *Service) emitFinished(sess model.Session) {
	complete, failed := 0, 0
	for _, row := range sess.Rows {
		switch row.Status {
		case model.RowComplete:
			complete++
		case model.RowError:
			failed++
		}
	}
	s.hub.Emit(sess.ID, model.EventGenerationFinished, map[string]any{
		"complete": complete,
		"failed":   failed,
		"total":    len(sess.Rows),
		"progress": sess.GenerationProgress,
	})
}

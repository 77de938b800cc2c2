package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"adgen/server/internal/model"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidStep  = errors.New("invalid step transition")
	ErrRowNotFound  = errors.New("row not found")
	ErrInvalidRow   = errors.New("invalid row update")
	ErrInvalidInput = errors.New("invalid session input")
	ErrStale        = errors.New("stale row write")
	ErrPaused       = errors.New("generation paused")
)

// State is the mutable wizard state of one session. All writes go through
// the named transitions below so the row and step invariants hold after
// every call.
type State struct {
	s   model.Session
	now time.Time
}

func newState(id string, now time.Time) *State {
	st := &State{now: now}
	st.s = initialSession(id, now)
	return st
}

func initialSession(id string, now time.Time) model.Session {
	return model.Session{
		ID:              id,
		Step:            model.StepWelcome,
		Config:          model.DefaultSessionConfig(),
		Rows:            []model.AdRow{},
		CompletedImages: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (st *State) Snapshot() model.Session { return st.s.Clone() }
func (st *State) Step() model.Step        { return st.s.Step }
func (st *State) Epoch() int64            { return st.s.Epoch }
func (st *State) Paused() bool            { return st.s.Paused }
func (st *State) Config() model.SessionConfig {
	return st.s.Clone().Config
}

func (st *State) Analysis() *model.ProductAnalysis { return st.s.Analysis.Clone() }

func (st *State) Row(i int) (model.AdRow, error) {
	if i < 0 || i >= len(st.s.Rows) {
		return model.AdRow{}, fmt.Errorf("%w: %d", ErrRowNotFound, i)
	}
	return st.s.Rows[i], nil
}

// Advance moves the wizard exactly one step forward. Advancing to the
// current step is a no-op.
func (st *State) Advance(to model.Step) error {
	cur, next := st.s.Step.Ordinal(), to.Ordinal()
	if next < 0 {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidStep, to)
	}
	if next == cur {
		return nil
	}
	if next != cur+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStep, st.s.Step, to)
	}
	switch to {
	case model.StepReview:
		if len(st.s.Rows) == 0 {
			return fmt.Errorf("%w: no concept table", ErrInvalidStep)
		}
	case model.StepComplete:
		if !st.allComplete() {
			return fmt.Errorf("%w: rows still outstanding", ErrInvalidStep)
		}
	}
	st.s.Step = to
	st.touch()
	return nil
}

// Configure replaces the user configuration. It is rejected once
// generation has started.
func (st *State) Configure(cfg model.SessionConfig) error {
	if st.s.Step.Ordinal() >= model.StepGenerating.Ordinal() {
		return fmt.Errorf("%w: configuration is locked while generating", ErrInvalidStep)
	}
	if cfg.AdCount == 0 {
		cfg.AdCount = model.DefaultSessionConfig().AdCount
	}
	if !model.ValidAdCount(cfg.AdCount) {
		return fmt.Errorf("%w: ad count must be one of %v", ErrInvalidInput, model.AdCounts)
	}
	if cfg.Style == "" {
		cfg.Style = model.StyleModern
	}
	if !cfg.Style.Valid() {
		return fmt.Errorf("%w: unknown style %q", ErrInvalidInput, cfg.Style)
	}
	if cfg.Model == "" {
		cfg.Model = model.ModelNanoBanana
	}
	if !cfg.Model.Valid() {
		return fmt.Errorf("%w: unknown model %q", ErrInvalidInput, cfg.Model)
	}
	if len(cfg.Colors) > 3 {
		return fmt.Errorf("%w: at most 3 colors", ErrInvalidInput)
	}
	cfg.ProductName = strings.TrimSpace(cfg.ProductName)
	cfg.BrandName = strings.TrimSpace(cfg.BrandName)
	cfg.Watermark = strings.TrimSpace(cfg.Watermark)
	cfg.Colors = append([]model.Color{}, cfg.Colors...)
	if cfg.ProductImageURL == "" {
		cfg.ProductImageURL = st.s.Config.ProductImageURL
	}
	st.s.Config = cfg
	st.touch()
	return nil
}

func (st *State) SetProductImage(url string) {
	st.s.Config.ProductImageURL = url
	st.s.Analysis = nil
	st.touch()
}

// SetAnalysis replaces the product analysis wholesale and pre-fills brand
// and colors the user has not chosen yet.
func (st *State) SetAnalysis(a model.ProductAnalysis) {
	st.s.Analysis = a.Clone()
	if st.s.Config.BrandName == "" {
		st.s.Config.BrandName = a.BrandName
	}
	if len(st.s.Config.Colors) == 0 && len(a.Colors) > 0 {
		n := min(len(a.Colors), 3)
		st.s.Config.Colors = append([]model.Color{}, a.Colors[:n]...)
	}
	st.touch()
}

// SetRows installs a fresh concept table and invalidates any in-flight
// pipeline writes against the previous one.
func (st *State) SetRows(rows []model.AdRow) error {
	if st.s.Step.Ordinal() >= model.StepGenerating.Ordinal() {
		return fmt.Errorf("%w: table is locked while generating", ErrInvalidStep)
	}
	st.s.Rows = append([]model.AdRow{}, rows...)
	st.s.Epoch++
	st.recompute()
	return nil
}

// RowPatch lists the fields of an update; nil fields are left untouched.
type RowPatch struct {
	AdCopy        *string          `json:"ad_copy"`
	Product       *string          `json:"product"`
	Character     *string          `json:"character"`
	VisualGuide   *string          `json:"visual_guide"`
	TextWatermark *string          `json:"text_watermark"`
	Color1        *string          `json:"color_1"`
	Color2        *string          `json:"color_2"`
	Color3        *string          `json:"color_3"`
	Status        *model.RowStatus `json:"status"`
	ImageURL      *string          `json:"imageUrl"`
	TaskID        *string          `json:"taskId"`
	Prompt        *string          `json:"prompt"`
	Error         *string          `json:"error"`
}

// UpdateRow shallow-merges patch into row i. A merge that would leave a
// complete row without an image is rejected; any other status drops the
// image URL.
func (st *State) UpdateRow(i int, patch RowPatch) (model.AdRow, error) {
	if i < 0 || i >= len(st.s.Rows) {
		return model.AdRow{}, fmt.Errorf("%w: %d", ErrRowNotFound, i)
	}
	row := st.s.Rows[i]
	setString(&row.AdCopy, patch.AdCopy)
	setString(&row.Product, patch.Product)
	setString(&row.Character, patch.Character)
	setString(&row.VisualGuide, patch.VisualGuide)
	setString(&row.TextWatermark, patch.TextWatermark)
	setString(&row.Color1, patch.Color1)
	setString(&row.Color2, patch.Color2)
	setString(&row.Color3, patch.Color3)
	setString(&row.ImageURL, patch.ImageURL)
	setString(&row.TaskID, patch.TaskID)
	setString(&row.Prompt, patch.Prompt)
	setString(&row.Error, patch.Error)
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return model.AdRow{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRow, *patch.Status)
		}
		row.Status = *patch.Status
	}
	if row.Status == model.RowComplete && strings.TrimSpace(row.ImageURL) == "" {
		return model.AdRow{}, fmt.Errorf("%w: complete row requires an image url", ErrInvalidRow)
	}
	if row.Status != model.RowComplete {
		row.ImageURL = ""
	}
	st.s.Rows[i] = row
	st.recompute()
	return row, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func (st *State) pipelineRow(i int, epoch int64) (*model.AdRow, error) {
	if epoch != st.s.Epoch {
		return nil, ErrStale
	}
	if i < 0 || i >= len(st.s.Rows) {
		return nil, fmt.Errorf("%w: %d", ErrRowNotFound, i)
	}
	return &st.s.Rows[i], nil
}

func (st *State) MarkGenerating(i int, epoch int64) (model.AdRow, error) {
	row, err := st.pipelineRow(i, epoch)
	if err != nil {
		return model.AdRow{}, err
	}
	if st.s.Paused {
		return model.AdRow{}, ErrPaused
	}
	if row.Status != model.RowPending {
		return model.AdRow{}, fmt.Errorf("%w: row %d is %s", ErrInvalidRow, i, row.Status)
	}
	row.Status = model.RowGenerating
	row.ImageURL = ""
	row.Error = ""
	row.TaskID = ""
	st.recompute()
	return *row, nil
}

func (st *State) AttachTask(i int, epoch int64, taskID, prompt string) (model.AdRow, error) {
	row, err := st.pipelineRow(i, epoch)
	if err != nil {
		return model.AdRow{}, err
	}
	row.TaskID = taskID
	row.Prompt = prompt
	st.touch()
	return *row, nil
}

func (st *State) MarkComplete(i int, epoch int64, imageURL string) (model.AdRow, error) {
	if strings.TrimSpace(imageURL) == "" {
		return model.AdRow{}, fmt.Errorf("%w: complete row requires an image url", ErrInvalidRow)
	}
	row, err := st.pipelineRow(i, epoch)
	if err != nil {
		return model.AdRow{}, err
	}
	row.Status = model.RowComplete
	row.ImageURL = imageURL
	row.Error = ""
	st.recompute()
	return *row, nil
}

func (st *State) MarkError(i int, epoch int64, msg string) (model.AdRow, error) {
	row, err := st.pipelineRow(i, epoch)
	if err != nil {
		return model.AdRow{}, err
	}
	row.Status = model.RowError
	row.ImageURL = ""
	row.Error = msg
	st.recompute()
	return *row, nil
}

// ResetFailed puts every errored row back to pending and returns their positions.
func (st *State) ResetFailed() []int {
	var reset []int
	for i := range st.s.Rows {
		if st.s.Rows[i].Status == model.RowError {
			clearForRetry(&st.s.Rows[i])
			reset = append(reset, i)
		}
	}
	if len(reset) > 0 {
		st.recompute()
	}
	return reset
}

func (st *State) ResetRow(i int) (model.AdRow, error) {
	if i < 0 || i >= len(st.s.Rows) {
		return model.AdRow{}, fmt.Errorf("%w: %d", ErrRowNotFound, i)
	}
	if st.s.Rows[i].Status != model.RowError {
		return model.AdRow{}, fmt.Errorf("%w: only failed rows can be retried", ErrInvalidRow)
	}
	clearForRetry(&st.s.Rows[i])
	st.recompute()
	return st.s.Rows[i], nil
}

func clearForRetry(row *model.AdRow) {
	row.Status = model.RowPending
	row.ImageURL = ""
	row.TaskID = ""
	row.Error = ""
}

func (st *State) SetPaused(paused bool) {
	st.s.Paused = paused
	st.touch()
}

// NextPending is the resumable cursor of the runner: the first row still pending.
func (st *State) NextPending() (int, bool) {
	for i, row := range st.s.Rows {
		if row.Status == model.RowPending {
			return i, true
		}
	}
	return -1, false
}

// HasInFlight reports whether a row is between submission and its outcome.
func (st *State) HasInFlight() bool {
	for _, row := range st.s.Rows {
		if row.Status == model.RowGenerating {
			return true
		}
	}
	return false
}

// Reset restores every field to its initial value. Identity and creation
// time survive; the epoch moves on so late pipeline writes are dropped.
func (st *State) Reset() {
	epoch := st.s.Epoch + 1
	st.s = initialSession(st.s.ID, st.s.CreatedAt)
	st.s.Epoch = epoch
	st.touch()
}

func (st *State) allComplete() bool {
	if len(st.s.Rows) == 0 {
		return false
	}
	for _, row := range st.s.Rows {
		if row.Status != model.RowComplete {
			return false
		}
	}
	return true
}

func (st *State) recompute() {
	images := make([]string, 0, len(st.s.Rows))
	for _, row := range st.s.Rows {
		if row.Status == model.RowComplete {
			images = append(images, row.ImageURL)
		}
	}
	st.s.CompletedImages = images
	if len(st.s.Rows) == 0 {
		st.s.GenerationProgress = 0
	} else {
		st.s.GenerationProgress = float64(len(images)) / float64(len(st.s.Rows)) * 100
	}
	if st.s.Step == model.StepGenerating && st.allComplete() {
		st.s.Step = model.StepComplete
	}
	st.touch()
}

func (st *State) touch() {
	st.s.UpdatedAt = st.now
}

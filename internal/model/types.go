package model

import "time"

type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowGenerating RowStatus = "generating"
	RowComplete   RowStatus = "complete"
	RowError      RowStatus = "error"
)

func (s RowStatus) Valid() bool {
	switch s {
	case RowPending, RowGenerating, RowComplete, RowError:
		return true
	}
	return false
}

// AdRow is one advertisement concept and its generation lifecycle.
// ImageURL is set only while Status is RowComplete. TaskID is set once the
// image job is accepted, so a row that fails before submission ends in
// RowError without one.
type AdRow struct {
	Index         string    `json:"index"`
	AdCopy        string    `json:"ad_copy"`
	Product       string    `json:"product"`
	Character     string    `json:"character"`
	VisualGuide   string    `json:"visual_guide"`
	TextWatermark string    `json:"text_watermark"`
	Color1        string    `json:"color_1"`
	Color2        string    `json:"color_2"`
	Color3        string    `json:"color_3"`
	Status        RowStatus `json:"status"`
	ImageURL      string    `json:"imageUrl,omitempty"`
	TaskID        string    `json:"taskId,omitempty"`
	Prompt        string    `json:"prompt,omitempty"`
	Error         string    `json:"error,omitempty"`
}

type Color struct {
	Hex  string `json:"hex"`
	Name string `json:"name"`
}

type ProductAnalysis struct {
	BrandName           string   `json:"brandName"`
	Colors              []Color  `json:"colors"`
	VisualDescription   string   `json:"visualDescription"`
	SuggestedCharacters []string `json:"suggestedCharacters"`
	ProductType         string   `json:"productType"`
}

func (a *ProductAnalysis) Clone() *ProductAnalysis {
	if a == nil {
		return nil
	}
	out := *a
	out.Colors = append([]Color(nil), a.Colors...)
	out.SuggestedCharacters = append([]string(nil), a.SuggestedCharacters...)
	return &out
}

type Step string

const (
	StepWelcome    Step = "welcome"
	StepSetup      Step = "setup"
	StepReview     Step = "review"
	StepGenerating Step = "generating"
	StepComplete   Step = "complete"
)

// Steps is the wizard order. Transitions only move one position forward.
var Steps = []Step{StepWelcome, StepSetup, StepReview, StepGenerating, StepComplete}

func (s Step) Ordinal() int {
	for i, step := range Steps {
		if step == s {
			return i
		}
	}
	return -1
}

type Style string

const (
	StyleModern  Style = "modern"
	StylePlayful Style = "playful"
	StyleLuxury  Style = "luxury"
	StyleBold    Style = "bold"
	StyleMinimal Style = "minimal"
)

var Styles = []Style{StyleModern, StylePlayful, StyleLuxury, StyleBold, StyleMinimal}

func (s Style) Valid() bool {
	for _, v := range Styles {
		if v == s {
			return true
		}
	}
	return false
}

type ImageModel string

const (
	ModelNanoBanana    ImageModel = "nano-banana"
	ModelNanoBananaPro ImageModel = "nano-banana-pro"
)

func (m ImageModel) Valid() bool {
	return m == ModelNanoBanana || m == ModelNanoBananaPro
}

var AdCounts = []int{10, 20, 30}

func ValidAdCount(n int) bool {
	for _, v := range AdCounts {
		if v == n {
			return true
		}
	}
	return false
}

type SessionConfig struct {
	AdCount         int        `json:"ad_count"`
	ProductName     string     `json:"product_name"`
	BrandName       string     `json:"brand_name"`
	Watermark       string     `json:"watermark"`
	Colors          []Color    `json:"colors"`
	ProductImageURL string     `json:"product_image_url"`
	Style           Style      `json:"style"`
	Model           ImageModel `json:"model"`
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AdCount: 10,
		Colors:  []Color{},
		Style:   StyleModern,
		Model:   ModelNanoBanana,
	}
}

// ColorHexes returns up to three configured hex values in order.
func (c SessionConfig) ColorHexes() []string {
	out := make([]string, 0, 3)
	for _, col := range c.Colors {
		if len(out) == 3 {
			break
		}
		out = append(out, col.Hex)
	}
	return out
}

type Session struct {
	ID                 string           `json:"id"`
	Step               Step             `json:"current_step"`
	Config             SessionConfig    `json:"config"`
	Analysis           *ProductAnalysis `json:"product_analysis"`
	Rows               []AdRow          `json:"rows"`
	GenerationProgress float64          `json:"generation_progress"`
	CompletedImages    []string         `json:"completed_images"`
	Paused             bool             `json:"paused"`
	Epoch              int64            `json:"epoch"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (s Session) Clone() Session {
	out := s
	out.Config.Colors = append([]Color{}, s.Config.Colors...)
	out.Analysis = s.Analysis.Clone()
	out.Rows = append([]AdRow{}, s.Rows...)
	out.CompletedImages = append([]string{}, s.CompletedImages...)
	return out
}

type EventType string

const (
	EventSnapshot           EventType = "snapshot"
	EventStepChanged        EventType = "step_changed"
	EventRowUpdated         EventType = "row_updated"
	EventRowFailed          EventType = "row_failed"
	EventGenerationProgress EventType = "generation_progress"
	EventGenerationPaused   EventType = "generation_paused"
	EventGenerationFinished EventType = "generation_finished"
	EventSessionReset       EventType = "session_reset"
)

type SessionEvent struct {
	EventID   string         `json:"event_id"`
	Seq       int64          `json:"seq"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"type"`
	TS        time.Time      `json:"ts"`
	Payload   map[string]any `json:"payload"`
}

// Package concept turns user inputs into ad concept rows through the text model.
package concept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"adgen/server/internal/model"
	"adgen/server/internal/provider"
)

var (
	ErrInvalidRequest = errors.New("invalid concept request")
	ErrGeneration     = errors.New("concept generation failed")
)

// Fallbacks applied to any field the model leaves empty.
const (
	FallbackCharacter   = "Product showcase"
	FallbackVisualGuide = "Professional product photography"
	FallbackColor1      = "#6366f1"
	FallbackColor2      = "#8b5cf6"
	FallbackColor3      = "#ffffff"
)

type TableRequest struct {
	AdCount     int
	ProductName string
	BrandName   string
	Watermark   string
	Colors      []string
	Style       model.Style
	Analysis    *model.ProductAnalysis
}

type RegenerateRequest struct {
	Current     model.AdRow
	ProductName string
	BrandName   string
	Colors      []string
}

// ConceptPatch holds the creative fields replaced by a regeneration.
type ConceptPatch struct {
	AdCopy      string `json:"ad_copy"`
	Character   string `json:"character"`
	VisualGuide string `json:"visual_guide"`
}

type Generator struct {
	llm provider.TextModel
	log *slog.Logger
}

func NewGenerator(llm provider.TextModel, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Generator{llm: llm, log: logger}
}

// GenerateTable returns exactly req.AdCount pending rows. It makes a single
// model call; any upstream or parse failure is wrapped in ErrGeneration.
func (g *Generator) GenerateTable(ctx context.Context, req TableRequest) ([]model.AdRow, error) {
	req.ProductName = strings.TrimSpace(req.ProductName)
	if req.ProductName == "" {
		return nil, fmt.Errorf("%w: product name is required", ErrInvalidRequest)
	}
	if !model.ValidAdCount(req.AdCount) {
		return nil, fmt.Errorf("%w: ad count must be one of %v", ErrInvalidRequest, model.AdCounts)
	}

	content, err := g.llm.Complete(ctx, provider.CompletionRequest{
		System:      tableSystemPrompt,
		Prompt:      tableUserPrompt(req),
		JSON:        true,
		Temperature: 0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	decoded, err := decodeJSON(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	concepts := normalizeConcepts(decoded)
	if len(concepts) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, provider.ParseError("Model response contained no ad concepts", nil))
	}
	if len(concepts) != req.AdCount {
		g.log.Info("concept_count_adjusted", "requested", req.AdCount, "received", len(concepts))
	}
	return buildRows(concepts, req), nil
}

// buildRows truncates or pads concepts to req.AdCount rows.
func buildRows(concepts []rawConcept, req TableRequest) []model.AdRow {
	colors := [3]string{FallbackColor1, FallbackColor2, FallbackColor3}
	for i := 0; i < len(req.Colors) && i < 3; i++ {
		if c := strings.TrimSpace(req.Colors[i]); c != "" {
			colors[i] = c
		}
	}

	rows := make([]model.AdRow, req.AdCount)
	for i := range rows {
		var c rawConcept
		if i < len(concepts) {
			c = concepts[i]
		}
		rows[i] = model.AdRow{
			Index:         FormatIndex(i),
			AdCopy:        orDefault(c.AdCopy, req.ProductName+" Ad"),
			Product:       orDefault(c.Product, req.ProductName),
			Character:     orDefault(c.Character, FallbackCharacter),
			VisualGuide:   orDefault(c.VisualGuide, FallbackVisualGuide),
			TextWatermark: orDefault(c.TextWatermark, req.Watermark),
			Color1:        colors[0],
			Color2:        colors[1],
			Color3:        colors[2],
			Status:        model.RowPending,
		}
	}
	return rows
}

func FormatIndex(i int) string {
	return fmt.Sprintf("%02d", i+1)
}

func (g *Generator) AnalyzeProduct(ctx context.Context, imageURL string) (model.ProductAnalysis, error) {
	if strings.TrimSpace(imageURL) == "" {
		return model.ProductAnalysis{}, fmt.Errorf("%w: image url is required", ErrInvalidRequest)
	}
	content, err := g.llm.Complete(ctx, provider.CompletionRequest{
		Prompt:    analysisPrompt,
		ImageURL:  imageURL,
		JSON:      true,
		MaxTokens: 1000,
	})
	if err != nil {
		return model.ProductAnalysis{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	decoded, err := decodeJSON(content)
	if err != nil {
		return model.ProductAnalysis{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	analysis, ok := normalizeAnalysis(decoded)
	if !ok {
		return model.ProductAnalysis{}, fmt.Errorf("%w: %w", ErrGeneration, provider.ParseError("Product analysis is not a JSON object", nil))
	}
	return analysis, nil
}

func (g *Generator) RegenerateConcept(ctx context.Context, req RegenerateRequest) (ConceptPatch, error) {
	content, err := g.llm.Complete(ctx, provider.CompletionRequest{
		System:      regenerateSystemPrompt,
		Prompt:      regeneratePrompt(req),
		JSON:        true,
		Temperature: 1.0,
	})
	if err != nil {
		return ConceptPatch{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	decoded, err := decodeJSON(content)
	if err != nil {
		return ConceptPatch{}, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return ConceptPatch{}, fmt.Errorf("%w: %w", ErrGeneration, provider.ParseError("Regenerated concept is not a JSON object", nil))
	}
	patch := ConceptPatch{
		AdCopy:      orDefault(pick(obj, conceptKeys.AdCopy), req.Current.AdCopy),
		Character:   orDefault(pick(obj, conceptKeys.Character), req.Current.Character),
		VisualGuide: orDefault(pick(obj, conceptKeys.VisualGuide), req.Current.VisualGuide),
	}
	return patch, nil
}

// BuildImagePrompt asks the model for one detailed image prompt for row.
func (g *Generator) BuildImagePrompt(ctx context.Context, row model.AdRow) (string, error) {
	content, err := g.llm.Complete(ctx, provider.CompletionRequest{
		System:      imagePromptSystem,
		Prompt:      imagePromptRequest(row),
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

package concept

import (
	"encoding/json"
	"strings"

	"adgen/server/internal/model"
	"adgen/server/internal/provider"
)

// rawConcept is a model-produced concept after key normalization.
type rawConcept struct {
	AdCopy        string
	Product       string
	Character     string
	VisualGuide   string
	TextWatermark string
}

// conceptKeys lists the accepted spellings per canonical field, in priority order.
var conceptKeys = struct {
	AdCopy, Product, Character, VisualGuide, TextWatermark []string
}{
	AdCopy:        []string{"ad_copy", "adCopy"},
	Product:       []string{"product"},
	Character:     []string{"character"},
	VisualGuide:   []string{"visual_guide", "visualGuide"},
	TextWatermark: []string{"text_watermark", "textWatermark"},
}

var wrapperKeys = []string{"ads", "concepts", "rows"}

// decodeJSON parses model output, tolerating a surrounding markdown fence.
func decodeJSON(content string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(stripFence(content)), &v); err != nil {
		return nil, provider.ParseError("Model response is not valid JSON", err)
	}
	return v, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// normalizeConcepts accepts a bare array or an object wrapping one.
func normalizeConcepts(v any) []rawConcept {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any:
		for _, k := range wrapperKeys {
			if list, ok := t[k].([]any); ok {
				items = list
				break
			}
		}
	}
	out := make([]rawConcept, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, rawConcept{
			AdCopy:        pick(obj, conceptKeys.AdCopy),
			Product:       pick(obj, conceptKeys.Product),
			Character:     pick(obj, conceptKeys.Character),
			VisualGuide:   pick(obj, conceptKeys.VisualGuide),
			TextWatermark: pick(obj, conceptKeys.TextWatermark),
		})
	}
	return out
}

func normalizeAnalysis(v any) (model.ProductAnalysis, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return model.ProductAnalysis{}, false
	}
	a := model.ProductAnalysis{
		BrandName:           pick(obj, []string{"brandName", "brand_name", "brand"}),
		VisualDescription:   pick(obj, []string{"visualDescription", "visual_description"}),
		ProductType:         pick(obj, []string{"productType", "product_type"}),
		Colors:              []model.Color{},
		SuggestedCharacters: []string{},
	}
	for _, c := range listAt(obj, "colors") {
		if len(a.Colors) == 3 {
			break
		}
		switch t := c.(type) {
		case map[string]any:
			hex := pick(t, []string{"hex"})
			if hex == "" {
				continue
			}
			a.Colors = append(a.Colors, model.Color{Hex: hex, Name: pick(t, []string{"name"})})
		case string:
			if t != "" {
				a.Colors = append(a.Colors, model.Color{Hex: t})
			}
		}
	}
	for _, c := range listAt(obj, "suggestedCharacters", "suggested_characters") {
		if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
			a.SuggestedCharacters = append(a.SuggestedCharacters, strings.TrimSpace(s))
		}
	}
	return a, true
}

func pick(obj map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func listAt(obj map[string]any, keys ...string) []any {
	for _, k := range keys {
		if list, ok := obj[k].([]any); ok {
			return list
		}
	}
	return nil
}

package concept

import (
	"fmt"
	"strings"

	"adgen/server/internal/model"
)

const tableSystemPrompt = `You are Ideator GPT, a specialized assistant that generates structured visual concept tables for creative, marketing, and advertising ideation.

Your job is to generate ad concepts in JSON format. For each ad, create:
1. ad_copy: Short, energetic slogan (20-35 characters, punchy and action-oriented)
2. product: Product name/type (use the provided product name)
3. character: Person, mascot, animal, or figure relevant to the concept - be creative and varied
4. visual_guide: 200-300 characters describing camera angle, background, action, mood, style. Keep consistent visual quality across rows. Be specific about composition, lighting, and mood.
5. text_watermark: Brand watermark if provided

Rules:
- Make each ad concept UNIQUE and VARIED - different characters, different scenarios, different moods
- Ad copy should be catchy, memorable slogans (not descriptions)
- Visual guides should be detailed enough for AI image generation
- Include a mix of lifestyle shots, product-focused shots, action shots and emotional moments
- Vary settings and camera angles

Output as a JSON array of objects.`

const imagePromptSystem = `You create detailed image generation prompts for AI ad creatives.

The final prompt should be written like this:

Make an image ad for this product with the following elements.

product: [product name]
character: [character description]
ad_copy: [text to display on the ad]
visual_guide: [detailed visual description]
text_watermark: [watermark text]
text_watermark_location: [location]
Primary color of ad: [color]
Secondary color of ad: [color]
Tertiary color of ad: [color]

Rules:
- Always include all required fields
- If ad copy is empty, do not include text in the image
- If text_watermark is empty, do not include a watermark
- Never include any extra text apart from the ad copy and watermark
- Never alter the product appearance
- Make the visual guide extremely detailed: lighting, camera angle, composition, mood, style
- Keep colors consistent with the brand palette`

const analysisPrompt = `Analyze this product/logo image and extract:
1. Brand name (if visible or inferable)
2. Main colors (up to 3, with hex codes and names)
3. Visual description (what the product/logo looks like)
4. Suggested character types for ads (3-5 suggestions)
5. Product type/category

Return as JSON with keys: brandName, colors (array of {hex, name}), visualDescription, suggestedCharacters (array of strings), productType`

const regenerateSystemPrompt = `You regenerate single ad concepts. Create something COMPLETELY DIFFERENT from what's provided.`

var styleGuides = map[model.Style]string{
	model.StyleModern:  "Clean, minimalist aesthetic with lots of white space and geometric shapes",
	model.StylePlayful: "Vibrant, energetic with dynamic poses and bright saturated colors",
	model.StyleLuxury:  "Elegant, sophisticated with dark backgrounds and gold accents",
	model.StyleBold:    "High contrast, dramatic lighting, powerful imagery",
	model.StyleMinimal: "Simple compositions, muted colors, focus on the product",
}

func styleGuide(s model.Style) string {
	if g, ok := styleGuides[s]; ok {
		return g
	}
	return "Modern and professional"
}

func colorLine(colors []string) string {
	if len(colors) == 0 {
		return "Use modern, appealing colors"
	}
	second := colors[0]
	if len(colors) > 1 {
		second = colors[1]
	}
	accent := "#ffffff"
	if len(colors) > 2 {
		accent = colors[2]
	}
	return fmt.Sprintf("Primary: %s, Secondary: %s, Accent: %s", colors[0], second, accent)
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func tableUserPrompt(req TableRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d unique ad concepts for:\n\n", req.AdCount)
	fmt.Fprintf(&b, "Product: %s\n", req.ProductName)
	fmt.Fprintf(&b, "Brand: %s\n", orDefault(req.BrandName, "Generic brand"))
	fmt.Fprintf(&b, "Watermark: %s\n", orDefault(req.Watermark, "none"))
	fmt.Fprintf(&b, "Colors: %s\n", colorLine(req.Colors))
	fmt.Fprintf(&b, "Style Direction: %s\n", styleGuide(req.Style))
	if req.Analysis != nil && req.Analysis.VisualDescription != "" {
		fmt.Fprintf(&b, "Product Details: %s\n", req.Analysis.VisualDescription)
	}
	fmt.Fprintf(&b, "\nCreate %d DIVERSE ad concepts. Each should feel fresh and different. Mix up characters, settings, moods, camera angles and compositions.\n\n", req.AdCount)
	b.WriteString(`Return as JSON object with key "ads" containing an array with keys: ad_copy, product, character, visual_guide, text_watermark`)
	return b.String()
}

func imagePromptRequest(row model.AdRow) string {
	return fmt.Sprintf(`Create 1 image prompt for this ad:

product: %s
character: %s
ad_copy: %s
visual_guide: %s
text_watermark: %s
Primary color: %s
Secondary color: %s
Tertiary color: %s

Return ONLY the prompt text, no JSON wrapping.`,
		row.Product, row.Character, row.AdCopy, row.VisualGuide, row.TextWatermark,
		row.Color1, row.Color2, row.Color3)
}

func regeneratePrompt(req RegenerateRequest) string {
	colors := "Modern palette"
	if len(req.Colors) > 0 {
		colors = strings.Join(req.Colors, ", ")
	}
	return fmt.Sprintf(`Regenerate this ad concept with something totally fresh and different:

Current (DO NOT repeat this):
- Ad copy: %s
- Character: %s
- Visual guide: %s

Product: %s
Brand: %s
Colors: %s

Return JSON with keys: ad_copy, character, visual_guide
Make it COMPLETELY different - new character type, new setting, new mood.`,
		req.Current.AdCopy, req.Current.Character, req.Current.VisualGuide,
		req.ProductName, orDefault(req.BrandName, "Generic"), colors)
}

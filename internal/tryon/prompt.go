package tryon

import (
	"encoding/json"
	"strings"
)

// Product categories the classifier can return. Anything else collapses
// to CategoryOther.
const (
	CategoryClothing   = "clothing"
	CategoryWatch      = "watch"
	CategoryJewelry    = "jewelry"
	CategorySunglasses = "sunglasses"
	CategoryShoes      = "shoes"
	CategoryBag        = "bag"
	CategoryOther      = "other"
)

// minConfidence is the classifier confidence below which the generic
// prompt is used instead of the category-specific one.
const minConfidence = 0.5

const promptCommon = "Preserve the person's face, skin tone, body shape, and lighting. " +
	"Place the product naturally on the body. Keep the background unchanged."

// categoryPrompt returns the generation instruction for a product
// category.
func categoryPrompt(category string) string {
	switch category {
	case CategoryClothing:
		return "Make the person wear the clothing item from the product image. " + promptCommon
	case CategoryWatch:
		return "Place the watch on the person's wrist. " + promptCommon
	case CategoryJewelry:
		return "Place the jewelry on the person appropriately (neck, ears, or wrist). " + promptCommon
	case CategorySunglasses:
		return "Place the sunglasses on the person's face. " + promptCommon
	case CategoryShoes:
		return "Place the shoes on the person's feet. " + promptCommon
	case CategoryBag:
		return "Place the bag naturally on the person (hand or shoulder). " + promptCommon
	default:
		return "Place the product on the person in a natural way. " + promptCommon
	}
}

const classifyPrompt = "Classify the product in the image into one of these categories: " +
	"clothing, watch, jewelry, sunglasses, shoes, bag, other. " +
	"Return ONLY a JSON object with keys category and confidence (0 to 1)."

const analyzePrompt = "Analyze this photo for a virtual product try-on tool. " +
	"Respond with ONLY valid JSON: {\"suitable\":true/false,\"reason\":\"...\"}.\n\n" +
	"The photo is NOT suitable when:\n" +
	"- No person or face is clearly visible in the photo\n" +
	"- The photo is too dark or blurry to process\n\n" +
	"The photo IS suitable when a person is clearly visible, even partially."

// Classification is the parsed classifier verdict.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Raw        string  `json:"raw,omitempty"`
}

// photoAnalysis is the parsed suitability verdict.
type photoAnalysis struct {
	Suitable bool   `json:"suitable"`
	Reason   string `json:"reason"`
}

// parseClassification extracts a classification from model text.
// Unparseable output degrades to the "other" category rather than
// failing the request.
func parseClassification(text string) *Classification {
	var c Classification
	if err := json.Unmarshal([]byte(firstJSON(text)), &c); err != nil || c.Category == "" {
		return &Classification{Category: CategoryOther, Confidence: 0, Raw: text}
	}
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))
	switch c.Category {
	case CategoryClothing, CategoryWatch, CategoryJewelry, CategorySunglasses, CategoryShoes, CategoryBag:
	default:
		c.Category = CategoryOther
	}
	c.Raw = text
	return &c
}

// unmarshalAnalysis parses a suitability verdict out of model text.
func unmarshalAnalysis(text string, out *photoAnalysis) error {
	return json.Unmarshal([]byte(firstJSON(text)), out)
}

// firstJSON returns the first {...} block in text, or the text itself
// when no braces are found. Models like to wrap JSON in prose or code
// fences.
func firstJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return text
	}
	return text[start : end+1]
}

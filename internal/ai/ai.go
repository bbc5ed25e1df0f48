// Package ai defines the optional text/image enhancement collaborators.
// Each capability is an interface with a deterministic non-AI fallback, so
// listing and search flows never hard-depend on a remote model being up.
package ai

import (
	"context"
	"strings"

	"swapmarket/internal/models"
)

// ParsedQuery is the structured interpretation of a free-text search.
type ParsedQuery struct {
	Keywords   []string          `json:"keywords"`
	Categories []models.Category `json:"categories"`
}

// ImageAnalysis is the suggested listing metadata derived from a photo.
type ImageAnalysis struct {
	Title    string          `json:"title"`
	Category models.Category `json:"category"`
	Tags     []string        `json:"tags"`
}

// QueryParser extracts keywords and category hints from a search query.
type QueryParser interface {
	ParseSearchQuery(ctx context.Context, text string) (ParsedQuery, error)
}

// ImageAnalyzer suggests listing metadata from an uploaded image.
type ImageAnalyzer interface {
	AnalyzeImage(ctx context.Context, data []byte, contentType string) (ImageAnalysis, error)
}

// DescriptionGenerator drafts a listing description from title and category.
type DescriptionGenerator interface {
	GenerateDescription(ctx context.Context, title string, category models.Category) (string, error)
}

// categoryHints maps common search words to the category they imply.
var categoryHints = map[string]models.Category{
	"app":       models.CategoryDigital,
	"ebook":     models.CategoryDigital,
	"software":  models.CategoryDigital,
	"game":      models.CategoryDigital,
	"license":   models.CategoryDigital,
	"furniture": models.CategoryPhysical,
	"phone":     models.CategoryPhysical,
	"laptop":    models.CategoryPhysical,
	"bike":      models.CategoryPhysical,
	"camera":    models.CategoryPhysical,
	"lesson":    models.CategoryServices,
	"lessons":   models.CategoryServices,
	"tutoring":  models.CategoryServices,
	"design":    models.CategoryServices,
	"repair":    models.CategoryServices,
	"bitcoin":   models.CategoryCrypto,
	"ethereum":  models.CategoryCrypto,
	"nft":       models.CategoryCrypto,
	"token":     models.CategoryCrypto,
}

// HeuristicParser is the deterministic fallback query parser: it tokenizes
// the query, drops short stop words, and maps known nouns to categories.
type HeuristicParser struct{}

func NewHeuristicParser() *HeuristicParser { return &HeuristicParser{} }

func (p *HeuristicParser) ParseSearchQuery(_ context.Context, text string) (ParsedQuery, error) {
	out := ParsedQuery{Keywords: []string{}, Categories: []models.Category{}}
	seen := map[models.Category]bool{}
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?\"'")
		if len(tok) < 3 {
			continue
		}
		out.Keywords = append(out.Keywords, tok)
		if c, ok := categoryHints[tok]; ok && !seen[c] {
			seen[c] = true
			out.Categories = append(out.Categories, c)
		}
	}
	return out, nil
}

// NullAnalyzer is the no-op ImageAnalyzer used when no AI endpoint is
// configured. It returns an empty suggestion, never an error.
type NullAnalyzer struct{}

func (NullAnalyzer) AnalyzeImage(context.Context, []byte, string) (ImageAnalysis, error) {
	return ImageAnalysis{}, nil
}

// NullGenerator is the pass-through DescriptionGenerator fallback: it echoes
// a plain sentence built from the title so the form is never left blank.
type NullGenerator struct{}

func (NullGenerator) GenerateDescription(_ context.Context, title string, category models.Category) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", nil
	}
	return title + " available for swap in the " + string(category) + " category.", nil
}

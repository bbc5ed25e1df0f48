package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"swapmarket/internal/config"
	"swapmarket/internal/models"
)

// Client talks to the configured AI endpoint and implements all three
// capability interfaces. Failures are logged and reported to the caller,
// which is expected to fall back to the heuristic/null implementations.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewClient creates an AI client, or nil if no endpoint is configured so
// callers can select the fallback implementations at startup.
func NewClient(cfg *config.Config) *Client {
	if cfg.AiEndpoint == "" {
		return nil
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.AiTimeout},
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode AI request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.AiEndpoint+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create AI request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AiApiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AiApiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("Error calling AI endpoint %s: %v", path, err)
		return fmt.Errorf("failed to contact AI service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read AI response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("AI endpoint %s returned non-OK status: %d - Body: %s", path, resp.StatusCode, string(body))
		return fmt.Errorf("AI service returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse AI response: %w", err)
	}
	return nil
}

// ParseSearchQuery extracts keywords and category hints from a query.
func (c *Client) ParseSearchQuery(ctx context.Context, text string) (ParsedQuery, error) {
	var out ParsedQuery
	err := c.post(ctx, "/parse-query", map[string]string{"query": text}, &out)
	if err != nil {
		return ParsedQuery{}, err
	}
	// Drop unknown categories the model may have invented.
	valid := out.Categories[:0]
	for _, cat := range out.Categories {
		if models.ValidCategory(cat) {
			valid = append(valid, cat)
		}
	}
	out.Categories = valid
	return out, nil
}

// AnalyzeImage suggests listing metadata from an uploaded photo.
func (c *Client) AnalyzeImage(ctx context.Context, data []byte, contentType string) (ImageAnalysis, error) {
	payload := map[string]string{
		"image":        base64.StdEncoding.EncodeToString(data),
		"content_type": contentType,
	}
	var out ImageAnalysis
	if err := c.post(ctx, "/analyze-image", payload, &out); err != nil {
		return ImageAnalysis{}, err
	}
	if !models.ValidCategory(out.Category) {
		out.Category = ""
	}
	return out, nil
}

// GenerateDescription drafts a listing description.
func (c *Client) GenerateDescription(ctx context.Context, title string, category models.Category) (string, error) {
	payload := map[string]string{"title": title, "category": string(category)}
	var out struct {
		Description string `json:"description"`
	}
	if err := c.post(ctx, "/generate-description", payload, &out); err != nil {
		return "", err
	}
	return out.Description, nil
}

var (
	_ QueryParser          = (*Client)(nil)
	_ ImageAnalyzer        = (*Client)(nil)
	_ DescriptionGenerator = (*Client)(nil)
)

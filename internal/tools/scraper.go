package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/andrey/deskpilot/internal/task"
)

// ScraperTool fetches a webpage and extracts the readable content as
// clean text. Its output feeds straight into text-based verification.
type ScraperTool struct {
	UserAgent string
}

func NewScraperTool() *ScraperTool {
	return &ScraperTool{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	}
}

func (s *ScraperTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web.scrape",
		Description: "Fetch a webpage URL and extract the main content as clean, sanitized text.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The full URL of the webpage to scrape (e.g., https://example.com/article)",
				},
			},
			"required": []string{"url"},
		},
		Risk:       task.RiskSafe,
		Idempotent: true,
		Timeout:    45 * time.Second,
	}
}

func (s *ScraperTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", args.URL, nil)
	if err != nil {
		return Fail("failed to create request: %v", err), nil
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return Fail("failed to fetch URL: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Fail("failed to fetch URL: status code %d", resp.StatusCode), nil
	}

	parsedURL, err := url.Parse(args.URL)
	if err != nil {
		return Fail("failed to parse URL: %v", err), nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return Fail("failed to parse article: %v", err), nil
	}

	// Strip any HTML that survived extraction.
	p := bluemonday.StrictPolicy()
	sanitized := p.Sanitize(article.TextContent)

	output := fmt.Sprintf("TITLE: %s\n", article.Title)
	if article.Excerpt != "" {
		output += fmt.Sprintf("EXCERPT: %s\n", article.Excerpt)
	}
	output += "\n-- CONTENT --\n"

	content := sanitized
	if len(content) > 50000 {
		content = content[:50000] + "\n... (content truncated) ..."
	}
	output += content

	return Ok(output), nil
}

package tools

import (
	"context"
	"time"

	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/andrey/deskpilot/internal/task"
)

// SearchTool queries the web through DuckDuckGo.
type SearchTool struct {
	client *duckduckgo.Tool
}

func NewSearchTool() (*SearchTool, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &SearchTool{client: ddg}, nil
}

func (s *SearchTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web.search",
		Description: "Search the web using DuckDuckGo for real-time information.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query to look up",
				},
			},
			"required": []string{"query"},
		},
		Risk:       task.RiskSafe,
		Idempotent: true,
		Timeout:    30 * time.Second,
	}
}

func (s *SearchTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	res, err := s.client.Call(ctx, args.Query)
	if err != nil {
		return Fail("search failed: %v", err), nil
	}
	return Ok(res), nil
}

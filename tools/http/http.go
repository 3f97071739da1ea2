// Package http implements the read_url dispatcher tool: fetch a page and
// reduce it to readable text for the planner.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	engram "github.com/sorane/engram"
	"github.com/sorane/engram/ingest"
)

// maxContentChars caps what a single page can contribute to a prompt.
const maxContentChars = 8000

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// New creates the tool with a 15-second request timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *Tool) Definitions() []engram.ToolDefinition {
	return []engram.ToolDefinition{{
		Name:        "read_url",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (engram.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return engram.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.URL == "" {
		return engram.ToolResult{Error: "url must not be empty"}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return engram.ToolResult{Error: err.Error()}, nil
	}

	if len(content) > maxContentChars {
		content = content[:maxContentChars] + "\n... (truncated)"
	}

	return engram.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported so other tools
// can reuse the extraction path.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; EngramBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	// Readability first; fall back to plain tag stripping when it finds
	// nothing (non-article pages, fragments).
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		text := strings.TrimSpace(article.TextContent)
		if article.Title != "" {
			return article.Title + "\n\n" + text, nil
		}
		return text, nil
	}

	return ingest.StripHTML(html), nil
}

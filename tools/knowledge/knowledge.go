// Package knowledge implements the memory_search dispatcher tool: hybrid
// vector plus keyword search over the assistant's long-term memory.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	engram "github.com/sorane/engram"
)

// Tool searches stored memory fragments.
type Tool struct {
	vectors   engram.VectorStore
	embedding engram.EmbeddingProvider
	topK      int
}

// Option configures the tool.
type Option func(*Tool)

// WithTopK sets the per-branch result count. Default is 5.
func WithTopK(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.topK = n
		}
	}
}

// New creates the tool.
func New(vectors engram.VectorStore, embedding engram.EmbeddingProvider, opts ...Option) *Tool {
	t := &Tool{vectors: vectors, embedding: embedding, topK: 5}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tool) Definitions() []engram.ToolDefinition {
	return []engram.ToolDefinition{{
		Name:        "memory_search",
		Description: "Search the assistant's long-term memory of past conversations and saved facts. Use when the user refers to something discussed before, or asks what you remember. Set scope to \"user\" to restrict results to the requesting user's own history.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to look for, phrased as a search query"},"scope":{"type":"string","enum":["channel","user","all"],"description":"channel (default): this channel's memories. user: only memories involving the requesting user. all: no filter."}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (engram.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return engram.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return engram.ToolResult{Error: "query must not be empty"}, nil
	}

	q := engram.SearchQuery{
		Keyword:  params.Query,
		VectorK:  t.topK,
		KeywordK: t.topK,
	}

	// Identity comes from the dispatcher, never from model output.
	scope, _ := engram.RequestScopeFrom(ctx)
	switch params.Scope {
	case "user":
		q.UserID = scope.UserID
	case "all":
	default:
		q.ChannelID = scope.ChannelID
	}

	vec, err := t.embedding.EmbedQuery(ctx, params.Query)
	if err == nil {
		q.Vector = vec
	}
	// On embedding failure the keyword branch still runs.

	hits, err := t.vectors.Search(ctx, q)
	if err != nil {
		return engram.ToolResult{Error: "memory search error: " + err.Error()}, nil
	}
	if len(hits) == 0 {
		return engram.ToolResult{Content: fmt.Sprintf("No stored memories match %q.", params.Query)}, nil
	}

	return engram.ToolResult{Content: formatHits(hits)}, nil
}

func formatHits(hits []engram.ScoredFragment) string {
	var out strings.Builder
	out.WriteString("Relevant memories:\n")
	for i, h := range hits {
		fmt.Fprintf(&out, "%d. (score %.2f) %s\n", i+1, h.Score, h.Content)
		if h.Metadata.JumpURL != "" {
			fmt.Fprintf(&out, "   source: %s", h.Metadata.JumpURL)
			if h.Metadata.EndTimestamp > 0 {
				fmt.Fprintf(&out, " (%s)", time.Unix(h.Metadata.EndTimestamp, 0).UTC().Format("2006-01-02"))
			}
			out.WriteString("\n")
		}
	}
	return out.String()
}

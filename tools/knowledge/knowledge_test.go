package knowledge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	engram "github.com/sorane/engram"
)

type stubVectors struct {
	lastQuery engram.SearchQuery
	hits      []engram.ScoredFragment
	err       error
}

func (s *stubVectors) AddMemories(context.Context, []engram.MemoryFragment) error { return nil }
func (s *stubVectors) Init(context.Context) error                                 { return nil }
func (s *stubVectors) Close() error                                               { return nil }

func (s *stubVectors) Search(_ context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	s.lastQuery = q
	return s.hits, s.err
}

type stubEmbedder struct {
	fail bool
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	return []float32{0.1, 0.2}, nil
}

func (s *stubEmbedder) Dimensions() int { return 2 }
func (s *stubEmbedder) Name() string    { return "stub" }

func scopedCtx() context.Context {
	return engram.WithRequestScope(context.Background(), engram.RequestScope{
		UserID:    "u1",
		ChannelID: "ch1",
		GuildID:   "g1",
	})
}

func TestMemorySearchDefaultsToChannelScope(t *testing.T) {
	vectors := &stubVectors{hits: []engram.ScoredFragment{{
		MemoryFragment: engram.MemoryFragment{Content: "we planned the trip"},
		Score:          0.9,
	}}}
	tool := New(vectors, &stubEmbedder{})

	args, _ := json.Marshal(map[string]string{"query": "trip plans"})
	result, err := tool.Execute(scopedCtx(), "memory_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if !strings.Contains(result.Content, "we planned the trip") {
		t.Errorf("content = %q", result.Content)
	}
	if vectors.lastQuery.ChannelID != "ch1" {
		t.Errorf("channel filter = %q, want ch1", vectors.lastQuery.ChannelID)
	}
	if vectors.lastQuery.UserID != "" {
		t.Errorf("user filter should be empty, got %q", vectors.lastQuery.UserID)
	}
	if len(vectors.lastQuery.Vector) == 0 {
		t.Error("query vector missing")
	}
	if vectors.lastQuery.Keyword != "trip plans" {
		t.Errorf("keyword = %q", vectors.lastQuery.Keyword)
	}
}

func TestMemorySearchUserScopeFromContext(t *testing.T) {
	vectors := &stubVectors{}
	tool := New(vectors, &stubEmbedder{})

	args, _ := json.Marshal(map[string]string{"query": "my birthday", "scope": "user"})
	if _, err := tool.Execute(scopedCtx(), "memory_search", args); err != nil {
		t.Fatal(err)
	}
	if vectors.lastQuery.UserID != "u1" {
		t.Errorf("user filter = %q, want u1", vectors.lastQuery.UserID)
	}
	if vectors.lastQuery.ChannelID != "" {
		t.Errorf("channel filter should be empty for user scope, got %q", vectors.lastQuery.ChannelID)
	}
}

func TestMemorySearchAllScopeUnfiltered(t *testing.T) {
	vectors := &stubVectors{}
	tool := New(vectors, &stubEmbedder{})

	args, _ := json.Marshal(map[string]string{"query": "anything", "scope": "all"})
	if _, err := tool.Execute(scopedCtx(), "memory_search", args); err != nil {
		t.Fatal(err)
	}
	if vectors.lastQuery.UserID != "" || vectors.lastQuery.ChannelID != "" {
		t.Errorf("all scope should not filter, got %+v", vectors.lastQuery)
	}
}

func TestMemorySearchEmbeddingFailureKeepsKeywordBranch(t *testing.T) {
	vectors := &stubVectors{}
	tool := New(vectors, &stubEmbedder{fail: true})

	args, _ := json.Marshal(map[string]string{"query": "pizza night"})
	result, err := tool.Execute(scopedCtx(), "memory_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error != "" {
		t.Fatalf("tool error: %s", result.Error)
	}
	if len(vectors.lastQuery.Vector) != 0 {
		t.Error("vector should be absent after embedding failure")
	}
	if vectors.lastQuery.Keyword != "pizza night" {
		t.Errorf("keyword = %q", vectors.lastQuery.Keyword)
	}
}

func TestMemorySearchNoHits(t *testing.T) {
	tool := New(&stubVectors{}, &stubEmbedder{})
	args, _ := json.Marshal(map[string]string{"query": "nothing here"})
	result, err := tool.Execute(scopedCtx(), "memory_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, "No stored memories") {
		t.Errorf("content = %q", result.Content)
	}
}

func TestMemorySearchEmptyQuery(t *testing.T) {
	tool := New(&stubVectors{}, &stubEmbedder{})
	result, _ := tool.Execute(scopedCtx(), "memory_search", json.RawMessage(`{"query":""}`))
	if result.Error == "" {
		t.Error("expected error for empty query")
	}
}

func TestMemorySearchFormatsJumpURL(t *testing.T) {
	vectors := &stubVectors{hits: []engram.ScoredFragment{{
		MemoryFragment: engram.MemoryFragment{
			Content: "decided on Friday",
			Metadata: engram.FragmentMetadata{
				JumpURL:      "https://discord.com/channels/g/c/m",
				EndTimestamp: 1740000000,
			},
		},
		Score: 0.8,
	}}}
	tool := New(vectors, &stubEmbedder{})

	args, _ := json.Marshal(map[string]string{"query": "friday"})
	result, _ := tool.Execute(scopedCtx(), "memory_search", args)
	if !strings.Contains(result.Content, "https://discord.com/channels/g/c/m") {
		t.Errorf("jump url missing: %q", result.Content)
	}
}

package search

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubEmbedder struct {
	fail bool
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, context.DeadlineExceeded
	}
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		// Texts mentioning "quantum" land near the query, others far away.
		if strings.Contains(strings.ToLower(txt), "quantum") {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) Dimensions() int { return 2 }
func (s *stubEmbedder) Name() string    { return "stub" }

func TestCosineSimilarityIdentical(t *testing.T) {
	a := []float32{1, 2, 3}
	sim := cosineSimilarity(a, a)
	if math.Abs(float64(sim)-1.0) > 0.001 {
		t.Errorf("expected ~1.0, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	sim := cosineSimilarity(a, b)
	if math.Abs(float64(sim)) > 0.001 {
		t.Errorf("expected ~0, got %f", sim)
	}
}

func TestCosineSimilarityEmpty(t *testing.T) {
	if sim := cosineSimilarity(nil, nil); sim != 0 {
		t.Errorf("expected 0, got %f", sim)
	}
}

func TestFormatRankedResults(t *testing.T) {
	ranked := []rankedChunk{
		{Text: "first result", SourceIndex: 0, SourceTitle: "Title A", Score: 0.95},
		{Text: "second result", SourceIndex: 1, SourceTitle: "Title B", Score: 0.80},
	}
	results := []resultWithContent{
		{Result: braveResult{Title: "Title A", URL: "https://a.com"}},
		{Result: braveResult{Title: "Title B", URL: "https://b.com"}},
	}

	out := formatRankedResults(ranked, results)
	if !strings.Contains(out, "first result") {
		t.Error("missing first result")
	}
	if !strings.Contains(out, "https://a.com") {
		t.Error("missing source URL")
	}
	if !strings.Contains(out, "Sources:") {
		t.Error("missing sources section")
	}
}

func TestDefinitions(t *testing.T) {
	tool := New(&stubEmbedder{}, "test-key")
	defs := tool.Definitions()
	if len(defs) != 1 || defs[0].Name != "internet_search" {
		t.Errorf("wrong definitions: %+v", defs)
	}
}

func TestExecuteEmptyQuery(t *testing.T) {
	tool := New(&stubEmbedder{}, "test-key")
	args, _ := json.Marshal(map[string]string{"query": "  "})
	result, err := tool.Execute(context.Background(), "internet_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error == "" {
		t.Error("expected error for empty query")
	}
}

func TestSearchRanksRelevantFirst(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>Quantum computers use qubits to run quantum algorithms at scale today.</p></body></html>"))
	}))
	defer page.Close()

	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "test-key" {
			t.Errorf("missing subscription token, got %q", got)
		}
		resp := map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "Quantum Today", "url": page.URL + "/a", "description": "Latest quantum computing breakthroughs explained in detail for everyone."},
					{"title": "Cooking Blog", "url": page.URL + "/missing", "description": "How to bake sourdough bread at home with simple ingredients."},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer brave.Close()

	tool := New(&stubEmbedder{}, "test-key", WithEndpoint(brave.URL))
	out, err := tool.Search(context.Background(), "quantum computing news")
	if err != nil {
		t.Fatal(err)
	}

	quantumPos := strings.Index(out, "Quantum")
	breadPos := strings.Index(out, "sourdough")
	if quantumPos < 0 {
		t.Fatalf("quantum passage missing from output:\n%s", out)
	}
	if breadPos >= 0 && breadPos < quantumPos {
		t.Errorf("irrelevant passage ranked above relevant one:\n%s", out)
	}
	if !strings.Contains(out, "Sources:") {
		t.Errorf("missing sources section:\n%s", out)
	}
}

func TestSearchNoResults(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"web":{"results":[]}}`))
	}))
	defer brave.Close()

	tool := New(&stubEmbedder{}, "test-key", WithEndpoint(brave.URL))
	out, err := tool.Search(context.Background(), "nothing at all")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No results") {
		t.Errorf("got %q", out)
	}
}

func TestSearchAPIError(t *testing.T) {
	brave := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		w.Write([]byte("rate limited"))
	}))
	defer brave.Close()

	tool := New(&stubEmbedder{}, "test-key", WithEndpoint(brave.URL))
	args, _ := json.Marshal(map[string]string{"query": "anything"})
	result, err := tool.Execute(context.Background(), "internet_search", args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Error, "429") {
		t.Errorf("expected API status in error, got %q", result.Error)
	}
}

func TestRankResultsEmbeddingFailureFallsBack(t *testing.T) {
	tool := New(&stubEmbedder{fail: true}, "test-key")
	results := []resultWithContent{
		{Result: braveResult{Title: "A", URL: "https://a.com", Snippet: "snippet text"}},
	}
	ranked := tool.rankResults(context.Background(), "query", results)
	if len(ranked) != 1 {
		t.Fatalf("expected unranked fallback, got %d chunks", len(ranked))
	}
	if ranked[0].Score != 0 {
		t.Errorf("fallback should leave scores zero, got %f", ranked[0].Score)
	}
}

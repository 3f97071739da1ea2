package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	engram "github.com/sorane/engram"
)

// GeminiEmbedding implements engram.EmbeddingProvider for Gemini embedding
// models.
type GeminiEmbedding struct {
	apiKey     string
	model      string
	dims       int
	httpClient *http.Client
}

// NewEmbedding creates a Gemini embedding provider. dims sets the requested
// outputDimensionality.
func NewEmbedding(apiKey, model string, dims int) *GeminiEmbedding {
	return &GeminiEmbedding{
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		httpClient: &http.Client{},
	}
}

// Name returns "google".
func (e *GeminiEmbedding) Name() string { return "google" }

// Dimensions returns the configured embedding dimensionality.
func (e *GeminiEmbedding) Dimensions() int { return e.dims }

// EmbedDocuments embeds each text sequentially. The embedContent endpoint
// takes one content per call.
func (e *GeminiEmbedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vec)
	}
	return embeddings, nil
}

// EmbedQuery embeds a single search query.
func (e *GeminiEmbedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.embedOne(ctx, text)
}

func (e *GeminiEmbedding) embedOne(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", baseURL, e.model, e.apiKey)

	body := map[string]any{
		"content": map[string]any{
			"parts": []map[string]any{
				{"text": text},
			},
		},
		"outputDimensionality": e.dims,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, engram.NewProviderError("google", engram.CodeInvalidRequest, "marshal embed body: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, engram.NewProviderError("google", engram.CodeInvalidRequest, "create embed request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, engram.Classify("google", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engram.Classify("google", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		ra := engram.ParseRetryAfter(resp.Header.Get("Retry-After"))
		if ra == 0 {
			ra = parseRetryInfo(string(respBody))
		}
		return nil, engram.Classify("google", &engram.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ra,
		})
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, engram.NewProviderError("google", engram.CodeMalformedResponse, "parse embed response: "+err.Error())
	}
	if parsed.Embedding == nil {
		return nil, engram.NewProviderError("google", engram.CodeMalformedResponse, "missing embedding.values in response")
	}

	vec := make([]float32, len(parsed.Embedding.Values))
	for i, v := range parsed.Embedding.Values {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Compile-time interface assertion.
var _ engram.EmbeddingProvider = (*GeminiEmbedding)(nil)

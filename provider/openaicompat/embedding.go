package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	engram "github.com/sorane/engram"
)

// Embedding implements engram.EmbeddingProvider over the OpenAI embeddings
// endpoint. Works with any server exposing POST <base>/embeddings in the
// OpenAI format (OpenAI itself, Ollama, vLLM, TEI).
type Embedding struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
	name    string
}

// NewEmbedding creates an embedding provider for an OpenAI-compatible API.
// dims is the expected vector size; servers that support the dimensions
// parameter are asked to truncate to it.
func NewEmbedding(apiKey, model, baseURL string, dims int, opts ...EmbeddingOption) *Embedding {
	e := &Embedding{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmbeddingOption configures an Embedding instance.
type EmbeddingOption func(*Embedding)

// WithEmbeddingName sets the name returned by Name() (default "openai").
func WithEmbeddingName(name string) EmbeddingOption {
	return func(e *Embedding) { e.name = name }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.client = c }
}

func (e *Embedding) Name() string    { return e.name }
func (e *Embedding) Dimensions() int { return e.dims }

// EmbedDocuments embeds a batch of texts in one request.
func (e *Embedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts)
}

// EmbedQuery embeds a single search query.
func (e *Embedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, engram.NewProviderError(e.name, engram.CodeMalformedResponse, "embeddings response is empty")
	}
	return vecs[0], nil
}

func (e *Embedding) embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, engram.NewProviderError(e.name, engram.CodeInvalidRequest, fmt.Sprintf("marshal request: %v", err))
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, engram.NewProviderError(e.name, engram.CodeInvalidRequest, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, engram.Classify(e.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, engram.Classify(e.name, &engram.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
		})
	}

	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, engram.NewProviderError(e.name, engram.CodeMalformedResponse, fmt.Sprintf("decode response: %v", err))
	}

	// The API may return vectors out of order; index restores it.
	out := make([][]float32, len(texts))
	for _, d := range er.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, engram.NewProviderError(e.name, engram.CodeMalformedResponse,
				fmt.Sprintf("embeddings response missing vector %d of %d", i, len(texts)))
		}
	}
	return out, nil
}

var _ engram.EmbeddingProvider = (*Embedding)(nil)

package engram

import (
	"context"
	"fmt"
	"sort"
)

// Provider abstracts one LLM vendor.
//
// Implementations must translate vendor-specific failures into *ProviderError
// with the correct code and, when available, HTTP status. ChatStream must
// close ch before returning; chunks are append-only partial text with no
// cross-retry contamination.
type Provider interface {
	// Chat sends a request and returns a complete response. When
	// req.ResponseSchema is set the response content is a JSON document
	// intended to conform to that schema.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams partial text chunks into ch, then returns the final
	// response with usage stats. ch is closed before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "google", "openai").
	Name() string
	// ChatModel returns the model identifier this provider instance targets.
	ChatModel() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// EmbedDocuments returns embedding vectors for the given texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery returns the embedding vector for a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// Registry maps provider names to instances. It is populated once at
// startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name. Registering the same name twice
// replaces the earlier instance.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package resolve creates chat and embedding providers from
// provider-agnostic configuration.
package resolve

import (
	"context"
	"fmt"

	engram "github.com/sorane/engram"
	"github.com/sorane/engram/provider/gemini"
	"github.com/sorane/engram/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "google", "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // required for openai-compat; auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	Thinking    *bool
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string // "base", "google", "openai", "huggingface", "ollama"
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates an engram.Provider from a provider-agnostic Config.
func Provider(cfg Config) (engram.Provider, error) {
	switch cfg.Provider {
	case "google", "gemini":
		return geminiProvider(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates an engram.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig. The "base" provider needs no network or
// key: it returns zero vectors, which keeps the memory pipeline running end
// to end before a real embedding backend is configured.
func EmbeddingProvider(cfg EmbeddingConfig) (engram.EmbeddingProvider, error) {
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 768
	}
	switch cfg.Provider {
	case "base", "":
		return &baseEmbedding{dims: dims}, nil
	case "google", "gemini":
		return gemini.NewEmbedding(cfg.APIKey, cfg.Model, dims), nil
	case "openai", "huggingface", "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultEmbeddingBaseURL(cfg.Provider)
		}
		return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, baseURL, dims,
			openaicompat.WithEmbeddingName(cfg.Provider)), nil
	default:
		return nil, fmt.Errorf("resolve: embedding provider %q not supported", cfg.Provider)
	}
}

func geminiProvider(cfg Config) engram.Provider {
	opts := []gemini.Option{gemini.WithName(cfg.Provider)}
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	if cfg.Thinking != nil {
		opts = append(opts, gemini.WithThinking(*cfg.Thinking))
	}
	return gemini.New(cfg.APIKey, cfg.Model, opts...)
}

func openaiCompatProvider(cfg Config) engram.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(cfg.Provider))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

func defaultEmbeddingBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "huggingface":
		return "https://router.huggingface.co/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// baseEmbedding is the no-dependency default embedder: every text maps to
// the zero vector. Searches degrade to keyword-only but nothing breaks.
type baseEmbedding struct {
	dims int
}

func (b *baseEmbedding) Name() string    { return "base" }
func (b *baseEmbedding) Dimensions() int { return b.dims }

func (b *baseEmbedding) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, b.dims)
	}
	return out, nil
}

func (b *baseEmbedding) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, b.dims), nil
}

var _ engram.EmbeddingProvider = (*baseEmbedding)(nil)

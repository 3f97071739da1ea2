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

// Provider implements engram.Provider for any OpenAI-compatible API. It uses
// the shared helpers in this package (BuildBody, StreamSSE, ParseResponse)
// for body building, streaming, and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// ChatModel returns the default model this instance targets.
func (p *Provider) ChatModel() string { return p.model }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req engram.ChatRequest) (engram.ChatResponse, error) {
	body := BuildBody(req.Messages, p.modelFor(req), req.ResponseSchema, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return engram.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engram.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return engram.ChatResponse{}, engram.NewProviderError(p.name, engram.CodeMalformedResponse, fmt.Sprintf("decode response: %v", err))
	}

	out, err := ParseResponse(chatResp)
	if err != nil {
		return out, engram.Classify(p.name, err)
	}
	return out, nil
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. ch is closed before returning (via StreamSSE, or directly when
// the request fails before any bytes arrive).
func (p *Provider) ChatStream(ctx context.Context, req engram.ChatRequest, ch chan<- string) (engram.ChatResponse, error) {
	body := BuildBody(req.Messages, p.modelFor(req), req.ResponseSchema, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return engram.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return engram.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// modelFor picks the request's model override or the provider default.
func (p *Provider) modelFor(req engram.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// sendHTTP marshals the request body and posts it to the completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, engram.NewProviderError(p.name, engram.CodeInvalidRequest, fmt.Sprintf("marshal request: %v", err))
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, engram.NewProviderError(p.name, engram.CodeInvalidRequest, fmt.Sprintf("create request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, engram.Classify(p.name, err)
	}
	return resp, nil
}

// httpErr reads the response body and returns the normalized provider error.
// The Retry-After header (429/503 responses) feeds the retry backoff floor.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return engram.Classify(p.name, &engram.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
	})
}

// Compile-time interface check.
var _ engram.Provider = (*Provider)(nil)

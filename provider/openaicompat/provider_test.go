package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	engram "github.com/sorane/engram"
)

func TestProvider_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request.
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %s", req.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ChatResponse{
			ID: "chatcmpl-1",
			Choices: []Choice{{
				Index:   0,
				Message: &ChoiceMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: &Usage{PromptTokens: 5, CompletionTokens: 2},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o", srv.URL)

	resp, err := p.Chat(context.Background(), engram.ChatRequest{
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}

	if resp.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("expected 5 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("expected 2 output tokens, got %d", resp.Usage.OutputTokens)
	}
}

func TestProvider_Chat_ModelOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("expected request model override gpt-4o-mini, got %s", req.Model)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: "ok"}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL)
	if _, err := p.Chat(context.Background(), engram.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	}); err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
}

func TestProvider_Chat_StructuredMode(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.ResponseFormat == nil {
			t.Fatal("expected response_format to be set")
		}
		if req.ResponseFormat.Type != "json_schema" {
			t.Errorf("expected type json_schema, got %s", req.ResponseFormat.Type)
		}
		if req.ResponseFormat.JSONSchema == nil || !req.ResponseFormat.JSONSchema.Strict {
			t.Error("expected strict json_schema")
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Content: `{"city":"Oslo"}`}}},
		})
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL)
	resp, err := p.Chat(context.Background(), engram.ChatRequest{
		Messages:       []engram.ChatMessage{engram.UserMessage("Where?")},
		ResponseSchema: schema,
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != `{"city":"Oslo"}` {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestProvider_Chat_HTTPErrorNormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL, WithName("groq"))
	_, err := p.Chat(context.Background(), engram.ChatRequest{
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *engram.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *engram.ProviderError, got %T", err)
	}
	if pe.Code != engram.CodeRateLimited {
		t.Errorf("expected code rate_limited, got %s", pe.Code)
	}
	if pe.Provider != "groq" {
		t.Errorf("expected provider groq, got %s", pe.Provider)
	}
	if pe.Status != 429 {
		t.Errorf("expected status 429, got %d", pe.Status)
	}
	if pe.RetryAfter != 2*time.Second {
		t.Errorf("expected retry-after 2s, got %s", pe.RetryAfter)
	}
	if !pe.Retriable() {
		t.Error("rate_limited should be retriable")
	}
}

func TestProvider_Chat_AuthErrorNotRetriable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL)
	_, err := p.Chat(context.Background(), engram.ChatRequest{
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	})

	var pe *engram.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *engram.ProviderError, got %T", err)
	}
	if pe.Code != engram.CodeAuthFailed {
		t.Errorf("expected code auth_failed, got %s", pe.Code)
	}
	if pe.Retriable() {
		t.Error("auth_failed should not be retriable")
	}
}

func TestProvider_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage=true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n"))
		w.Write([]byte(`data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":3}}` + "\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL)

	ch := make(chan string, 16)
	resp, err := p.ChatStream(context.Background(), engram.ChatRequest{
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	var chunks []string
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("unexpected chunks: %v", chunks)
	}
	if resp.Content != "Hello" {
		t.Errorf("expected accumulated content Hello, got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestProvider_ChatStream_ErrorClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	p := NewProvider("k", "gpt-4o", srv.URL)

	ch := make(chan string, 16)
	_, err := p.ChatStream(context.Background(), engram.ChatRequest{
		Messages: []engram.ChatMessage{engram.UserMessage("Hi")},
	}, ch)
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *engram.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *engram.ProviderError, got %T", err)
	}
	if pe.Code != engram.CodeProviderUnavailable {
		t.Errorf("expected code provider_unavailable, got %s", pe.Code)
	}

	// Channel must be closed even though the request failed.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel without chunks")
		}
	default:
		t.Error("channel still open after stream error")
	}
}

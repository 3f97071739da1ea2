package engram

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
)

// chatStep scripts one provider call: chunks are emitted on streams (joined
// for plain Chat), then err is returned if set.
type chatStep struct {
	chunks []string
	err    error
}

type fakeProvider struct {
	name    string
	steps   []chatStep
	calls   int
	lastReq ChatRequest
}

func (p *fakeProvider) Name() string      { return p.name }
func (p *fakeProvider) ChatModel() string { return "fake-model" }

func (p *fakeProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.lastReq = req
	st := p.next()
	if st.err != nil {
		return ChatResponse{}, st.err
	}
	return ChatResponse{Content: strings.Join(st.chunks, "")}, nil
}

func (p *fakeProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	p.lastReq = req
	st := p.next()
	for _, c := range st.chunks {
		ch <- c
	}
	if st.err != nil {
		return ChatResponse{}, st.err
	}
	return ChatResponse{Content: strings.Join(st.chunks, "")}, nil
}

func (p *fakeProvider) next() chatStep {
	if p.calls >= len(p.steps) {
		p.calls++
		return chatStep{err: errors.New("script exhausted")}
	}
	st := p.steps[p.calls]
	p.calls++
	return st
}

// captureSink records every enqueued record for assertions.
type captureSink struct {
	mu   sync.Mutex
	recs []LogRecord
}

func (s *captureSink) Enqueue(rec LogRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return true
}

func (s *captureSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.Action
	}
	return out
}

func fastRetry(opts ...RetryOption) *RetryController {
	return NewRetryController(append([]RetryOption{RetryBaseDelay(0), RetryMaxRetries(3)}, opts...)...)
}

func TestGenerateFirstProviderSuccess(t *testing.T) {
	sink := &captureSink{}
	p := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{"hi there"}}}}
	g := NewGateway(
		[]GatewayEntry{{Provider: p, Model: "g-1"}},
		GatewaySink(sink),
		GatewayRetry(fastRetry()),
	)

	got, err := g.Generate(context.Background(), GenRequest{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "hi there" {
		t.Errorf("Generate = %q, want %q", got, "hi there")
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
	want := []string{"provider_try"}
	if actions := sink.actions(); !equalStrings(actions, want) {
		t.Errorf("sink actions = %v, want %v", actions, want)
	}
}

func TestGenerateFailoverAfterAuthFailure(t *testing.T) {
	sink := &captureSink{}
	google := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeAuthFailed, "invalid api key")},
	}}
	openai := &fakeProvider{name: "openai", steps: []chatStep{
		{err: NewProviderError("openai", CodeGatewayError, "bad gateway")},
		{err: NewProviderError("openai", CodeGatewayError, "bad gateway")},
		{chunks: []string{"Hello, world."}},
	}}
	g := NewGateway(
		[]GatewayEntry{{Provider: google, Model: "g-1"}, {Provider: openai, Model: "o-1"}},
		GatewaySink(sink),
		GatewayRetry(fastRetry()),
	)

	got, err := g.Generate(context.Background(), GenRequest{Prompt: "hello", TraceID: "tr-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello, world." {
		t.Errorf("Generate = %q, want %q", got, "Hello, world.")
	}
	// auth_failed is terminal for the provider: exactly one call, no retries.
	if google.calls != 1 {
		t.Errorf("google calls = %d, want 1", google.calls)
	}
	if openai.calls != 3 {
		t.Errorf("openai calls = %d, want 3", openai.calls)
	}

	want := []string{"provider_try", "provider_fail", "provider_failover", "provider_try", "provider_retry", "provider_retry"}
	if actions := sink.actions(); !equalStrings(actions, want) {
		t.Errorf("sink actions = %v, want %v", actions, want)
	}
	for _, rec := range sink.recs {
		if rec.TraceID != "tr-1" {
			t.Errorf("record %q trace = %q, want tr-1", rec.Action, rec.TraceID)
		}
		if rec.Source != "llm_gateway" {
			t.Errorf("record %q source = %q, want llm_gateway", rec.Action, rec.Source)
		}
	}
	fo := sink.recs[2]
	if fo.Extra["from"] != "google" || fo.Extra["to"] != "openai" {
		t.Errorf("failover from/to = %v/%v, want google/openai", fo.Extra["from"], fo.Extra["to"])
	}
}

func TestGenerateExhaustedChain(t *testing.T) {
	google := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeAuthFailed, "invalid api key")},
	}}
	openai := &fakeProvider{name: "openai", steps: []chatStep{
		{err: NewProviderError("openai", CodeQuotaExceeded, "billing hard limit")},
	}}
	g := NewGateway(
		[]GatewayEntry{{Provider: google, Model: "g-1"}, {Provider: openai, Model: "o-1"}},
		GatewayRetry(fastRetry()),
	)

	_, err := g.Generate(context.Background(), GenRequest{Prompt: "hello", TraceID: "tr-9"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Code != CodeQuotaExceeded {
		t.Errorf("Code = %q, want %q (last provider's)", pe.Code, CodeQuotaExceeded)
	}
	if pe.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", pe.Provider)
	}
	if pe.Message != "Provider failed after retries." {
		t.Errorf("Message = %q", pe.Message)
	}
	if pe.TraceID != "tr-9" {
		t.Errorf("TraceID = %q, want tr-9", pe.TraceID)
	}
}

func TestGenerateEmptyChain(t *testing.T) {
	g := NewGateway(nil, GatewayRetry(fastRetry()))
	_, err := g.Generate(context.Background(), GenRequest{Prompt: "hello"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Code != CodeProviderUnavailable {
		t.Errorf("Code = %q, want %q", pe.Code, CodeProviderUnavailable)
	}
	if pe.TraceID == "" {
		t.Error("TraceID not assigned")
	}
}

func TestGenerateAssignsTraceID(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeAuthFailed, "nope")},
	}}
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	_, err := g.Generate(context.Background(), GenRequest{Prompt: "hello"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.TraceID == "" {
		t.Error("TraceID not assigned on empty request trace")
	}
}

func TestGenerateRequestComposition(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{"ok"}}}}
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	history := []ChatMessage{
		UserMessage("earlier question"),
		AssistantMessage("earlier answer"),
		FunctionMessage("search_data", `{"rows":3}`),
	}
	media := []ImageData{{MimeType: "image/png", Base64: "aGk="}}
	_, err := g.Generate(context.Background(), GenRequest{
		Prompt:       "now this",
		SystemPrompt: "be brief",
		History:      history,
		Media:        media,
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs := p.lastReq.Messages
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleUser}
	if !equalStrings(roles, want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if msgs[0].Content != "be brief" {
		t.Errorf("system content = %q", msgs[0].Content)
	}
	if msgs[3].Name != "search_data" {
		t.Errorf("function name = %q, want search_data", msgs[3].Name)
	}
	final := msgs[len(msgs)-1]
	if final.Content != "now this" || len(final.Images) != 1 {
		t.Errorf("final turn = %+v, want prompt with one image", final)
	}
	if p.lastReq.Model != "g-1" {
		t.Errorf("model = %q, want g-1", p.lastReq.Model)
	}
}

func TestGenerateStructured(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)
	p := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{`{"answer":"42"}`}}}}
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	var out struct {
		Answer string `json:"answer"`
	}
	if err := g.GenerateStructured(context.Background(), GenRequest{Prompt: "q", Schema: schema}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Answer != "42" {
		t.Errorf("Answer = %q, want 42", out.Answer)
	}
	if len(p.lastReq.ResponseSchema) == 0 {
		t.Error("schema not forwarded to provider")
	}
}

func TestGenerateStructuredRequiresSchema(t *testing.T) {
	g := NewGateway(nil, GatewayRetry(fastRetry()))
	err := g.GenerateStructured(context.Background(), GenRequest{Prompt: "q"}, &struct{}{})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Code != CodeInvalidRequest {
		t.Errorf("Code = %q, want %q", pe.Code, CodeInvalidRequest)
	}
}

func TestGenerateStructuredSchemaViolationFailsOver(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)
	bad := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{`{"wrong":"shape"}`}}}}
	good := &fakeProvider{name: "openai", steps: []chatStep{{chunks: []string{`{"answer":"ok"}`}}}}
	g := NewGateway(
		[]GatewayEntry{{Provider: bad, Model: "g-1"}, {Provider: good, Model: "o-1"}},
		GatewayRetry(fastRetry()),
	)

	var out struct {
		Answer string `json:"answer"`
	}
	if err := g.GenerateStructured(context.Background(), GenRequest{Prompt: "q", Schema: schema}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Answer != "ok" {
		t.Errorf("Answer = %q, want ok", out.Answer)
	}
	// A schema violation is malformed_response: not retried on the same
	// provider, the chain advances instead.
	if bad.calls != 1 {
		t.Errorf("bad provider calls = %d, want 1", bad.calls)
	}
	if good.calls != 1 {
		t.Errorf("good provider calls = %d, want 1", good.calls)
	}
}

func TestGenerateStructuredDecodeMismatch(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	p := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{`{"a":1}`}}}}
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	var out []string
	err := g.GenerateStructured(context.Background(), GenRequest{Prompt: "q", Schema: schema}, &out)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.Code != CodeMalformedResponse {
		t.Errorf("Code = %q, want %q", pe.Code, CodeMalformedResponse)
	}
}

func TestStreamDeferredConfirmDiscardsFailedPrefix(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{
		// First attempt dies after one chunk; with confirm=2 it never reaches
		// the caller.
		{chunks: []string{"Hel"}, err: NewProviderError("google", CodeServerOverload, "overloaded")},
		{chunks: []string{"Hello", ", ", "world."}},
	}}
	g := NewGateway(
		[]GatewayEntry{{Provider: p, Model: "g-1"}},
		GatewayRetry(fastRetry()),
		GatewayConfirmChunks(2),
	)

	out := make(chan string, 64)
	if err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi"}, out); err != nil {
		t.Fatal(err)
	}
	got := drainChunks(out)
	want := []string{"Hello", ", ", "world."}
	if !equalStrings(got, want) {
		t.Errorf("chunks = %v, want %v", got, want)
	}
	if p.calls != 2 {
		t.Errorf("provider calls = %d, want 2", p.calls)
	}
}

func TestStreamFailureAfterEmitStopsChain(t *testing.T) {
	first := &fakeProvider{name: "google", steps: []chatStep{
		{chunks: []string{"partial ", "answer"}, err: NewProviderError("google", CodeConnectionError, "reset")},
	}}
	second := &fakeProvider{name: "openai", steps: []chatStep{{chunks: []string{"never"}}}}
	g := NewGateway(
		[]GatewayEntry{{Provider: first, Model: "g-1"}, {Provider: second, Model: "o-1"}},
		GatewayRetry(fastRetry()),
	)

	out := make(chan string, 64)
	err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi"}, out)
	if err == nil {
		t.Fatal("want error after mid-stream failure")
	}
	got := drainChunks(out)
	// Tokens reached the caller, so no retry, no failover, no envelope.
	want := []string{"partial ", "answer"}
	if !equalStrings(got, want) {
		t.Errorf("chunks = %v, want %v", got, want)
	}
	if second.calls != 0 {
		t.Errorf("second provider calls = %d, want 0", second.calls)
	}
}

func TestStreamShortResponseFlushesOnCleanEnd(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{{chunks: []string{"yes"}}}}
	g := NewGateway(
		[]GatewayEntry{{Provider: p, Model: "g-1"}},
		GatewayRetry(fastRetry()),
		GatewayConfirmChunks(2),
	)

	out := make(chan string, 64)
	if err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi"}, out); err != nil {
		t.Fatal(err)
	}
	got := drainChunks(out)
	if !equalStrings(got, []string{"yes"}) {
		t.Errorf("chunks = %v, want [yes]", got)
	}
}

func TestStreamEmptyResponseFailsOver(t *testing.T) {
	empty := &fakeProvider{name: "google", steps: []chatStep{{}}}
	good := &fakeProvider{name: "openai", steps: []chatStep{{chunks: []string{"from openai"}}}}
	g := NewGateway(
		[]GatewayEntry{{Provider: empty, Model: "g-1"}, {Provider: good, Model: "o-1"}},
		GatewayRetry(fastRetry()),
	)

	out := make(chan string, 64)
	if err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi"}, out); err != nil {
		t.Fatal(err)
	}
	got := drainChunks(out)
	if !equalStrings(got, []string{"from openai"}) {
		t.Errorf("chunks = %v, want [from openai]", got)
	}
	if empty.calls != 1 {
		t.Errorf("empty provider calls = %d, want 1 (malformed_response is terminal)", empty.calls)
	}
}

func TestStreamExhaustionEmitsEnvelope(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeContentFilterBlock, "blocked")},
	}}
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	out := make(chan string, 64)
	err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi", TraceID: "tr-3"}, out)
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}

	got := drainChunks(out)
	if len(got) != 1 {
		t.Fatalf("stream emitted %d records, want exactly the envelope", len(got))
	}
	var env struct {
		Error   bool   `json:"error"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		TraceID string `json:"trace_id"`
	}
	if uerr := json.Unmarshal([]byte(got[0]), &env); uerr != nil {
		t.Fatalf("envelope not JSON: %v", uerr)
	}
	if !env.Error || env.Type != "ProviderError" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Code != string(CodeContentFilterBlock) {
		t.Errorf("envelope code = %q, want %q", env.Code, CodeContentFilterBlock)
	}
	if env.TraceID != "tr-3" {
		t.Errorf("envelope trace = %q, want tr-3", env.TraceID)
	}
}

func TestStreamRetriesBeforeFirstChunk(t *testing.T) {
	sink := &captureSink{}
	p := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeRateLimited, "429")},
		{chunks: []string{"recovered"}},
	}}
	g := NewGateway(
		[]GatewayEntry{{Provider: p, Model: "g-1"}},
		GatewaySink(sink),
		GatewayRetry(fastRetry()),
	)

	out := make(chan string, 64)
	if err := g.GenerateStream(context.Background(), GenRequest{Prompt: "hi"}, out); err != nil {
		t.Fatal(err)
	}
	if got := drainChunks(out); !equalStrings(got, []string{"recovered"}) {
		t.Errorf("chunks = %v, want [recovered]", got)
	}
	want := []string{"provider_try", "provider_retry"}
	if actions := sink.actions(); !equalStrings(actions, want) {
		t.Errorf("sink actions = %v, want %v", actions, want)
	}
}

func TestPerRequestRetryOverride(t *testing.T) {
	p := &fakeProvider{name: "google", steps: []chatStep{
		{err: NewProviderError("google", CodeRateLimited, "429")},
		{err: NewProviderError("google", CodeRateLimited, "429")},
	}}
	// Gateway default would retry three times; the request allows none.
	g := NewGateway([]GatewayEntry{{Provider: p, Model: "g-1"}}, GatewayRetry(fastRetry()))

	_, err := g.Generate(context.Background(), GenRequest{
		Prompt: "hi",
		Retry:  NewRetryController(RetryMaxRetries(0)),
	})
	if err == nil {
		t.Fatal("want error")
	}
	if p.calls != 1 {
		t.Errorf("provider calls = %d, want 1", p.calls)
	}
}

func TestApologyMessage(t *testing.T) {
	msg := ApologyMessage("tr-7")
	if !strings.Contains(msg, "tr-7") {
		t.Errorf("apology %q does not carry the trace id", msg)
	}
	if strings.Contains(msg, "error") || strings.Contains(msg, "provider") {
		t.Errorf("apology %q leaks internals", msg)
	}
}

func drainChunks(ch <-chan string) []string {
	var out []string
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

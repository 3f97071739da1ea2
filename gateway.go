package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// GatewayEntry pairs a provider with the model it should serve. The gateway
// walks entries in priority order.
type GatewayEntry struct {
	Provider Provider
	Model    string
}

// Generator is the consumer-facing surface of the Gateway. Services that
// only need to generate take this instead of the concrete type.
type Generator interface {
	Generate(ctx context.Context, req GenRequest) (string, error)
	GenerateStructured(ctx context.Context, req GenRequest, out any) error
	GenerateStream(ctx context.Context, req GenRequest, out chan<- string) error
}

var _ Generator = (*Gateway)(nil)

// GenRequest is one generation job. ServerID, ChannelID, and UserID only
// annotate emitted log events; TraceID is assigned when empty.
type GenRequest struct {
	Prompt       string
	SystemPrompt string
	History      []ChatMessage
	Media        []ImageData
	// Schema switches the call to structured mode: the response must be a
	// JSON document conforming to this JSON Schema.
	Schema json.RawMessage
	// Retry overrides the gateway's retry controller for this call.
	Retry *RetryController

	TraceID   string
	ServerID  string
	ChannelID string
	UserID    string
}

// Gateway generates responses across an ordered provider chain with
// centralized retry, failover on non-retriable errors, and a deferred-output
// streaming discipline: nothing reaches the caller until the first chunk of
// an attempt is confirmed, so failed attempts never leak partial tokens.
type Gateway struct {
	chain   []GatewayEntry
	retry   *RetryController
	sink    Sink
	masker  *Masker
	logger  *slog.Logger
	perf    *Perf
	confirm int
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// GatewaySink routes provider lifecycle events (provider_try,
// provider_retry, provider_failover, provider_fail) to the logging sink.
func GatewaySink(s Sink) GatewayOption {
	return func(g *Gateway) { g.sink = s }
}

// GatewayRetry sets the default retry controller.
func GatewayRetry(rc *RetryController) GatewayOption {
	return func(g *Gateway) { g.retry = rc }
}

// GatewayLogger sets the structured logger.
func GatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// GatewayPerf records generation timings on the monitor.
func GatewayPerf(p *Perf) GatewayOption {
	return func(g *Gateway) { g.perf = p }
}

// GatewayConfirmChunks sets how many chunks are buffered before the stream
// is considered viable (1 or 2, default 1).
func GatewayConfirmChunks(n int) GatewayOption {
	return func(g *Gateway) {
		if n >= 1 && n <= 2 {
			g.confirm = n
		}
	}
}

// NewGateway creates a gateway over the given provider chain.
func NewGateway(chain []GatewayEntry, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		chain:   chain,
		sink:    NopSink(),
		masker:  NewMasker(),
		confirm: 1,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.retry == nil {
		g.retry = NewRetryController()
	}
	if g.logger == nil {
		g.logger = nopLogger
	}
	return g
}

// ApologyMessage is the short, non-leaky text surfaced to users when every
// provider failed. The trace id lets support correlate logs.
func ApologyMessage(traceID string) string {
	return fmt.Sprintf("Sorry, I couldn't come up with a reply just now. Please try again in a moment. (trace %s)", traceID)
}

// Generate runs the provider chain and returns the response text. The
// returned error, when non-nil, is always a *ProviderError whose Envelope
// renders the caller-facing record.
func (g *Gateway) Generate(ctx context.Context, req GenRequest) (string, error) {
	content, pe := g.generate(ctx, req)
	if pe != nil {
		return "", pe
	}
	return content, nil
}

// GenerateStructured runs the chain in structured mode and unmarshals the
// validated JSON response into out. req.Schema must be set.
func (g *Gateway) GenerateStructured(ctx context.Context, req GenRequest, out any) error {
	if len(req.Schema) == 0 {
		return NewProviderError("", CodeInvalidRequest, "structured generation requires a schema")
	}
	content, pe := g.generate(ctx, req)
	if pe != nil {
		return pe
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &ProviderError{
			Code:    CodeMalformedResponse,
			Message: "response did not decode into the target type",
			TraceID: req.TraceID,
		}
	}
	return nil
}

// GenerateStream streams the response into out, which is always closed
// before returning. When every provider fails, the single-element error
// envelope is emitted so caller iteration contracts stay stable, and the
// same *ProviderError is returned.
func (g *Gateway) GenerateStream(ctx context.Context, req GenRequest, out chan<- string) error {
	defer close(out)
	if req.TraceID == "" {
		req.TraceID = NewID()
	}
	start := time.Now()
	defer g.observe("gateway_stream", start)

	rc := g.retryFor(req)
	var last *ProviderError
	for i, entry := range g.chain {
		g.event(req, LevelInfo, "provider_try", entry.Provider.Name(), map[string]any{
			"model": entry.Model,
		})
		sent, err := g.streamProvider(ctx, entry, req, rc, out)
		if err == nil {
			return nil
		}
		pe := Classify(entry.Provider.Name(), err)
		pe.TraceID = req.TraceID
		g.event(req, LevelError, "provider_fail", pe.Message, map[string]any{
			"provider":  entry.Provider.Name(),
			"code":      string(pe.Code),
			"retriable": pe.Retriable(),
			"status":    pe.Status,
		})
		if sent {
			// Tokens already reached the caller; failing over would
			// concatenate two generations.
			return pe
		}
		last = pe
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(g.chain) {
			g.event(req, LevelWarning, "provider_failover", string(pe.Code), map[string]any{
				"from":   entry.Provider.Name(),
				"to":     g.chain[i+1].Provider.Name(),
				"reason": string(pe.Code),
			})
		}
	}
	final := g.exhausted(req, last)
	out <- final.Envelope()
	return final
}

// generate is the shared non-streaming provider walk.
func (g *Gateway) generate(ctx context.Context, req GenRequest) (string, *ProviderError) {
	if req.TraceID == "" {
		req.TraceID = NewID()
	}
	start := time.Now()
	defer g.observe("gateway_generate", start)

	rc := g.retryFor(req)
	var last *ProviderError
	for i, entry := range g.chain {
		g.event(req, LevelInfo, "provider_try", entry.Provider.Name(), map[string]any{
			"model": entry.Model,
		})
		content, err := g.callProvider(ctx, entry, req, rc)
		if err == nil {
			return content, nil
		}
		pe := Classify(entry.Provider.Name(), err)
		pe.TraceID = req.TraceID
		g.event(req, LevelError, "provider_fail", pe.Message, map[string]any{
			"provider":  entry.Provider.Name(),
			"code":      string(pe.Code),
			"retriable": pe.Retriable(),
			"status":    pe.Status,
		})
		last = pe
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(g.chain) {
			g.event(req, LevelWarning, "provider_failover", string(pe.Code), map[string]any{
				"from":   entry.Provider.Name(),
				"to":     g.chain[i+1].Provider.Name(),
				"reason": string(pe.Code),
			})
		}
	}
	return "", g.exhausted(req, last)
}

// callProvider runs one provider with retry. Structured mode validates the
// response against the schema; a mismatch is malformed_response, which is
// non-retriable and advances the failover loop.
func (g *Gateway) callProvider(ctx context.Context, entry GatewayEntry, req GenRequest, rc *RetryController) (string, error) {
	creq := g.buildChatRequest(entry, req)
	name := entry.Provider.Name()
	content, err := retryValue(ctx, rc, g.hooks(req, name), func(int) (string, error) {
		resp, cerr := entry.Provider.Chat(ctx, creq)
		if cerr != nil {
			return "", Classify(name, cerr)
		}
		return resp.Content, nil
	})
	if err != nil {
		return "", err
	}
	if len(req.Schema) > 0 {
		if verr := ValidateSchema(req.Schema, []byte(content)); verr != nil {
			return "", &ProviderError{
				Code:     CodeMalformedResponse,
				Provider: name,
				Message:  verr.Error(),
				TraceID:  req.TraceID,
			}
		}
	}
	return content, nil
}

// streamProvider retries one provider's stream while nothing has been
// emitted. Reports whether any chunk reached the caller.
func (g *Gateway) streamProvider(ctx context.Context, entry GatewayEntry, req GenRequest, rc *RetryController, out chan<- string) (bool, error) {
	attempts := rc.MaxRetries() + 1
	var lastErr error
	for i := 1; i <= attempts; i++ {
		sent, err := g.streamAttempt(ctx, entry, req, out)
		if err == nil {
			return true, nil
		}
		if sent {
			return true, err
		}
		pe := Classify(entry.Provider.Name(), err)
		if !rc.retriable(pe) || i == attempts {
			return false, pe
		}
		lastErr = pe
		delay := rc.delayFor(i, pe)
		g.event(req, LevelWarning, "provider_retry", string(pe.Code), map[string]any{
			"provider": entry.Provider.Name(),
			"delay_ms": delay.Milliseconds(),
			"code":     string(pe.Code),
			"attempt":  i,
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, lastErr
}

// streamAttempt runs a single streaming call behind the deferred-output
// buffer. Chunks accumulate until g.confirm are held; only then is the
// prefix flushed and the rest proxied. An attempt that errors before the
// flush emits nothing.
func (g *Gateway) streamAttempt(ctx context.Context, entry GatewayEntry, req GenRequest, out chan<- string) (bool, error) {
	creq := g.buildChatRequest(entry, req)
	mid := make(chan string, 64)
	var streamErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, streamErr = entry.Provider.ChatStream(ctx, creq, mid)
	}()

	var buffered []string
	sent := false
	for chunk := range mid {
		if sent {
			out <- chunk
			continue
		}
		buffered = append(buffered, chunk)
		if len(buffered) >= g.confirm {
			for _, c := range buffered {
				out <- c
			}
			buffered = nil
			sent = true
		}
	}
	<-done

	if streamErr != nil {
		// Buffered prefix of a failed attempt is discarded.
		return sent, streamErr
	}
	if !sent {
		if len(buffered) == 0 {
			return false, NewProviderError(entry.Provider.Name(), CodeMalformedResponse, "stream ended without emitting any chunk")
		}
		// Clean end with fewer chunks than the confirm threshold.
		for _, c := range buffered {
			out <- c
		}
		sent = true
	}
	return sent, nil
}

// exhausted builds the final caller-facing error once the chain is spent.
func (g *Gateway) exhausted(req GenRequest, last *ProviderError) *ProviderError {
	if last == nil {
		return &ProviderError{
			Code:    CodeProviderUnavailable,
			Message: "No available provider.",
			TraceID: req.TraceID,
		}
	}
	return &ProviderError{
		Code:     last.Code,
		Provider: last.Provider,
		Status:   last.Status,
		Message:  "Provider failed after retries.",
		TraceID:  req.TraceID,
	}
}

func (g *Gateway) retryFor(req GenRequest) *RetryController {
	if req.Retry != nil {
		return req.Retry
	}
	return g.retry
}

// hooks wires retry events for non-streaming calls into the sink.
func (g *Gateway) hooks(req GenRequest, provider string) RetryHooks {
	return RetryHooks{
		OnRetry: func(attempt int, delay time.Duration, code ErrorCode) {
			g.event(req, LevelWarning, "provider_retry", string(code), map[string]any{
				"provider": provider,
				"delay_ms": delay.Milliseconds(),
				"code":     string(code),
				"attempt":  attempt,
			})
		},
	}
}

// buildChatRequest assembles the provider request: system prompt, history
// (function-role entries pass through for the adapter to serialize), then
// the user prompt with media parts.
func (g *Gateway) buildChatRequest(entry GatewayEntry, req GenRequest) ChatRequest {
	msgs := make([]ChatMessage, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, SystemMessage(req.SystemPrompt))
	}
	msgs = append(msgs, req.History...)
	if req.Prompt != "" || len(req.Media) > 0 {
		um := UserMessage(req.Prompt)
		um.Images = req.Media
		msgs = append(msgs, um)
	}
	return ChatRequest{
		Model:          entry.Model,
		Messages:       msgs,
		ResponseSchema: req.Schema,
	}
}

// event enqueues a gateway lifecycle record; extra fields pass the masker.
func (g *Gateway) event(req GenRequest, level Level, action, message string, extra map[string]any) {
	g.sink.Enqueue(LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    "llm_gateway",
		ServerID:  req.ServerID,
		Channel:   req.ChannelID,
		UserID:    req.UserID,
		Action:    action,
		Message:   g.masker.MaskString(message),
		TraceID:   req.TraceID,
		Extra:     g.masker.MaskFields(extra),
	})
}

func (g *Gateway) observe(name string, start time.Time) {
	if g.perf != nil {
		g.perf.Observe(name, time.Since(start))
	}
}

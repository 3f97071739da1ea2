// Package gemini implements the Google Gemini chat and embedding providers.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	engram "github.com/sorane/engram"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements engram.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	httpClient *http.Client
	name       string

	temperature      float64
	topP             float64
	thinkingEnabled  bool
	structuredOutput bool
}

// New creates a Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:           apiKey,
		model:            model,
		httpClient:       &http.Client{},
		name:             "google",
		temperature:      0.1,
		topP:             0.9,
		structuredOutput: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the provider name (default "google").
func (g *Gemini) Name() string { return g.name }

// ChatModel returns the default model this instance targets.
func (g *Gemini) ChatModel() string { return g.model }

// Chat sends a non-streaming generateContent request and returns the
// complete response.
func (g *Gemini) Chat(ctx context.Context, req engram.ChatRequest) (engram.ChatResponse, error) {
	body := g.buildBody(req.Messages, req.ResponseSchema)
	return g.doGenerate(ctx, g.modelFor(req), body)
}

// ChatStream streams text deltas into ch, then returns the final accumulated
// response. The channel is closed when streaming completes.
func (g *Gemini) ChatStream(ctx context.Context, req engram.ChatRequest, ch chan<- string) (engram.ChatResponse, error) {
	defer close(ch)

	body := g.buildBody(req.Messages, req.ResponseSchema)
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", baseURL, g.modelFor(req), g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return engram.ChatResponse{}, g.wrapErr(engram.CodeInvalidRequest, "marshal body: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return engram.ChatResponse{}, g.wrapErr(engram.CodeInvalidRequest, "create request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return engram.ChatResponse{}, engram.Classify(g.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return engram.ChatResponse{}, g.httpErr(resp, string(b))
	}

	var fullContent strings.Builder
	var usage engram.Usage

	scanner := bufio.NewScanner(resp.Body)
	// Large buffer: structured responses can arrive as one multi-megabyte chunk.
	scanner.Buffer(make([]byte, 0, 4*1024*1024), 4*1024*1024)

	// Gemini sometimes splits one JSON payload across SSE lines; accumulate
	// until the braces balance.
	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					g.processStreamChunk(jsonBuf.String(), &fullContent, &usage, ch)
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			g.processStreamChunk(data, &fullContent, &usage, ch)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}
	if err := scanner.Err(); err != nil {
		return engram.ChatResponse{}, engram.Classify(g.name, err)
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		g.processStreamChunk(jsonBuf.String(), &fullContent, &usage, ch)
	}

	return engram.ChatResponse{
		Content: fullContent.String(),
		Usage:   usage,
	}, nil
}

// processStreamChunk parses one JSON chunk from the SSE stream, extracts the
// text delta and usage, and forwards the text to ch.
func (g *Gemini) processStreamChunk(jsonStr string, fullContent *strings.Builder, usage *engram.Usage, ch chan<- string) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}

	if text := extractTextFromParsed(parsed); text != "" {
		fullContent.WriteString(text)
		ch <- text
	}

	// Usage metadata overwrites each time; the last chunk wins.
	extractUsageFromParsed(parsed, usage)
}

// doGenerate performs a non-streaming generateContent call.
func (g *Gemini) doGenerate(ctx context.Context, model string, body map[string]any) (engram.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return engram.ChatResponse{}, g.wrapErr(engram.CodeInvalidRequest, "marshal body: "+err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return engram.ChatResponse{}, g.wrapErr(engram.CodeInvalidRequest, "create request: "+err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return engram.ChatResponse{}, engram.Classify(g.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return engram.ChatResponse{}, engram.Classify(g.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return engram.ChatResponse{}, g.httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return engram.ChatResponse{}, g.wrapErr(engram.CodeMalformedResponse, "parse response: "+err.Error())
	}

	if len(parsed.Candidates) == 0 {
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return engram.ChatResponse{}, g.wrapErr(engram.CodeContentFilterBlock, "prompt blocked: "+parsed.PromptFeedback.BlockReason)
		}
		return engram.ChatResponse{}, g.wrapErr(engram.CodeMalformedResponse, "response has no candidates")
	}

	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		// Thinking parts are internal to the model.
		if part.Thought {
			continue
		}
		if part.Text != nil {
			content.WriteString(*part.Text)
		}
	}

	var usage engram.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	return engram.ChatResponse{
		Content: content.String(),
		Usage:   usage,
	}, nil
}

func (g *Gemini) modelFor(req engram.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return g.model
}

func (g *Gemini) wrapErr(code engram.ErrorCode, msg string) error {
	return engram.NewProviderError(g.name, code, msg)
}

// httpErr normalizes an HTTP error response, extracting the retry delay from
// the Retry-After header or from the google.rpc.RetryInfo detail in the JSON
// error body.
func (g *Gemini) httpErr(resp *http.Response, body string) error {
	ra := engram.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return engram.Classify(g.name, &engram.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	})
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the generateContent request body. System messages
// accumulate into systemInstruction; function-role turns flatten into
// annotated user text because functionResponse parts require a paired
// functionCall the conversation never carries.
func (g *Gemini) buildBody(messages []engram.ChatMessage, schema json.RawMessage) map[string]any {
	var systemParts []string
	var contents []map[string]any

	for _, m := range messages {
		switch m.Role {
		case engram.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case engram.RoleFunction:
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{"text": fmt.Sprintf("[result of %s]\n%s", m.Name, m.Content)},
				},
			})

		default:
			var parts []map[string]any
			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}
			for _, img := range m.Images {
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": img.MimeType,
						"data":     img.Base64,
					},
				})
			}
			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}
			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	// No tools are ever declared; keep the model from inventing calls.
	body["toolConfig"] = map[string]any{
		"functionCallingConfig": map[string]any{
			"mode": "NONE",
		},
	}

	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}

	// Structured output: enforce JSON response matching the schema.
	if g.structuredOutput && len(schema) > 0 {
		genConfig["responseMimeType"] = "application/json"
		var schemaObj any
		if err := json.Unmarshal(schema, &schemaObj); err == nil {
			genConfig["responseSchema"] = schemaObj
		}
	}

	body["generationConfig"] = genConfig

	return body
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == engram.RoleAssistant {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	UsageMetadata  *geminiUsage      `json:"usageMetadata"`
	PromptFeedback *geminiFeedback   `json:"promptFeedback"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text    *string `json:"text,omitempty"`
	Thought bool    `json:"thought,omitempty"`
}

type geminiFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type embedResponse struct {
	Embedding *embedValues `json:"embedding"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

// ---- Stream helpers ----

// extractTextFromParsed extracts concatenated text from
// candidates[0].content.parts[].text in a raw parsed JSON map.
func extractTextFromParsed(parsed map[string]json.RawMessage) string {
	candidatesRaw, ok := parsed["candidates"]
	if !ok {
		return ""
	}

	var candidates []json.RawMessage
	if err := json.Unmarshal(candidatesRaw, &candidates); err != nil || len(candidates) == 0 {
		return ""
	}

	var candidate struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	}
	if err := json.Unmarshal(candidates[0], &candidate); err != nil {
		return ""
	}

	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		if p.Thought {
			continue
		}
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

// extractUsageFromParsed extracts usage metadata from a parsed chunk.
func extractUsageFromParsed(parsed map[string]json.RawMessage, usage *engram.Usage) {
	usageRaw, ok := parsed["usageMetadata"]
	if !ok {
		return
	}

	var u geminiUsage
	if err := json.Unmarshal(usageRaw, &u); err != nil {
		return
	}

	if u.PromptTokenCount > 0 || u.CandidatesTokenCount > 0 {
		usage.InputTokens = u.PromptTokenCount
		usage.OutputTokens = u.CandidatesTokenCount
	}
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface assertion.
var _ engram.Provider = (*Gemini)(nil)

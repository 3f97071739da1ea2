package openaicompat

import (
	"encoding/json"
	"fmt"

	engram "github.com/sorane/engram"
)

// BuildBody converts engram ChatMessages and a model name into an
// OpenAI-format ChatRequest. System messages stay in the messages array as
// role:"system". Function-role turns carry tool results; the completions
// protocol ties its native tool role to a call id the caller never sees, so
// they are flattened into annotated user turns instead.
func BuildBody(messages []engram.ChatMessage, model string, schema json.RawMessage, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == engram.RoleFunction:
			msgs = append(msgs, Message{
				Role:    "user",
				Content: fmt.Sprintf("[result of %s]\n%s", m.Name, m.Content),
			})

		case len(m.Images) > 0:
			// Multimodal: typed content blocks with inline data URIs.
			var blocks []ContentBlock
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{
					Type: "text",
					Text: m.Content,
				})
			}
			for _, img := range m.Images {
				blocks = append(blocks, ContentBlock{
					Type: "image_url",
					ImageURL: &ImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: blocks,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	// Structured output: enforce JSON response matching the schema.
	if len(schema) > 0 {
		req.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   "response",
				Schema: schema,
				Strict: true,
			},
		}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

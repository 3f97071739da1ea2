package openaicompat

import (
	engram "github.com/sorane/engram"
)

// ParseResponse converts an OpenAI-format ChatResponse into an engram
// ChatResponse, extracting content and usage from choices[0].
func ParseResponse(resp ChatResponse) (engram.ChatResponse, error) {
	var out engram.ChatResponse

	if len(resp.Choices) == 0 {
		return out, engram.NewProviderError("", engram.CodeMalformedResponse, "response has no choices")
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		if out.Content == "" && choice.Message.Refusal != "" {
			return out, engram.NewProviderError("", engram.CodeContentFilterBlock, choice.Message.Refusal)
		}
	}

	if resp.Usage != nil {
		out.Usage = engram.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

package engram

import "encoding/json"

// --- LLM protocol types ---

// Chat roles. RoleFunction carries a tool result back into the conversation;
// providers without a native tool role serialize it as an annotated turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

type ChatMessage struct {
	Role    string      `json:"role"`
	Name    string      `json:"name,omitempty"` // tool name, function role only
	Content string      `json:"content"`
	Images  []ImageData `json:"images,omitempty"`
}

type ImageData struct {
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ChatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
	// ResponseSchema switches the call to structured mode: the provider is
	// asked for a JSON object conforming to this JSON Schema.
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

// FunctionMessage wraps a tool result as a conversation turn.
func FunctionMessage(name, content string) ChatMessage {
	return ChatMessage{Role: RoleFunction, Name: name, Content: content}
}

// --- Incoming chat event from the frontend ---

type IncomingMessage struct {
	ID          string
	ChannelID   string
	GuildID     string
	UserID      string
	UserName    string
	Content     string
	Timestamp   int64 // Unix seconds
	Reactions   []Reaction
	Attachments []Attachment
	IsBot       bool
	IsDM        bool
	MentionsBot bool
}

type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	URL         string
	Data        []byte
}

// --- Episodic memory types ---

// EventSummary is the transient output of event summarization: one condensed
// event extracted from a window of captured messages, before vectorization.
type EventSummary struct {
	QueryKey      string          `json:"query_key"`
	QueryKeywords []string        `json:"query_keywords"`
	QueryValue    string          `json:"query_value"`
	Metadata      SummaryMetadata `json:"metadata"`
}

type SummaryMetadata struct {
	StartMessageID string     `json:"start_msg_id"`
	EndMessageID   string     `json:"end_msg_id"`
	ChannelID      string     `json:"channel_id"`
	GuildID        string     `json:"guild_id"`
	UserIDs        []string   `json:"user_ids"`
	StartTimestamp int64      `json:"start_ts"`
	EndTimestamp   int64      `json:"end_ts"`
	Reactions      []Reaction `json:"reactions"`
	EventType      string     `json:"event_type"`
	// SourceMessageIDs are all message ids the summary was built from,
	// used to mark sources vectorized and archive them afterwards.
	SourceMessageIDs []string `json:"source_message_ids"`
}

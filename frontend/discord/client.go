// Package discord adapts Discord to the seams the core consumes. Client
// covers the REST side: message backfill, channel metadata, reply delivery
// with markdown normalization and length splitting, and file upload.
// Session covers the realtime side: the gateway websocket with identify,
// heartbeating, and resume, feeding message events to the bot layer.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	engram "github.com/sorane/engram"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"

	// maxMessageLength is Discord's per-message content limit.
	maxMessageLength = 2000
)

// Client implements engram.ChatService over the Discord REST API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// guild ids per channel; messages fetched by channel id do not carry
	// their guild, the channel object does.
	mu     sync.Mutex
	guilds map[string]string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(cl *Client) {
		if u != "" {
			cl.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

var _ engram.ChatService = (*Client)(nil)

// New creates a client authenticated as a bot.
func New(token string, opts ...Option) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     nopLogger,
		guilds:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMessage retrieves a full message body. The guild id is resolved
// through the channel object and cached.
func (c *Client) FetchMessage(ctx context.Context, channelID, messageID string) (engram.Message, error) {
	var m apiMessage
	if err := c.call(ctx, http.MethodGet,
		fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID), nil, &m); err != nil {
		return engram.Message{}, err
	}

	msg := engram.Message{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		UserID:    m.Author.ID,
		Content:   m.Content,
		Timestamp: parseTimestamp(m.Timestamp),
	}
	if msg.GuildID == "" {
		msg.GuildID = c.guildFor(ctx, channelID)
	}
	if len(m.Reactions) > 0 {
		rs := make([]engram.Reaction, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			rs = append(rs, engram.Reaction{Emoji: r.Emoji.Name, Count: r.Count})
		}
		if data, err := json.Marshal(rs); err == nil {
			msg.ReactionsJSON = string(data)
		}
	}
	return msg, nil
}

// ChannelInfo returns channel metadata and primes the guild cache.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (engram.Channel, error) {
	var ch apiChannel
	if err := c.call(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		return engram.Channel{}, err
	}

	c.mu.Lock()
	c.guilds[channelID] = ch.GuildID
	c.mu.Unlock()

	return engram.Channel{
		ID:      ch.ID,
		GuildID: ch.GuildID,
		Name:    ch.Name,
		Type:    mapChannelType(ch.Type),
	}, nil
}

// SendMessage normalizes the reply to Discord-flavored markdown, splits it
// under the length limit, and posts the chunks in order. Returns the id of
// the last chunk.
func (c *Client) SendMessage(ctx context.Context, channelID, content string) (string, error) {
	rendered := RenderMarkdown(content)

	var lastID string
	for _, chunk := range splitMessage(rendered) {
		body := map[string]any{"content": chunk}
		var m apiMessage
		if err := c.call(ctx, http.MethodPost,
			fmt.Sprintf("/channels/%s/messages", channelID), body, &m); err != nil {
			return "", err
		}
		lastID = m.ID
	}
	return lastID, nil
}

// SendFile uploads one attachment via multipart form.
func (c *Client) SendFile(ctx context.Context, channelID, filename string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload, err := json.Marshal(map[string]any{
		"attachments": []map[string]any{{"id": 0, "filename": filename}},
	})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return fmt.Errorf("discord: write payload: %w", err)
	}
	part, err := w.CreateFormFile("files[0]", filename)
	if err != nil {
		return fmt.Errorf("discord: create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("discord: write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("discord: close form: %w", err)
	}

	url := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, channelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: upload: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// DownloadAttachment fetches attachment bytes from its CDN URL.
func (c *Client) DownloadAttachment(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("discord: read attachment: %w", err)
	}
	return data, nil
}

// guildFor returns the cached guild id for a channel, fetching channel
// info on a miss. Best effort: an unresolvable channel yields "".
func (c *Client) guildFor(ctx context.Context, channelID string) string {
	c.mu.Lock()
	guildID, ok := c.guilds[channelID]
	c.mu.Unlock()
	if ok {
		return guildID
	}
	ch, err := c.ChannelInfo(ctx, channelID)
	if err != nil {
		c.logger.Debug("discord: guild lookup failed", "channel_id", channelID, "error", err)
		return ""
	}
	return ch.GuildID
}

// call runs one JSON API request. Non-2xx responses become *engram.ChatError
// with Discord's error message when present.
func (c *Client) call(ctx context.Context, method, path string, reqBody, result any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("discord: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("discord: decode response: %w", err)
		}
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e apiError
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &e); err == nil && e.Message != "" {
		msg = e.Message
	}
	return &engram.ChatError{Status: resp.StatusCode, Message: msg}
}

func mapChannelType(t int) engram.ChannelType {
	switch t {
	case chanGuildText, chanGuildAnnouncement, chanAnnouncementThread, chanPublicThread, chanPrivateThread:
		return engram.ChannelText
	case chanDM, chanGroupDM:
		return engram.ChannelDM
	case chanGuildVoice, chanGuildStageVoice:
		return engram.ChannelVoice
	case chanGuildCategory:
		return engram.ChannelCategory
	default:
		return engram.ChannelOther
	}
}

func parseTimestamp(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// splitMessage chunks text under the length limit, preferring newline
// boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLength {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= maxMessageLength {
			chunks = append(chunks, remaining)
			break
		}
		window := remaining[:maxMessageLength]
		splitPos := strings.LastIndex(window, "\n")
		if splitPos == -1 {
			splitPos = maxMessageLength
		} else {
			splitPos++ // newline stays with the leading chunk
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Package bot glues the chat platform's event stream to the core: every
// inbound message is tracked for episodic capture, and addressed messages
// run through the dispatcher to produce a reply.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	engram "github.com/sorane/engram"
)

// Responder plans and answers one addressed user turn.
type Responder interface {
	Handle(ctx context.Context, input engram.DispatchInput) (string, error)
}

// Updater runs the capture-summarize-vectorize pipeline for one channel.
type Updater interface {
	ForceUpdate(ctx context.Context, channelID string) error
}

// Handler processes one inbound message at a time. Safe for concurrent use;
// the caller may fan messages out across goroutines.
type Handler struct {
	storage   engram.Storage
	tracker   *engram.Tracker
	updater   Updater
	responder Responder
	chat      engram.ChatService
	fetcher   AttachmentFetcher
	sanitizer *engram.Sanitizer

	botID         string
	prefix        string
	threshold     int64
	updateTimeout time.Duration

	history *historyRing

	reporter engram.ErrorReporter
	sink     engram.Sink
	logger   *slog.Logger
	perf     *engram.Perf

	mu       sync.Mutex
	inflight map[string]bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithPrefix sets the command prefix that addresses the bot in guild
// channels. Empty means mention/DM only.
func WithPrefix(p string) Option {
	return func(h *Handler) { h.prefix = p }
}

// WithThreshold sets the per-channel message count that triggers a force
// update. Zero or negative disables the trigger.
func WithThreshold(n int64) Option {
	return func(h *Handler) { h.threshold = n }
}

// WithUpdateTimeout bounds a background force update. Default: 2 minutes.
func WithUpdateTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.updateTimeout = d
		}
	}
}

// WithHistorySize sets how many conversation turns are kept per channel.
// Default: 10.
func WithHistorySize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.history = newHistoryRing(n)
		}
	}
}

// WithFetcher sets the attachment downloader. Without it attachments are
// ignored.
func WithFetcher(f AttachmentFetcher) Option {
	return func(h *Handler) { h.fetcher = f }
}

// WithSanitizer sets the injection guard applied to message content before
// it reaches a prompt.
func WithSanitizer(s *engram.Sanitizer) Option {
	return func(h *Handler) { h.sanitizer = s }
}

// WithReporter sets the async error reporter.
func WithReporter(r engram.ErrorReporter) Option {
	return func(h *Handler) { h.reporter = r }
}

// WithSink routes handler events to the log sink.
func WithSink(s engram.Sink) Option {
	return func(h *Handler) { h.sink = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithPerf counts handled messages on the monitor.
func WithPerf(p *engram.Perf) Option {
	return func(h *Handler) { h.perf = p }
}

// New creates a Handler. botID is the bot's own user id, used to drop
// self-authored events that slip past the IsBot flag.
func New(botID string, storage engram.Storage, tracker *engram.Tracker, updater Updater, responder Responder, chat engram.ChatService, opts ...Option) *Handler {
	h := &Handler{
		storage:       storage,
		tracker:       tracker,
		updater:       updater,
		responder:     responder,
		chat:          chat,
		botID:         botID,
		updateTimeout: 2 * time.Minute,
		history:       newHistoryRing(10),
		reporter:      engram.NopReporter(),
		sink:          engram.NopSink(),
		inflight:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sanitizer == nil {
		h.sanitizer = engram.NewSanitizer()
	}
	if h.logger == nil {
		h.logger = slog.New(discardHandler{})
	}
	return h
}

// HandleMessage processes one inbound event: track it for episodic capture,
// trigger a force update when the channel window crosses the threshold, and
// answer when the bot is addressed. Never returns an error; failures are
// reported and the event is dropped.
func (h *Handler) HandleMessage(ctx context.Context, msg engram.IncomingMessage) {
	if msg.IsBot || msg.UserID == h.botID {
		return
	}
	if h.perf != nil {
		h.perf.Increment("messages_handled", 1)
	}

	if _, err := h.storage.UpsertUser(ctx, engram.UserUpsert{ID: msg.UserID, Name: msg.UserName}); err != nil {
		h.reporter.Report("bot", fmt.Errorf("upsert user %s: %w", msg.UserID, err))
	}

	if err := h.tracker.Track(ctx, msg); err != nil {
		h.reporter.Report("bot", fmt.Errorf("track %s: %w", msg.ID, err))
	}

	h.maybeForceUpdate(ctx, msg.ChannelID)

	if !h.addressed(msg) {
		return
	}
	h.respond(ctx, msg)
}

// addressed reports whether this message expects a reply: a DM, an explicit
// mention, or the configured prefix.
func (h *Handler) addressed(msg engram.IncomingMessage) bool {
	if msg.IsDM || msg.MentionsBot {
		return true
	}
	return h.prefix != "" && strings.HasPrefix(strings.TrimSpace(msg.Content), h.prefix)
}

// maybeForceUpdate kicks off a background pipeline run when the channel's
// unprocessed window reaches the threshold. At most one update per channel
// runs at a time.
func (h *Handler) maybeForceUpdate(ctx context.Context, channelID string) {
	if h.threshold <= 0 || h.updater == nil {
		return
	}
	state, err := h.storage.GetChannelState(ctx, channelID)
	if err != nil {
		if !errors.Is(err, engram.ErrNotFound) {
			h.reporter.Report("bot", fmt.Errorf("channel state %s: %w", channelID, err))
		}
		return
	}
	if state.MessageCount < h.threshold {
		return
	}

	h.mu.Lock()
	if h.inflight[channelID] {
		h.mu.Unlock()
		return
	}
	h.inflight[channelID] = true
	h.mu.Unlock()

	h.event(engram.LevelInfo, channelID, "", "", "force_update_start", fmt.Sprintf("window=%d", state.MessageCount), nil)

	// The update outlives this message's scope.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.updateTimeout)
	go func() {
		defer cancel()
		defer func() {
			h.mu.Lock()
			delete(h.inflight, channelID)
			h.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				h.reporter.Report("bot", fmt.Errorf("force update panic: %v", r))
			}
		}()
		if err := h.updater.ForceUpdate(uctx, channelID); err != nil {
			h.reporter.Report("bot", fmt.Errorf("force update %s: %w", channelID, err))
		}
	}()
}

// respond runs the dispatcher for an addressed message and delivers the
// reply. Provider exhaustion falls back to the apology text so the user is
// never left hanging.
func (h *Handler) respond(ctx context.Context, msg engram.IncomingMessage) {
	start := time.Now()
	prompt := h.stripAddressing(msg)
	prompt = h.sanitizer.Normalize(prompt)
	if hit, layer := h.sanitizer.CheckInjection(prompt); hit {
		h.event(engram.LevelWarning, msg.ChannelID, msg.GuildID, msg.UserID,
			"injection_detected", fmt.Sprintf("layer %d", layer), nil)
	}

	flat := h.flatten(ctx, msg)
	if flat.text != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += flat.text
	}
	if prompt == "" && len(flat.media) == 0 {
		return
	}

	input := engram.DispatchInput{
		Prompt:    prompt,
		History:   h.history.snapshot(msg.ChannelID),
		Media:     flat.media,
		TraceID:   engram.NewID(),
		ServerID:  msg.GuildID,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
	}

	reply, err := h.responder.Handle(ctx, input)
	if err != nil {
		var pe *engram.ProviderError
		if errors.As(err, &pe) {
			reply = engram.ApologyMessage(pe.TraceID)
		} else {
			h.reporter.Report("bot", fmt.Errorf("respond %s: %w", msg.ID, err))
			reply = engram.ApologyMessage(input.TraceID)
		}
	}

	if _, serr := h.chat.SendMessage(ctx, msg.ChannelID, reply); serr != nil {
		h.reporter.Report("bot", fmt.Errorf("send reply %s: %w", msg.ChannelID, serr))
		return
	}

	if err == nil {
		h.history.append(msg.ChannelID, engram.UserMessage(prompt))
		h.history.append(msg.ChannelID, engram.AssistantMessage(reply))
	}
	h.event(engram.LevelInfo, msg.ChannelID, msg.GuildID, msg.UserID,
		"replied", fmt.Sprintf("%d chars", len(reply)), map[string]any{
			"trace_id":    input.TraceID,
			"duration_ms": time.Since(start).Milliseconds(),
		})
}

// stripAddressing removes the prefix or bot mention from the prompt text.
func (h *Handler) stripAddressing(msg engram.IncomingMessage) string {
	text := strings.TrimSpace(msg.Content)
	if h.prefix != "" && strings.HasPrefix(text, h.prefix) {
		return strings.TrimSpace(strings.TrimPrefix(text, h.prefix))
	}
	if msg.MentionsBot && h.botID != "" {
		for _, mention := range []string{"<@" + h.botID + ">", "<@!" + h.botID + ">"} {
			text = strings.ReplaceAll(text, mention, "")
		}
		return strings.TrimSpace(text)
	}
	return text
}

func (h *Handler) event(level engram.Level, channelID, serverID, userID, action, message string, extra map[string]any) {
	h.sink.Enqueue(engram.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    "bot",
		ServerID:  serverID,
		Channel:   channelID,
		UserID:    userID,
		Action:    action,
		Message:   message,
		Extra:     extra,
	})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

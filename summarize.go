package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// fragmentListSchema is the structured-mode contract for the archivist
// call. The model must return message-id bounds so the summarizer can
// locate each fragment's source range.
var fragmentListSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"fragments": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"query_key": {"type": "string"},
					"query_keywords": {"type": "array", "items": {"type": "string"}},
					"query_value": {"type": "string"},
					"start_message_id": {"type": "string"},
					"end_message_id": {"type": "string"}
				},
				"required": ["query_key", "query_keywords", "query_value", "start_message_id", "end_message_id"]
			}
		}
	},
	"required": ["fragments"]
}`)

type fragmentList struct {
	Fragments []fragmentSpan `json:"fragments"`
}

type fragmentSpan struct {
	QueryKey       string   `json:"query_key"`
	QueryKeywords  []string `json:"query_keywords"`
	QueryValue     string   `json:"query_value"`
	StartMessageID string   `json:"start_message_id"`
	EndMessageID   string   `json:"end_message_id"`
}

const defaultArchivistPrompt = `You are a memory archivist for a chat community. You receive a transcript where each line is "message_id | user_id | content". Extract the distinct events worth remembering.

For each event produce:
- query_key: a short descriptive title.
- query_keywords: terms someone would search to find this event.
- query_value: a 2-4 sentence past-tense account of what happened.
- start_message_id and end_message_id: the transcript ids bounding the event.

Respond with JSON only. Return {"fragments": []} when nothing is worth keeping.`

// EventSummarizer turns captured message batches into event summaries via
// a structured archivist call. The minimal grouping treats the whole input
// as one event window; the agent splits it into fragments.
type EventSummarizer struct {
	gateway   Generator
	prompt    string
	sanitizer *Sanitizer
	logger    *slog.Logger
	sink      Sink
	perf      *Perf
}

// SummarizerOption configures an EventSummarizer.
type SummarizerOption func(*EventSummarizer)

// SummarizerPrompt overrides the archivist system prompt.
func SummarizerPrompt(p string) SummarizerOption {
	return func(s *EventSummarizer) {
		if p != "" {
			s.prompt = p
		}
	}
}

// SummarizerSanitizer sets the sanitizer applied to transcript content.
func SummarizerSanitizer(sn *Sanitizer) SummarizerOption {
	return func(s *EventSummarizer) { s.sanitizer = sn }
}

// SummarizerLogger sets the structured logger.
func SummarizerLogger(l *slog.Logger) SummarizerOption {
	return func(s *EventSummarizer) { s.logger = l }
}

// SummarizerSink routes summarization events to the log sink.
func SummarizerSink(sk Sink) SummarizerOption {
	return func(s *EventSummarizer) { s.sink = sk }
}

// SummarizerPerf times archivist calls on the monitor.
func SummarizerPerf(p *Perf) SummarizerOption {
	return func(s *EventSummarizer) { s.perf = p }
}

// NewEventSummarizer creates a summarizer over the gateway.
func NewEventSummarizer(gateway Generator, opts ...SummarizerOption) *EventSummarizer {
	s := &EventSummarizer{
		gateway: gateway,
		prompt:  defaultArchivistPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sanitizer == nil {
		s.sanitizer = NewSanitizer()
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	if s.sink == nil {
		s.sink = NopSink()
	}
	return s
}

var _ Summarizer = (*EventSummarizer)(nil)

// Summarize converts msgs into event summaries. A schema violation or
// provider failure yields zero summaries for the group, never an error
// that would poison the caller's cycle.
func (s *EventSummarizer) Summarize(ctx context.Context, msgs []Message) ([]EventSummary, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		if s.perf != nil {
			s.perf.Observe("summarize", time.Since(start))
		}
	}()

	var out []EventSummary
	for _, group := range s.group(msgs) {
		out = append(out, s.summarizeGroup(ctx, group)...)
	}
	return out, nil
}

// group partitions messages into event windows, time-ordered. The minimal
// strategy is one window per call.
func (s *EventSummarizer) group(msgs []Message) [][]Message {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return [][]Message{sorted}
}

func (s *EventSummarizer) summarizeGroup(ctx context.Context, group []Message) []EventSummary {
	anchor := group[0]
	var plan fragmentList
	err := s.gateway.GenerateStructured(ctx, GenRequest{
		Prompt:       s.transcript(group),
		SystemPrompt: s.prompt,
		Schema:       fragmentListSchema,
		ServerID:     anchor.GuildID,
		ChannelID:    anchor.ChannelID,
	}, &plan)
	if err != nil {
		s.logger.Warn("archivist call failed",
			"channel_id", anchor.ChannelID, "messages", len(group), "error", err)
		s.sink.Enqueue(LogRecord{
			Timestamp: time.Now().UTC(),
			Level:     LevelWarning,
			Source:    "summarizer",
			ServerID:  anchor.GuildID,
			Channel:   anchor.ChannelID,
			Action:    "summarize_failed",
			Message:   err.Error(),
		})
		return nil
	}

	summaries := make([]EventSummary, 0, len(plan.Fragments))
	for _, frag := range plan.Fragments {
		span := s.locate(group, frag.StartMessageID, frag.EndMessageID)
		summaries = append(summaries, EventSummary{
			QueryKey:      frag.QueryKey,
			QueryKeywords: frag.QueryKeywords,
			QueryValue:    frag.QueryValue,
			Metadata:      spanMetadata(span),
		})
	}
	return summaries
}

// transcript renders the group for the archivist prompt. Content passes
// the sanitizer so obfuscated instructions do not reach the agent raw.
func (s *EventSummarizer) transcript(group []Message) string {
	var b strings.Builder
	for _, m := range group {
		content := s.sanitizer.Normalize(m.Content)
		content = strings.ReplaceAll(content, "\n", " ")
		fmt.Fprintf(&b, "%s | %s | %s\n", m.MessageID, m.UserID, content)
	}
	return b.String()
}

// locate returns the inclusive message range the agent indicated. When
// either bound is missing from the group, or the bounds are inverted, the
// whole group stands in.
func (s *EventSummarizer) locate(group []Message, startID, endID string) []Message {
	si, ei := -1, -1
	for i, m := range group {
		if m.MessageID == startID {
			si = i
		}
		if m.MessageID == endID {
			ei = i
		}
	}
	if si == -1 || ei == -1 || si > ei {
		return group
	}
	return group[si : ei+1]
}

// spanMetadata derives summary metadata from the located range: unique
// author ids in first-seen order, merged reactions, the range's time
// bounds, and channel/guild from the anchor message.
func spanMetadata(span []Message) SummaryMetadata {
	anchor := span[0]
	last := span[len(span)-1]

	seen := make(map[string]bool)
	var userIDs []string
	var sourceIDs []string
	reactions := make(map[string]int)
	var emojiOrder []string
	for _, m := range span {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			userIDs = append(userIDs, m.UserID)
		}
		sourceIDs = append(sourceIDs, m.MessageID)
		if m.ReactionsJSON == "" {
			continue
		}
		var rs []Reaction
		if err := json.Unmarshal([]byte(m.ReactionsJSON), &rs); err != nil {
			continue
		}
		for _, r := range rs {
			if _, ok := reactions[r.Emoji]; !ok {
				emojiOrder = append(emojiOrder, r.Emoji)
			}
			reactions[r.Emoji] += r.Count
		}
	}
	merged := make([]Reaction, 0, len(emojiOrder))
	for _, emoji := range emojiOrder {
		merged = append(merged, Reaction{Emoji: emoji, Count: reactions[emoji]})
	}

	return SummaryMetadata{
		StartMessageID:   anchor.MessageID,
		EndMessageID:     last.MessageID,
		ChannelID:        anchor.ChannelID,
		GuildID:          anchor.GuildID,
		UserIDs:          userIDs,
		StartTimestamp:   anchor.Timestamp,
		EndTimestamp:     last.Timestamp,
		Reactions:        merged,
		EventType:        "conversation",
		SourceMessageIDs: sourceIDs,
	}
}

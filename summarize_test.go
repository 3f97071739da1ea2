package engram

import (
	"context"
	"strings"
	"testing"
)

func summaryMsg(id, user, content string, ts int64) Message {
	return Message{
		MessageID: id,
		ChannelID: "c-1",
		GuildID:   "g-1",
		UserID:    user,
		Content:   content,
		Timestamp: ts,
	}
}

func TestSummarizeEmptyInput(t *testing.T) {
	gen := &stubGen{}
	s := NewEventSummarizer(gen)

	out, err := s.Summarize(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Errorf("summaries = %v, want none", out)
	}
	if len(gen.requests()) != 0 {
		t.Error("archivist called for empty input")
	}
}

func TestSummarizeTranscriptOrderAndShape(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[{
		"query_key": "dinner plan",
		"query_keywords": ["dinner", "friday"],
		"query_value": "The group agreed to meet for dinner on Friday.",
		"start_message_id": "m1",
		"end_message_id": "m2"
	}]}`}}}
	s := NewEventSummarizer(gen)

	// Out of order on purpose: the transcript must sort by timestamp.
	msgs := []Message{
		summaryMsg("m2", "u2", "friday works\nfor me", 20),
		summaryMsg("m1", "u1", "dinner this week?", 10),
	}
	out, err := s.Summarize(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}

	reqs := gen.requests()
	if len(reqs) != 1 {
		t.Fatalf("archivist calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if len(req.Schema) == 0 {
		t.Error("archivist call missing schema")
	}
	wantTranscript := "m1 | u1 | dinner this week?\nm2 | u2 | friday works for me\n"
	if req.Prompt != wantTranscript {
		t.Errorf("transcript = %q, want %q", req.Prompt, wantTranscript)
	}
	if req.ChannelID != "c-1" || req.ServerID != "g-1" {
		t.Errorf("scope = %s/%s, want c-1/g-1", req.ChannelID, req.ServerID)
	}

	if len(out) != 1 {
		t.Fatalf("summaries = %d, want 1", len(out))
	}
	sum := out[0]
	if sum.QueryKey != "dinner plan" {
		t.Errorf("QueryKey = %q", sum.QueryKey)
	}
	meta := sum.Metadata
	if meta.StartMessageID != "m1" || meta.EndMessageID != "m2" {
		t.Errorf("span = %s..%s, want m1..m2", meta.StartMessageID, meta.EndMessageID)
	}
	if meta.StartTimestamp != 10 || meta.EndTimestamp != 20 {
		t.Errorf("time bounds = %d..%d, want 10..20", meta.StartTimestamp, meta.EndTimestamp)
	}
	if len(meta.UserIDs) != 2 || meta.UserIDs[0] != "u1" || meta.UserIDs[1] != "u2" {
		t.Errorf("UserIDs = %v, want [u1 u2] in first-seen order", meta.UserIDs)
	}
	if len(meta.SourceMessageIDs) != 2 {
		t.Errorf("SourceMessageIDs = %v", meta.SourceMessageIDs)
	}
	if meta.EventType != "conversation" {
		t.Errorf("EventType = %q", meta.EventType)
	}
}

func TestSummarizeLocatesSpanWithinGroup(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[{
		"query_key": "one event",
		"query_keywords": [],
		"query_value": "Something happened.",
		"start_message_id": "m2",
		"end_message_id": "m3"
	}]}`}}}
	s := NewEventSummarizer(gen)

	out, err := s.Summarize(context.Background(), []Message{
		summaryMsg("m1", "u1", "noise", 1),
		summaryMsg("m2", "u2", "start", 2),
		summaryMsg("m3", "u3", "end", 3),
		summaryMsg("m4", "u4", "more noise", 4),
	})
	if err != nil {
		t.Fatal(err)
	}
	meta := out[0].Metadata
	if meta.StartMessageID != "m2" || meta.EndMessageID != "m3" {
		t.Errorf("span = %s..%s, want m2..m3", meta.StartMessageID, meta.EndMessageID)
	}
	if len(meta.SourceMessageIDs) != 2 || meta.SourceMessageIDs[0] != "m2" {
		t.Errorf("sources = %v, want [m2 m3]", meta.SourceMessageIDs)
	}
	if len(meta.UserIDs) != 2 {
		t.Errorf("UserIDs = %v, want the span's authors only", meta.UserIDs)
	}
}

func TestSummarizeUnknownBoundsFallBackToGroup(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[{
		"query_key": "event",
		"query_keywords": [],
		"query_value": "Happened.",
		"start_message_id": "missing",
		"end_message_id": "m2"
	}]}`}}}
	s := NewEventSummarizer(gen)

	out, err := s.Summarize(context.Background(), []Message{
		summaryMsg("m1", "u1", "a", 1),
		summaryMsg("m2", "u2", "b", 2),
	})
	if err != nil {
		t.Fatal(err)
	}
	meta := out[0].Metadata
	if meta.StartMessageID != "m1" || meta.EndMessageID != "m2" {
		t.Errorf("span = %s..%s, want whole group m1..m2", meta.StartMessageID, meta.EndMessageID)
	}
}

func TestSummarizeInvertedBoundsFallBackToGroup(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[{
		"query_key": "event",
		"query_keywords": [],
		"query_value": "Happened.",
		"start_message_id": "m3",
		"end_message_id": "m1"
	}]}`}}}
	s := NewEventSummarizer(gen)

	out, err := s.Summarize(context.Background(), []Message{
		summaryMsg("m1", "u1", "a", 1),
		summaryMsg("m2", "u2", "b", 2),
		summaryMsg("m3", "u3", "c", 3),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(out[0].Metadata.SourceMessageIDs); got != 3 {
		t.Errorf("sources = %d, want whole group", got)
	}
}

func TestSummarizeMergesReactions(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[{
		"query_key": "event",
		"query_keywords": [],
		"query_value": "Happened.",
		"start_message_id": "m1",
		"end_message_id": "m2"
	}]}`}}}
	s := NewEventSummarizer(gen)

	m1 := summaryMsg("m1", "u1", "a", 1)
	m1.ReactionsJSON = `[{"emoji":"👍","count":2}]`
	m2 := summaryMsg("m2", "u2", "b", 2)
	m2.ReactionsJSON = `[{"emoji":"👍","count":1},{"emoji":"🎉","count":3}]`

	out, err := s.Summarize(context.Background(), []Message{m1, m2})
	if err != nil {
		t.Fatal(err)
	}
	got := out[0].Metadata.Reactions
	want := []Reaction{{Emoji: "👍", Count: 3}, {Emoji: "🎉", Count: 3}}
	if len(got) != len(want) {
		t.Fatalf("reactions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reactions[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSummarizeArchivistFailureYieldsNothing(t *testing.T) {
	gen := &stubGen{outs: []genOut{{err: &ProviderError{Code: CodeMalformedResponse, Message: "bad json"}}}}
	sink := &captureSink{}
	s := NewEventSummarizer(gen, SummarizerSink(sink))

	out, err := s.Summarize(context.Background(), []Message{summaryMsg("m1", "u1", "a", 1)})
	if err != nil {
		t.Fatalf("archivist failures must not poison the cycle: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("summaries = %v, want none", out)
	}
	actions := sink.actions()
	if len(actions) != 1 || actions[0] != "summarize_failed" {
		t.Errorf("sink actions = %v, want [summarize_failed]", actions)
	}
}

func TestSummarizeNormalizesTranscriptContent(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[]}`}}}
	s := NewEventSummarizer(gen)

	_, err := s.Summarize(context.Background(), []Message{
		summaryMsg("m1", "u1", "jail​break attempt", 1),
	})
	if err != nil {
		t.Fatal(err)
	}
	prompt := gen.requests()[0].Prompt
	if !strings.Contains(prompt, "jailbreak attempt") {
		t.Errorf("transcript %q not normalized", prompt)
	}
}

func TestSummarizerPromptOverride(t *testing.T) {
	gen := &stubGen{outs: []genOut{{text: `{"fragments":[]}`}}}
	s := NewEventSummarizer(gen, SummarizerPrompt("custom archivist rules"))

	_, _ = s.Summarize(context.Background(), []Message{summaryMsg("m1", "u1", "a", 1)})
	if got := gen.requests()[0].SystemPrompt; got != "custom archivist rules" {
		t.Errorf("system prompt = %q", got)
	}
}

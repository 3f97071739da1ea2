package engram

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedRef(t *testing.T, storage Storage, id, channel string) {
	t.Helper()
	err := storage.AddPending(context.Background(), PendingRef{
		MessageID: id,
		ChannelID: channel,
		GuildID:   "g-1",
		UserID:    "u-1",
		Timestamp: 1700000000,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func chatMsg(id, channel, content string) Message {
	return Message{
		MessageID: id,
		ChannelID: channel,
		GuildID:   "g-1",
		UserID:    "u-1",
		Content:   content,
		Timestamp: 1700000000,
	}
}

func TestETLCycleCapturesPending(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	for _, id := range []string{"m1", "m2", "m3"} {
		seedRef(t, storage, id, "c1")
		chat.addMessage(chatMsg(id, "c1", "body of "+id))
	}
	etl := NewETL(storage, chat, nil, nil)

	etl.RunCycle(context.Background())

	for _, id := range []string{"m1", "m2", "m3"} {
		m, ok := storage.message(id)
		if !ok {
			t.Fatalf("message %s not captured", id)
		}
		if m.Content != "body of "+id {
			t.Errorf("message %s content = %q", id, m.Content)
		}
	}
	for _, ref := range storage.refs() {
		if !ref.Processed {
			t.Errorf("ref %s not marked processed", ref.MessageID)
		}
	}
}

func TestETLMissingMessageSkippedWithoutRetry(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	for _, id := range []string{"m1", "m2", "m3"} {
		seedRef(t, storage, id, "c1")
	}
	// m2 has no body: every fetch is a 404.
	chat.addMessage(chatMsg("m1", "c1", "one"))
	chat.addMessage(chatMsg("m3", "c1", "three"))
	etl := NewETL(storage, chat, nil, nil)

	etl.RunCycle(context.Background())

	if _, ok := storage.message("m1"); !ok {
		t.Error("m1 not captured")
	}
	if _, ok := storage.message("m2"); ok {
		t.Error("m2 captured despite 404")
	}
	if _, ok := storage.message("m3"); !ok {
		t.Error("m3 not captured; a missing sibling must not block the queue")
	}
	if n := chat.fetchCount("m2"); n != 1 {
		t.Errorf("m2 fetched %d times, want 1 (404 never retries)", n)
	}
	for _, ref := range storage.refs() {
		if !ref.Processed {
			t.Errorf("ref %s not marked processed", ref.MessageID)
		}
	}
}

func TestETLServerErrorRetriesThenSucceeds(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	seedRef(t, storage, "m1", "c1")
	chat.fetchErr["m1"] = []error{
		&ChatError{Status: 502, Message: "bad gateway"},
		&ChatError{Status: 503, Message: "unavailable"},
	}
	chat.addMessage(chatMsg("m1", "c1", "finally"))
	etl := NewETL(storage, chat, nil, nil, ETLRetryBase(time.Millisecond))

	etl.RunCycle(context.Background())

	if m, ok := storage.message("m1"); !ok || m.Content != "finally" {
		t.Errorf("message after retries = %+v, ok=%v", m, ok)
	}
	if n := chat.fetchCount("m1"); n != 3 {
		t.Errorf("m1 fetched %d times, want 3", n)
	}
}

func TestETLServerErrorExhaustsAttempts(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	reporter := &recordReporter{}
	seedRef(t, storage, "m1", "c1")
	chat.fetchErr["m1"] = []error{
		&ChatError{Status: 500, Message: "boom"},
		&ChatError{Status: 500, Message: "boom"},
		&ChatError{Status: 500, Message: "boom"},
	}
	etl := NewETL(storage, chat, nil, nil, ETLRetryBase(time.Millisecond), ETLReporter(reporter))

	etl.RunCycle(context.Background())

	if _, ok := storage.message("m1"); ok {
		t.Error("message captured despite exhausted retries")
	}
	if n := chat.fetchCount("m1"); n != 3 {
		t.Errorf("m1 fetched %d times, want 3", n)
	}
	// The failed capture costs the message, never the queue.
	if refs := storage.refs(); !refs[0].Processed {
		t.Error("ref left pending after exhausted retries")
	}
	if reporter.count() != 1 {
		t.Errorf("reports = %d, want 1", reporter.count())
	}
}

func TestETLNonTextChannelDropsRefs(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	seedRef(t, storage, "m1", "voice-1")
	chat.channels["voice-1"] = Channel{ID: "voice-1", Type: ChannelVoice}
	etl := NewETL(storage, chat, nil, nil)

	etl.RunCycle(context.Background())

	if n := chat.fetchCount("m1"); n != 0 {
		t.Errorf("fetched %d messages from a voice channel, want 0", n)
	}
	if refs := storage.refs(); !refs[0].Processed {
		t.Error("ref left pending for non-text channel")
	}
}

func TestETLChannelGoneDropsRefs(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	seedRef(t, storage, "m1", "c-gone")
	chat.chanErr["c-gone"] = &ChatError{Status: 404, Message: "unknown channel"}
	etl := NewETL(storage, chat, nil, nil)

	etl.RunCycle(context.Background())

	if refs := storage.refs(); !refs[0].Processed {
		t.Error("ref left pending for deleted channel")
	}
	if _, ok := storage.message("m1"); ok {
		t.Error("message captured from deleted channel")
	}
}

func TestETLChannelOrderPreserved(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	ids := []string{"m1", "m2", "m3", "m4"}
	for _, id := range ids {
		seedRef(t, storage, id, "c1")
		chat.addMessage(chatMsg(id, "c1", id))
	}
	// A second channel interleaves in the pending queue.
	seedRef(t, storage, "x1", "c2")
	chat.addMessage(chatMsg("x1", "c2", "x1"))
	etl := NewETL(storage, chat, nil, nil)

	etl.RunCycle(context.Background())

	// Channels drain concurrently, but within one channel order is FIFO.
	var c1Fetches []string
	chat.mu.Lock()
	for _, id := range chat.fetched {
		if id != "x1" {
			c1Fetches = append(c1Fetches, id)
		}
	}
	chat.mu.Unlock()
	if len(c1Fetches) != len(ids) {
		t.Fatalf("c1 fetches = %v", c1Fetches)
	}
	for i, id := range ids {
		if c1Fetches[i] != id {
			t.Fatalf("c1 fetch order = %v, want %v", c1Fetches, ids)
		}
	}
}

// gatedStore blocks GetPending until released so overlap is observable.
type gatedStore struct {
	*memStorage
	entered  chan struct{}
	release  chan struct{}
	getCalls int
}

func (s *gatedStore) GetPending(ctx context.Context, limit int) ([]PendingRef, error) {
	s.mu.Lock()
	s.getCalls++
	s.mu.Unlock()
	s.entered <- struct{}{}
	<-s.release
	return s.memStorage.GetPending(ctx, limit)
}

func TestETLCyclesNeverOverlap(t *testing.T) {
	storage := &gatedStore{
		memStorage: newMemStorage(),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	etl := NewETL(storage, newScriptChat(), nil, nil)

	done := make(chan struct{})
	go func() {
		etl.RunCycle(context.Background())
		close(done)
	}()
	<-storage.entered

	// Second cycle while the first holds the gate: returns immediately.
	etl.RunCycle(context.Background())

	close(storage.release)
	<-done

	storage.mu.Lock()
	calls := storage.getCalls
	storage.mu.Unlock()
	if calls != 1 {
		t.Errorf("GetPending calls = %d, want 1 (overlapping cycle must bail)", calls)
	}
}

// failingBatchStore rejects StoreMessagesBatch.
type failingBatchStore struct {
	*memStorage
	err error
}

func (s *failingBatchStore) StoreMessagesBatch(context.Context, []Message) error { return s.err }

func TestETLStoreFailureLeavesRefsPending(t *testing.T) {
	storage := &failingBatchStore{memStorage: newMemStorage(), err: errors.New("db gone")}
	chat := newScriptChat()
	reporter := &recordReporter{}
	seedRef(t, storage.memStorage, "m1", "c1")
	chat.addMessage(chatMsg("m1", "c1", "one"))
	etl := NewETL(storage, chat, nil, nil, ETLReporter(reporter))

	etl.RunCycle(context.Background())

	// Refs stay unprocessed; the next cycle redoes the batch.
	if refs := storage.refs(); refs[0].Processed {
		t.Error("ref marked processed despite failed batch store")
	}
	if reporter.count() != 1 {
		t.Errorf("reports = %d, want 1", reporter.count())
	}
}

// panickyStore panics on GetPending.
type panickyStore struct{ *memStorage }

func (s *panickyStore) GetPending(context.Context, int) ([]PendingRef, error) {
	panic("corrupt row")
}

func TestETLCyclePanicIsContained(t *testing.T) {
	reporter := &recordReporter{}
	etl := NewETL(&panickyStore{newMemStorage()}, newScriptChat(), nil, nil, ETLReporter(reporter))

	etl.RunCycle(context.Background())

	if reporter.count() != 1 {
		t.Errorf("reports = %d, want 1 panic report", reporter.count())
	}
	// The busy gate must be released for the next cycle.
	etl.RunCycle(context.Background())
	if reporter.count() != 2 {
		t.Errorf("reports after second cycle = %d, want 2", reporter.count())
	}
}

func TestETLStartStopsOnCancel(t *testing.T) {
	etl := NewETL(newMemStorage(), newScriptChat(), nil, nil, ETLInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- etl.Start(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start = %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestETLForceUpdateProcessesOneChannel(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	summarizer := &stubSummarizer{out: []EventSummary{{
		QueryKey: "lisbon trip",
		Metadata: SummaryMetadata{StartMessageID: "m1", SourceMessageIDs: []string{"m1", "m2"}},
	}}}
	vectorizer := &stubVectorizer{}

	seedRef(t, storage, "m1", "c1")
	seedRef(t, storage, "m2", "c1")
	seedRef(t, storage, "z1", "c2")
	chat.addMessage(chatMsg("m1", "c1", "planning the trip"))
	chat.addMessage(chatMsg("m2", "c1", "flights booked"))
	chat.addMessage(chatMsg("z1", "c2", "unrelated"))
	_ = storage.UpsertChannelState(context.Background(), ChannelState{
		ChannelID: "c1", MessageCount: 2, StartMessageID: "m1",
	})

	etl := NewETL(storage, chat, summarizer, vectorizer)
	if err := etl.ForceUpdate(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if len(summarizer.batches) != 1 {
		t.Fatalf("summarizer batches = %d, want 1", len(summarizer.batches))
	}
	batch := summarizer.batches[0]
	if len(batch) != 2 || batch[0].MessageID != "m1" || batch[1].MessageID != "m2" {
		t.Errorf("summarized batch = %+v, want c1's two messages", batch)
	}
	if len(vectorizer.batches) != 1 || len(vectorizer.batches[0]) != 1 {
		t.Fatalf("vectorizer batches = %+v", vectorizer.batches)
	}

	// Only c1's refs are drained; c2 waits for its own trigger.
	for _, ref := range storage.refs() {
		if ref.ChannelID == "c1" && !ref.Processed {
			t.Errorf("c1 ref %s not processed", ref.MessageID)
		}
		if ref.ChannelID == "c2" && ref.Processed {
			t.Errorf("c2 ref %s processed by c1's force update", ref.MessageID)
		}
	}

	st := storage.state("c1")
	if st.MessageCount != 0 || st.StartMessageID != "" {
		t.Errorf("c1 state after force update = %+v, want reset window", st)
	}
}

func TestETLForceUpdateSkipsVectorizerWhenNoSummaries(t *testing.T) {
	storage := newMemStorage()
	chat := newScriptChat()
	summarizer := &stubSummarizer{}
	vectorizer := &stubVectorizer{}
	seedRef(t, storage, "m1", "c1")
	chat.addMessage(chatMsg("m1", "c1", "nothing memorable"))

	etl := NewETL(storage, chat, summarizer, vectorizer)
	if err := etl.ForceUpdate(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(vectorizer.batches) != 0 {
		t.Errorf("vectorizer called with %v, want no calls", vectorizer.batches)
	}
}

func TestETLForceUpdateRequiresPipeline(t *testing.T) {
	etl := NewETL(newMemStorage(), newScriptChat(), nil, nil)
	if err := etl.ForceUpdate(context.Background(), "c1"); err == nil {
		t.Fatal("want error when summarizer/vectorizer are absent")
	}
}

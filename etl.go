package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Summarizer groups captured messages into event summaries.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) ([]EventSummary, error)
}

// Vectorizer turns event summaries into stored memory fragments and
// applies the retention policy to their source messages.
type Vectorizer interface {
	ProcessEventSummaries(ctx context.Context, summaries []EventSummary) error
}

// etlConfig holds options accumulated by ETLOption calls.
type etlConfig struct {
	interval      time.Duration
	fetchLimit    int
	fetchAttempts int
	retryBase     time.Duration
	reporter      ErrorReporter
	sink          Sink
	logger        *slog.Logger
	perf          *Perf
}

// ETLOption configures an ETL service.
type ETLOption func(*etlConfig)

// ETLInterval sets the cycle cadence. Default: 10 seconds.
func ETLInterval(d time.Duration) ETLOption {
	return func(c *etlConfig) { c.interval = d }
}

// ETLFetchLimit caps pending references drawn per cycle. Default: 100.
func ETLFetchLimit(n int) ETLOption {
	return func(c *etlConfig) { c.fetchLimit = n }
}

// ETLRetryBase sets the backoff base for 5xx fetch retries. Default: 1s.
func ETLRetryBase(d time.Duration) ETLOption {
	return func(c *etlConfig) { c.retryBase = d }
}

// ETLReporter sets the async error reporter.
func ETLReporter(r ErrorReporter) ETLOption {
	return func(c *etlConfig) { c.reporter = r }
}

// ETLSink routes cycle events to the log sink.
func ETLSink(s Sink) ETLOption {
	return func(c *etlConfig) { c.sink = s }
}

// ETLLogger sets the structured logger.
func ETLLogger(l *slog.Logger) ETLOption {
	return func(c *etlConfig) { c.logger = l }
}

// ETLPerf times cycles on the monitor.
func ETLPerf(p *Perf) ETLOption {
	return func(c *etlConfig) { c.perf = p }
}

// ETL is the episodic capture loop. Each cycle drains pending references,
// backfills full message bodies from the chat service, and persists them.
// Summarization and vectorization run through ForceUpdate, which the bot
// triggers per channel once its window crosses the configured threshold.
type ETL struct {
	storage    Storage
	chat       ChatService
	summarizer Summarizer
	vectorizer Vectorizer

	interval      time.Duration
	fetchLimit    int
	fetchAttempts int
	retryBase     time.Duration

	reporter ErrorReporter
	sink     Sink
	logger   *slog.Logger
	perf     *Perf

	busy atomic.Bool
}

// NewETL creates the capture loop over storage and the chat service.
// summarizer and vectorizer may be nil when force updates are unused.
func NewETL(storage Storage, chat ChatService, summarizer Summarizer, vectorizer Vectorizer, opts ...ETLOption) *ETL {
	cfg := etlConfig{
		interval:      10 * time.Second,
		fetchLimit:    100,
		fetchAttempts: 3,
		retryBase:     time.Second,
		reporter:      NopReporter(),
		sink:          NopSink(),
		logger:        nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ETL{
		storage:       storage,
		chat:          chat,
		summarizer:    summarizer,
		vectorizer:    vectorizer,
		interval:      cfg.interval,
		fetchLimit:    cfg.fetchLimit,
		fetchAttempts: cfg.fetchAttempts,
		retryBase:     cfg.retryBase,
		reporter:      cfg.reporter,
		sink:          cfg.sink,
		logger:        cfg.logger,
		perf:          cfg.perf,
	}
}

// Start begins the capture loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (e *ETL) Start(ctx context.Context) error {
	for {
		e.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.interval):
		}
	}
}

// RunCycle performs one capture pass. At most one cycle runs at a time;
// overlapping calls return immediately. Failures are contained so the
// cadence survives any single bad cycle.
func (e *ETL) RunCycle(ctx context.Context) {
	if !e.busy.CompareAndSwap(false, true) {
		return
	}
	defer e.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.reporter.Report("etl", fmt.Errorf("cycle panic: %v", r))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, e.interval)
	defer cancel()

	if e.perf != nil {
		e.perf.Start("etl_cycle")
		defer e.perf.Stop("etl_cycle")
	}

	pending, err := e.storage.GetPending(cctx, e.fetchLimit)
	if err != nil {
		e.logger.Error("etl get pending", "error", err)
		e.reporter.Report("etl", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	fetched, processed := e.drain(cctx, pending)

	if len(fetched) > 0 {
		if err := e.storage.StoreMessagesBatch(cctx, fetched); err != nil {
			// Leave the refs unprocessed; the upsert is idempotent so the
			// next cycle redoes this batch safely.
			e.logger.Error("etl store batch", "error", err, "count", len(fetched))
			e.reporter.Report("etl", err)
			return
		}
	}
	if err := e.storage.MarkPendingProcessed(cctx, processed); err != nil {
		e.logger.Error("etl mark processed", "error", err, "count", len(processed))
		e.reporter.Report("etl", err)
		return
	}

	e.event(LevelInfo, "", "cycle", "capture cycle complete", map[string]any{
		"drawn":    len(pending),
		"captured": len(fetched),
	})
}

// drain buckets the refs by channel and backfills each channel
// concurrently, FIFO within a channel. It returns the captured rows and
// the ids of every drawn ref, all of which must be marked processed.
func (e *ETL) drain(ctx context.Context, pending []PendingRef) ([]Message, []int64) {
	byChannel := make(map[string][]PendingRef)
	for _, ref := range pending {
		byChannel[ref.ChannelID] = append(byChannel[ref.ChannelID], ref)
	}

	var (
		mu        sync.Mutex
		fetched   []Message
		processed []int64
		wg        sync.WaitGroup
	)
	for channelID, refs := range byChannel {
		wg.Add(1)
		go func(channelID string, refs []PendingRef) {
			defer wg.Done()
			msgs, ids := e.drainChannel(ctx, channelID, refs)
			mu.Lock()
			fetched = append(fetched, msgs...)
			processed = append(processed, ids...)
			mu.Unlock()
		}(channelID, refs)
	}
	wg.Wait()
	return fetched, processed
}

// drainChannel backfills one channel's refs in insertion order. Every ref
// comes back in the processed set regardless of fetch outcome; capture
// failures cost the message, never the queue.
func (e *ETL) drainChannel(ctx context.Context, channelID string, refs []PendingRef) ([]Message, []int64) {
	ids := make([]int64, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}

	ch, err := e.chat.ChannelInfo(ctx, channelID)
	if err != nil {
		switch {
		case IsNotFound(err):
			e.logger.Warn("channel gone, dropping refs", "channel_id", channelID, "refs", len(refs))
		case IsForbidden(err):
			e.logger.Error("channel forbidden, dropping refs", "channel_id", channelID, "refs", len(refs))
		default:
			e.reporter.Report("etl", fmt.Errorf("channel info %s: %w", channelID, err))
		}
		return nil, ids
	}
	if !ch.IsText() {
		e.logger.Debug("skipping non-text channel", "channel_id", channelID, "refs", len(refs))
		return nil, ids
	}

	out := make([]Message, 0, len(refs))
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		if msg, ok := e.fetchRef(ctx, ref); ok {
			out = append(out, msg)
		}
	}
	return out, ids
}

// fetchRef retrieves one full message body. Only 5xx responses retry,
// with exponential backoff; everything else resolves on the first try.
func (e *ETL) fetchRef(ctx context.Context, ref PendingRef) (Message, bool) {
	for attempt := 1; attempt <= e.fetchAttempts; attempt++ {
		msg, err := e.chat.FetchMessage(ctx, ref.ChannelID, ref.MessageID)
		if err == nil {
			return msg, true
		}
		switch {
		case IsNotFound(err):
			e.logger.Warn("message gone before capture",
				"channel_id", ref.ChannelID, "message_id", ref.MessageID)
			return Message{}, false
		case IsForbidden(err):
			e.logger.Error("message fetch forbidden",
				"channel_id", ref.ChannelID, "message_id", ref.MessageID)
			return Message{}, false
		case IsServerError(err):
			if attempt == e.fetchAttempts {
				e.reporter.Report("etl", fmt.Errorf("fetch %s after %d attempts: %w", ref.MessageID, attempt, err))
				return Message{}, false
			}
			delay := e.retryBase * time.Duration(1<<(attempt-1))
			e.logger.Warn("message fetch retry",
				"message_id", ref.MessageID, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return Message{}, false
			case <-time.After(delay):
			}
		case isChatError(err):
			e.logger.Warn("message fetch failed",
				"channel_id", ref.ChannelID, "message_id", ref.MessageID, "error", err)
			return Message{}, false
		default:
			e.reporter.Report("etl", fmt.Errorf("fetch %s: %w", ref.MessageID, err))
			return Message{}, false
		}
	}
	return Message{}, false
}

// ForceUpdate drains one channel's pending window immediately and runs
// summarization and vectorization over its unvectorized messages, then
// resets the channel window. Used when a channel crosses the message
// threshold instead of waiting for retention cadence.
func (e *ETL) ForceUpdate(ctx context.Context, channelID string) error {
	if e.summarizer == nil || e.vectorizer == nil {
		return errors.New("etl: force update requires summarizer and vectorizer")
	}

	pending, err := e.storage.GetPending(ctx, e.fetchLimit)
	if err != nil {
		return fmt.Errorf("get pending: %w", err)
	}
	var refs []PendingRef
	for _, ref := range pending {
		if ref.ChannelID == channelID {
			refs = append(refs, ref)
		}
	}
	if len(refs) > 0 {
		fetched, processed := e.drainChannel(ctx, channelID, refs)
		if len(fetched) > 0 {
			if err := e.storage.StoreMessagesBatch(ctx, fetched); err != nil {
				return fmt.Errorf("store batch: %w", err)
			}
		}
		if err := e.storage.MarkPendingProcessed(ctx, processed); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
	}

	all, err := e.storage.GetUnvectorized(ctx, e.fetchLimit)
	if err != nil {
		return fmt.Errorf("get unvectorized: %w", err)
	}
	msgs := all[:0:0]
	for _, m := range all {
		if m.ChannelID == channelID {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) > 0 {
		summaries, err := e.summarizer.Summarize(ctx, msgs)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		if len(summaries) > 0 {
			if err := e.vectorizer.ProcessEventSummaries(ctx, summaries); err != nil {
				return fmt.Errorf("vectorize: %w", err)
			}
		}
	}

	if err := e.storage.UpsertChannelState(ctx, ChannelState{ChannelID: channelID}); err != nil {
		return fmt.Errorf("reset channel state: %w", err)
	}
	e.event(LevelInfo, channelID, "force_update", "channel window processed", map[string]any{
		"captured": len(refs),
		"messages": len(msgs),
	})
	return nil
}

func (e *ETL) event(level Level, channelID, action, message string, extra map[string]any) {
	e.sink.Enqueue(LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    "etl_service",
		Channel:   channelID,
		Action:    action,
		Message:   message,
		Extra:     extra,
	})
}

func isChatError(err error) bool {
	var ce *ChatError
	return errors.As(err, &ce)
}

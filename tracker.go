package engram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Tracker persists a reference for every inbound non-bot message so the
// episodic ETL can capture the full body later. It never reads message
// content itself.
type Tracker struct {
	storage Storage
	logger  *slog.Logger
	perf    *Perf
	pending atomic.Int64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// TrackerLogger sets the structured logger.
func TrackerLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// TrackerPerf counts tracked messages on the monitor.
func TrackerPerf(p *Perf) TrackerOption {
	return func(t *Tracker) { t.perf = p }
}

// NewTracker creates a Tracker over the storage layer.
func NewTracker(storage Storage, opts ...TrackerOption) *Tracker {
	t := &Tracker{storage: storage}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

// Track records a pending reference for msg and updates the channel's
// unprocessed-window state: first message initializes {count=1, start=id},
// later messages increment the count.
func (t *Tracker) Track(ctx context.Context, msg IncomingMessage) error {
	ref := PendingRef{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		GuildID:   msg.GuildID,
		UserID:    msg.UserID,
		Timestamp: msg.Timestamp,
	}
	if err := t.storage.AddPending(ctx, ref); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	t.pending.Add(1)
	if t.perf != nil {
		t.perf.Increment("messages_tracked", 1)
	}

	state, err := t.storage.GetChannelState(ctx, msg.ChannelID)
	switch {
	case errors.Is(err, ErrNotFound):
		state = ChannelState{ChannelID: msg.ChannelID, MessageCount: 1, StartMessageID: msg.ID}
	case err != nil:
		return fmt.Errorf("get channel state: %w", err)
	default:
		state.MessageCount++
	}
	if err := t.storage.UpsertChannelState(ctx, state); err != nil {
		return fmt.Errorf("upsert channel state: %w", err)
	}

	t.logger.Debug("tracked message",
		"channel_id", msg.ChannelID,
		"message_id", msg.ID,
		"window", state.MessageCount)
	return nil
}

// PendingCount returns the in-memory count of references enqueued since
// the last reset.
func (t *Tracker) PendingCount() int64 { return t.pending.Load() }

// ResetPendingCount zeroes the in-memory counter.
func (t *Tracker) ResetPendingCount() { t.pending.Store(0) }

package bot

import (
	"sync"

	engram "github.com/sorane/engram"
)

// historyRing keeps the last n conversation turns per channel in memory.
// It feeds the planner prompt; persistent capture is the ETL's job.
type historyRing struct {
	mu    sync.Mutex
	turns int
	byCh  map[string][]engram.ChatMessage
}

func newHistoryRing(turns int) *historyRing {
	return &historyRing{
		turns: turns,
		byCh:  make(map[string][]engram.ChatMessage),
	}
}

func (r *historyRing) append(channelID string, msg engram.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append(r.byCh[channelID], msg)
	// Two entries per turn: the user message and the assistant reply.
	if maxLen := r.turns * 2; len(msgs) > maxLen {
		msgs = msgs[len(msgs)-maxLen:]
	}
	r.byCh[channelID] = msgs
}

func (r *historyRing) snapshot(channelID string) []engram.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.byCh[channelID]
	if len(msgs) == 0 {
		return nil
	}
	out := make([]engram.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

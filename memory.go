package engram

import "context"

// MemoryFragment is a durable memory unit derived from an event summary.
// Content is embedded; metadata travels with the vector for filtering and
// provenance.
type MemoryFragment struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	QueryKey  string           `json:"query_key"`
	Keywords  []string         `json:"query_keywords,omitempty"`
	Embedding []float32        `json:"-"`
	Metadata  FragmentMetadata `json:"metadata"`
}

type FragmentMetadata struct {
	FragmentID       string   `json:"fragment_id"`
	SourceMessageIDs []string `json:"source_message_ids"`
	JumpURL          string   `json:"jump_url"`
	AuthorIDs        []string `json:"author_ids"`
	ChannelID        string   `json:"channel_id"`
	GuildID          string   `json:"guild_id"`
	StartTimestamp   int64    `json:"start_ts"`
	EndTimestamp     int64    `json:"end_ts"`
	ReactionsJSON    string   `json:"reactions_json,omitempty"`
	EventType        string   `json:"event_type"`
}

// ScoredFragment is a search hit with its similarity score.
type ScoredFragment struct {
	MemoryFragment
	Score float64 `json:"score"`
}

// SearchQuery describes a hybrid lookup. A zero Vector skips vector search;
// an empty Keyword skips keyword search. UserID and ChannelID filter when
// non-empty.
type SearchQuery struct {
	Vector    []float32
	Keyword   string
	UserID    string
	ChannelID string
	VectorK   int
	KeywordK  int
}

// VectorStore owns fragment vectors and metadata. Search combines vector
// and keyword results and deduplicates by fragment id, vector hits winning.
type VectorStore interface {
	AddMemories(ctx context.Context, fragments []MemoryFragment) error
	Search(ctx context.Context, q SearchQuery) ([]ScoredFragment, error)
	Init(ctx context.Context) error
	Close() error
}

package engram

import "context"

// --- Persistent rows ---

// User is keyed by the stable external chat id. Display names accumulate;
// procedural memory and background are overwritten on update. Users are
// never deleted.
type User struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	DisplayNames []string `json:"display_names"`
	Procedural   string   `json:"procedural,omitempty"`
	Background   string   `json:"background,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// UserUpsert carries one upsert. Name joins the display-name set; nil
// pointer fields leave the stored value untouched.
type UserUpsert struct {
	ID         string
	Name       string
	Procedural *string
	Background *string
}

// PendingRef is an append-only reference to a message awaiting capture.
// Processed is monotonic: once set it never reverts.
type PendingRef struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	Processed bool   `json:"processed"`
}

// Message is a fully captured chat message. Vectorized is monotonic.
type Message struct {
	MessageID     string `json:"message_id"`
	ChannelID     string `json:"channel_id"`
	GuildID       string `json:"guild_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	Timestamp     int64  `json:"timestamp"`
	ReactionsJSON string `json:"reactions_json,omitempty"`
	Vectorized    bool   `json:"vectorized"`
}

// ArchivedMessage is a Message moved to the archive after vectorization.
// A message id lives in exactly one of the two tables after archival.
type ArchivedMessage struct {
	Message
	ArchivedAt int64 `json:"archived_at"`
}

// ChannelState tracks the window of unprocessed messages per channel.
type ChannelState struct {
	ChannelID      string `json:"channel_id"`
	MessageCount   int64  `json:"message_count"`
	StartMessageID string `json:"start_message_id"`
}

// Storage persists users, pending references, messages, the archive,
// per-channel state, and key-value config. Implementations roll back the
// active transaction on any error and return a *StorageError carrying a
// schema snapshot for diagnostics.
type Storage interface {
	// GetUser returns ErrNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (User, error)
	// UpsertUser creates or updates a user. The name is merged into the
	// display-name set; procedural/background overwrite when non-nil.
	UpsertUser(ctx context.Context, u UserUpsert) (User, error)

	AddPending(ctx context.Context, ref PendingRef) error
	// GetPending returns unprocessed references in insertion order (by id).
	GetPending(ctx context.Context, limit int) ([]PendingRef, error)
	// MarkPendingProcessed flips Processed for the given pending row ids.
	MarkPendingProcessed(ctx context.Context, ids []int64) error

	// StoreMessagesBatch upserts captured messages, preserving the
	// Vectorized flag of existing rows.
	StoreMessagesBatch(ctx context.Context, msgs []Message) error
	GetUnvectorized(ctx context.Context, limit int) ([]Message, error)
	MarkVectorized(ctx context.Context, messageIDs []string) error

	// ArchiveMessages moves rows into the archive with archived_at=now,
	// atomically within one transaction.
	ArchiveMessages(ctx context.Context, messageIDs []string) error
	// DeleteMessages removes rows outright (hard-delete retention).
	DeleteMessages(ctx context.Context, messageIDs []string) error

	// GetChannelState returns ErrNotFound for untracked channels.
	GetChannelState(ctx context.Context, channelID string) (ChannelState, error)
	UpsertChannelState(ctx context.Context, state ChannelState) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	Init(ctx context.Context) error
	Close() error
}

// Package postgres implements engram.Storage and engram.VectorStore using
// PostgreSQL, with pgvector for native vector similarity search and
// tsvector for full-text keyword search.
//
// Store and VectorStore accept an externally-owned *pgxpool.Pool via
// constructor injection. The caller creates and closes the pool.
package postgres

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	engram "github.com/sorane/engram"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithPerf records user-cache hits and misses on the monitor.
func WithPerf(p *engram.Perf) StoreOption {
	return func(s *Store) { s.perf = p }
}

// Store implements engram.Storage backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	perf   *engram.Perf
	users  userCache
}

var _ engram.Storage = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	s.users.max = 256
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_names JSONB NOT NULL DEFAULT '[]',
			procedural TEXT NOT NULL DEFAULT '',
			background TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS pending_messages (
			id BIGSERIAL PRIMARY KEY,
			message_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			timestamp BIGINT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS pending_unprocessed_idx ON pending_messages(processed, id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			reactions_json TEXT,
			vectorized BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS messages_unvectorized_idx ON messages(vectorized, timestamp)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages(channel_id)`,

		`CREATE TABLE IF NOT EXISTS archived_messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			reactions_json TEXT,
			vectorized BOOLEAN NOT NULL DEFAULT TRUE,
			archived_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS channel_state (
			channel_id TEXT PRIMARY KEY,
			message_count BIGINT NOT NULL DEFAULT 0,
			start_message_id TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.fail("init", err)
		}
	}

	// Migration for pre-vectorized deployments.
	_, _ = s.pool.Exec(ctx, `ALTER TABLE messages ADD COLUMN IF NOT EXISTS vectorized BOOLEAN NOT NULL DEFAULT FALSE`)

	s.logger.Info("postgres: init completed")
	return nil
}

// --- Users ---

func (s *Store) GetUser(ctx context.Context, id string) (engram.User, error) {
	if u, ok := s.users.get(id); ok {
		s.count(engram.CounterCacheHits)
		return u, nil
	}
	s.count(engram.CounterCacheMisses)

	var u engram.User
	var namesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, display_names, procedural, background, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &namesJSON, &u.Procedural, &u.Background, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return engram.User{}, engram.ErrNotFound
	}
	if err != nil {
		return engram.User{}, s.fail("get user", err)
	}
	_ = json.Unmarshal(namesJSON, &u.DisplayNames)
	s.users.put(u)
	return u, nil
}

func (s *Store) UpsertUser(ctx context.Context, up engram.UserUpsert) (engram.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engram.User{}, s.fail("upsert user begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var u engram.User
	var namesJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT id, name, display_names, procedural, background, created_at FROM users WHERE id = $1`, up.ID,
	).Scan(&u.ID, &u.Name, &namesJSON, &u.Procedural, &u.Background, &u.CreatedAt)
	switch {
	case err == pgx.ErrNoRows:
		u = engram.User{ID: up.ID, Name: up.Name, CreatedAt: engram.NowUnix()}
	case err != nil:
		return engram.User{}, s.fail("upsert user select", err)
	default:
		_ = json.Unmarshal(namesJSON, &u.DisplayNames)
	}

	if up.Name != "" {
		u.Name = up.Name
		u.DisplayNames = mergeName(u.DisplayNames, up.Name)
	}
	if up.Procedural != nil {
		u.Procedural = *up.Procedural
	}
	if up.Background != nil {
		u.Background = *up.Background
	}

	merged, _ := json.Marshal(u.DisplayNames)
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, name, display_names, procedural, background, created_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			display_names = EXCLUDED.display_names,
			procedural = EXCLUDED.procedural,
			background = EXCLUDED.background`,
		u.ID, u.Name, string(merged), u.Procedural, u.Background, u.CreatedAt,
	); err != nil {
		return engram.User{}, s.fail("upsert user write", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return engram.User{}, s.fail("upsert user commit", err)
	}

	s.users.put(u)
	return u, nil
}

// --- Pending references ---

func (s *Store) AddPending(ctx context.Context, ref engram.PendingRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pending_messages (message_id, channel_id, guild_id, user_id, timestamp, processed)
		 VALUES ($1, $2, $3, $4, $5, FALSE)`,
		ref.MessageID, ref.ChannelID, ref.GuildID, ref.UserID, ref.Timestamp)
	if err != nil {
		return s.fail("add pending", err)
	}
	return nil
}

func (s *Store) GetPending(ctx context.Context, limit int) ([]engram.PendingRef, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, channel_id, guild_id, user_id, timestamp, processed
		 FROM pending_messages WHERE NOT processed ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, s.fail("get pending", err)
	}
	defer rows.Close()

	var refs []engram.PendingRef
	for rows.Next() {
		var r engram.PendingRef
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ChannelID, &r.GuildID, &r.UserID, &r.Timestamp, &r.Processed); err != nil {
			return nil, s.fail("scan pending", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate pending", err)
	}
	return refs, nil
}

func (s *Store) MarkPendingProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE pending_messages SET processed = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return s.fail("mark pending processed", err)
	}
	return nil
}

// --- Messages ---

// StoreMessagesBatch upserts captured rows in one transaction. Conflicting
// rows refresh content, reactions, and timestamp but keep their vectorized
// flag.
func (s *Store) StoreMessagesBatch(ctx context.Context, msgs []engram.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail("store batch begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, m := range msgs {
		var reactions *string
		if m.ReactionsJSON != "" {
			reactions = &m.ReactionsJSON
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (message_id) DO UPDATE SET
				content = EXCLUDED.content,
				reactions_json = EXCLUDED.reactions_json,
				timestamp = EXCLUDED.timestamp,
				user_id = EXCLUDED.user_id`,
			m.MessageID, m.ChannelID, m.GuildID, m.UserID, m.Content, m.Timestamp, reactions, m.Vectorized,
		); err != nil {
			return s.fail("store batch exec", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail("store batch commit", err)
	}
	return nil
}

func (s *Store) GetUnvectorized(ctx context.Context, limit int) ([]engram.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized
		 FROM messages WHERE NOT vectorized ORDER BY timestamp, message_id LIMIT $1`, limit)
	if err != nil {
		return nil, s.fail("get unvectorized", err)
	}
	defer rows.Close()
	return scanMessages(rows, s)
}

func (s *Store) MarkVectorized(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET vectorized = TRUE WHERE message_id = ANY($1)`, messageIDs)
	if err != nil {
		return s.fail("mark vectorized", err)
	}
	return nil
}

// ArchiveMessages moves rows into archived_messages inside one transaction.
func (s *Store) ArchiveMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.fail("archive begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO archived_messages
			(message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized, archived_at)
		 SELECT message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized, $1
		 FROM messages WHERE message_id = ANY($2)
		 ON CONFLICT (message_id) DO NOTHING`,
		engram.NowUnix(), messageIDs); err != nil {
		return s.fail("archive copy", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM messages WHERE message_id = ANY($1)`, messageIDs); err != nil {
		return s.fail("archive delete", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.fail("archive commit", err)
	}
	return nil
}

func (s *Store) DeleteMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE message_id = ANY($1)`, messageIDs)
	if err != nil {
		return s.fail("delete messages", err)
	}
	return nil
}

// --- Channel state ---

func (s *Store) GetChannelState(ctx context.Context, channelID string) (engram.ChannelState, error) {
	var st engram.ChannelState
	err := s.pool.QueryRow(ctx,
		`SELECT channel_id, message_count, start_message_id FROM channel_state WHERE channel_id = $1`,
		channelID,
	).Scan(&st.ChannelID, &st.MessageCount, &st.StartMessageID)
	if err == pgx.ErrNoRows {
		return engram.ChannelState{}, engram.ErrNotFound
	}
	if err != nil {
		return engram.ChannelState{}, s.fail("get channel state", err)
	}
	return st, nil
}

func (s *Store) UpsertChannelState(ctx context.Context, st engram.ChannelState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_state (channel_id, message_count, start_message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			start_message_id = EXCLUDED.start_message_id`,
		st.ChannelID, st.MessageCount, st.StartMessageID)
	if err != nil {
		return s.fail("upsert channel state", err)
	}
	return nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", engram.ErrNotFound
	}
	if err != nil {
		return "", s.fail("get config", err)
	}
	return value, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO config (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return s.fail("set config", err)
	}
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error {
	return nil
}

// fail wraps a storage failure with the diagnostic schema snapshot.
func (s *Store) fail(op string, err error) error {
	return &engram.StorageError{Op: op, Err: err, Schema: s.schemaSnapshot()}
}

// schemaSnapshot captures table names and row counts for error diagnostics.
// Best effort under its own short deadline: a snapshot failure must never
// mask the original error.
func (s *Store) schemaSnapshot() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = 'public' ORDER BY tablename`)
	if err != nil {
		return ""
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			names = append(names, name)
		}
	}

	var parts []string
	for _, name := range names {
		var count int64
		if s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+pgx.Identifier{name}.Sanitize()).Scan(&count) == nil {
			parts = append(parts, fmt.Sprintf("%s=%d", name, count))
		} else {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, " ")
}

func (s *Store) count(name string) {
	if s.perf != nil {
		s.perf.Increment(name, 1)
	}
}

func scanMessages(rows pgx.Rows, s *Store) ([]engram.Message, error) {
	defer rows.Close()
	var msgs []engram.Message
	for rows.Next() {
		var m engram.Message
		var reactions *string
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.GuildID, &m.UserID, &m.Content, &m.Timestamp, &reactions, &m.Vectorized); err != nil {
			return nil, s.fail("scan message", err)
		}
		if reactions != nil {
			m.ReactionsJSON = *reactions
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate messages", err)
	}
	return msgs, nil
}

func mergeName(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

// --- User cache ---

// userCache is a small LRU for hot user rows, same shape as the SQLite
// backend's.
type userCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	m     map[string]*list.Element
}

type userEntry struct {
	id   string
	user engram.User
}

func (c *userCache) get(id string) (engram.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[id]
	if !ok {
		return engram.User{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*userEntry).user, true
}

func (c *userCache) put(u engram.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]*list.Element, c.max)
		c.order = list.New()
	}
	if el, ok := c.m[u.ID]; ok {
		el.Value.(*userEntry).user = u
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.max {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.m, oldest.Value.(*userEntry).id)
		}
	}
	c.m[u.ID] = c.order.PushFront(&userEntry{id: u.ID, user: u})
}

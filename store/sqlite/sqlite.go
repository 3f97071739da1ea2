// Package sqlite implements engram.Storage and engram.VectorStore using
// pure-Go SQLite with in-process brute-force vector search. Zero CGO
// required.
package sqlite

import (
	"container/list"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	engram "github.com/sorane/engram"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing, row counts, and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithPerf records user-cache hits and misses on the monitor.
func WithPerf(p *engram.Perf) StoreOption {
	return func(s *Store) { s.perf = p }
}

// WithUserCacheSize bounds the in-memory user cache (default 256 entries).
func WithUserCacheSize(n int) StoreOption {
	return func(s *Store) { s.users.max = n }
}

// Store implements engram.Storage backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	perf   *engram.Perf
	users  userCache
}

var _ engram.Storage = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	s.users.max = 256
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies pragmas and creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA synchronous = NORMAL`,
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return s.fail("init pragma", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			display_names TEXT NOT NULL DEFAULT '[]',
			procedural TEXT NOT NULL DEFAULT '',
			background TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			reactions_json TEXT,
			vectorized INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS archived_messages (
			message_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			guild_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			reactions_json TEXT,
			vectorized INTEGER NOT NULL DEFAULT 1,
			archived_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_state (
			channel_id TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL DEFAULT 0,
			start_message_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return s.fail("init create table", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied).
	_, _ = s.db.ExecContext(ctx, `ALTER TABLE messages ADD COLUMN vectorized INTEGER NOT NULL DEFAULT 0`)
	_, _ = s.db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN background TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.ExecContext(ctx, `ALTER TABLE pending_messages ADD COLUMN guild_id TEXT NOT NULL DEFAULT ''`)

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_pending_unprocessed ON pending_messages(processed, id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_unvectorized ON messages(vectorized, timestamp)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- Users ---

// GetUser returns the user, consulting the in-memory cache first.
func (s *Store) GetUser(ctx context.Context, id string) (engram.User, error) {
	start := time.Now()
	if u, ok := s.users.get(id); ok {
		s.count(engram.CounterCacheHits)
		s.logger.Debug("sqlite: get user (cached)", "id", id, "duration", time.Since(start))
		return u, nil
	}
	s.count(engram.CounterCacheMisses)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, display_names, procedural, background, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return engram.User{}, engram.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get user failed", "id", id, "error", err)
		return engram.User{}, s.fail("get user", err)
	}
	s.users.put(u)
	s.logger.Debug("sqlite: get user ok", "id", id, "duration", time.Since(start))
	return u, nil
}

// UpsertUser creates or updates a user. The upsert name joins the stored
// display-name set; procedural and background overwrite only when non-nil.
func (s *Store) UpsertUser(ctx context.Context, up engram.UserUpsert) (engram.User, error) {
	start := time.Now()
	s.logger.Debug("sqlite: upsert user", "id", up.ID, "name", up.Name)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engram.User{}, s.fail("upsert user begin", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, name, display_names, procedural, background, created_at FROM users WHERE id = ?`, up.ID)
	u, err := scanUser(row)
	switch {
	case err == sql.ErrNoRows:
		u = engram.User{
			ID:        up.ID,
			Name:      up.Name,
			CreatedAt: engram.NowUnix(),
		}
	case err != nil:
		return engram.User{}, s.fail("upsert user select", err)
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

	namesJSON, _ := json.Marshal(u.DisplayNames)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, name, display_names, procedural, background, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, string(namesJSON), u.Procedural, u.Background, u.CreatedAt,
	); err != nil {
		return engram.User{}, s.fail("upsert user write", err)
	}
	if err := tx.Commit(); err != nil {
		return engram.User{}, s.fail("upsert user commit", err)
	}

	s.users.put(u)
	s.logger.Debug("sqlite: upsert user ok", "id", u.ID, "duration", time.Since(start))
	return u, nil
}

// --- Pending references ---

// AddPending appends one reference to the capture queue.
func (s *Store) AddPending(ctx context.Context, ref engram.PendingRef) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_messages (message_id, channel_id, guild_id, user_id, timestamp, processed)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		ref.MessageID, ref.ChannelID, ref.GuildID, ref.UserID, ref.Timestamp,
	)
	if err != nil {
		s.logger.Error("sqlite: add pending failed", "message_id", ref.MessageID, "error", err)
		return s.fail("add pending", err)
	}
	s.logger.Debug("sqlite: add pending ok", "message_id", ref.MessageID, "duration", time.Since(start))
	return nil
}

// GetPending returns unprocessed references in insertion order.
func (s *Store) GetPending(ctx context.Context, limit int) ([]engram.PendingRef, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, channel_id, guild_id, user_id, timestamp, processed
		 FROM pending_messages WHERE processed = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: get pending failed", "error", err)
		return nil, s.fail("get pending", err)
	}
	defer rows.Close()

	var refs []engram.PendingRef
	for rows.Next() {
		var r engram.PendingRef
		var processed int
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ChannelID, &r.GuildID, &r.UserID, &r.Timestamp, &processed); err != nil {
			return nil, s.fail("scan pending", err)
		}
		r.Processed = processed != 0
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("iterate pending", err)
	}
	s.logger.Debug("sqlite: get pending ok", "count", len(refs), "duration", time.Since(start))
	return refs, nil
}

// MarkPendingProcessed flips the processed flag for the given row ids.
// The flag is monotonic; re-marking processed rows is a no-op.
func (s *Store) MarkPendingProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	start := time.Now()
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_messages SET processed = 1 WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		s.logger.Error("sqlite: mark pending failed", "count", len(ids), "error", err)
		return s.fail("mark pending processed", err)
	}
	s.logger.Debug("sqlite: mark pending ok", "count", len(ids), "duration", time.Since(start))
	return nil
}

// --- Messages ---

// StoreMessagesBatch upserts captured rows in one transaction. Conflicting
// rows refresh content, reactions, and timestamp but keep their vectorized
// flag, so recapture never reverts it.
func (s *Store) StoreMessagesBatch(ctx context.Context, msgs []engram.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: store messages batch", "count", len(msgs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("store batch begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET
			content = excluded.content,
			reactions_json = excluded.reactions_json,
			timestamp = excluded.timestamp,
			user_id = excluded.user_id`)
	if err != nil {
		return s.fail("store batch prepare", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		var reactions any
		if m.ReactionsJSON != "" {
			reactions = m.ReactionsJSON
		}
		if _, err := stmt.ExecContext(ctx,
			m.MessageID, m.ChannelID, m.GuildID, m.UserID, m.Content, m.Timestamp, reactions, boolToInt(m.Vectorized),
		); err != nil {
			return s.fail("store batch exec", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("store batch commit", err)
	}
	s.logger.Debug("sqlite: store messages batch ok", "count", len(msgs), "duration", time.Since(start))
	return nil
}

// GetUnvectorized returns captured rows not yet vectorized, oldest first.
func (s *Store) GetUnvectorized(ctx context.Context, limit int) ([]engram.Message, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized
		 FROM messages WHERE vectorized = 0 ORDER BY timestamp, message_id LIMIT ?`, limit)
	if err != nil {
		s.logger.Error("sqlite: get unvectorized failed", "error", err)
		return nil, s.fail("get unvectorized", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, s.fail("scan unvectorized", err)
	}
	s.logger.Debug("sqlite: get unvectorized ok", "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// MarkVectorized flips the vectorized flag for the given message ids.
func (s *Store) MarkVectorized(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	start := time.Now()
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET vectorized = 1 WHERE message_id IN (`+placeholders(len(messageIDs))+`)`, args...)
	if err != nil {
		s.logger.Error("sqlite: mark vectorized failed", "count", len(messageIDs), "error", err)
		return s.fail("mark vectorized", err)
	}
	s.logger.Debug("sqlite: mark vectorized ok", "count", len(messageIDs), "duration", time.Since(start))
	return nil
}

// ArchiveMessages moves rows into archived_messages inside one transaction,
// so a message id is never in both tables and never in neither.
func (s *Store) ArchiveMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: archive messages", "count", len(messageIDs))

	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, engram.NowUnix())
	for _, id := range messageIDs {
		args = append(args, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("archive begin", err)
	}
	defer tx.Rollback()

	in := placeholders(len(messageIDs))
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO archived_messages
			(message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized, archived_at)
		 SELECT message_id, channel_id, guild_id, user_id, content, timestamp, reactions_json, vectorized, ?
		 FROM messages WHERE message_id IN (`+in+`)`, args...); err != nil {
		return s.fail("archive copy", err)
	}
	delArgs := args[1:]
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id IN (`+in+`)`, delArgs...); err != nil {
		return s.fail("archive delete", err)
	}
	if err := tx.Commit(); err != nil {
		return s.fail("archive commit", err)
	}
	s.logger.Debug("sqlite: archive messages ok", "count", len(messageIDs), "duration", time.Since(start))
	return nil
}

// DeleteMessages removes rows outright (hard-delete retention).
func (s *Store) DeleteMessages(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	start := time.Now()
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id IN (`+placeholders(len(messageIDs))+`)`, args...)
	if err != nil {
		s.logger.Error("sqlite: delete messages failed", "count", len(messageIDs), "error", err)
		return s.fail("delete messages", err)
	}
	s.logger.Debug("sqlite: delete messages ok", "count", len(messageIDs), "duration", time.Since(start))
	return nil
}

// --- Channel state ---

// GetChannelState returns the tracked window for a channel.
func (s *Store) GetChannelState(ctx context.Context, channelID string) (engram.ChannelState, error) {
	var st engram.ChannelState
	err := s.db.QueryRowContext(ctx,
		`SELECT channel_id, message_count, start_message_id FROM channel_state WHERE channel_id = ?`,
		channelID,
	).Scan(&st.ChannelID, &st.MessageCount, &st.StartMessageID)
	if err == sql.ErrNoRows {
		return engram.ChannelState{}, engram.ErrNotFound
	}
	if err != nil {
		s.logger.Error("sqlite: get channel state failed", "channel_id", channelID, "error", err)
		return engram.ChannelState{}, s.fail("get channel state", err)
	}
	return st, nil
}

// UpsertChannelState replaces the tracked window for a channel.
func (s *Store) UpsertChannelState(ctx context.Context, st engram.ChannelState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO channel_state (channel_id, message_count, start_message_id)
		 VALUES (?, ?, ?)`,
		st.ChannelID, st.MessageCount, st.StartMessageID,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert channel state failed", "channel_id", st.ChannelID, "error", err)
		return s.fail("upsert channel state", err)
	}
	return nil
}

// --- Config ---

// GetConfig returns the value stored under key.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", engram.ErrNotFound
	}
	if err != nil {
		return "", s.fail("get config", err)
	}
	return value, nil
}

// SetConfig stores value under key, replacing any existing value.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return s.fail("set config", err)
	}
	return nil
}

// DB returns the underlying *sql.DB for sharing with the vector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// fail wraps a storage failure with the diagnostic schema snapshot.
func (s *Store) fail(op string, err error) error {
	return &engram.StorageError{Op: op, Err: err, Schema: s.schemaSnapshot()}
}

// schemaSnapshot captures table names and row counts for error diagnostics.
// Best effort: a snapshot failure must never mask the original error.
func (s *Store) schemaSnapshot() string {
	rows, err := s.db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return ""
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) != nil {
			continue
		}
		var count int64
		if s.db.QueryRow(`SELECT COUNT(*) FROM ` + name).Scan(&count) == nil {
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

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (engram.User, error) {
	var u engram.User
	var namesJSON string
	if err := row.Scan(&u.ID, &u.Name, &namesJSON, &u.Procedural, &u.Background, &u.CreatedAt); err != nil {
		return engram.User{}, err
	}
	_ = json.Unmarshal([]byte(namesJSON), &u.DisplayNames)
	return u, nil
}

func scanMessages(rows *sql.Rows) ([]engram.Message, error) {
	var msgs []engram.Message
	for rows.Next() {
		var m engram.Message
		var reactions sql.NullString
		var vectorized int
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.GuildID, &m.UserID, &m.Content, &m.Timestamp, &reactions, &vectorized); err != nil {
			return nil, err
		}
		if reactions.Valid {
			m.ReactionsJSON = reactions.String
		}
		m.Vectorized = vectorized != 0
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// mergeName adds name to the display-name set if absent.
func mergeName(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- User cache ---

// userCache is a small LRU for hot user rows. The bot reads the author row
// on every incoming message; active chatters stay pinned while the long
// tail ages out.
type userCache struct {
	mu    sync.Mutex
	max   int
	order *list.List // front = most recent, values are *userEntry
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

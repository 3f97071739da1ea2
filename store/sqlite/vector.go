package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	engram "github.com/sorane/engram"
)

// VectorStore implements engram.VectorStore on the same SQLite file as
// Store. Vector search is brute-force cosine over JSON-serialized
// embeddings; keyword search uses an FTS5 index over fragment content and
// keywords.
type VectorStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ engram.VectorStore = (*VectorStore)(nil)

// NewVectorStore shares the Store's connection so both halves see one
// consistent database and one writer queue.
func NewVectorStore(s *Store) *VectorStore {
	return &VectorStore{db: s.db, logger: s.logger}
}

// Init creates the fragment table and its FTS5 index.
func (v *VectorStore) Init(ctx context.Context) error {
	_, err := v.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_fragments (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		query_key TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		embedding TEXT,
		channel_id TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return &engram.StorageError{Op: "vector init", Err: err}
	}
	_, _ = v.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_fragments_channel ON memory_fragments(channel_id)`)

	// FTS5 full-text index for keyword search over fragments.
	_, err = v.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS fragments_fts USING fts5(fragment_id UNINDEXED, content)`)
	if err != nil {
		return &engram.StorageError{Op: "vector init fts", Err: err}
	}
	return nil
}

// AddMemories stores fragments and refreshes their FTS rows in one
// transaction. Re-adding a fragment id replaces both the row and its index
// entry.
func (v *VectorStore) AddMemories(ctx context.Context, fragments []engram.MemoryFragment) error {
	if len(fragments) == 0 {
		return nil
	}
	start := time.Now()
	v.logger.Debug("sqlite: add memories", "count", len(fragments))

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return &engram.StorageError{Op: "add memories begin", Err: err}
	}
	defer tx.Rollback()

	now := engram.NowUnix()
	for _, f := range fragments {
		var embJSON any
		if len(f.Embedding) > 0 {
			embJSON = serializeEmbedding(f.Embedding)
		}
		keywordsJSON, _ := json.Marshal(f.Keywords)
		metaJSON, _ := json.Marshal(f.Metadata)

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO memory_fragments
				(id, content, query_key, keywords, embedding, channel_id, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.Content, f.QueryKey, string(keywordsJSON), embJSON,
			f.Metadata.ChannelID, string(metaJSON), now,
		); err != nil {
			return &engram.StorageError{Op: "add memories insert", Err: err}
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM fragments_fts WHERE fragment_id = ?`, f.ID); err != nil {
			return &engram.StorageError{Op: "add memories fts delete", Err: err}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fragments_fts (fragment_id, content) VALUES (?, ?)`,
			f.ID, indexText(f)); err != nil {
			return &engram.StorageError{Op: "add memories fts insert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &engram.StorageError{Op: "add memories commit", Err: err}
	}
	v.logger.Debug("sqlite: add memories ok", "count", len(fragments), "duration", time.Since(start))
	return nil
}

// Search runs the vector and keyword branches and merges them, vector hits
// first and winning on duplicate fragment ids.
func (v *VectorStore) Search(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	start := time.Now()

	var vecHits, kwHits []engram.ScoredFragment
	var err error
	if len(q.Vector) > 0 && q.VectorK > 0 {
		vecHits, err = v.searchVector(ctx, q)
		if err != nil {
			return nil, err
		}
	}
	if q.Keyword != "" && q.KeywordK > 0 {
		kwHits, err = v.searchKeyword(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(vecHits))
	results := make([]engram.ScoredFragment, 0, len(vecHits)+len(kwHits))
	for _, h := range vecHits {
		seen[h.ID] = struct{}{}
		results = append(results, h)
	}
	for _, h := range kwHits {
		if _, dup := seen[h.ID]; dup {
			continue
		}
		results = append(results, h)
	}

	v.logger.Debug("sqlite: search memories ok",
		"vector_hits", len(vecHits), "keyword_hits", len(kwHits),
		"returned", len(results), "duration", time.Since(start))
	return results, nil
}

func (v *VectorStore) searchVector(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	query := `SELECT id, content, query_key, keywords, embedding, metadata
		 FROM memory_fragments WHERE embedding IS NOT NULL`
	var args []any
	if q.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, q.ChannelID)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engram.StorageError{Op: "vector search", Err: err}
	}
	defer rows.Close()

	var hits []engram.ScoredFragment
	for rows.Next() {
		f, embText, err := scanFragment(rows)
		if err != nil {
			return nil, &engram.StorageError{Op: "vector search scan", Err: err}
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		if q.UserID != "" && !containsStr(f.Metadata.AuthorIDs, q.UserID) {
			continue
		}
		hits = append(hits, engram.ScoredFragment{
			MemoryFragment: f,
			Score:          cosineSimilarity(q.Vector, emb),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &engram.StorageError{Op: "vector search iterate", Err: err}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.VectorK {
		hits = hits[:q.VectorK]
	}
	return hits, nil
}

func (v *VectorStore) searchKeyword(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	query := `SELECT m.id, m.content, m.query_key, m.keywords, m.metadata, f.rank
		 FROM fragments_fts f
		 JOIN memory_fragments m ON m.id = f.fragment_id
		 WHERE fragments_fts MATCH ?`
	args := []any{quoteFTS(q.Keyword)}
	if q.ChannelID != "" {
		query += ` AND m.channel_id = ?`
		args = append(args, q.ChannelID)
	}
	query += ` ORDER BY f.rank LIMIT ?`
	args = append(args, q.KeywordK)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &engram.StorageError{Op: "keyword search", Err: err}
	}
	defer rows.Close()

	var hits []engram.ScoredFragment
	for rows.Next() {
		var f engram.MemoryFragment
		var keywordsJSON, metaJSON string
		var rank float64
		if err := rows.Scan(&f.ID, &f.Content, &f.QueryKey, &keywordsJSON, &metaJSON, &rank); err != nil {
			return nil, &engram.StorageError{Op: "keyword search scan", Err: err}
		}
		_ = json.Unmarshal([]byte(keywordsJSON), &f.Keywords)
		_ = json.Unmarshal([]byte(metaJSON), &f.Metadata)
		if q.UserID != "" && !containsStr(f.Metadata.AuthorIDs, q.UserID) {
			continue
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := -rank
		if score < 0 {
			score = 0
		}
		hits = append(hits, engram.ScoredFragment{MemoryFragment: f, Score: score})
	}
	return hits, rows.Err()
}

// Close is a no-op; the Store owns the shared connection.
func (v *VectorStore) Close() error {
	return nil
}

// indexText is the text put into the FTS index: fragment content plus its
// extracted keywords, so a keyword query hits either.
func indexText(f engram.MemoryFragment) string {
	if len(f.Keywords) == 0 {
		return f.Content
	}
	return f.Content + "\n" + strings.Join(f.Keywords, " ")
}

// quoteFTS wraps the query as an FTS5 string literal so user input cannot
// inject MATCH operators.
func quoteFTS(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func scanFragment(rows *sql.Rows) (engram.MemoryFragment, string, error) {
	var f engram.MemoryFragment
	var keywordsJSON, metaJSON string
	var embText sql.NullString
	if err := rows.Scan(&f.ID, &f.Content, &f.QueryKey, &keywordsJSON, &embText, &metaJSON); err != nil {
		return engram.MemoryFragment{}, "", err
	}
	_ = json.Unmarshal([]byte(keywordsJSON), &f.Keywords)
	_ = json.Unmarshal([]byte(metaJSON), &f.Metadata)
	return f, embText.String, nil
}

func containsStr(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	engram "github.com/sorane/engram"
)

// vecConfig holds vector store tuning set via VectorOption functions.
type vecConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// VectorOption configures a PostgreSQL VectorStore.
type VectorOption func(*vecConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, catching
// dimension mismatches at insert time. Only affects new table creation.
func WithEmbeddingDimension(dim int) VectorOption {
	return func(c *vecConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory.
func WithHNSWM(m int) VectorOption {
	return func(c *vecConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size).
func WithEFConstruction(ef int) VectorOption {
	return func(c *vecConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Applied during Init().
func WithEFSearch(ef int) VectorOption {
	return func(c *vecConfig) { c.hnswEFSearch = ef }
}

// VectorStore implements engram.VectorStore backed by PostgreSQL with
// pgvector. Vector search uses an HNSW index with cosine distance; keyword
// search uses tsvector over fragment content and keywords.
type VectorStore struct {
	pool *pgxpool.Pool
	cfg  vecConfig
}

var _ engram.VectorStore = (*VectorStore)(nil)

// NewVectorStore creates a VectorStore using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewVectorStore(pool *pgxpool.Pool, opts ...VectorOption) *VectorStore {
	var cfg vecConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &VectorStore{pool: pool, cfg: cfg}
}

func (v *VectorStore) vectorType() string {
	if v.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", v.cfg.embeddingDimension)
	}
	return "vector"
}

func (v *VectorStore) hnswWithClause() string {
	var parts []string
	if v.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", v.cfg.hnswM))
	}
	if v.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", v.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, the fragment table, and its indexes.
// Safe to call multiple times.
func (v *VectorStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_fragments (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			query_key TEXT NOT NULL DEFAULT '',
			keywords JSONB NOT NULL DEFAULT '[]',
			embedding %s,
			channel_id TEXT NOT NULL DEFAULT '',
			search_text TEXT NOT NULL DEFAULT '',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at BIGINT NOT NULL
		)`, v.vectorType()),
		`CREATE INDEX IF NOT EXISTS fragments_channel_idx ON memory_fragments(channel_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS fragments_embedding_idx ON memory_fragments USING hnsw (embedding vector_cosine_ops)%s`, v.hnswWithClause()),
		`CREATE INDEX IF NOT EXISTS fragments_fts_idx ON memory_fragments USING gin(to_tsvector('english', search_text))`,
	}
	for _, stmt := range stmts {
		if _, err := v.pool.Exec(ctx, stmt); err != nil {
			return &engram.StorageError{Op: "vector init", Err: err}
		}
	}

	if v.cfg.hnswEFSearch > 0 {
		if _, err := v.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", v.cfg.hnswEFSearch)); err != nil {
			return &engram.StorageError{Op: "vector init ef_search", Err: err}
		}
	}
	return nil
}

// AddMemories upserts fragments in one transaction.
func (v *VectorStore) AddMemories(ctx context.Context, fragments []engram.MemoryFragment) error {
	if len(fragments) == 0 {
		return nil
	}
	tx, err := v.pool.Begin(ctx)
	if err != nil {
		return &engram.StorageError{Op: "add memories begin", Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := engram.NowUnix()
	for _, f := range fragments {
		keywordsJSON, _ := json.Marshal(f.Keywords)
		metaJSON, _ := json.Marshal(f.Metadata)

		var embStr *string
		if len(f.Embedding) > 0 {
			s := serializeEmbedding(f.Embedding)
			embStr = &s
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memory_fragments
				(id, content, query_key, keywords, embedding, channel_id, search_text, metadata, created_at)
			 VALUES ($1, $2, $3, $4::jsonb, $5::vector, $6, $7, $8::jsonb, $9)
			 ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				query_key = EXCLUDED.query_key,
				keywords = EXCLUDED.keywords,
				embedding = EXCLUDED.embedding,
				channel_id = EXCLUDED.channel_id,
				search_text = EXCLUDED.search_text,
				metadata = EXCLUDED.metadata`,
			f.ID, f.Content, f.QueryKey, string(keywordsJSON), embStr,
			f.Metadata.ChannelID, indexText(f), string(metaJSON), now,
		); err != nil {
			return &engram.StorageError{Op: "add memories insert", Err: err}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return &engram.StorageError{Op: "add memories commit", Err: err}
	}
	return nil
}

// Search runs the vector and keyword branches and merges them, vector hits
// first and winning on duplicate fragment ids.
func (v *VectorStore) Search(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
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
	return results, nil
}

func (v *VectorStore) searchVector(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	embStr := serializeEmbedding(q.Vector)
	query := `SELECT id, content, query_key, keywords, metadata,
			1 - (embedding <=> $1::vector) AS score
		 FROM memory_fragments
		 WHERE embedding IS NOT NULL`
	args := []any{embStr}
	if q.ChannelID != "" {
		query += ` AND channel_id = $2`
		args = append(args, q.ChannelID)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $1::vector LIMIT $%d`, len(args)+1)
	args = append(args, q.VectorK)

	rows, err := v.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &engram.StorageError{Op: "vector search", Err: err}
	}
	return v.scanHits(rows, q.UserID, "vector search scan")
}

func (v *VectorStore) searchKeyword(ctx context.Context, q engram.SearchQuery) ([]engram.ScoredFragment, error) {
	query := `SELECT id, content, query_key, keywords, metadata,
			ts_rank(to_tsvector('english', search_text), plainto_tsquery('english', $1)) AS score
		 FROM memory_fragments
		 WHERE to_tsvector('english', search_text) @@ plainto_tsquery('english', $1)`
	args := []any{q.Keyword}
	if q.ChannelID != "" {
		query += ` AND channel_id = $2`
		args = append(args, q.ChannelID)
	}
	query += fmt.Sprintf(` ORDER BY score DESC LIMIT $%d`, len(args)+1)
	args = append(args, q.KeywordK)

	rows, err := v.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &engram.StorageError{Op: "keyword search", Err: err}
	}
	return v.scanHits(rows, q.UserID, "keyword search scan")
}

// scanHits reads fragment rows with a trailing score column, applying the
// author filter on the parsed metadata.
func (v *VectorStore) scanHits(rows pgx.Rows, userID, op string) ([]engram.ScoredFragment, error) {
	defer rows.Close()
	var hits []engram.ScoredFragment
	for rows.Next() {
		var f engram.MemoryFragment
		var keywordsJSON, metaJSON []byte
		var score float64
		if err := rows.Scan(&f.ID, &f.Content, &f.QueryKey, &keywordsJSON, &metaJSON, &score); err != nil {
			return nil, &engram.StorageError{Op: op, Err: err}
		}
		_ = json.Unmarshal(keywordsJSON, &f.Keywords)
		_ = json.Unmarshal(metaJSON, &f.Metadata)
		if userID != "" && !containsStr(f.Metadata.AuthorIDs, userID) {
			continue
		}
		hits = append(hits, engram.ScoredFragment{MemoryFragment: f, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, &engram.StorageError{Op: op, Err: err}
	}
	return hits, nil
}

// Close is a no-op; the caller owns the pool.
func (v *VectorStore) Close() error {
	return nil
}

// indexText is the text behind the tsvector index: fragment content plus
// its extracted keywords, so a keyword query hits either.
func indexText(f engram.MemoryFragment) string {
	if len(f.Keywords) == 0 {
		return f.Content
	}
	return f.Content + "\n" + strings.Join(f.Keywords, " ")
}

// serializeEmbedding converts []float32 to pgvector's text format.
func serializeEmbedding(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}

func containsStr(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

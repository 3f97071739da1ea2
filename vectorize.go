package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RetentionMode selects what happens to source messages once their
// fragment is stored.
type RetentionMode string

const (
	// RetentionArchive moves vectorized messages into the archive table.
	RetentionArchive RetentionMode = "archive"
	// RetentionDelete removes vectorized messages outright.
	RetentionDelete RetentionMode = "delete"
)

// MemoryVectorizer converts event summaries into memory fragments, embeds
// their content, stores them in the vector index, and applies the retention
// policy to the source messages. Ordering is fixed: fragment store, then
// mark vectorized, then archive or delete.
type MemoryVectorizer struct {
	vectors   VectorStore
	embedding EmbeddingProvider
	storage   Storage
	chatHost  string
	retention RetentionMode
	reporter  ErrorReporter
	logger    *slog.Logger
	sink      Sink
	perf      *Perf
}

// VectorizerOption configures a MemoryVectorizer.
type VectorizerOption func(*MemoryVectorizer)

// VectorizerChatHost sets the host used in jump URLs. Default: discord.com.
func VectorizerChatHost(host string) VectorizerOption {
	return func(v *MemoryVectorizer) {
		if host != "" {
			v.chatHost = host
		}
	}
}

// VectorizerRetention selects archive (default) or delete for source rows.
func VectorizerRetention(mode RetentionMode) VectorizerOption {
	return func(v *MemoryVectorizer) {
		if mode == RetentionArchive || mode == RetentionDelete {
			v.retention = mode
		}
	}
}

// VectorizerReporter sets the async error reporter.
func VectorizerReporter(r ErrorReporter) VectorizerOption {
	return func(v *MemoryVectorizer) { v.reporter = r }
}

// VectorizerLogger sets the structured logger.
func VectorizerLogger(l *slog.Logger) VectorizerOption {
	return func(v *MemoryVectorizer) { v.logger = l }
}

// VectorizerSink routes vectorization events to the log sink.
func VectorizerSink(s Sink) VectorizerOption {
	return func(v *MemoryVectorizer) { v.sink = s }
}

// VectorizerPerf times vectorization on the monitor.
func VectorizerPerf(p *Perf) VectorizerOption {
	return func(v *MemoryVectorizer) { v.perf = p }
}

// NewMemoryVectorizer creates a vectorizer over the vector index and the
// relational store. embedding supplies the content vectors; a nil embedding
// stores fragments without vectors, leaving them keyword-searchable only.
func NewMemoryVectorizer(vectors VectorStore, embedding EmbeddingProvider, storage Storage, opts ...VectorizerOption) *MemoryVectorizer {
	v := &MemoryVectorizer{
		vectors:   vectors,
		embedding: embedding,
		storage:   storage,
		chatHost:  "discord.com",
		retention: RetentionArchive,
		reporter:  NopReporter(),
		sink:      NopSink(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = nopLogger
	}
	return v
}

var _ Vectorizer = (*MemoryVectorizer)(nil)

// ProcessEventSummaries stores one fragment per summary and retires the
// source messages. A summary that cannot convert is reported and skipped;
// the rest of the batch proceeds.
func (v *MemoryVectorizer) ProcessEventSummaries(ctx context.Context, summaries []EventSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if v.perf != nil {
			v.perf.Observe("vectorize", time.Since(start))
		}
	}()

	fragments := make([]MemoryFragment, 0, len(summaries))
	var sourceIDs []string
	for _, sum := range summaries {
		frag, err := v.convert(sum)
		if err != nil {
			v.reporter.Report("vectorizer", err)
			continue
		}
		fragments = append(fragments, frag)
		sourceIDs = append(sourceIDs, sum.Metadata.SourceMessageIDs...)
	}
	if len(fragments) == 0 {
		return nil
	}

	if v.embedding != nil {
		texts := make([]string, len(fragments))
		for i, f := range fragments {
			texts[i] = f.Content
		}
		vecs, err := v.embedding.EmbedDocuments(ctx, texts)
		if err != nil {
			v.reporter.Report("vectorizer", err)
			return fmt.Errorf("embed fragments: %w", err)
		}
		for i := range fragments {
			if i < len(vecs) {
				fragments[i].Embedding = vecs[i]
			}
		}
	}

	if err := v.vectors.AddMemories(ctx, fragments); err != nil {
		v.reporter.Report("vectorizer", err)
		return fmt.Errorf("add memories: %w", err)
	}
	if err := v.storage.MarkVectorized(ctx, sourceIDs); err != nil {
		return fmt.Errorf("mark vectorized: %w", err)
	}
	switch v.retention {
	case RetentionDelete:
		if err := v.storage.DeleteMessages(ctx, sourceIDs); err != nil {
			return fmt.Errorf("delete sources: %w", err)
		}
	default:
		if err := v.storage.ArchiveMessages(ctx, sourceIDs); err != nil {
			return fmt.Errorf("archive sources: %w", err)
		}
	}

	anchor := summaries[0].Metadata
	v.sink.Enqueue(LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     LevelInfo,
		Source:    "vectorizer",
		ServerID:  anchor.GuildID,
		Channel:   anchor.ChannelID,
		Action:    "memories_stored",
		Message:   fmt.Sprintf("stored %d fragments", len(fragments)),
		Extra: map[string]any{
			"fragments": len(fragments),
			"sources":   len(sourceIDs),
			"retention": string(v.retention),
		},
	})
	return nil
}

// convert maps one summary onto a fragment. The fragment id anchors on the
// event's first message so re-summarizing a window overwrites rather than
// duplicates.
func (v *MemoryVectorizer) convert(sum EventSummary) (MemoryFragment, error) {
	meta := sum.Metadata
	if meta.StartMessageID == "" {
		return MemoryFragment{}, fmt.Errorf("summary %q has no start message id", sum.QueryKey)
	}
	if len(meta.SourceMessageIDs) == 0 {
		return MemoryFragment{}, fmt.Errorf("summary %q has no source messages", sum.QueryKey)
	}

	reactionsJSON := ""
	if len(meta.Reactions) > 0 {
		b, err := json.Marshal(meta.Reactions)
		if err != nil {
			return MemoryFragment{}, fmt.Errorf("summary %q reactions: %w", sum.QueryKey, err)
		}
		reactionsJSON = string(b)
	}

	id := "event-" + meta.StartMessageID
	return MemoryFragment{
		ID:       id,
		Content:  sum.QueryValue,
		QueryKey: sum.QueryKey,
		Keywords: sum.QueryKeywords,
		Metadata: FragmentMetadata{
			FragmentID:       id,
			SourceMessageIDs: meta.SourceMessageIDs,
			JumpURL:          fmt.Sprintf("https://%s/channels/%s/%s/%s", v.chatHost, meta.GuildID, meta.ChannelID, meta.StartMessageID),
			AuthorIDs:        meta.UserIDs,
			ChannelID:        meta.ChannelID,
			GuildID:          meta.GuildID,
			StartTimestamp:   meta.StartTimestamp,
			EndTimestamp:     meta.EndTimestamp,
			ReactionsJSON:    reactionsJSON,
			EventType:        meta.EventType,
		},
	}, nil
}

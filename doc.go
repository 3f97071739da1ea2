// Package engram is the core of a memory-keeping conversational assistant
// for chat communities.
//
// It provides the building blocks the bot binary wires together: a
// multi-provider LLM gateway with retry and failover, an episodic memory
// pipeline that captures conversations and condenses them into searchable
// fragments, a dependency-aware tool dispatcher, and a structured logging
// sink.
//
// # Quick Start
//
// Compose a gateway over a provider chain and hand it to the dispatcher:
//
//	primary := gemini.New(googleKey, "gemini-2.5-flash")
//	fallback := openaicompat.NewProvider(openaiKey, "gpt-4o-mini", "https://api.openai.com/v1")
//
//	gateway := engram.NewGateway([]engram.GatewayEntry{
//		{Provider: primary, Model: "gemini-2.5-flash"},
//		{Provider: fallback, Model: "gpt-4o-mini"},
//	})
//
//	registry := engram.NewToolRegistry()
//	registry.Add(search.New(embedding, braveKey))
//
//	dispatcher := engram.NewDispatcher(gateway, registry)
//	reply, err := dispatcher.Handle(ctx, engram.DispatchInput{Prompt: "what did we decide about the offsite?"})
//
// The memory pipeline runs beside the conversation: a Tracker records
// message references as they arrive, and the ETL loop periodically captures
// their bodies, summarizes event windows, and vectorizes the summaries:
//
//	storage := sqlite.New("engram.db")
//	vectors := sqlite.NewVectorStore(storage)
//	tracker := engram.NewTracker(storage)
//	summarizer := engram.NewEventSummarizer(gateway)
//	vectorizer := engram.NewMemoryVectorizer(vectors, embedding, storage)
//	etl := engram.NewETL(storage, chat, summarizer, vectorizer)
//	go etl.Start(ctx)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, streaming, usage accounting)
//   - [Generator] — the gateway surface consumers call (text, structured, stream)
//   - [EmbeddingProvider] — text-to-vector embedding
//   - [Storage] — relational persistence (users, messages, channel state)
//   - [VectorStore] — memory fragments with hybrid vector/keyword search
//   - [ChatService] — the chat platform seam (fetch, channel info, send)
//   - [Tool] — pluggable capability for the dispatcher
//   - [Sink] — structured activity log intake
//   - [ErrorReporter] — async background-failure reporting
//
// # Included Implementations
//
// Providers: provider/gemini (Google Gemini), provider/openaicompat
// (OpenAI-compatible APIs). Storage: store/sqlite (embedded),
// store/postgres (pgx + pgvector). Frontend: frontend/discord.
// Tools: tools/knowledge, tools/remember, tools/search, tools/data, tools/http.
// Logging: logsink (NDJSON file sink). Telemetry: observer (OpenTelemetry).
//
// See internal/app for the composition root the cmd/engram binary runs.
package engram

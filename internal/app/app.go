// Package app is the composition root: it turns configuration and secrets
// into a wired, running bot and owns the shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	engram "github.com/sorane/engram"
	"github.com/sorane/engram/frontend/discord"
	"github.com/sorane/engram/internal/bot"
	"github.com/sorane/engram/internal/config"
	"github.com/sorane/engram/logsink"
	"github.com/sorane/engram/observer"
	"github.com/sorane/engram/provider/resolve"
	"github.com/sorane/engram/store/postgres"
	"github.com/sorane/engram/store/sqlite"
	"github.com/sorane/engram/tools/data"
	toolhttp "github.com/sorane/engram/tools/http"
	"github.com/sorane/engram/tools/knowledge"
	"github.com/sorane/engram/tools/remember"
	"github.com/sorane/engram/tools/search"
)

// Agent names resolved against llm.yaml model_priorities. Both fall back
// to the "default" entry when absent.
const (
	agentChat       = "chat"
	agentSummarizer = "summarizer"
)

// App holds every long-lived component. Construction wires them; Run
// starts the background loops and blocks; Close unwinds in reverse order.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	perf     *engram.Perf
	chat     *discord.Client
	session  *discord.Session
	reporter *engram.MailboxReporter
	sink     *logsink.Sink
	storage  engram.Storage
	vectors  engram.VectorStore
	etl      *engram.ETL
	handler  *bot.Handler

	pool         *pgxpool.Pool
	perfMirror   metric.Registration
	otelShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New builds the full component graph from configuration. Nothing starts
// running yet; Run does that.
func New(ctx context.Context, cfg config.Config, secrets config.Secrets) (*App, error) {
	logger := slog.Default()
	a := &App{cfg: cfg, logger: logger}

	a.perf = engram.NewPerf()
	a.chat = discord.New(secrets.DiscordToken, discord.WithLogger(logger))
	a.reporter = newReporter(a.chat, secrets.BugReportChannelID, logger)
	a.sink = newSink(cfg.Base, a.reporter)

	// Observability is opt-in through the standard OTLP endpoint variable;
	// the exporters read the rest of their configuration themselves.
	var inst *observer.Instruments
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		var err error
		inst, a.otelShutdown, err = observer.Init(ctx, nil)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("observer init: %w", err)
		}
		reg, err := observer.MirrorPerf(inst, a.perf)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("observer perf mirror: %w", err)
		}
		a.perfMirror = reg
	}

	prompts, perrs := config.LoadPrompts(config.Dir())
	for _, err := range perrs {
		a.reporter.Report("config", err)
	}

	gateways := newGatewayBuilder(cfg.LLM, secrets, a.sink, a.perf, logger, inst)
	chatGW, err := gateways.build(agentChat)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildStorage(ctx, cfg.Memory, logger, inst); err != nil {
		a.Close()
		return nil, err
	}

	tracker := engram.NewTracker(a.storage,
		engram.TrackerLogger(logger),
		engram.TrackerPerf(a.perf),
	)
	sanitizer := engram.NewSanitizer(engram.SanitizerLogger(logger))

	var embedding engram.EmbeddingProvider
	var updater bot.Updater
	threshold := 0
	if cfg.Memory.IsEnabled() {
		embedding, err = resolve.EmbeddingProvider(resolve.EmbeddingConfig{
			Provider:   cfg.Memory.Embedding.Provider,
			APIKey:     secrets.ProviderKey(cfg.Memory.Embedding.Provider),
			Model:      cfg.Memory.Embedding.Model,
			BaseURL:    cfg.Memory.Embedding.BaseURL,
			Dimensions: cfg.Memory.Embedding.Dimensions,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		if inst != nil {
			embedding = observer.WrapEmbedding(embedding, inst)
		}

		memGW, err := gateways.build(agentSummarizer)
		if err != nil {
			a.Close()
			return nil, err
		}
		sumOpts := []engram.SummarizerOption{
			engram.SummarizerSanitizer(sanitizer),
			engram.SummarizerLogger(logger),
			engram.SummarizerSink(a.sink),
			engram.SummarizerPerf(a.perf),
		}
		if p, ok := prompts.SystemPrompt(agentSummarizer); ok {
			sumOpts = append(sumOpts, engram.SummarizerPrompt(p))
		}
		summarizer := engram.NewEventSummarizer(memGW, sumOpts...)

		vectorizer := engram.NewMemoryVectorizer(a.vectors, embedding, a.storage,
			engram.VectorizerChatHost(cfg.Memory.ChatHost),
			engram.VectorizerRetention(engram.RetentionMode(cfg.Memory.Retention)),
			engram.VectorizerReporter(a.reporter),
			engram.VectorizerLogger(logger),
			engram.VectorizerSink(a.sink),
			engram.VectorizerPerf(a.perf),
		)

		a.etl = engram.NewETL(a.storage, a.chat, summarizer, vectorizer,
			engram.ETLInterval(cfg.Memory.ETLIntervalDuration()),
			engram.ETLReporter(a.reporter),
			engram.ETLSink(a.sink),
			engram.ETLLogger(logger),
			engram.ETLPerf(a.perf),
		)
		updater = a.etl
		threshold = cfg.Memory.MessageThreshold
	}

	registry := a.buildTools(cfg.Memory, secrets, embedding, logger, inst)

	dispOpts := []engram.DispatcherOption{
		engram.DispatcherChat(a.chat),
		engram.DispatcherReporter(a.reporter),
		engram.DispatcherSink(a.sink),
		engram.DispatcherLogger(logger),
		engram.DispatcherPerf(a.perf),
	}
	if p, ok := prompts.SystemPrompt("planner"); ok {
		dispOpts = append(dispOpts, engram.DispatcherPlannerPrompt(p))
	}
	if p, ok := prompts.SystemPrompt("answer"); ok {
		dispOpts = append(dispOpts, engram.DispatcherAnswerPrompt(p))
	}
	dispatcher := engram.NewDispatcher(chatGW, registry, dispOpts...)

	a.handler = bot.New(secrets.DiscordClientID, a.storage, tracker, updater, dispatcher, a.chat,
		bot.WithPrefix(cfg.Base.Prefix),
		bot.WithThreshold(int64(threshold)),
		bot.WithFetcher(a.chat),
		bot.WithSanitizer(sanitizer),
		bot.WithReporter(a.reporter),
		bot.WithSink(a.sink),
		bot.WithLogger(logger),
		bot.WithPerf(a.perf),
	)

	a.session = discord.NewSession(secrets.DiscordToken, a.handler.HandleMessage,
		discord.SessionLogger(logger),
		discord.SessionActivity(cfg.Base.Activity),
	)

	return a, nil
}

// Handler exposes the message entry point for alternative event feeds.
func (a *App) Handler() *bot.Handler { return a.handler }

// Run initializes storage, starts the capture loop and the gateway
// session, and blocks until ctx is cancelled. The app is closed on return.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	if err := a.storage.Init(ctx); err != nil {
		return fmt.Errorf("storage init: %w", err)
	}
	if a.vectors != nil {
		if err := a.vectors.Init(ctx); err != nil {
			return fmt.Errorf("vector store init: %w", err)
		}
	}

	a.sink.Enqueue(engram.LogRecord{
		Timestamp: time.Now().UTC(),
		Level:     engram.LevelInfo,
		Source:    "app",
		Action:    "startup",
		Message:   "engram " + a.cfg.Base.Version,
	})
	a.logger.Info("engram running", "version", a.cfg.Base.Version)

	var wg sync.WaitGroup
	if a.etl != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.etl.Start(ctx); err != nil {
				a.reporter.Report("etl", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.session.Run(ctx); err != nil {
			a.reporter.Report("discord", err)
		}
	}()

	<-ctx.Done()
	wg.Wait()
	a.logger.Info("engram shut down")
	return nil
}

// Close unwinds components in reverse construction order: stores first,
// then the sink so its final flush can still report, then the reporter,
// then telemetry. Safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.perfMirror != nil {
			errs = append(errs, a.perfMirror.Unregister())
		}
		if a.vectors != nil {
			errs = append(errs, a.vectors.Close())
		}
		if a.storage != nil {
			errs = append(errs, a.storage.Close())
		}
		if a.pool != nil {
			a.pool.Close()
		}
		if a.sink != nil {
			a.sink.Close()
		}
		if a.reporter != nil {
			a.reporter.Close()
		}
		if a.otelShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs = append(errs, a.otelShutdown(ctx))
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// buildStorage selects the relational store and vector index from
// memory.yaml. sqlite is the default and shares one connection between
// both; postgres shares the pool.
func (a *App) buildStorage(ctx context.Context, mem config.MemoryConfig, logger *slog.Logger, inst *observer.Instruments) error {
	switch mem.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, mem.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		a.pool = pool
		a.storage = postgres.New(pool,
			postgres.WithLogger(logger),
			postgres.WithPerf(a.perf),
		)
		if mem.IsEnabled() {
			a.vectors = postgres.NewVectorStore(pool,
				postgres.WithEmbeddingDimension(mem.Embedding.Dimensions),
			)
		}
	case "sqlite", "":
		st := sqlite.New(mem.DBPath,
			sqlite.WithLogger(logger),
			sqlite.WithPerf(a.perf),
		)
		a.storage = st
		if mem.IsEnabled() {
			a.vectors = sqlite.NewVectorStore(st)
		}
	default:
		return fmt.Errorf("unknown memory backend %q", mem.Backend)
	}
	return nil
}

// buildTools registers the dispatcher's tool set. Knowledge search needs
// the memory pipeline; internet search needs a Brave key. Both are skipped
// when unavailable rather than registered broken.
func (a *App) buildTools(mem config.MemoryConfig, secrets config.Secrets, embedding engram.EmbeddingProvider, logger *slog.Logger, inst *observer.Instruments) *engram.ToolRegistry {
	add := func(reg *engram.ToolRegistry, t engram.Tool) {
		if inst != nil {
			reg.Add(observer.WrapTool(t, inst))
			return
		}
		reg.Add(t)
	}

	registry := engram.NewToolRegistry()
	add(registry, data.New())
	add(registry, toolhttp.New())
	add(registry, remember.New(a.storage))
	if a.vectors != nil && embedding != nil {
		add(registry, knowledge.New(a.vectors, embedding,
			knowledge.WithTopK(mem.VectorSearchK),
		))
	}
	if secrets.BraveAPIKey != "" && embedding != nil {
		add(registry, search.New(embedding, secrets.BraveAPIKey,
			search.WithLogger(logger),
		))
	}
	return registry
}

// newReporter builds the mailbox reporter. With a bug-report channel
// configured, drained reports are posted there; otherwise they only hit
// the process log.
func newReporter(chat engram.ChatService, channelID string, logger *slog.Logger) *engram.MailboxReporter {
	opts := []engram.ReporterOption{engram.ReporterLogger(logger)}
	if channelID != "" {
		opts = append(opts, engram.ReporterHandler(func(rep engram.ErrorReport) {
			body := fmt.Sprintf("`%s` **%s**: %v", rep.Time.Format(time.RFC3339), rep.Source, rep.Err)
			if rep.TraceID != "" {
				body += fmt.Sprintf(" (trace `%s`)", rep.TraceID)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := chat.SendMessage(ctx, channelID, body); err != nil {
				logger.Warn("bug report delivery failed", "error", err)
			}
		}))
	}
	return engram.NewMailboxReporter(opts...)
}

// newSink builds the file sink, echoing to a colored console when enabled.
func newSink(base config.BaseConfig, reporter engram.ErrorReporter) *logsink.Sink {
	opts := []logsink.Option{
		logsink.BatchSize(base.Logging.BatchSize),
		logsink.FlushInterval(base.Logging.FlushIntervalDuration()),
		logsink.FsyncOnFlush(base.Logging.FsyncOnFlush),
		logsink.Reporter(reporter),
	}
	if base.ColoredLogs.Enabled {
		var copts []logsink.ConsoleOption
		for level, color := range base.ColoredLogs.Levels {
			copts = append(copts, logsink.ConsoleLevelColor(engram.Level(strings.ToUpper(level)), color))
		}
		for source, color := range base.ColoredLogs.Sources {
			copts = append(copts, logsink.ConsoleSourceColor(source, color))
		}
		opts = append(opts, logsink.Echo(logsink.NewConsole(copts...)))
	}
	return logsink.New(base.Logging.Dir, opts...)
}

// gatewayBuilder assembles provider chains per agent type, reusing one
// provider instance across chains so rate limits apply account-wide.
type gatewayBuilder struct {
	llm       config.LLMConfig
	secrets   config.Secrets
	sink      engram.Sink
	perf      *engram.Perf
	logger    *slog.Logger
	inst      *observer.Instruments
	retry     *engram.RetryController
	providers map[string]engram.Provider
}

func newGatewayBuilder(llm config.LLMConfig, secrets config.Secrets, sink engram.Sink, perf *engram.Perf, logger *slog.Logger, inst *observer.Instruments) *gatewayBuilder {
	return &gatewayBuilder{
		llm:     llm,
		secrets: secrets,
		sink:    sink,
		perf:    perf,
		logger:  logger,
		inst:    inst,
		retry: engram.NewRetryController(
			engram.RetryMaxRetries(llm.Retry.MaxRetries),
			engram.RetryBaseDelay(llm.Retry.BaseDelayDuration()),
			engram.RetryJitter(llm.Retry.Jitter),
			engram.RetryCeiling(llm.Retry.CeilingDuration()),
			engram.RetryLogger(logger),
		),
		providers: make(map[string]engram.Provider),
	}
}

// build creates the gateway for one agent type from its priority list.
func (b *gatewayBuilder) build(agent string) (engram.Generator, error) {
	var chain []engram.GatewayEntry
	for _, pm := range b.llm.Priorities(agent) {
		if len(pm.Models) == 0 {
			continue
		}
		p, err := b.provider(pm.Provider, pm.Models[0])
		if err != nil {
			return nil, err
		}
		for _, model := range pm.Models {
			chain = append(chain, engram.GatewayEntry{Provider: p, Model: model})
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model priorities for agent %q", agent)
	}

	gw := engram.NewGateway(chain,
		engram.GatewayRetry(b.retry),
		engram.GatewaySink(b.sink),
		engram.GatewayLogger(b.logger),
		engram.GatewayPerf(b.perf),
		engram.GatewayConfirmChunks(b.llm.ConfirmChunks),
	)
	if b.inst != nil {
		return observer.WrapGenerator(gw, b.inst), nil
	}
	return gw, nil
}

func (b *gatewayBuilder) provider(name, defaultModel string) (engram.Provider, error) {
	if p, ok := b.providers[name]; ok {
		return p, nil
	}
	p, err := resolve.Provider(resolve.Config{
		Provider: name,
		APIKey:   b.secrets.ProviderKey(name),
		Model:    defaultModel,
	})
	if err != nil {
		return nil, err
	}
	if rl := b.llm.RateLimit; rl.RPM > 0 || rl.TPM > 0 {
		p = engram.WithRateLimit(p, engram.RPM(rl.RPM), engram.TPM(rl.TPM))
	}
	if b.inst != nil {
		p = observer.WrapProvider(p, b.inst)
	}
	b.providers[name] = p
	return p, nil
}

package observer

import (
	"context"
	"time"

	engram "github.com/sorane/engram"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedEmbedding wraps an engram.EmbeddingProvider with OTEL instrumentation.
type ObservedEmbedding struct {
	inner engram.EmbeddingProvider
	inst  *Instruments
}

// WrapEmbedding returns an instrumented embedding provider.
func WrapEmbedding(inner engram.EmbeddingProvider, inst *Instruments) *ObservedEmbedding {
	return &ObservedEmbedding{inner: inner, inst: inst}
}

var _ engram.EmbeddingProvider = (*ObservedEmbedding)(nil)

func (o *ObservedEmbedding) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedding) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedding) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.span(ctx, "llm.embed_documents", len(texts))
	defer span.End()
	start := time.Now()

	result, err := o.inner.EmbedDocuments(ctx, texts)

	o.finish(ctx, span, start, len(texts), err)
	return result, err
}

func (o *ObservedEmbedding) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, span := o.span(ctx, "llm.embed_query", 1)
	defer span.End()
	start := time.Now()

	result, err := o.inner.EmbedQuery(ctx, text)

	o.finish(ctx, span, start, 1, err)
	return result, err
}

func (o *ObservedEmbedding) span(ctx context.Context, name string, textCount int) (context.Context, trace.Span) {
	return o.inst.Tracer.Start(ctx, name, trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrEmbedTextCount.Int(textCount),
		AttrEmbedDimensions.Int(o.inner.Dimensions()),
	))
}

func (o *ObservedEmbedding) finish(ctx context.Context, span trace.Span, start time.Time, textCount int, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("embedding completed"))
	rec.AddAttributes(
		otellog.String("llm.provider", o.inner.Name()),
		otellog.Int("llm.embed.text_count", textCount),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

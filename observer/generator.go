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

// ObservedGenerator wraps an engram.Generator to emit OTEL lifecycle spans,
// metrics, and logs. Each call gets a parent span that contains the inner
// provider and retry operations as child spans via context propagation.
type ObservedGenerator struct {
	inner engram.Generator
	inst  *Instruments
}

// WrapGenerator returns an instrumented Generator.
func WrapGenerator(inner engram.Generator, inst *Instruments) *ObservedGenerator {
	return &ObservedGenerator{inner: inner, inst: inst}
}

var _ engram.Generator = (*ObservedGenerator)(nil)

func (o *ObservedGenerator) Generate(ctx context.Context, req engram.GenRequest) (string, error) {
	ctx, span := o.start(ctx, "gen.generate", req)
	defer span.End()
	begin := time.Now()

	content, err := o.inner.Generate(ctx, req)

	o.finish(ctx, span, "generate", begin, err)
	return content, err
}

func (o *ObservedGenerator) GenerateStructured(ctx context.Context, req engram.GenRequest, out any) error {
	ctx, span := o.start(ctx, "gen.generate_structured", req)
	defer span.End()
	begin := time.Now()

	err := o.inner.GenerateStructured(ctx, req, out)

	o.finish(ctx, span, "generate_structured", begin, err)
	return err
}

func (o *ObservedGenerator) GenerateStream(ctx context.Context, req engram.GenRequest, out chan<- string) error {
	ctx, span := o.start(ctx, "gen.generate_stream", req)
	defer span.End()
	begin := time.Now()

	// Chunk-level accounting happens in the provider wrapper; here the
	// channel passes straight through so the close contract stays with
	// the inner generator.
	err := o.inner.GenerateStream(ctx, req, out)

	o.finish(ctx, span, "generate_stream", begin, err)
	return err
}

func (o *ObservedGenerator) start(ctx context.Context, name string, req engram.GenRequest) (context.Context, trace.Span) {
	return o.inst.Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("gen.trace_id", req.TraceID),
		attribute.String("gen.server_id", req.ServerID),
		attribute.String("gen.channel_id", req.ChannelID),
	))
}

func (o *ObservedGenerator) finish(ctx context.Context, span trace.Span, method string, begin time.Time, err error) {
	durationMs := float64(time.Since(begin).Milliseconds())
	status := "ok"
	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.GenRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	))
	o.inst.GenDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("method", method),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("generation completed"))
	rec.AddAttributes(
		otellog.String("gen.method", method),
		otellog.String("status", status),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

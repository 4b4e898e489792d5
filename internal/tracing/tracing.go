package tracing

import (
	"context"
	"os"
	"strconv"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the service.name resource attribute and the tracer name
const ServiceName = "modengine"

// tracer is looked up per call since the global provider is only set by Init
func tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// sampleRatio reads OTEL_TRACES_SAMPLER_ARG as a ratio in [0, 1]. Anything else samples everything.
func sampleRatio() float64 {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

// Init registers a tracer provider exporting over OTLP HTTP to
// OTEL_EXPORTER_OTLP_ENDPOINT (default localhost:4318). Child spans follow
// their parent's sampling decision; roots are sampled at OTEL_TRACES_SAMPLER_ARG.
// The caller must Shutdown the returned provider to flush pending spans.
func Init(ctx context.Context) (*sdktrace.TracerProvider, error) {
	otel.SetLogger(zerologr.New(&log.Logger))

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info().Str("endpoint", endpoint).Float64("sample_ratio", sampleRatio()).Msg("tracing: exporter configured")
	return tp, nil
}

// Span starts a span with the given attributes
func Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// ModerateSpan starts a span for a moderation action on a post
func ModerateSpan(ctx context.Context, postID, action string) (context.Context, trace.Span) {
	return Span(ctx, "moderation.moderate",
		attribute.String("post.id", postID),
		attribute.String("moderation.action", action),
	)
}

// FlagSpan starts a span for a user flag
func FlagSpan(ctx context.Context, userID, severity string) (context.Context, trace.Span) {
	return Span(ctx, "moderation.flag_user",
		attribute.String("user.id", userID),
		attribute.String("flag.severity", severity),
	)
}

// StatsSpan starts a span for a flagged-content stats query
func StatsSpan(ctx context.Context, timeframe, category string) (context.Context, trace.Span) {
	return Span(ctx, "stats.query",
		attribute.String("stats.timeframe", timeframe),
		attribute.String("stats.category", category),
	)
}

// EndWithError marks the span failed when err is non-nil
func EndWithError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

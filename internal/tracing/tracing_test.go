package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		value    string
		expected float64
	}{
		{"", 1},
		{"0.25", 0.25},
		{"0", 0},
		{"1.5", 1},
		{"-1", 1},
		{"half", 1},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.value)
			assert.Equal(t, tt.expected, sampleRatio())
		})
	}
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(original) })

	ctx := context.Background()

	_, span := ModerateSpan(ctx, "p1", "hide")
	EndWithError(span, nil)
	span.End()

	_, span = FlagSpan(ctx, "u1", "high")
	EndWithError(span, errors.New("storage unavailable"))
	span.End()

	_, span = StatsSpan(ctx, "week", "spam")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)

	assert.Equal(t, "moderation.moderate", ended[0].Name())
	assert.Contains(t, ended[0].Attributes(), attribute.String("post.id", "p1"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("moderation.action", "hide"))
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Equal(t, "moderation.flag_user", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "storage unavailable", ended[1].Status().Description)

	assert.Equal(t, "stats.query", ended[2].Name())
	assert.Contains(t, ended[2].Attributes(), attribute.String("stats.timeframe", "week"))
}

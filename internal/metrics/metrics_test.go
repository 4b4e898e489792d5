package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Exact routes (no normalization needed)
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/healthz", "/healthz"},
		{"/moderation/audit", "/moderation/audit"},
		{"/moderation/audit/subscribe", "/moderation/audit/subscribe"},
		{"/moderation/content/flags/stats", "/moderation/content/flags/stats"},

		// Posts
		{"/moderation/post/abc123", "/moderation/post/:id"},
		{"/moderation/post/abc123/moderate", "/moderation/post/:id/moderate"},

		// Users
		{"/moderation/user/u-42/profile", "/moderation/user/:id/profile"},
		{"/moderation/user/u-42/flag", "/moderation/user/:id/flag"},

		// Admin registration
		{"/moderation/admin/post/p1", "/moderation/admin/post/:id"},
		{"/moderation/admin/user/u1", "/moderation/admin/user/:id"},

		// Versioned prefix
		{"/api/v1/moderation/post/abc123", "/api/v1/moderation/post/:id"},
		{"/api/v1/moderation/user/u-42/flag", "/api/v1/moderation/user/:id/flag"},
		{"/api/v1/moderation/content/flags/stats", "/api/v1/moderation/content/flags/stats"},

		// Routes that shouldn't be normalized
		{"/moderation/user/u-42", "/moderation/user/u-42"},
		{"/moderation/post/abc/extra/segments", "/moderation/post/abc/extra/segments"},
		{"/unknown/path", "/unknown/path"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestCollect(t *testing.T) {
	ctx := context.Background()

	collect(ctx, StatsSource{
		AuditSequence: func(context.Context) (uint64, error) { return 42, nil },
		StatsSequence: func(context.Context) (uint64, error) { return 40, nil },
		PostsByState: func(context.Context) (map[string]int, error) {
			return map[string]int{"published": 3, "removed": 1}, nil
		},
		UsersBySeverity: func(context.Context) (map[string]int, error) {
			return map[string]int{"high": 2}, nil
		},
	})

	assert.Equal(t, float64(42), gaugeValue(t, AuditSequence))
	assert.Equal(t, float64(40), gaugeValue(t, StatsSequence))
	assert.Equal(t, float64(3), gaugeValue(t, PostsByState.WithLabelValues("published")))
	assert.Equal(t, float64(1), gaugeValue(t, PostsByState.WithLabelValues("removed")))
	assert.Equal(t, float64(2), gaugeValue(t, UsersBySeverity.WithLabelValues("high")))

	t.Run("errors leave gauges unchanged", func(t *testing.T) {
		collect(ctx, StatsSource{
			AuditSequence: func(context.Context) (uint64, error) { return 0, errors.New("closed") },
		})
		assert.Equal(t, float64(42), gaugeValue(t, AuditSequence))
	})
}

func TestStartCollector(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 10)
	StartCollector(ctx, StatsSource{
		StatsSequence: func(context.Context) (uint64, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			return 7, nil
		},
	}, 10*time.Millisecond)

	// One synchronous collection plus at least one tick
	for range 2 {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("collector did not run")
		}
	}
	assert.Equal(t, float64(7), gaugeValue(t, StatsSequence))
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modengine_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "path"})
)

// Engine metrics (incremented on occurrence)
var (
	ModerationActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modengine_moderation_actions_total",
		Help: "Total number of moderation actions by kind and result",
	}, []string{"action", "result"})

	UserFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modengine_user_flags_total",
		Help: "Total number of user flags by severity and result",
	}, []string{"severity", "result"})

	OptimisticRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modengine_optimistic_retries_total",
		Help: "Total number of version conflicts retried by the engine",
	})

	ContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modengine_contention_total",
		Help: "Total number of moderation actions that exhausted their retries",
	})

	ProjectionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modengine_projection_errors_total",
		Help: "Total number of committed entries the stats aggregator failed to record",
	})

	StatsQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modengine_stats_query_duration_seconds",
		Help:    "Flagged content stats query duration in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	}, []string{"timeframe"})
)

// Store metrics (gauges updated periodically by collector)
var (
	AuditSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modengine_audit_sequence",
		Help: "Sequence number of the newest audit log entry",
	})

	StatsSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modengine_stats_sequence",
		Help: "Highest audit sequence number recorded by the stats aggregator",
	})

	PostsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modengine_posts_by_state",
		Help: "Number of posts in each moderation state",
	}, []string{"state"})

	UsersBySeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modengine_users_by_severity",
		Help: "Number of users at each severity watermark",
	}, []string{"severity"})
)

// NormalizePath reduces high-cardinality path labels by replacing dynamic
// segments with placeholders. This keeps the metric label space bounded.
func NormalizePath(path string) string {
	segments := splitPath(path)

	// Mounted API version prefix
	prefix := ""
	if len(segments) >= 2 && segments[0] == "api" && segments[1] == "v1" {
		prefix = "/api/v1"
		segments = segments[2:]
	}

	if len(segments) < 3 || segments[0] != "moderation" {
		return path
	}

	switch segments[1] {
	case "post":
		if len(segments) == 3 {
			return prefix + "/moderation/post/:id"
		}
		if len(segments) == 4 && segments[3] == "moderate" {
			return prefix + "/moderation/post/:id/moderate"
		}
	case "user":
		if len(segments) == 4 && (segments[3] == "profile" || segments[3] == "flag") {
			return prefix + "/moderation/user/:id/" + segments[3]
		}
	case "admin":
		if len(segments) == 4 && (segments[2] == "post" || segments[2] == "user") {
			return prefix + "/moderation/admin/" + segments[2] + "/:id"
		}
	}

	return path
}

func splitPath(path string) []string {
	// Skip leading slash
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	// Split on /
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if i > start {
				segments = append(segments, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		segments = append(segments, path[start:])
	}
	return segments
}

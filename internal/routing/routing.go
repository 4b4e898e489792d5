package routing

import (
	"net/http"

	"modengine/internal/handlers"
	"modengine/internal/metrics"
	"modengine/internal/middleware"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIPrefix is the versioned mount point. Every API route is also served unprefixed.
const APIPrefix = "/api/v1"

// Config holds the configuration needed for setting up routes
type Config struct {
	Handlers *handlers.Handler
	Logger   zerolog.Logger
	Auth     middleware.AuthConfig

	// Metrics serves /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler
}

// SetupRouter creates and configures the HTTP router with all routes and middleware
func SetupRouter(cfg Config) http.Handler {
	h := cfg.Handlers
	mux := http.NewServeMux()

	auth := middleware.AuthMiddleware(cfg.Auth)
	protect := func(fn http.HandlerFunc) http.Handler {
		return auth(fn)
	}

	for _, prefix := range []string{"", APIPrefix} {
		// Moderation API
		mux.Handle("GET "+prefix+"/moderation/post/{id}", protect(h.HandleGetPost))
		mux.Handle("POST "+prefix+"/moderation/post/{id}/moderate", protect(h.HandleModeratePost))
		mux.Handle("GET "+prefix+"/moderation/user/{id}/profile", protect(h.HandleGetUserProfile))
		mux.Handle("POST "+prefix+"/moderation/user/{id}/flag", protect(h.HandleFlagUser))
		mux.Handle("GET "+prefix+"/moderation/content/flags/stats", protect(h.HandleFlagStats))

		// Registration and audit access
		mux.Handle("PUT "+prefix+"/moderation/admin/post/{id}", protect(h.HandleRegisterPost))
		mux.Handle("PUT "+prefix+"/moderation/admin/user/{id}", protect(h.HandleRegisterUser))
		mux.Handle("GET "+prefix+"/moderation/audit", protect(h.HandleAuditList))
		mux.Handle("GET "+prefix+"/moderation/audit/subscribe", protect(h.HandleAuditSubscribe))
	}

	// Operational endpoints are public
	metricsHandler := cfg.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// JSON 404 for everything else
	mux.HandleFunc("/", h.HandleNotFound)

	// Apply middleware in order (outermost first, innermost last)
	var handler http.Handler = mux

	// 1. Limit request body size (innermost - runs first on request)
	handler = middleware.LimitBodyMiddleware(handler)

	// 2. Apply security headers
	handler = middleware.SecurityHeadersMiddleware(handler)

	// 3. Apply logging middleware
	handler = middleware.LoggingMiddleware(cfg.Logger)(handler)

	// 4. Assign request IDs before anything logs
	handler = middleware.RequestIDMiddleware(handler)

	// 5. Trace every request (outermost)
	handler = otelhttp.NewHandler(handler, "modengine",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + metrics.NormalizePath(r.URL.Path)
		}),
	)

	return handler
}

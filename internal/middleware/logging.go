package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"modengine/internal/metrics"

	"github.com/rs/zerolog"
)

const accessLogKey contextKey = "access_log"

// accessLog collects fields that inner middleware contribute to the access log line
type accessLog struct {
	actor string
}

// setLoggedActor records the authenticated actor for the access log
func setLoggedActor(ctx context.Context, actor string) {
	if al, ok := ctx.Value(accessLogKey).(*accessLog); ok {
		al.actor = actor
	}
}

// ClientIP returns the originating client address. The first X-Forwarded-For
// hop wins, then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// levelFor maps a response status to the access log level
func levelFor(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	default:
		return logger.Info()
	}
}

// redactedHeaders flattens request headers for debug logging. Credentials are masked.
func redactedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie":
			out[name] = "[redacted]"
		default:
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

// LoggingMiddleware writes one access log line per request and records HTTP metrics.
// Requests answered with 5xx log at error, 4xx at warn, everything else at info.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			al := &accessLog{}

			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), accessLogKey, al)))

			duration := time.Since(start)
			event := levelFor(logger, rw.statusCode).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("query", r.URL.RawQuery).
				Int("status", rw.statusCode).
				Dur("duration", duration).
				Str("client_ip", ClientIP(r)).
				Str("user_agent", r.UserAgent()).
				Int64("bytes_written", rw.bytesWritten)

			if reqID := RequestIDFromContext(r.Context()); reqID != "" {
				event.Str("request_id", reqID)
			}
			if al.actor != "" {
				event.Str("actor", al.actor)
			}
			if logger.GetLevel() == zerolog.DebugLevel {
				event.Interface("headers", redactedHeaders(r.Header))
			}

			event.Msg("http request")

			route := metrics.NormalizePath(r.URL.Path)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		})
	}
}

// responseWriter captures the status code and body size written by a handler
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Hijack lets the audit websocket upgrade through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

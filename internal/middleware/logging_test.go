package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})

	handler := RequestIDMiddleware(LoggingMiddleware(logger)(AuthMiddleware(AuthConfig{})(inner)))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/moderation/post/p1/moderate?x=1", nil)
	req.Header.Set("Authorization", "Bearer opaque")
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/api/v1/moderation/post/p1/moderate", entry["path"])
	assert.Equal(t, "x=1", entry["query"])
	assert.Equal(t, float64(409), entry["status"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, ActorUnverified, entry["actor"])
	assert.Equal(t, float64(len(`{"message":"nope"}`)), entry["bytes_written"])
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "info"},
		{http.StatusNotFound, "warn"},
		{http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)
			handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			_, hasActor := entry["actor"]
			assert.False(t, hasActor)
		})
	}
}

func TestLoggingMiddleware_DebugHeadersRedacted(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/moderation/post/p1", nil)
	req.Header.Set("Authorization", "Bearer s3cret-token")
	req.Header.Set("X-Trace", "abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, buf.String(), "s3cret-token")

	var entry struct {
		Headers map[string]string `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "[redacted]", entry.Headers["Authorization"])
	assert.Equal(t, "abc", entry.Headers["X-Trace"])
}

func TestResponseWriter_Hijack(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	assert.Error(t, err, "recorder cannot be hijacked")

	var _ http.Hijacker = rw
}

package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modengine/internal/database/boltstore"
	"modengine/internal/handlers"
	"modengine/internal/middleware"
	"modengine/internal/moderation"
	"modengine/internal/stats"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("routing-secret")

func setupRouter(t *testing.T) http.Handler {
	t.Helper()
	db, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	store := db.ModerationStore()
	t.Cleanup(func() { store.Close() })

	engine := moderation.NewEngine(store, stats.New(stats.NewMemoryCounters()), moderation.Options{})
	_, err = engine.RegisterPost(context.Background(), "p1")
	require.NoError(t, err)

	return SetupRouter(Config{
		Handlers: handlers.NewHandler(engine, handlers.DefaultConfig()),
		Logger:   zerolog.Nop(),
		Auth:     middleware.AuthConfig{Secret: secret},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})
}

func authed(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	token, err := middleware.IssueToken(secret, "mod-1", time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSetupRouter_Routes(t *testing.T) {
	router := setupRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"get post", http.MethodGet, "/moderation/post/p1", "", http.StatusOK},
		{"get post versioned", http.MethodGet, "/api/v1/moderation/post/p1", "", http.StatusOK},
		{"moderate", http.MethodPost, "/api/v1/moderation/post/p1/moderate", `{"action":"hide","reason":"r"}`, http.StatusOK},
		{"missing user", http.MethodGet, "/moderation/user/u1/profile", "", http.StatusNotFound},
		{"flag missing user", http.MethodPost, "/moderation/user/u1/flag", `{"reason":"r","category":"spam","severity":"low"}`, http.StatusNotFound},
		{"stats", http.MethodGet, "/moderation/content/flags/stats?timeframe=week", "", http.StatusOK},
		{"register user", http.MethodPut, "/moderation/admin/user/u2", "", http.StatusCreated},
		{"audit", http.MethodGet, "/moderation/audit?from=1", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authed(t, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestSetupRouter_RequiresAuth(t *testing.T) {
	router := setupRouter(t)

	for _, path := range []string{"/moderation/post/p1", "/api/v1/moderation/content/flags/stats", "/moderation/audit"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestSetupRouter_NotFound(t *testing.T) {
	router := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nothing/here", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"message":"Endpoint not found"}`, rec.Body.String())
}

func TestSetupRouter_PublicEndpoints(t *testing.T) {
	router := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupRouter_Middleware(t *testing.T) {
	router := setupRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

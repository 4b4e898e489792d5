package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modengine/internal/moderation"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialSubscribe(t *testing.T, tc *testContext, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(tc.Handler.HandleAuditSubscribe))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/moderation/audit/subscribe?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEntry(t *testing.T, conn *websocket.Conn, dec *zstd.Decoder) moderation.AuditEntry {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)

	if dec != nil {
		require.Equal(t, websocket.BinaryMessage, kind)
		data, err = dec.DecodeAll(data, nil)
		require.NoError(t, err)
	} else {
		require.Equal(t, websocket.TextMessage, kind)
	}

	var entry moderation.AuditEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestHandleAuditSubscribe(t *testing.T) {
	t.Run("replays from cursor then tails", func(t *testing.T) {
		tc := newTestContext(t)
		tc.registerPost(t, "p1")
		tc.registerUser(t, "u1")

		conn := dialSubscribe(t, tc, "cursor=2")

		first := readEntry(t, conn, nil)
		assert.Equal(t, uint64(2), first.Sequence)
		assert.Equal(t, moderation.EntryUserRegistered, first.Type)

		tc.registerPost(t, "p2")
		next := readEntry(t, conn, nil)
		assert.Equal(t, uint64(3), next.Sequence)
		require.NotNil(t, next.Post)
		assert.Equal(t, "p2", next.Post.ID)
	})

	t.Run("without cursor only new entries", func(t *testing.T) {
		tc := newTestContext(t)
		tc.registerPost(t, "old")

		// The starting cursor is fixed before the handshake completes
		conn := dialSubscribe(t, tc, "")
		tc.registerPost(t, "new")

		entry := readEntry(t, conn, nil)
		assert.Equal(t, uint64(2), entry.Sequence)
		assert.Equal(t, "new", entry.Post.ID)
	})

	t.Run("compressed frames", func(t *testing.T) {
		tc := newTestContext(t)
		tc.registerPost(t, "p1")

		dec, err := zstd.NewReader(nil)
		require.NoError(t, err)
		defer dec.Close()

		conn := dialSubscribe(t, tc, "cursor=1&compress=true")
		entry := readEntry(t, conn, dec)
		assert.Equal(t, uint64(1), entry.Sequence)
	})

	t.Run("invalid cursor", func(t *testing.T) {
		tc := newTestContext(t)
		rec := httptest.NewRecorder()
		tc.Handler.HandleAuditSubscribe(rec, httptest.NewRequest(http.MethodGet, "/moderation/audit/subscribe?cursor=abc", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

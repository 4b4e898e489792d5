package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"modengine/internal/moderation"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// AuditPage is one page of the audit log
type AuditPage struct {
	Entries []moderation.AuditEntry `json:"entries"`
	// Next is the sequence to request for the following page, 0 when the log is exhausted
	Next uint64 `json:"next,omitempty"`
}

// HandleAuditList handles GET /moderation/audit?from=&limit=
func (h *Handler) HandleAuditList(w http.ResponseWriter, r *http.Request) {
	from, ok := queryUint(w, r, "from", 1)
	if !ok {
		return
	}
	limit, ok := queryUint(w, r, "limit", uint64(h.config.AuditPageLimit))
	if !ok {
		return
	}
	if limit == 0 || limit > uint64(h.config.AuditPageLimit) {
		limit = uint64(h.config.AuditPageLimit)
	}
	if from == 0 {
		from = 1
	}

	page := AuditPage{Entries: make([]moderation.AuditEntry, 0)}
	for entry, err := range h.audit.ReadFrom(r.Context(), from) {
		if err != nil {
			writeError(w, r, err)
			return
		}
		if uint64(len(page.Entries)) == limit {
			page.Next = entry.Sequence
			break
		}
		page.Entries = append(page.Entries, entry)
	}

	writeJSON(w, http.StatusOK, Response{Message: "Audit log entries", Data: page}, "audit page")
}

func queryUint(w http.ResponseWriter, r *http.Request, name string, def uint64) (uint64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}

const (
	subscribeWriteTimeout = 10 * time.Second
	subscribePongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// HandleAuditSubscribe handles GET /moderation/audit/subscribe?cursor=&compress=
//
// Entries with Sequence >= cursor are streamed as JSON text messages, then new
// entries as they are committed. Without a cursor only new entries are sent.
// With compress=true each message is a zstd-compressed binary frame.
func (h *Handler) HandleAuditSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cursor uint64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid cursor parameter")
			return
		}
		cursor = v
	} else {
		last, err := h.audit.LastSequence(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		cursor = last + 1
	}
	if cursor == 0 {
		cursor = 1
	}
	compress := r.URL.Query().Get("compress") == "true"

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Warn().Err(err).Msg("audit: websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read loop only services control frames and notices disconnects
	conn.SetReadDeadline(time.Now().Add(subscribePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(subscribePongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(nil)
		if err != nil {
			log.Error().Err(err).Msg("audit: failed to create zstd encoder")
			return
		}
		defer enc.Close()
	}

	log.Info().Uint64("cursor", cursor).Bool("compress", compress).Msg("audit: subscriber connected")

	ticker := time.NewTicker(h.config.SubscribePollInterval)
	defer ticker.Stop()

	var sent uint64
	for {
		for entry, err := range h.audit.ReadFrom(ctx, cursor) {
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Uint64("cursor", cursor).Msg("audit: read failed")
					closeWithMessage(conn, websocket.CloseInternalServerErr, "audit log unavailable")
				}
				return
			}
			if err := writeEntry(conn, enc, entry); err != nil {
				log.Debug().Err(err).Msg("audit: subscriber write failed")
				return
			}
			cursor = entry.Sequence + 1
			sent++
		}

		select {
		case <-ctx.Done():
			log.Info().Uint64("cursor", cursor).Uint64("sent", sent).Msg("audit: subscriber disconnected")
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(subscribeWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEntry(conn *websocket.Conn, enc *zstd.Encoder, entry moderation.AuditEntry) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(subscribeWriteTimeout))
	if enc != nil {
		return conn.WriteMessage(websocket.BinaryMessage, enc.EncodeAll(buf.Bytes(), nil))
	}
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func closeWithMessage(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(subscribeWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"modengine/internal/moderation"

	"github.com/google/go-querystring/query"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// SubscribeQuery configures an audit subscription
type SubscribeQuery struct {
	Cursor   uint64 `url:"cursor,omitempty"`
	Compress bool   `url:"compress,omitempty"`
}

// EntryHandler receives audit entries in sequence order. Returning an error
// stops the subscription.
type EntryHandler func(entry moderation.AuditEntry) error

// Subscription tails the audit log over a websocket, reconnecting with backoff
// and resuming after the last delivered entry.
type Subscription struct {
	client   *Client
	compress bool

	decoder *zstd.Decoder

	// Next sequence to request
	cursor atomic.Uint64

	received  atomic.Int64
	connected atomic.Bool
}

// Subscribe prepares a subscription starting at cursor (0 means only new entries)
func (c *Client) Subscribe(cursor uint64, compress bool) (*Subscription, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	s := &Subscription{client: c, compress: compress, decoder: decoder}
	s.cursor.Store(cursor)
	return s, nil
}

// Cursor returns the sequence the subscription will resume from
func (s *Subscription) Cursor() uint64 {
	return s.cursor.Load()
}

// Received returns the number of entries delivered so far
func (s *Subscription) Received() int64 {
	return s.received.Load()
}

// IsConnected returns true while a websocket is open
func (s *Subscription) IsConnected() bool {
	return s.connected.Load()
}

// Run consumes entries until ctx is cancelled or handle fails
func (s *Subscription) Run(ctx context.Context, handle EntryHandler) error {
	defer s.decoder.Close()

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		err := s.connectAndConsume(ctx, handle)
		s.connected.Store(false)

		var herr *handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if ctx.Err() != nil {
			return nil
		}

		log.Warn().Err(err).Uint64("cursor", s.Cursor()).Msg("audit subscription: connection error")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

func (s *Subscription) connectAndConsume(ctx context.Context, handle EntryHandler) error {
	wsURL, err := s.buildWebSocketURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if s.client.token != "" {
		header.Set("Authorization", "Bearer "+s.client.token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	s.connected.Store(true)
	log.Debug().Str("url", wsURL).Msg("audit subscription: connected")

	// Unblock ReadMessage when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		kind, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		if kind == websocket.BinaryMessage {
			message, err = s.decoder.DecodeAll(message, nil)
			if err != nil {
				return fmt.Errorf("failed to decompress message: %w", err)
			}
		}

		var entry moderation.AuditEntry
		if err := json.Unmarshal(message, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}

		if err := handle(entry); err != nil {
			return &handlerError{err: err}
		}
		s.cursor.Store(entry.Sequence + 1)
		s.received.Add(1)
	}
}

func (s *Subscription) buildWebSocketURL() (string, error) {
	u, err := url.Parse(s.client.baseURL + "/moderation/audit/subscribe")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if !strings.HasPrefix(u.Scheme, "ws") {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	values, err := query.Values(SubscribeQuery{Cursor: s.Cursor(), Compress: s.compress})
	if err != nil {
		return "", err
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

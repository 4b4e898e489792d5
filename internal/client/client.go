// Package client is a Go client for the moderation HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modengine/internal/moderation"

	"github.com/google/go-querystring/query"
)

// Client talks to a moderation server
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the server at baseURL (e.g. http://localhost:18920/api/v1)
// authenticating with the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code back to the engine error it was produced from
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return moderation.ErrNotFound
	case http.StatusBadRequest:
		return moderation.ErrInvalidRequest
	case http.StatusServiceUnavailable:
		return moderation.ErrStorageUnavailable
	}
	return nil
}

// ModerateInput is the body of a moderation request
type ModerateInput struct {
	Action   moderation.ActionKind      `json:"action"`
	Reason   string                     `json:"reason"`
	Category moderation.ContentCategory `json:"category,omitempty"`
}

// FlagInput is the body of a user flag request
type FlagInput struct {
	Reason   string                  `json:"reason"`
	Category moderation.FlagCategory `json:"category"`
	Severity moderation.Severity     `json:"severity"`
}

// FlagResult is the acknowledgement of a user flag
type FlagResult struct {
	UserID    string              `json:"userId"`
	FlaggedAt time.Time           `json:"flaggedAt"`
	Severity  moderation.Severity `json:"severity"`
}

// AuditQuery selects a page of the audit log
type AuditQuery struct {
	From  uint64 `url:"from,omitempty"`
	Limit int    `url:"limit,omitempty"`
}

// AuditPage is one page of the audit log
type AuditPage struct {
	Entries []moderation.AuditEntry `json:"entries"`
	Next    uint64                  `json:"next,omitempty"`
}

// GetPost fetches the current state of a post
func (c *Client) GetPost(ctx context.Context, id string) (moderation.Post, error) {
	var post moderation.Post
	err := c.do(ctx, http.MethodGet, "/moderation/post/"+url.PathEscape(id), nil, nil, &post)
	return post, err
}

// Moderate applies an action to a post
func (c *Client) Moderate(ctx context.Context, id string, in ModerateInput) (moderation.ModerationResult, error) {
	var result moderation.ModerationResult
	err := c.do(ctx, http.MethodPost, "/moderation/post/"+url.PathEscape(id)+"/moderate", nil, in, &result)
	return result, err
}

// GetUser fetches a user's profile and flag state
func (c *Client) GetUser(ctx context.Context, id string) (moderation.User, error) {
	var user moderation.User
	err := c.do(ctx, http.MethodGet, "/moderation/user/"+url.PathEscape(id)+"/profile", nil, nil, &user)
	return user, err
}

// FlagUser records a flag against a user
func (c *Client) FlagUser(ctx context.Context, id string, in FlagInput) (FlagResult, error) {
	var result FlagResult
	err := c.do(ctx, http.MethodPost, "/moderation/user/"+url.PathEscape(id)+"/flag", nil, in, &result)
	return result, err
}

// Stats queries flagged-content statistics. Empty fields select server defaults.
func (c *Client) Stats(ctx context.Context, q moderation.StatsQuery) (moderation.FlaggedContentStats, error) {
	var stats moderation.FlaggedContentStats
	err := c.do(ctx, http.MethodGet, "/moderation/content/flags/stats", q, nil, &stats)
	return stats, err
}

// RegisterPost creates a post in the published state
func (c *Client) RegisterPost(ctx context.Context, id string) (moderation.Post, error) {
	var post moderation.Post
	err := c.do(ctx, http.MethodPut, "/moderation/admin/post/"+url.PathEscape(id), nil, nil, &post)
	return post, err
}

// RegisterUser creates a user with an optional profile document
func (c *Client) RegisterUser(ctx context.Context, id string, profile json.RawMessage) (moderation.User, error) {
	var body any
	if len(profile) > 0 {
		body = struct {
			Profile json.RawMessage `json:"profile"`
		}{profile}
	}
	var user moderation.User
	err := c.do(ctx, http.MethodPut, "/moderation/admin/user/"+url.PathEscape(id), nil, body, &user)
	return user, err
}

// Audit fetches one page of the audit log
func (c *Client) Audit(ctx context.Context, q AuditQuery) (AuditPage, error) {
	var page AuditPage
	err := c.do(ctx, http.MethodGet, "/moderation/audit", q, nil, &page)
	return page, err
}

// do sends a request and decodes the data field of the response envelope into out.
// params is encoded with go-querystring when non-nil.
func (c *Client) do(ctx context.Context, method, path string, params, body, out any) error {
	reqURL := c.baseURL + path
	if params != nil {
		values, err := query.Values(params)
		if err != nil {
			return fmt.Errorf("encoding query: %w", err)
		}
		if encoded := values.Encode(); encoded != "" {
			reqURL += "?" + encoded
		}
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelope.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding data: %w", err)
		}
	}
	return nil
}

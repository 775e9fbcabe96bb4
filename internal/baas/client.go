// Package baas is the HTTP client for the banking backend that owns
// sessions, messages, module fields and exports. It never retries: a failed
// write is reported to the caller, who decides what the user sees. Only the
// streaming channel has retry semantics, and those are transport-level.
package baas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/agfin/loanproxy/internal/modfield"
)

const (
	fieldCacheSize = 256

	// Write pacing keeps autosave bursts from hammering the backend.
	writesPerSecond = 10
	writeBurst      = 5
)

// APIError is a non-2xx response from the backend. It is terminal; callers
// never auto-retry it.
type APIError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: backend returned %s", e.Op, e.Status)
}

// RemoteSession is a session as the backend reports it.
type RemoteSession struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	FirstMessage string    `json:"firstMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FieldRecord is a stored module field value with its resolved provenance.
type FieldRecord struct {
	FieldID         string    `json:"fieldId"`
	Value           any       `json:"value"`
	Source          string    `json:"source"`
	ConfidenceScore float64   `json:"confidenceScore"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Client talks to the backend. Field reads go through an LRU cache that is
// invalidated by writes to the same field.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	writes  *rate.Limiter
	fields  *lru.Cache[string, *FieldRecord]
}

// NewClient creates a backend client. A nil httpClient falls back to
// http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *FieldRecord](fieldCacheSize)
	if err != nil {
		return nil, fmt.Errorf("field cache: %w", err)
	}
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		logger:  logger,
		writes:  rate.NewLimiter(rate.Limit(writesPerSecond), writeBurst),
		fields:  cache,
	}, nil
}

// CreateSession registers a new conversation and returns it with the
// backend's title (generated, or its own fallback).
func (c *Client) CreateSession(ctx context.Context, firstMessage string) (*RemoteSession, error) {
	var out RemoteSession
	err := c.write(ctx, "create session", http.MethodPost, "/sessions",
		map[string]string{"firstMessage": firstMessage}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions pages through the conversation list.
func (c *Client) ListSessions(ctx context.Context, offset, limit int) ([]RemoteSession, error) {
	path := fmt.Sprintf("/sessions?offset=%d&limit=%d", offset, limit)
	var out struct {
		Sessions []RemoteSession `json:"sessions"`
	}
	if err := c.do(ctx, "list sessions", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// GenerateTitle asks the backend for a generated session title.
func (c *Client) GenerateTitle(ctx context.Context, sessionID string) (string, error) {
	var out struct {
		Title string `json:"title"`
	}
	err := c.write(ctx, "generate title", http.MethodPost,
		"/sessions/"+url.PathEscape(sessionID)+"/title", nil, &out)
	if err != nil {
		return "", err
	}
	return out.Title, nil
}

// RenameSession sets a session title.
func (c *Client) RenameSession(ctx context.Context, id, title string) error {
	return c.write(ctx, "rename session", http.MethodPatch,
		"/sessions/"+url.PathEscape(id), map[string]string{"title": title}, nil)
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.write(ctx, "delete session", http.MethodDelete,
		"/sessions/"+url.PathEscape(id), nil, nil)
}

// UpdateMessage persists an edited message.
func (c *Client) UpdateMessage(ctx context.Context, sessionID, messageID, content string) error {
	path := fmt.Sprintf("/sessions/%s/messages/%s",
		url.PathEscape(sessionID), url.PathEscape(messageID))
	return c.write(ctx, "update message", http.MethodPut, path,
		map[string]string{"content": content}, nil)
}

// RegenerateMessage requests a fresh response keyed by the given message.
func (c *Client) RegenerateMessage(ctx context.Context, sessionID, messageID string) error {
	path := fmt.Sprintf("/sessions/%s/messages/%s/regenerate",
		url.PathEscape(sessionID), url.PathEscape(messageID))
	return c.write(ctx, "regenerate message", http.MethodPost, path, nil, nil)
}

// SaveField persists one module field value and returns the stored record,
// source and confidence resolved by the backend. The field's cache entry is
// replaced with the fresh record.
func (c *Client) SaveField(ctx context.Context, applicationID string, module int, fieldID string, value any, source string) (*FieldRecord, error) {
	path := fmt.Sprintf("/applications/%s/modules/%d/fields/%s",
		url.PathEscape(applicationID), module, url.PathEscape(fieldID))

	var record FieldRecord
	err := c.write(ctx, "save field", http.MethodPut, path,
		map[string]any{"value": value, "source": source}, &record)
	key := fieldKey(applicationID, module, fieldID)
	if err != nil {
		c.fields.Remove(key)
		return nil, err
	}
	c.fields.Add(key, &record)
	return &record, nil
}

// GetField returns a stored field record, served from cache when a write
// has not invalidated it.
func (c *Client) GetField(ctx context.Context, applicationID string, module int, fieldID string) (*FieldRecord, error) {
	key := fieldKey(applicationID, module, fieldID)
	if record, ok := c.fields.Get(key); ok {
		return record, nil
	}

	path := fmt.Sprintf("/applications/%s/modules/%d/fields/%s",
		url.PathEscape(applicationID), module, url.PathEscape(fieldID))
	var record FieldRecord
	if err := c.do(ctx, "get field", http.MethodGet, path, nil, &record); err != nil {
		return nil, err
	}
	c.fields.Add(key, &record)
	return &record, nil
}

// FetchExport downloads a rendered artifact export from the backend.
func (c *Client) FetchExport(ctx context.Context, applicationID, artifactID, format string) ([]byte, error) {
	path := fmt.Sprintf("/applications/%s/artifacts/%s/export?format=%s",
		url.PathEscape(applicationID), url.PathEscape(artifactID), url.QueryEscape(format))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch export: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch export: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.apiError("fetch export", resp)
	}
	return io.ReadAll(resp.Body)
}

// Fields binds the client to one application as a field saver for the
// autosave engine.
func (c *Client) Fields(applicationID string) *FieldSaver {
	return &FieldSaver{client: c, applicationID: applicationID}
}

// FieldSaver adapts the client to the autosave engine's Saver interface.
type FieldSaver struct {
	client        *Client
	applicationID string
}

var _ modfield.Saver = (*FieldSaver)(nil)

// SaveField persists one field for the bound application.
func (f *FieldSaver) SaveField(ctx context.Context, module int, fieldID string, value any, source modfield.Source) error {
	_, err := f.client.SaveField(ctx, f.applicationID, module, fieldID, value, string(source))
	return err
}

// write is do with write pacing applied.
func (c *Client) write(ctx context.Context, op, method, path string, body, out any) error {
	if err := c.writes.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return c.do(ctx, op, method, path, body, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) apiError(op string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(payload),
	}
	c.logger.Warn("backend request failed",
		"op", op,
		"status", resp.StatusCode)
	return apiErr
}

func fieldKey(applicationID string, module int, fieldID string) string {
	return fmt.Sprintf("%s/m%d/%s", applicationID, module, fieldID)
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"travel-chat/config"
	apperrors "travel-chat/errors"
	"travel-chat/web/types"

	"go.uber.org/zap"
)

type streamRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type historyMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp string         `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type historyResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []historyMessage `json:"messages"`
}

type contextResponse struct {
	SessionID   string         `json:"session_id"`
	Preferences map[string]any `json:"preferences"`
}

type sessionRecord struct {
	SessionID    string   `json:"session_id"`
	Title        string   `json:"title"`
	LastMessage  *string  `json:"last_message"`
	LastUpdated  string   `json:"last_updated"`
	MessageCount int      `json:"message_count"`
	Destination  *string  `json:"destination"`
	Budget       *float64 `json:"budget"`
}

type sessionsResponse struct {
	Total    int             `json:"total"`
	Sessions []sessionRecord `json:"sessions"`
}

// HealthStatus is the backend's self-reported health.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service,omitempty"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Database  string `json:"database,omitempty"`
	Type      string `json:"type,omitempty"`
}

// Client talks to the travel backend over a single configurable base URL.
type Client struct {
	cfg          *config.Config
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

func New(cfg *config.Config, logger *zap.Logger) *Client {
	// Streaming responses stay open for the whole reply, so they rely on
	// context cancellation or the server closing the stream.
	return &Client{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

func (c *Client) endpoint(path string, segments ...string) string {
	args := make([]any, len(segments))
	for i, s := range segments {
		args[i] = url.PathEscape(s)
	}
	return c.cfg.BackendBaseURL + fmt.Sprintf(path, args...)
}

// StreamMessage posts a user message and returns the event-stream body of
// the reply. The caller must close it.
func (c *Client) StreamMessage(ctx context.Context, sessionID, message string) (io.ReadCloser, error) {
	jsonBody, err := json.Marshal(streamRequest{SessionID: sessionID, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/chat/message/stream"), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	return c.openStream(req, sessionID)
}

// Events opens the long-lived notification channel of a session.
func (c *Client) Events(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/chat/events/%s", sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("create events request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	return c.openStream(req, sessionID)
}

func (c *Client) openStream(req *http.Request, sessionID string) (io.ReadCloser, error) {
	resp, err := c.streamClient.Do(req)
	if err != nil {
		c.logger.Error("Backend stream request failed",
			zap.String("session_id", sessionID),
			zap.String("url", req.URL.String()),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}
	return resp.Body, nil
}

// History returns up to HISTORY_LIMIT stored messages of a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]types.Message, error) {
	endpoint := c.endpoint("/chat/history/%s", sessionID) + "?limit=" + strconv.Itoa(c.cfg.HistoryLimit)

	var hr historyResponse
	if err := c.getJSON(ctx, endpoint, &hr); err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(hr.Messages))
	for _, m := range hr.Messages {
		role := types.RoleAssistant
		if m.Role == string(types.RoleUser) {
			role = types.RoleUser
		}
		messages = append(messages, types.Message{
			Role:      role,
			Content:   m.Content,
			Timestamp: parseTimestamp(m.Timestamp),
		})
	}
	return messages, nil
}

// Context returns the stored preferences of a session.
func (c *Client) Context(ctx context.Context, sessionID string) (map[string]any, error) {
	var cr contextResponse
	if err := c.getJSON(ctx, c.endpoint("/chat/context/%s", sessionID), &cr); err != nil {
		return nil, err
	}
	if cr.Preferences == nil {
		cr.Preferences = map[string]any{}
	}
	return cr.Preferences, nil
}

// ListSessions returns the remote session catalog mapped to local fields.
func (c *Client) ListSessions(ctx context.Context) ([]types.ChatSession, error) {
	var sr sessionsResponse
	if err := c.getJSON(ctx, c.endpoint("/chat/sessions"), &sr); err != nil {
		return nil, err
	}

	sessions := make([]types.ChatSession, 0, len(sr.Sessions))
	for _, rec := range sr.Sessions {
		session := types.ChatSession{
			ID:           rec.SessionID,
			Title:        rec.Title,
			LastActivity: parseTimestamp(rec.LastUpdated),
			MessageCount: rec.MessageCount,
			Destination:  rec.Destination,
			Budget:       rec.Budget,
		}
		if rec.LastMessage != nil {
			session.LastMessage = *rec.LastMessage
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// DeleteSession clears a session on the backend.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/chat/session/%s", sessionID), nil)
	if err != nil {
		return fmt.Errorf("create delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Health calls the backend's basic health check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.getJSON(ctx, c.endpoint("/health/"), &hs)
	return hs, err
}

// DatabaseHealth reports whether the backend can reach its database.
func (c *Client) DatabaseHealth(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	err := c.getJSON(ctx, c.endpoint("/health/database"), &hs)
	return hs, err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logger.Warn("Backend returned non-success status",
		zap.String("url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode))
	return fmt.Errorf("%w: backend status %s: %s", apperrors.ErrTransport, resp.Status, bytes.TrimSpace(body))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form the backend
// emits, which is UTC. Unparseable values yield the zero time.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

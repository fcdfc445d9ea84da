// Package agentapi is the HTTP client for the external coding-agent
// server. The server owns all reasoning and tool execution; this client
// only manages sessions and relays prompts, surfacing failures as typed
// errors the orchestration core can branch on.
package agentapi

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
)

// ErrSessionNotFound is returned when the server reports 404 for a session.
var ErrSessionNotFound = errors.New("agent session not found")

// APIError is a non-404 failure response from the agent server.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent server error: status %d: %s", e.Status, e.Body)
}

// Session is an agent-server conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Part is one addressable unit of agent output within a message.
type Part struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "text", "tool", "reasoning"
	Text string `json:"text,omitempty"`
}

// Message is one entry in a session transcript, ordered as emitted.
type Message struct {
	ID    string `json:"id"`
	Role  string `json:"role"` // "user" or "assistant"
	Parts []Part `json:"parts"`
}

// Client talks to one agent server instance.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a Client for the server at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// CreateSession opens a new session, optionally rooted at a directory.
func (c *Client) CreateSession(ctx context.Context, directory string) (Session, error) {
	var out Session
	body := map[string]string{}
	if directory != "" {
		body["directory"] = directory
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return Session{}, err
	}
	return out, nil
}

// ListSessions returns all sessions known to the server.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSession sets the session title.
func (c *Client) UpdateSession(ctx context.Context, sessionID, title string) error {
	return c.do(ctx, http.MethodPatch, "/session/"+url.PathEscape(sessionID), map[string]string{"title": title}, nil)
}

// ForkSession branches a session at the given fragment and returns the new
// session's id.
func (c *Client) ForkSession(ctx context.Context, sessionID, partID string) (string, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/fork",
		map[string]string{"part_id": partID}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &APIError{Status: http.StatusOK, Body: "fork response missing session id"}
	}
	return out.ID, nil
}

// FetchMessages returns the session transcript in emission order.
func (c *Client) FetchMessages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Prompt sends a user prompt to the session and returns the assistant
// response. This blocks for the whole agent turn; timeouts are this
// client's responsibility, not the caller's.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (Message, error) {
	var out Message
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	if err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", body, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("agent server request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package relay is the HTTP client for the OpenCode-compatible relay
// server that fronts all local assistant sessions. The daemon never talks
// to sessions directly; listing and prompt injection both go through here.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnavailable covers connection failures, timeouts, and 5xx
	// responses. Callers retry with backoff.
	ErrUnavailable = errors.New("relay unavailable")

	// ErrNotFound means the targeted session no longer exists.
	ErrNotFound = errors.New("session not found")
)

// Session is one entry from GET /session.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title,omitempty"`
	Slug      string      `json:"slug,omitempty"`
	Directory string      `json:"directory,omitempty"`
	Time      SessionTime `json:"time,omitempty"`
}

// SessionTime carries the relay's millisecond timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created,omitempty"`
	Updated int64 `json:"updated,omitempty"`
}

// Client is a thin HTTP client against the relay REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client targeting the given base URL
// (e.g. http://127.0.0.1:4096).
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the relay base URL the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// ListSessions fetches the relay's current session list.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	url := c.baseURL + "/session"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: GET %s returned %d: %s", ErrUnavailable, url, resp.StatusCode, string(body))
	}

	var sessions []Session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decoding session list: %w", err)
	}
	return sessions, nil
}

// Inject posts text into a session via the async prompt endpoint, which
// triggers an LLM turn even when the session is idle. 200 and 204 both
// count as accepted.
func (c *Client) Inject(ctx context.Context, sessionID, text string) error {
	url := fmt.Sprintf("%s/session/%s/prompt_async", c.baseURL, sessionID)

	payload := struct {
		Parts []promptPart `json:"parts"`
	}{
		Parts: []promptPart{{Type: "text", Text: text}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling prompt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	default:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: POST %s returned %d: %s", ErrUnavailable, url, resp.StatusCode, string(respBody))
	}
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SessionMessage is one message from GET /session/:id/message. Only the
// fields needed for token accounting are decoded.
type SessionMessage struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo is the metadata block of a session message.
type MessageInfo struct {
	ID     string      `json:"id"`
	Role   string      `json:"role"`
	Tokens TokenCounts `json:"tokens"`
}

// TokenCounts is the relay's token usage breakdown for one message.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cache  struct {
		Read  int64 `json:"read"`
		Write int64 `json:"write"`
	} `json:"cache"`
}

// SessionMessages fetches the message history of a session. Used for
// coordinator cost accounting.
func (c *Client) SessionMessages(ctx context.Context, sessionID string) ([]SessionMessage, error) {
	url := fmt.Sprintf("%s/session/%s/message", c.baseURL, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: GET %s returned %d: %s", ErrUnavailable, url, resp.StatusCode, string(body))
	}

	var messages []SessionMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decoding session messages: %w", err)
	}
	return messages, nil
}

// Package coder is the client for a directory-scoped coder server: a thin
// request layer over its localhost HTTP surface plus a reader for its
// server-sent event stream.
package coder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const requestTimeout = 30 * time.Second

// Client issues requests against one coder server. It retains no state
// beyond the base URL; session state lives server-side.
type Client struct {
	baseURL string
	http    *http.Client

	// streamHTTP has no timeout; the event stream is open-ended.
	streamHTTP *http.Client
}

// NewClient creates a client for the server at baseURL
// (e.g. "http://127.0.0.1:4096").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: requestTimeout},
		streamHTTP: &http.Client{},
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession creates a new session and returns its ID.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	body, err := c.post(ctx, "/session", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("server returned empty session ID")
	}
	return resp.ID, nil
}

// SendPromptAsync sends a prompt to a session. It returns once the server
// acknowledges receipt; completion arrives on the event stream.
func (c *Client) SendPromptAsync(ctx context.Context, sessionID, text string) error {
	payload := map[string]string{"text": text}
	if _, err := c.post(ctx, "/session/"+sessionID+"/prompt_async", payload); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	return nil
}

// AbortSession aborts a running session.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	if _, err := c.post(ctx, "/session/"+sessionID+"/abort", nil); err != nil {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	return nil
}

// ReplyPermission answers a pending permission request. The decision is
// "allow" or "deny".
func (c *Client) ReplyPermission(ctx context.Context, permissionID, decision string) error {
	payload := map[string]string{"decision": decision}
	if _, err := c.post(ctx, "/permission/"+permissionID+"/reply", payload); err != nil {
		return fmt.Errorf("failed to reply to permission: %w", err)
	}
	return nil
}

// ReplyQuestion answers a pending question request with one selected
// option label per question.
func (c *Client) ReplyQuestion(ctx context.Context, questionID string, answers []string) error {
	payload := map[string][]string{"answers": answers}
	if _, err := c.post(ctx, "/question/"+questionID+"/reply", payload); err != nil {
		return fmt.Errorf("failed to reply to question: %w", err)
	}
	return nil
}

// Health probes the server's liveness endpoint. A nil error means the
// server is up and ready.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/global/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// post issues a POST with an optional JSON payload and returns the
// response body for 2xx statuses.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

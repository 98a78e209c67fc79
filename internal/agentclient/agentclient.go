// Package agentclient is the HTTP client for the external coding-agent
// runtime (spec.md §4.5): session lifecycle, prompting, permission replies,
// and output inspection, all scoped to a job's workspace directory.
package agentclient

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

// ErrConnect wraps a transport-level failure (DNS, dial, TLS, timeout).
type ErrConnect struct{ Cause error }

func (e *ErrConnect) Error() string { return fmt.Sprintf("agent runtime unreachable: %v", e.Cause) }
func (e *ErrConnect) Unwrap() error { return e.Cause }

// ErrHTTPStatus wraps a non-2xx response from the agent runtime.
type ErrHTTPStatus struct {
	Code int
	Body string
}

func (e *ErrHTTPStatus) Error() string {
	return fmt.Sprintf("agent runtime returned status %d: %s", e.Code, e.Body)
}

// ErrDecode wraps a JSON decode failure on an otherwise-successful response.
type ErrDecode struct{ Cause error }

func (e *ErrDecode) Error() string { return fmt.Sprintf("decode agent runtime response: %v", e.Cause) }
func (e *ErrDecode) Unwrap() error { return e.Cause }

// Credentials is the HTTP Basic pair used against the agent runtime, per
// spec.md §6.4 (no password means no Authorization header is sent).
type Credentials struct {
	Username string
	Password string
}

// Client talks to one agent runtime base URL.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// New builds a Client with the given request timeout.
func New(baseURL string, creds Credentials, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

// Health checks GET /global/health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/global/health", nil, nil, &out)
	return out, err
}

// CreateSession opens a new session scoped to directory and returns its id.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (string, error) {
	var out map[string]any
	body := map[string]any{"title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/session", params(directory, nil), body, &out); err != nil {
		return "", err
	}
	if id, ok := out["id"].(string); ok && id != "" {
		return id, nil
	}
	if id, ok := out["sessionID"].(string); ok && id != "" {
		return id, nil
	}
	return "", errors.New("missing session id from agent runtime response")
}

// Model pins a specific provider/model pair for a prompt.
type Model struct {
	ProviderID string
	ModelID    string
}

// PromptAsync submits prompt to sessionID and returns immediately; the
// caller polls GetSessionStatus / GetLastMessage for completion.
func (c *Client) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model *Model) error {
	body := map[string]any{
		"agent": agent,
		"parts": []map[string]any{{"type": "text", "text": prompt}},
	}
	if model != nil {
		body["model"] = map[string]string{"providerID": model.ProviderID, "modelID": model.ModelID}
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/prompt_async", sessionID), params(directory, nil), body, nil)
}

// PermissionRequest is one pending permission request returned by ListPermissions.
type PermissionRequest struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionID"`
	Permission string         `json:"permission"`
	Patterns   []string       `json:"patterns"`
	Metadata   map[string]any `json:"metadata"`
}

// ListPermissions returns pending permission requests for directory.
func (c *Client) ListPermissions(ctx context.Context, directory string) ([]PermissionRequest, error) {
	var out []PermissionRequest
	err := c.doJSON(ctx, http.MethodGet, "/permission", params(directory, nil), nil, &out)
	return out, err
}

// ReplyPermission answers a pending permission request.
func (c *Client) ReplyPermission(ctx context.Context, directory, requestID, reply, message string) error {
	body := map[string]any{"reply": reply}
	if message != "" {
		body["message"] = message
	}
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/permission/%s/reply", requestID), params(directory, nil), body, nil)
}

// GetSessionStatus returns the status map for directory, keyed by session id.
func (c *Client) GetSessionStatus(ctx context.Context, directory string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/session/status", params(directory, nil), nil, &out)
	return out, err
}

// GetLastMessage returns up to limit most recent messages for sessionID.
func (c *Client) GetLastMessage(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	var out []map[string]any
	extra := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/session/%s/message", sessionID), params(directory, extra), nil, &out)
	return out, err
}

// AbortSession requests cooperative cancellation of sessionID.
func (c *Client) AbortSession(ctx context.Context, directory, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/session/%s/abort", sessionID), params(directory, nil), nil, nil)
}

// ReadFile lists metadata for path relative to directory.
func (c *Client) ReadFile(ctx context.Context, directory, path string) ([]map[string]any, error) {
	var out []map[string]any
	extra := map[string]string{"path": path}
	err := c.doJSON(ctx, http.MethodGet, "/file", params(directory, extra), nil, &out)
	return out, err
}

func params(directory string, extra map[string]string) url.Values {
	v := url.Values{}
	if directory != "" {
		v.Set("directory", directory)
	}
	for k, val := range extra {
		v.Set(k, val)
	}
	return v
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds.Password != "" {
		req.SetBasicAuth(c.creds.Username, c.creds.Password)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &ErrConnect{Cause: err}
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return &ErrConnect{Cause: err}
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &ErrHTTPStatus{Code: res.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ErrDecode{Cause: err}
	}
	return nil
}

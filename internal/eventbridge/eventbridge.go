// Package eventbridge consumes the agent runtime's /event SSE stream and
// filters it down to the events belonging to one session (spec.md §4.6).
// No SSE client exists anywhere in the retrieved example pack, so framing
// is parsed directly off the response body with bufio.Scanner.
package eventbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials is the HTTP Basic pair used against the agent runtime.
type Credentials struct {
	Username string
	Password string
}

// Event is one parsed SSE frame from the agent runtime.
type Event struct {
	Name string
	Data any
}

// Bridge opens and scans the /event stream.
type Bridge struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

// New builds a Bridge. readTimeout is the client timeout of each stream
// that Open starts: once it has elapsed since Open, reads of the body fail
// and Next returns false, so the caller reopens the stream and re-polls.
// Zero means no limit.
func New(baseURL string, creds Credentials, readTimeout time.Duration) *Bridge {
	return &Bridge{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: readTimeout},
	}
}

// Stream is a live connection to /event, scoped to directory.
type Stream struct {
	body    closer
	scanner *bufio.Scanner
}

type closer interface {
	Close() error
}

// Open connects to GET /event?directory=... and returns a Stream the
// caller must Close.
func (b *Bridge) Open(ctx context.Context, directory string) (*Stream, error) {
	endpoint := b.baseURL + "/event?" + url.Values{"directory": {directory}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if b.creds.Password != "" {
		req.SetBasicAuth(b.creds.Username, b.creds.Password)
	}

	res, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", res.StatusCode)
	}

	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Stream{body: res.Body, scanner: scanner}, nil
}

// Close releases the underlying HTTP response body.
func (s *Stream) Close() error { return s.body.Close() }

// Next scans forward to the next complete SSE frame, parsing its data
// payload as JSON when possible. It returns io.EOF-compatible false when
// the stream ends without another frame.
func (s *Stream) Next() (Event, bool) {
	var eventName string
	var dataLines []string

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			if len(dataLines) == 0 {
				continue
			}
			name := eventName
			if name == "" {
				name = "message"
			}
			payload := strings.Join(dataLines, "\n")
			return Event{Name: name, Data: parseJSON(payload)}, true
		}
		if strings.HasPrefix(trimmed, ":") {
			continue // comment / keep-alive
		}
		if rest, ok := strings.CutPrefix(trimmed, "event:"); ok {
			eventName = strings.TrimSpace(rest)
			continue
		}
		if rest, ok := strings.CutPrefix(trimmed, "data:"); ok {
			dataLines = append(dataLines, strings.TrimSpace(rest))
			continue
		}
	}
	return Event{}, false
}

func parseJSON(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// ContainsSessionID reports whether payload (decoded JSON, recursively)
// carries sessionID/session_id equal to sessionID anywhere within it.
func ContainsSessionID(payload any, sessionID string) bool {
	switch v := payload.(type) {
	case map[string]any:
		for _, key := range []string{"sessionID", "session_id"} {
			if s, ok := v[key].(string); ok && s == sessionID {
				return true
			}
		}
		for _, value := range v {
			if ContainsSessionID(value, sessionID) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if ContainsSessionID(item, sessionID) {
				return true
			}
		}
	}
	return false
}

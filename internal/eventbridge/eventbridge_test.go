package eventbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamNextParsesFramesAndSkipsKeepAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(": keep-alive\n\n"))
		_, _ = w.Write([]byte("event: session.idle\ndata: {\"sessionID\":\"sess-1\"}\n\n"))
		_, _ = w.Write([]byte("data: plain text payload\n\n"))
	}))
	defer srv.Close()

	b := New(srv.URL, Credentials{}, time.Second)
	stream, err := b.Open(context.Background(), "/work/job-1")
	require.NoError(t, err)
	defer stream.Close()

	ev, ok := stream.Next()
	require.True(t, ok)
	assert.Equal(t, "session.idle", ev.Name)
	assert.True(t, ContainsSessionID(ev.Data, "sess-1"))

	ev2, ok := stream.Next()
	require.True(t, ok)
	assert.Equal(t, "message", ev2.Name)
	assert.Equal(t, "plain text payload", ev2.Data)

	_, ok = stream.Next()
	assert.False(t, ok)
}

func TestOpenPropagatesBasicAuth(t *testing.T) {
	var gotUser, gotPass string
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, gotOK = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := New(srv.URL, Credentials{Username: "svc", Password: "secret"}, time.Second)
	stream, err := b.Open(context.Background(), "/work/job-1")
	require.NoError(t, err)
	defer stream.Close()

	assert.True(t, gotOK)
	assert.Equal(t, "svc", gotUser)
	assert.Equal(t, "secret", gotPass)
}

func TestOpenReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := New(srv.URL, Credentials{}, time.Second)
	_, err := b.Open(context.Background(), "/work/job-1")
	assert.Error(t, err)
}

func TestContainsSessionIDRecurses(t *testing.T) {
	payload := map[string]any{
		"items": []any{
			map[string]any{"session_id": "other"},
			map[string]any{"sessionID": "target"},
		},
	}
	assert.True(t, ContainsSessionID(payload, "target"))
	assert.False(t, ContainsSessionID(payload, "missing"))
}

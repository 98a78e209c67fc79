package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionReturnsID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session", r.URL.Path)
		assert.Equal(t, "/work/job-1", r.URL.Query().Get("directory"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "sess-1"})
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, time.Second)
	id, err := c.CreateSession(context.Background(), "/work/job-1", "job-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", id)
}

func TestCreateSessionMissingIDErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, time.Second)
	_, err := c.CreateSession(context.Background(), "/work/job-1", "job-1")
	assert.Error(t, err)
}

func TestDoJSONSetsBasicAuthWhenPasswordPresent(t *testing.T) {
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotOK = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{Username: "svc", Password: "secret"}, time.Second)
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, gotOK)
}

func TestDoJSONSkipsBasicAuthWhenNoPassword(t *testing.T) {
	var gotOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _, gotOK = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, time.Second)
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, gotOK)
}

func TestDoJSONWrapsNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, time.Second)
	_, err := c.Health(context.Background())
	require.Error(t, err)
	var statusErr *ErrHTTPStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
}

func TestListPermissionsDecodesTopLevelSessionID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]PermissionRequest{
			{ID: "req-1", SessionID: "sess-1", Permission: "file.write"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, Credentials{}, time.Second)
	perms, err := c.ListPermissions(context.Background(), "/work/job-1")
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "sess-1", perms[0].SessionID)
}

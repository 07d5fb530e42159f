package authn

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-platform/wazo-websocketd/internal/config"
)

func TestHTTPClient_GetToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token/abc", r.URL.Path)
		assert.Equal(t, "websocketd", r.URL.Query().Get("acl"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"uuid": "abc",
			"session_uuid": "sess-1",
			"acl": ["websocketd"],
			"metadata": {"uuid": "user-1", "tenant_uuid": "tenant-1", "purpose": "user", "admin": false},
			"utc_expires_at": "2030-01-01T00:00:00.000000"
		}`))
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv)
	token, err := client.GetToken(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", token.UserUUID)
	assert.Equal(t, "tenant-1", token.TenantUUID)
	assert.Equal(t, "sess-1", token.SessionUUID)
}

func TestHTTPClient_GetToken_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv)
	_, err := client.GetToken(context.Background(), "missing")
	assert.Error(t, err)
}

func TestHTTPClient_IsValidToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv)
	valid, err := client.IsValidToken(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestHTTPClient_IsValidToken_Revoked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv)
	valid, err := client.IsValidToken(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, valid)
}

func newTestHTTPClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return NewHTTPClient(config.Auth{Host: host, Port: port, HTTPS: false})
}

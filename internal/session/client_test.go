package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, srv *httptest.Server, mutate func(*HTTPConfig)) *HTTPSession {
	t.Helper()
	cfg := HTTPConfig{
		APIURL:      srv.URL + "/pje-comum-api/api",
		Cookies:     []*http.Cookie{{Name: CookieAccessToken, Value: "tok"}},
		AccessToken: "tok",
		XSRFToken:   "xsrf-1",
		Timeout:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewHTTPSession(cfg)
	require.NoError(t, err)
	return s
}

func TestHTTPSession_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pje-comum-api/api/pauta-usuarios-externos", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("numeroPagina"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "xsrf-1", r.Header.Get("X-XSRF-TOKEN"))
		c, err := r.Cookie(CookieAccessToken)
		if assert.NoError(t, err) {
			assert.Equal(t, "tok", c.Value)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"resultado":[],"totalRegistros":0}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, nil)
	body, err := s.Get(context.Background(), "/pauta-usuarios-externos", url.Values{"numeroPagina": {"2"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"resultado":[],"totalRegistros":0}`, string(body))
}

func TestHTTPSession_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestSession(t, srv, nil)
	_, err := s.Get(context.Background(), "x", nil)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode())
	assert.Contains(t, he.Body, "unavailable")
}

func TestHTTPSession_NotJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><form id="kc-form-login"></form></html>`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, nil)
	_, err := s.Get(context.Background(), "x", nil)
	require.ErrorIs(t, err, ErrNotJSON)

	var nj *NotJSONError
	require.ErrorAs(t, err, &nj)
	assert.Equal(t, "text/html", nj.ContentType)
	assert.Contains(t, string(nj.Body), "kc-form-login")
}

func TestHTTPSession_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s := newTestSession(t, srv, func(c *HTTPConfig) { c.Timeout = 20 * time.Millisecond })
	_, err := s.Get(context.Background(), "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestHTTPSession_Closed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Get(context.Background(), "x", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHTTPSession_RateLimitHonoursCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, func(c *HTTPConfig) { c.RequestsPerSecond = 0.001 })
	_, err := s.Get(context.Background(), "x", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Get(ctx, "x", nil)
	assert.Error(t, err)
}

func TestNewHTTPSession_InvalidURL(t *testing.T) {
	_, err := NewHTTPSession(HTTPConfig{APIURL: "not-a-url"})
	assert.Error(t, err)
}

func TestHTTPSession_Identity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s := newTestSession(t, srv, func(c *HTTPConfig) { c.Identity = Identity{LawyerID: 99} })
	assert.Equal(t, int64(99), s.Identity().LawyerID)
}

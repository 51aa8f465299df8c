package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent is sent on every API request.
const DefaultUserAgent = "Mozilla/5.0 (compatible; CourtCapture/1.0)"

// DefaultAPITimeout applies when HTTPConfig.Timeout is not set.
const DefaultAPITimeout = 30 * time.Second

// maxBodyBytes bounds a single API response.
const maxBodyBytes = 64 << 20

// Cookie names set by the PJE identity provider.
const (
	CookieAccessToken = "access_token"
	CookieXSRF        = "Xsrf-Token"
)

// HTTPConfig configures an HTTPSession.
type HTTPConfig struct {
	APIURL      string
	Cookies     []*http.Cookie
	AccessToken string
	XSRFToken   string
	Identity    Identity
	// Timeout bounds each request.
	Timeout time.Duration
	// RequestsPerSecond paces requests; zero disables pacing.
	RequestsPerSecond float64
	Transport         http.RoundTripper
	UserAgent         string
	Logger            *slog.Logger
}

// HTTPSession issues API calls with the cookies and token harvested at login.
type HTTPSession struct {
	base      *url.URL
	client    *http.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	token     string
	xsrf      string
	userAgent string
	identity  Identity
	logger    *slog.Logger
	closed    atomic.Bool
}

// NewHTTPSession builds a session from harvested login state.
func NewHTTPSession(cfg HTTPConfig) (*HTTPSession, error) {
	base, err := url.Parse(strings.TrimRight(cfg.APIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", cfg.APIURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	if len(cfg.Cookies) > 0 {
		jar.SetCookies(&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/"}, cfg.Cookies)
	}

	s := &HTTPSession{
		base:      base,
		client:    &http.Client{Jar: jar, Transport: cfg.Transport},
		timeout:   cfg.Timeout,
		token:     cfg.AccessToken,
		xsrf:      cfg.XSRFToken,
		userAgent: cfg.UserAgent,
		identity:  cfg.Identity,
		logger:    cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = DefaultAPITimeout
	}
	if s.userAgent == "" {
		s.userAgent = DefaultUserAgent
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return s, nil
}

// Get implements Session.
func (s *HTTPSession) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := *s.base
	u.Path = s.base.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if s.xsrf != "" {
		req.Header.Set("X-XSRF-TOKEN", s.xsrf)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	s.logger.DebugContext(ctx, "api request",
		"path", u.Path,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			Status: resp.StatusCode,
			Method: http.MethodGet,
			URL:    u.Path,
			Body:   excerpt(body, 256),
		}
	}
	if !json.Valid(body) {
		return nil, &NotJSONError{URL: u.Path, ContentType: resp.Header.Get("Content-Type"), Body: body}
	}
	return json.RawMessage(body), nil
}

// Identity implements Session.
func (s *HTTPSession) Identity() Identity {
	return s.identity
}

// Close implements Session. Further calls to Get fail with ErrClosed.
func (s *HTTPSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.client.CloseIdleConnections()
	return nil
}

func excerpt(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

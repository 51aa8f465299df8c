package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/vault"
)

// OTPProvider supplies one-time codes for identity providers that require 2FA.
// next may be empty; it is tried when current is rejected near a code rollover.
type OTPProvider interface {
	Codes(ctx context.Context, cred *vault.Credential) (current, next string, err error)
}

// BrowserConfig configures BrowserAuthenticator.
type BrowserConfig struct {
	Headless bool
	// ExecPath overrides the Chrome binary.
	ExecPath string
	// RequestsPerSecond paces the API session handed out after login.
	RequestsPerSecond float64
	OTP               OTPProvider
	Logger            *slog.Logger
}

// BrowserAuthenticator logs in through the tribunal's SSO page in headless Chrome,
// harvests the session cookies and closes the browser.
type BrowserAuthenticator struct {
	cfg    BrowserConfig
	logger *slog.Logger
}

// NewBrowserAuthenticator creates an authenticator.
func NewBrowserAuthenticator(cfg BrowserConfig) *BrowserAuthenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserAuthenticator{cfg: cfg, logger: logger}
}

const pollInterval = 500 * time.Millisecond

// Login implements Authenticator.
func (a *BrowserAuthenticator) Login(ctx context.Context, profile *tribunal.Profile, cred *vault.Credential, timeouts tribunal.Timeouts) (Session, error) {
	baseURL, err := url.Parse(profile.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL for %s: %w", profile.TribunalCode, err)
	}
	logger := a.logger.With("tribunal", profile.TribunalCode, "instance", profile.Instance)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", a.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if a.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(a.cfg.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	logger.InfoContext(ctx, "starting browser login")
	if err := a.submitCredentials(browserCtx, profile, cred, timeouts[tribunal.OpLogin]); err != nil {
		return nil, err
	}
	if err := a.completeOTP(browserCtx, profile, cred, timeouts[tribunal.OpLogin]); err != nil {
		return nil, err
	}
	if err := waitForHost(browserCtx, baseURL.Hostname(), timeouts[tribunal.OpRedirect]); err != nil {
		return nil, fmt.Errorf("waiting for redirect to %s: %w", baseURL.Hostname(), err)
	}

	idleCtx, cancel := context.WithTimeout(browserCtx, timeouts[tribunal.OpNetworkIdle])
	_ = chromedp.Run(idleCtx, chromedp.WaitReady("body", chromedp.ByQuery))
	cancel()

	var cookies []*network.Cookie
	harvestCtx, cancel := context.WithTimeout(browserCtx, timeouts[tribunal.OpNetworkIdle])
	defer cancel()
	err = chromedp.Run(harvestCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read session cookies: %w", err)
	}

	h, err := harvest(cookies)
	if err != nil {
		return nil, &AuthError{Tribunal: profile.TribunalCode, Reason: "no access token after login", Cause: err}
	}
	ident, err := ParseAccessToken(h.accessToken)
	if err != nil {
		return nil, &AuthError{Tribunal: profile.TribunalCode, Reason: "unreadable access token", Cause: err}
	}
	logger.InfoContext(ctx, "browser login complete", "lawyer_id", ident.LawyerID, "xsrf", h.xsrfToken != "")

	return NewHTTPSession(HTTPConfig{
		APIURL:            profile.APIURL,
		Cookies:           h.cookies,
		AccessToken:       h.accessToken,
		XSRFToken:         h.xsrfToken,
		Identity:          ident,
		Timeout:           timeouts[tribunal.OpAPI],
		RequestsPerSecond: a.cfg.RequestsPerSecond,
		Logger:            a.logger,
	})
}

func (a *BrowserAuthenticator) submitCredentials(ctx context.Context, profile *tribunal.Profile, cred *vault.Credential, timeout time.Duration) error {
	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := chromedp.Run(loginCtx,
		chromedp.Navigate(profile.LoginURL),
		chromedp.WaitVisible(SelectorSSOButton, chromedp.ByQuery),
		chromedp.Click(SelectorSSOButton, chromedp.ByQuery),
		chromedp.WaitVisible(SelectorUsername, chromedp.ByQuery),
		chromedp.SendKeys(SelectorUsername, cred.Username, chromedp.ByQuery),
		chromedp.WaitVisible(SelectorPassword, chromedp.ByQuery),
		// SendKeys needs a string; that copy and the DevTools message built from it
		// are outside what cred.Wipe can clear.
		chromedp.SendKeys(SelectorPassword, cred.Password(), chromedp.ByQuery),
		chromedp.Click(SelectorSubmit, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("login form for %s: %w", profile.TribunalCode, err)
	}

	page, err := currentPage(loginCtx)
	if err != nil {
		return err
	}
	if page.Rejected() && !page.OTPRequested {
		return &AuthError{Tribunal: profile.TribunalCode, Reason: page.ErrorMessage}
	}
	return nil
}

func (a *BrowserAuthenticator) completeOTP(ctx context.Context, profile *tribunal.Profile, cred *vault.Credential, timeout time.Duration) error {
	otpCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := currentPage(otpCtx)
	if err != nil {
		return err
	}
	if !page.OTPRequested {
		return nil
	}
	if a.cfg.OTP == nil {
		return &AuthError{Tribunal: profile.TribunalCode, Reason: "one-time code required but no OTP provider configured"}
	}

	current, next, err := a.cfg.OTP.Codes(otpCtx, cred)
	if err != nil {
		return fmt.Errorf("failed to obtain one-time code: %w", err)
	}

	for _, code := range []string{current, next} {
		if code == "" {
			continue
		}
		err := chromedp.Run(otpCtx,
			chromedp.WaitVisible(SelectorOTP, chromedp.ByQuery),
			chromedp.SetValue(SelectorOTP, "", chromedp.ByQuery),
			chromedp.SendKeys(SelectorOTP, code, chromedp.ByQuery),
			chromedp.Click(SelectorSubmit, chromedp.ByQuery),
			chromedp.Sleep(3*time.Second),
		)
		if err != nil {
			return fmt.Errorf("submitting one-time code: %w", err)
		}
		page, err = currentPage(otpCtx)
		if err != nil {
			// The page navigated away from the identity provider.
			return nil
		}
		if !page.Rejected() {
			return nil
		}
	}
	return &AuthError{Tribunal: profile.TribunalCode, Reason: "one-time code rejected: " + page.ErrorMessage}
}

func currentPage(ctx context.Context) (*LoginPage, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to read login page: %w", err)
	}
	return ParseLoginPage(html)
}

func waitForHost(ctx context.Context, host string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		var loc string
		if err := chromedp.Run(ctx, chromedp.Location(&loc)); err == nil && onTargetHost(loc, host) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// onTargetHost reports whether loc has left the SSO domain for the tribunal host.
func onTargetHost(loc, host string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	h := strings.ToLower(u.Hostname())
	host = strings.ToLower(host)
	if strings.HasPrefix(h, "sso.") {
		return false
	}
	return h == host || strings.HasSuffix(h, "."+host)
}

type harvested struct {
	accessToken string
	xsrfToken   string
	cookies     []*http.Cookie
}

var errNoAccessToken = errors.New("access_token cookie not found")

func harvest(cookies []*network.Cookie) (*harvested, error) {
	h := &harvested{cookies: make([]*http.Cookie, 0, len(cookies))}
	for _, c := range cookies {
		switch {
		case c.Name == CookieAccessToken:
			h.accessToken = c.Value
		case strings.EqualFold(c.Name, CookieXSRF):
			h.xsrfToken = c.Value
		}
		h.cookies = append(h.cookies, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	if h.accessToken == "" {
		return nil, errNoAccessToken
	}
	return h, nil
}

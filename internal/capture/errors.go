package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/court-capture/internal/retry"
	"github.com/jonathan/court-capture/internal/session"
	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/vault"
)

// Sentinels for errors.Is.
var (
	ErrMalformedResponse = errors.New("malformed upstream response")
	ErrCancelled         = errors.New("capture cancelled")
	ErrInvalidRequest    = errors.New("invalid capture request")
)

// excerptLimit bounds how much raw payload reaches logs and run summaries.
const excerptLimit = 512

// MalformedResponseError is an upstream shape violation. Payload keeps the raw body.
type MalformedResponseError struct {
	Page    int
	Reason  string
	Payload []byte
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response on page %d: %s", e.Page, e.Reason)
}

func (e *MalformedResponseError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// Excerpt returns a bounded, valid UTF-8 prefix of the payload.
func (e *MalformedResponseError) Excerpt() string {
	return truncate(string(e.Payload), excerptLimit)
}

// CancelledError reports a capture aborted by its caller.
type CancelledError struct {
	Page  int
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("capture cancelled at page %d: %v", e.Page, e.Cause)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// PageError attaches the page number to a fetch failure.
type PageError struct {
	Page int
	Err  error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Page, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// ErrorKind is the coarse category recorded on failed runs and mapped to HTTP statuses.
type ErrorKind string

// ErrorKind values
const (
	KindNotFound      ErrorKind = "not_found"
	KindAuth          ErrorKind = "auth_error"
	KindMalformed     ErrorKind = "malformed_response"
	KindHTTPTransient ErrorKind = "http_transient"
	KindCancelled     ErrorKind = "cancelled"
	KindValidation    ErrorKind = "validation"
	KindInternal      ErrorKind = "internal"
)

// Classify maps a pipeline error to its kind. Cancellation wins over everything else.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrInvalidRequest):
		return KindValidation
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, tribunal.ErrNotFound):
		return KindNotFound
	case errors.Is(err, session.ErrAuth):
		return KindAuth
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	}

	var sc retry.StatusCoder
	if errors.As(err, &sc) {
		switch code := sc.StatusCode(); {
		case code == http.StatusNotFound:
			return KindNotFound
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return KindAuth
		case retry.IsRetryableStatus(code):
			return KindHTTPTransient
		}
		return KindInternal
	}
	if retry.IsExhausted(err) || retry.IsRetryable(err) {
		return KindHTTPTransient
	}
	return KindInternal
}

// Redact renders err for persistence: every non-empty secret is masked and the
// message is bounded.
func Redact(err error, secrets ...string) string {
	if err == nil {
		return ""
	}
	return truncate(maskSecrets(secrets)(err.Error()), 2*excerptLimit)
}

func maskSecrets(secrets []string) func(string) string {
	return func(msg string) string {
		for _, s := range secrets {
			if s != "" {
				msg = strings.ReplaceAll(msg, s, "[REDACTED]")
			}
		}
		return msg
	}
}

// Summary is the structured failure record stored on a failed run.
func Summary(err error, secrets ...string) map[string]any {
	return SummaryWith(err, maskSecrets(secrets))
}

// SummaryWith is Summary with a caller-supplied scrub of every free-text field,
// such as vault.Credential.RedactFrom.
func SummaryWith(err error, redact func(string) string) map[string]any {
	s := map[string]any{
		"kind":  string(Classify(err)),
		"error": "",
	}
	if err != nil {
		s["error"] = truncate(redact(err.Error()), 2*excerptLimit)
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		s["page"] = malformed.Page
		s["payload_excerpt"] = redact(malformed.Excerpt())
	}
	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		s["page"] = cancelled.Page
	}
	var pageErr *PageError
	if errors.As(err, &pageErr) {
		s["page"] = pageErr.Page
	}
	if retry.IsExhausted(err) {
		s["retries_exhausted"] = true
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

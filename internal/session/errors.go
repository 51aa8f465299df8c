package session

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is.
var (
	ErrAuth    = errors.New("authentication rejected")
	ErrNotJSON = errors.New("response is not JSON")
	ErrClosed  = errors.New("session closed")
)

// AuthError indicates the tribunal rejected a login.
type AuthError struct {
	Tribunal string
	Reason   string
	Cause    error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("login to %s rejected: %s: %v", e.Tribunal, e.Reason, e.Cause)
	}
	return fmt.Sprintf("login to %s rejected: %s", e.Tribunal, e.Reason)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuth
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	Status int
	Method string
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Status)
}

// StatusCode exposes the status to retry classification.
func (e *HTTPError) StatusCode() int {
	return e.Status
}

// NotJSONError is a 2xx response whose body is not JSON, typically a login page
// served after the session expired.
type NotJSONError struct {
	URL         string
	ContentType string
	Body        []byte
}

func (e *NotJSONError) Error() string {
	return fmt.Sprintf("GET %s: response is not JSON (content-type %q)", e.URL, e.ContentType)
}

func (e *NotJSONError) Is(target error) bool {
	return target == ErrNotJSON
}

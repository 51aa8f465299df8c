// Package server provides the HTTP REST API for running and auditing captures.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/court-capture/internal/capture"
	"github.com/jonathan/court-capture/internal/tribunal"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var verr *ErrValidation
	if errors.As(err, &verr) {
		return http.StatusBadRequest
	}
	var mixed *tribunal.MixedAccessError
	if errors.As(err, &mixed) {
		return http.StatusConflict
	}

	switch capture.Classify(err) {
	case capture.KindValidation:
		return http.StatusBadRequest
	case capture.KindNotFound:
		return http.StatusNotFound
	case capture.KindAuth, capture.KindMalformed:
		// The court system rejected the login or answered garbage.
		return http.StatusBadGateway
	case capture.KindHTTPTransient, capture.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

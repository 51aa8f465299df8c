// Package session establishes authenticated sessions against court systems and
// issues API requests through them.
package session

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/vault"
)

// Identity is who the upstream system believes the session belongs to.
type Identity struct {
	LawyerID  int64     `json:"lawyer_id"`
	CPF       string    `json:"cpf,omitempty"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Session is an established login. It is used by one capture run and then closed.
type Session interface {
	// Get issues a GET against the profile's API root and returns the JSON body.
	Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
	Identity() Identity
	Close() error
}

// Authenticator logs in to a tribunal.
type Authenticator interface {
	Login(ctx context.Context, profile *tribunal.Profile, cred *vault.Credential, timeouts tribunal.Timeouts) (Session, error)
}

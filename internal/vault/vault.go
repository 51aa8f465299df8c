// Package vault stores per-lawyer court login secrets encrypted at rest and
// hands them out decrypted only for the duration of a single call.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Store is the backing table of sealed credentials.
type Store interface {
	// GetCredential returns the active record for key, or nil, nil when there is none.
	GetCredential(ctx context.Context, key Key) (*Record, error)
}

// Vault decrypts credentials on demand. It keeps no cache of decrypted secrets
// and is safe for concurrent use.
type Vault struct {
	store  Store
	cipher *Cipher
	logger *slog.Logger
}

// New creates a Vault.
func New(store Store, cipher *Cipher, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{store: store, cipher: cipher, logger: logger}
}

// Get returns the decrypted credential for key. Inactive or missing rows yield
// a *NotFoundError. The caller must Wipe the credential once the session is open.
func (v *Vault) Get(ctx context.Context, key Key) (*Credential, error) {
	rec, err := v.store.GetCredential(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if rec == nil || !rec.Active {
		return nil, &NotFoundError{Key: key}
	}

	plaintext, err := v.cipher.Open(key, rec.Sealed)
	if err != nil {
		v.logger.ErrorContext(ctx, "credential decrypt failed",
			"record_id", rec.ID, "lawyer_id", key.LawyerID, "tribunal", key.Tribunal, "instance", key.Instance)
		return nil, &DecryptError{Key: key, RecordID: rec.ID, Cause: err}
	}
	defer zero(plaintext)

	var s secret
	if err := json.Unmarshal(plaintext, &s); err != nil {
		// The json error may quote plaintext, so it is not wrapped.
		return nil, &DecryptError{Key: key, RecordID: rec.ID, Cause: fmt.Errorf("invalid secret payload")}
	}

	return &Credential{
		Key:      key,
		RecordID: rec.ID,
		Username: s.Username,
		password: []byte(s.Password),
	}, nil
}

// With decrypts the credential for key, passes it to fn and wipes it when fn returns.
func (v *Vault) With(ctx context.Context, key Key, fn func(*Credential) error) error {
	cred, err := v.Get(ctx, key)
	if err != nil {
		return err
	}
	defer cred.Wipe()
	return fn(cred)
}

// Seal encrypts a username/password pair for key, for the administrative write path.
func (v *Vault) Seal(key Key, username, password string) ([]byte, error) {
	plaintext, err := json.Marshal(secret{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("failed to encode secret: %w", err)
	}
	defer zero(plaintext)
	return v.cipher.Seal(key, plaintext)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

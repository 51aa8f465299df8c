package vault

import (
	"errors"
	"fmt"
)

// ErrNotFound matches any NotFoundError via errors.Is.
var ErrNotFound = errors.New("credential not found")

// NotFoundError indicates there is no active credential for a key.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("credential not found: %s", e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// DecryptError indicates a stored blob could not be opened, usually a master key
// misconfiguration. It never carries plaintext.
type DecryptError struct {
	Key      Key
	RecordID int64
	Cause    error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("failed to decrypt credential %d (%s): %v", e.RecordID, e.Key, e.Cause)
}

func (e *DecryptError) Unwrap() error {
	return e.Cause
}

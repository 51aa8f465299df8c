package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/court-capture/internal/types"
)

const redacted = "[REDACTED]"

// Key identifies a credential: one lawyer, one tribunal, one instance.
type Key struct {
	LawyerID int64          `json:"lawyer_id" validate:"required,gt=0"`
	Tribunal string         `json:"tribunal_code" validate:"required"`
	Instance types.Instance `json:"instance" validate:"required"`
}

// String returns the canonical form used as AEAD additional data.
func (k Key) String() string {
	return strconv.FormatInt(k.LawyerID, 10) + "|" + k.Tribunal + "|" + string(k.Instance)
}

// Record is a stored credential row. The secret only exists sealed.
type Record struct {
	ID         int64
	Key        Key
	Sealed     []byte
	Active     bool
	KeyVersion int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// secret is the plaintext sealed into Record.Sealed.
type secret struct {
	Username string `json:"u"`
	Password string `json:"p"`
}

// Credential is a decrypted login secret. It should live only as long as the
// call that establishes a session; Wipe zeroes the password buffer.
type Credential struct {
	Key      Key
	RecordID int64
	Username string
	password []byte
}

// Password returns the secret. It returns "" after Wipe. The returned string is
// a copy Wipe cannot clear; only the login form should ask for it. Use RedactFrom
// to scrub messages instead.
func (c *Credential) Password() string {
	return string(c.password)
}

// RedactFrom replaces the password and username in msg. The password is matched
// against its own buffer, so no string copy of it is made.
func (c *Credential) RedactFrom(msg string) string {
	if len(c.password) > 0 {
		msg = string(bytes.ReplaceAll([]byte(msg), c.password, []byte(redacted)))
	}
	if c.Username != "" {
		msg = strings.ReplaceAll(msg, c.Username, redacted)
	}
	return msg
}

// Wipe zeroes the password in place.
func (c *Credential) Wipe() {
	for i := range c.password {
		c.password[i] = 0
	}
	c.password = nil
}

// Wiped reports whether the password has been cleared.
func (c *Credential) Wiped() bool {
	return c.password == nil
}

func (c *Credential) String() string {
	return fmt.Sprintf("Credential{%s user=%s password=%s}", c.Key, c.Username, redacted)
}

func (c *Credential) GoString() string {
	return c.String()
}

// LogValue keeps the password out of structured logs.
func (c *Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("lawyer_id", c.Key.LawyerID),
		slog.String("tribunal", c.Key.Tribunal),
		slog.String("instance", string(c.Key.Instance)),
		slog.String("username", c.Username),
		slog.String("password", redacted),
	)
}

func (c *Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Key      Key    `json:"key"`
		Username string `json:"username"`
		Password string `json:"password"`
	}{c.Key, c.Username, redacted})
}

package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the length of a vault master key in bytes.
const MasterKeySize = 32

// blobVersion prefixes every sealed blob so the layout can evolve.
const blobVersion byte = 1

const hkdfInfo = "court-capture/vault/credential/v1"

var errShortBlob = errors.New("sealed blob too short")

// Cipher seals and opens credential secrets with XChaCha20-Poly1305.
// The AEAD key is derived from the master key with HKDF-SHA256; the
// canonical credential key is bound as additional data.
type Cipher struct {
	current  []byte
	previous []byte
}

// NewCipher builds a Cipher from a 32-byte master key. previous may be nil;
// when set, blobs that fail to open under the current key are retried with it.
func NewCipher(master, previous []byte) (*Cipher, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", MasterKeySize, len(master))
	}
	if previous != nil && len(previous) != MasterKeySize {
		return nil, fmt.Errorf("vault previous key must be %d bytes, got %d", MasterKeySize, len(previous))
	}

	c := &Cipher{}
	var err error
	if c.current, err = deriveKey(master); err != nil {
		return nil, err
	}
	if previous != nil {
		if c.previous, err = deriveKey(previous); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func deriveKey(master []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for the credential identified by key.
func (c *Cipher) Seal(key Key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.current)
	if err != nil {
		return nil, fmt.Errorf("failed to init aead: %w", err)
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = blobVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	nonce := out[1 : 1+aead.NonceSize()]
	return aead.Seal(out, nonce, plaintext, []byte(key.String())), nil
}

// Open decrypts a blob produced by Seal. The returned slice is owned by the caller.
func (c *Cipher) Open(key Key, blob []byte) ([]byte, error) {
	plaintext, err := open(c.current, key, blob)
	if err == nil || c.previous == nil || errors.Is(err, errShortBlob) {
		return plaintext, err
	}
	return open(c.previous, key, blob)
}

func open(derived []byte, key Key, blob []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to init aead: %w", err)
	}
	if len(blob) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, errShortBlob
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("unsupported blob version %d", blob[0])
	}
	nonce := blob[1 : 1+aead.NonceSize()]
	return aead.Open(nil, nonce, blob[1+aead.NonceSize():], []byte(key.String()))
}

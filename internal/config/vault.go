package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/jonathan/court-capture/internal/vault"
)

// VaultConfig holds the master keys used to seal credentials.
type VaultConfig struct {
	MasterKey []byte
	// PreviousKey is the key being rotated out. Blobs that fail to open under
	// MasterKey are retried with it. Optional.
	PreviousKey []byte
	// KeyVersion is stored with every newly sealed credential.
	KeyVersion int
}

// NewVaultConfig creates a vault configuration from environment variables.
// It reads VAULT_MASTER_KEY (required) and VAULT_PREVIOUS_KEY (optional), both
// base64-encoded 32-byte keys.
func NewVaultConfig() (*VaultConfig, error) {
	encoded := os.Getenv("VAULT_MASTER_KEY")
	if encoded == "" {
		return nil, fmt.Errorf("VAULT_MASTER_KEY is required but not set")
	}
	master, err := decodeKey("VAULT_MASTER_KEY", encoded)
	if err != nil {
		return nil, err
	}

	config := &VaultConfig{MasterKey: master, KeyVersion: 1}
	if v := os.Getenv("VAULT_KEY_VERSION"); v != "" {
		if config.KeyVersion, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid VAULT_KEY_VERSION: %w", err)
		}
	}
	if prev := os.Getenv("VAULT_PREVIOUS_KEY"); prev != "" {
		if config.PreviousKey, err = decodeKey("VAULT_PREVIOUS_KEY", prev); err != nil {
			return nil, err
		}
	}

	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// normalize validates the configuration.
func (c *VaultConfig) normalize() error {
	if len(c.MasterKey) != vault.MasterKeySize {
		return fmt.Errorf("VAULT_MASTER_KEY must decode to %d bytes, got: %d", vault.MasterKeySize, len(c.MasterKey))
	}
	if c.PreviousKey != nil && len(c.PreviousKey) != vault.MasterKeySize {
		return fmt.Errorf("VAULT_PREVIOUS_KEY must decode to %d bytes, got: %d", vault.MasterKeySize, len(c.PreviousKey))
	}
	if c.KeyVersion <= 0 {
		return fmt.Errorf("VAULT_KEY_VERSION must be positive, got: %d", c.KeyVersion)
	}
	return nil
}

// Cipher builds the vault cipher from the configured keys.
func (c *VaultConfig) Cipher() (*vault.Cipher, error) {
	return vault.NewCipher(c.MasterKey, c.PreviousKey)
}

func decodeKey(name, encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// The raw value is a secret and is left out of the message.
		return nil, fmt.Errorf("invalid %s: not valid base64", name)
	}
	return key, nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/court-capture/internal/types"
	"github.com/jonathan/court-capture/internal/vault"
)

// CredentialInfo is the listable metadata of a stored credential. It never
// carries the sealed blob.
type CredentialInfo struct {
	ID           int64          `json:"id"`
	LawyerID     int64          `json:"lawyer_id"`
	TribunalCode string         `json:"tribunal_code"`
	Instance     types.Instance `json:"instance"`
	Active       bool           `json:"active"`
	KeyVersion   int            `json:"key_version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// GetCredential returns the active credential for key, or nil, nil when there is
// none or it has been deactivated.
func (db *DB) GetCredential(ctx context.Context, key vault.Key) (*vault.Record, error) {
	rec := vault.Record{Key: key}
	err := db.pool.QueryRow(ctx,
		`SELECT id, sealed, active, key_version, created_at, updated_at
		 FROM court_credentials
		 WHERE lawyer_id = $1 AND tribunal_code = $2 AND instance = $3 AND active`,
		key.LawyerID, key.Tribunal, string(key.Instance),
	).Scan(&rec.ID, &rec.Sealed, &rec.Active, &rec.KeyVersion, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &rec, nil
}

// UpsertCredential stores a sealed secret for key, reactivating it if it was
// deactivated, and returns the row id.
func (db *DB) UpsertCredential(ctx context.Context, key vault.Key, sealed []byte, keyVersion int) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO court_credentials (lawyer_id, tribunal_code, instance, sealed, key_version)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (lawyer_id, tribunal_code, instance) DO UPDATE
		 SET sealed = EXCLUDED.sealed, key_version = EXCLUDED.key_version, active = TRUE, updated_at = NOW()
		 RETURNING id`,
		key.LawyerID, key.Tribunal, string(key.Instance), sealed, keyVersion,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert credential: %w", err)
	}
	return id, nil
}

// DeactivateCredential hides the credential from new captures without deleting it.
func (db *DB) DeactivateCredential(ctx context.Context, key vault.Key) error {
	result, err := db.pool.Exec(ctx,
		`UPDATE court_credentials SET active = FALSE, updated_at = NOW()
		 WHERE lawyer_id = $1 AND tribunal_code = $2 AND instance = $3 AND active`,
		key.LawyerID, key.Tribunal, string(key.Instance),
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate credential: %w", err)
	}
	if result.RowsAffected() == 0 {
		return &vault.NotFoundError{Key: key}
	}
	return nil
}

// ListCredentials lists credential metadata for a lawyer, or for everyone when
// lawyerID is 0.
func (db *DB) ListCredentials(ctx context.Context, lawyerID int64) ([]CredentialInfo, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, lawyer_id, tribunal_code, instance, active, key_version, created_at, updated_at
		 FROM court_credentials
		 WHERE $1 = 0 OR lawyer_id = $1
		 ORDER BY lawyer_id, tribunal_code, instance`,
		lawyerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialInfo
	for rows.Next() {
		var c CredentialInfo
		var instance string
		if err := rows.Scan(&c.ID, &c.LawyerID, &c.TribunalCode, &instance, &c.Active, &c.KeyVersion, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		c.Instance = types.Instance(instance)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return out, nil
}

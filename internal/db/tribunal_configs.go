package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/court-capture/internal/tribunal"
	"github.com/jonathan/court-capture/internal/types"
)

const profileColumns = `tribunal_code, instance, tribunal_name, system, access_mode,
	base_url, login_url, api_url, custom_timeouts, version, updated_at`

// GetProfile returns the profile serving code/instance. An exact instance row wins
// over a unified or single-endpoint row. Returns nil, nil when neither exists.
func (db *DB) GetProfile(ctx context.Context, code string, instance types.Instance) (*tribunal.Profile, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+profileColumns+`
		 FROM tribunal_configs
		 WHERE tribunal_code = $1 AND (instance = $2 OR access_mode IN ($3, $4))
		 ORDER BY (instance = $2) DESC
		 LIMIT 1`,
		code, string(instance), string(tribunal.AccessUnified), string(tribunal.AccessSingle),
	)
	p, err := scanProfile(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tribunal profile %s/%s: %w", code, instance, err)
	}
	return p, nil
}

// ListProfiles returns every profile ordered by code and instance.
func (db *DB) ListProfiles(ctx context.Context) ([]tribunal.Profile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM tribunal_configs ORDER BY tribunal_code, instance`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tribunal profiles: %w", err)
	}
	defer rows.Close()

	var out []tribunal.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tribunal profile: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tribunal profiles: %w", err)
	}
	return out, nil
}

// UpsertProfile validates and stores p, bumping its version on update. The
// returned profile carries the stored version and timestamp. A unified or
// single-endpoint profile cannot share a tribunal with other instance rows
// (*tribunal.MixedAccessError). Callers must invalidate the resolver cache for
// p.TribunalCode afterwards.
func (db *DB) UpsertProfile(ctx context.Context, p *tribunal.Profile) (*tribunal.Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	timeouts, err := encodeTimeouts(p.CustomTimeouts)
	if err != nil {
		return nil, err
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serializes writers of one tribunal, including the first insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, p.TribunalCode); err != nil {
		return nil, fmt.Errorf("failed to lock tribunal %s: %w", p.TribunalCode, err)
	}
	existing, err := profilesForCode(ctx, tx, p.TribunalCode)
	if err != nil {
		return nil, err
	}
	if err := tribunal.CheckAccessMix(p, existing); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO tribunal_configs (tribunal_code, instance, tribunal_name, system, access_mode,
			base_url, login_url, api_url, custom_timeouts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (tribunal_code, instance) DO UPDATE SET
			tribunal_name = EXCLUDED.tribunal_name,
			system = EXCLUDED.system,
			access_mode = EXCLUDED.access_mode,
			base_url = EXCLUDED.base_url,
			login_url = EXCLUDED.login_url,
			api_url = EXCLUDED.api_url,
			custom_timeouts = EXCLUDED.custom_timeouts,
			version = tribunal_configs.version + 1,
			updated_at = NOW()
		 RETURNING `+profileColumns,
		p.TribunalCode, string(p.Instance), p.TribunalName, p.System, string(p.AccessMode),
		p.BaseURL, p.LoginURL, p.APIURL, timeouts,
	)
	stored, err := scanProfile(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tribunal profile %s/%s: %w", p.TribunalCode, p.Instance, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tribunal profile %s/%s: %w", p.TribunalCode, p.Instance, err)
	}
	return stored, nil
}

func profilesForCode(ctx context.Context, tx pgx.Tx, code string) ([]tribunal.Profile, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+profileColumns+` FROM tribunal_configs WHERE tribunal_code = $1`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles of %s: %w", code, err)
	}
	defer rows.Close()

	var out []tribunal.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tribunal profile: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profiles of %s: %w", code, err)
	}
	return out, nil
}

func scanProfile(row pgx.Row) (*tribunal.Profile, error) {
	var p tribunal.Profile
	var instance, mode string
	var timeouts []byte
	if err := row.Scan(&p.TribunalCode, &instance, &p.TribunalName, &p.System, &mode,
		&p.BaseURL, &p.LoginURL, &p.APIURL, &timeouts, &p.Version, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Instance = types.Instance(instance)
	p.AccessMode = tribunal.AccessMode(mode)
	t, err := decodeTimeouts(timeouts)
	if err != nil {
		return nil, err
	}
	p.CustomTimeouts = t
	return &p, nil
}

// encodeTimeouts stores overrides as {"operation": milliseconds}; empty maps become NULL.
func encodeTimeouts(t tribunal.Timeouts) ([]byte, error) {
	if len(t) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal custom timeouts: %w", err)
	}
	return b, nil
}

func decodeTimeouts(b []byte) (tribunal.Timeouts, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var t tribunal.Timeouts
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("failed to parse custom timeouts: %w", err)
	}
	return t, nil
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/court-capture/internal/types"
)

// Default and maximum page sizes for ListCaptureRuns
const (
	DefaultRunListLimit = 50
	MaxRunListLimit     = 500
)

// ImmutableRunError is returned when a write would move a run backwards or touch a
// run that already finished.
type ImmutableRunError struct {
	ID     uuid.UUID
	Status types.RunStatus
}

func (e *ImmutableRunError) Error() string {
	return fmt.Sprintf("capture run %s cannot be updated to %s", e.ID, e.Status)
}

const runColumns = `id, kind, lawyer_id, tribunal_codes, instance, credential_ids, status,
	item_count, page_count, summary, error, started_at, finished_at, duration_ms`

// Record inserts run or updates the stored row. The update only applies while the
// stored status can still move to run.Status, so finished runs never change.
func (db *DB) Record(ctx context.Context, run *types.CaptureRun) error {
	var summary []byte
	if run.Summary != nil {
		b, err := json.Marshal(run.Summary)
		if err != nil {
			return fmt.Errorf("failed to marshal run summary: %w", err)
		}
		summary = b
	}
	credIDs := run.CredentialIDs
	if credIDs == nil {
		credIDs = []int64{}
	}

	result, err := db.pool.Exec(ctx,
		`INSERT INTO capture_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
			credential_ids = EXCLUDED.credential_ids,
			status = EXCLUDED.status,
			item_count = EXCLUDED.item_count,
			page_count = EXCLUDED.page_count,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms
		 WHERE (capture_runs.status = 'pending' AND EXCLUDED.status IN ('in_progress', 'failed'))
			OR (capture_runs.status = 'in_progress' AND EXCLUDED.status IN ('completed', 'failed'))`,
		run.ID, string(run.Kind), run.LawyerID, run.TribunalCodes, string(run.Instance), credIDs,
		string(run.Status), run.ItemCount, run.PageCount, summary, run.Error,
		run.StartedAt, run.FinishedAt, run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to record capture run %s: %w", run.ID, err)
	}
	if result.RowsAffected() == 0 {
		return &ImmutableRunError{ID: run.ID, Status: run.Status}
	}
	return nil
}

// GetCaptureRun retrieves a run by ID, or nil, nil when it does not exist.
func (db *DB) GetCaptureRun(ctx context.Context, id uuid.UUID) (*types.CaptureRun, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM capture_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get capture run: %w", err)
	}
	return run, nil
}

// RunFilters holds optional filters for listing capture runs
type RunFilters struct {
	LawyerID     int64
	TribunalCode string
	Kind         types.DatasetKind
	Status       types.RunStatus
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

func (f *RunFilters) normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultRunListLimit
	}
	if f.Limit > MaxRunListLimit {
		f.Limit = MaxRunListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// where builds the filter clause and its arguments.
func (f RunFilters) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.LawyerID != 0 {
		add("lawyer_id = $%d", f.LawyerID)
	}
	if f.TribunalCode != "" {
		add("$%d = ANY(tribunal_codes)", f.TribunalCode)
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		add("started_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("started_at < $%d", *f.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// RunPage is one page of ListCaptureRuns.
type RunPage struct {
	Runs   []types.CaptureRun `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ListCaptureRuns returns runs matching filters, newest first, with the total
// count of matches.
func (db *DB) ListCaptureRuns(ctx context.Context, filters RunFilters) (*RunPage, error) {
	filters.normalize()
	where, args := filters.where()

	page := &RunPage{Runs: []types.CaptureRun{}, Limit: filters.Limit, Offset: filters.Offset}
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM capture_runs`+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("failed to count capture runs: %w", err)
	}

	query := `SELECT ` + runColumns + ` FROM capture_runs` + where +
		fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	rows, err := db.pool.Query(ctx, query, append(args, filters.Limit, filters.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan capture run: %w", err)
		}
		page.Runs = append(page.Runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list capture runs: %w", err)
	}
	return page, nil
}

func scanRun(row pgx.Row) (*types.CaptureRun, error) {
	var run types.CaptureRun
	var kind, instance, status string
	var summary []byte
	if err := row.Scan(&run.ID, &kind, &run.LawyerID, &run.TribunalCodes, &instance, &run.CredentialIDs,
		&status, &run.ItemCount, &run.PageCount, &summary, &run.Error,
		&run.StartedAt, &run.FinishedAt, &run.DurationMs); err != nil {
		return nil, err
	}
	run.Kind = types.DatasetKind(kind)
	run.Instance = types.Instance(instance)
	run.Status = types.RunStatus(status)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to parse run summary: %w", err)
		}
	}
	return &run, nil
}

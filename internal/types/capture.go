// Package types provides type definitions shared across the capture pipeline packages.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Instance identifies the sub-jurisdiction of a tribunal a credential or profile belongs to.
type Instance string

// Instance values
const (
	InstanceFirstDegree  Instance = "primeiro_grau"
	InstanceSecondDegree Instance = "segundo_grau"
	InstanceSuperior     Instance = "tribunal_superior"
)

// Valid reports whether i is a known instance.
func (i Instance) Valid() bool {
	switch i {
	case InstanceFirstDegree, InstanceSecondDegree, InstanceSuperior:
		return true
	}
	return false
}

// ParseInstance accepts the canonical names plus the short degree numbers used by
// credential records ("1", "2").
func ParseInstance(s string) (Instance, error) {
	switch s {
	case "1":
		return InstanceFirstDegree, nil
	case "2":
		return InstanceSecondDegree, nil
	case "superior":
		return InstanceSuperior, nil
	}
	i := Instance(s)
	if !i.Valid() {
		return "", fmt.Errorf("unknown instance %q", s)
	}
	return i, nil
}

// DatasetKind names an upstream dataset the pipeline can capture.
type DatasetKind string

// DatasetKind values
const (
	KindHearingsScheduled DatasetKind = "hearings_scheduled"
	KindHearingsHeld      DatasetKind = "hearings_held"
	KindHearingsCancelled DatasetKind = "hearings_cancelled"
	KindPendingInDeadline DatasetKind = "pending_in_deadline"
	KindPendingNoDeadline DatasetKind = "pending_no_deadline"
	KindDocket            DatasetKind = "docket"
	KindArchived          DatasetKind = "archived"
)

// RunStatus is the lifecycle state of a capture run.
type RunStatus string

// RunStatus values
const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusInProgress || next == RunStatusFailed
	case RunStatusInProgress:
		return next == RunStatusCompleted || next == RunStatusFailed
	}
	return false
}

// CaptureRun is the audit record of one end-to-end capture.
type CaptureRun struct {
	ID            uuid.UUID      `json:"id"`
	Kind          DatasetKind    `json:"kind"`
	LawyerID      int64          `json:"lawyer_id"`
	TribunalCodes []string       `json:"tribunal_codes"`
	Instance      Instance       `json:"instance"`
	CredentialIDs []int64        `json:"credential_ids,omitempty"`
	Status        RunStatus      `json:"status"`
	ItemCount     int            `json:"item_count"`
	PageCount     int            `json:"page_count"`
	Summary       map[string]any `json:"summary,omitempty"`
	Error         *string        `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
}

// NewCaptureRun creates a pending run.
func NewCaptureRun(kind DatasetKind, lawyerID int64, tribunal string, instance Instance, now time.Time) *CaptureRun {
	return &CaptureRun{
		ID:            uuid.New(),
		Kind:          kind,
		LawyerID:      lawyerID,
		TribunalCodes: []string{tribunal},
		Instance:      instance,
		Status:        RunStatusPending,
		StartedAt:     now,
	}
}

// Transition moves the run to next, stamping finish time and duration on terminal states.
func (r *CaptureRun) Transition(next RunStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("capture run %s: invalid status transition %s -> %s", r.ID, r.Status, next)
	}
	r.Status = next
	if next.Terminal() {
		finished := now
		dur := now.Sub(r.StartedAt).Milliseconds()
		r.FinishedAt = &finished
		r.DurationMs = &dur
	}
	return nil
}

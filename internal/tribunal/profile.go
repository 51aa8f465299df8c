// Package tribunal resolves per-(tribunal, instance) connection profiles and the
// timeouts captures run under.
package tribunal

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/court-capture/internal/types"
)

// AccessMode says how a tribunal splits its login endpoints across instances.
type AccessMode string

// AccessMode values
const (
	// AccessFirstDegree and AccessSecondDegree profiles serve only their own instance.
	AccessFirstDegree  AccessMode = "primeiro_grau"
	AccessSecondDegree AccessMode = "segundo_grau"
	// AccessUnified serves every instance of the tribunal from one login.
	AccessUnified AccessMode = "unificado"
	// AccessSingle is a tribunal with a single endpoint and no instances.
	AccessSingle AccessMode = "unico"
)

// CollapsesInstances reports whether one profile answers for every instance.
func (m AccessMode) CollapsesInstances() bool {
	return m == AccessUnified || m == AccessSingle
}

// Operation is a step of a capture that has its own timeout.
type Operation string

// Operation values
const (
	OpLogin       Operation = "login"
	OpRedirect    Operation = "redirect"
	OpNetworkIdle Operation = "network_idle"
	OpAPI         Operation = "api"
)

// Operations lists every operation that needs an effective timeout.
var Operations = []Operation{OpLogin, OpRedirect, OpNetworkIdle, OpAPI}

// Timeouts maps operations to durations. It marshals as milliseconds.
type Timeouts map[Operation]time.Duration

func (t Timeouts) MarshalJSON() ([]byte, error) {
	ms := make(map[Operation]int64, len(t))
	for op, d := range t {
		ms[op] = d.Milliseconds()
	}
	return json.Marshal(ms)
}

func (t *Timeouts) UnmarshalJSON(data []byte) error {
	var ms map[Operation]int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	out := make(Timeouts, len(ms))
	for op, v := range ms {
		out[op] = time.Duration(v) * time.Millisecond
	}
	*t = out
	return nil
}

// MissingTimeoutError is returned when neither the profile nor the system defaults
// provide a positive timeout for an operation.
type MissingTimeoutError struct {
	Operation Operation
}

func (e *MissingTimeoutError) Error() string {
	return fmt.Sprintf("no timeout configured for operation %q", e.Operation)
}

// MixedAccessError is returned when a profile would leave a tribunal with both a
// unified (or single-endpoint) row and another instance row.
type MixedAccessError struct {
	Tribunal string
	Instance types.Instance
	Existing types.Instance
}

func (e *MixedAccessError) Error() string {
	return fmt.Sprintf("tribunal %s: profile for %s conflicts with existing %s profile; a unified or single-endpoint tribunal has exactly one profile",
		e.Tribunal, e.Instance, e.Existing)
}

// CheckAccessMix reports whether p can be stored next to existing. Rows for other
// tribunals and the row p replaces are ignored.
func CheckAccessMix(p *Profile, existing []Profile) error {
	for _, e := range existing {
		if e.TribunalCode != p.TribunalCode || e.Instance == p.Instance {
			continue
		}
		if p.AccessMode.CollapsesInstances() || e.AccessMode.CollapsesInstances() {
			return &MixedAccessError{Tribunal: p.TribunalCode, Instance: p.Instance, Existing: e.Instance}
		}
	}
	return nil
}

// Profile is the connection profile of one tribunal instance.
type Profile struct {
	TribunalCode   string         `json:"tribunal_code" yaml:"tribunal_code" validate:"required,max=16"`
	TribunalName   string         `json:"tribunal_name" yaml:"tribunal_name"`
	System         string         `json:"system" yaml:"system" validate:"required"`
	Instance       types.Instance `json:"instance" yaml:"instance" validate:"required,oneof=primeiro_grau segundo_grau tribunal_superior"`
	AccessMode     AccessMode     `json:"access_mode" yaml:"access_mode" validate:"required,oneof=primeiro_grau segundo_grau unificado unico"`
	BaseURL        string         `json:"base_url" yaml:"base_url" validate:"required,url"`
	LoginURL       string         `json:"login_url" yaml:"login_url" validate:"required,url"`
	APIURL         string         `json:"api_url" yaml:"api_url" validate:"required,url"`
	CustomTimeouts Timeouts       `json:"custom_timeouts,omitempty" yaml:"-"`
	Version        int            `json:"version" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"-"`
}

var validate = validator.New()

// Validate checks required fields and that overrides are positive.
func (p *Profile) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid profile %s/%s: %w", p.TribunalCode, p.Instance, err)
	}
	for op, d := range p.CustomTimeouts {
		if d <= 0 {
			return fmt.Errorf("invalid profile %s/%s: timeout for %s must be positive", p.TribunalCode, p.Instance, op)
		}
	}
	return nil
}

// Timeout returns the override for op, falling back to defaults. It never returns zero.
func (p *Profile) Timeout(op Operation, defaults Timeouts) (time.Duration, error) {
	if d, ok := p.CustomTimeouts[op]; ok && d > 0 {
		return d, nil
	}
	if d, ok := defaults[op]; ok && d > 0 {
		return d, nil
	}
	return 0, &MissingTimeoutError{Operation: op}
}

// EffectiveTimeouts resolves every operation in Operations.
func (p *Profile) EffectiveTimeouts(defaults Timeouts) (Timeouts, error) {
	out := make(Timeouts, len(Operations))
	var errs []error
	for _, op := range Operations {
		d, err := p.Timeout(op, defaults)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[op] = d
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.CustomTimeouts = maps.Clone(p.CustomTimeouts)
	return &cp
}

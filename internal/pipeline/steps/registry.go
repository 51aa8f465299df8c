// Package steps defines the ordered steps of a capture run and their dependencies.
package steps

import (
	"fmt"
	"slices"
)

// Step names
const (
	ResolveProfile = "resolve_profile"
	Login          = "login"
	FetchPages     = "fetch_pages"
	RecordRun      = "record_run"
)

// Step categories
const (
	CategorySetup   = "setup"
	CategoryCapture = "capture"
	CategoryAudit   = "audit"
)

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         string
	Category     string
	Dependencies []string
}

// StepRegistry holds all step definitions
var StepRegistry = map[string]StepDefinition{
	ResolveProfile: {Name: ResolveProfile, Category: CategorySetup},
	Login:          {Name: Login, Category: CategorySetup, Dependencies: []string{ResolveProfile}},
	FetchPages:     {Name: FetchPages, Category: CategoryCapture, Dependencies: []string{Login}},
	RecordRun:      {Name: RecordRun, Category: CategoryAudit},
}

// Order is the execution order of a successful run.
var Order = []string{ResolveProfile, Login, FetchPages, RecordRun}

// Position returns the 1-based position of step and the total step count.
func Position(step string) (int, int) {
	return slices.Index(Order, step) + 1, len(Order)
}

// Category returns the category of step, or "" when unknown.
func Category(step string) string {
	return StepRegistry[step].Category
}

// DependencyError indicates a step was started before its dependencies completed.
type DependencyError struct {
	Step    string
	Missing []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s missing dependencies: %v", e.Step, e.Missing)
}

// ValidateDependencies checks that every dependency of step is in completed.
func ValidateDependencies(step string, completed []string) error {
	def, ok := StepRegistry[step]
	if !ok {
		return fmt.Errorf("unknown step: %s", step)
	}
	var missing []string
	for _, dep := range def.Dependencies {
		if !slices.Contains(completed, dep) {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &DependencyError{Step: step, Missing: missing}
	}
	return nil
}

// Package schemas provides JSON Schema validation for upstream response payloads.
package schemas

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed page_envelope.schema.json
var pageEnvelopeSchema string

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	sb.WriteString("validation failed: ")
	for i, err := range ve.Errors {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return sb.String()
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Name  string
	Cause error
}

func (e *SchemaLoadError) Error() string {
	return fmt.Sprintf("failed to load schema %s: %v", e.Name, e.Cause)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

// Validator validates documents against one compiled schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles schemaContent.
func NewValidator(name, schemaContent string) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaContent))
	if err != nil {
		return nil, &SchemaLoadError{Name: name, Cause: err}
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a JSON document. Unparseable input is reported as a ValidationError
// at the root so callers see one error shape for every bad payload.
func (v *Validator) Validate(doc []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return &ValidationError{Errors: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

var (
	pageEnvelopeOnce      sync.Once
	pageEnvelopeValidator *Validator
	pageEnvelopeErr       error
)

// ValidatePageEnvelope checks the shape of a paginated upstream response.
func ValidatePageEnvelope(doc []byte) error {
	pageEnvelopeOnce.Do(func() {
		pageEnvelopeValidator, pageEnvelopeErr = NewValidator("page_envelope", pageEnvelopeSchema)
	})
	if pageEnvelopeErr != nil {
		return pageEnvelopeErr
	}
	return pageEnvelopeValidator.Validate(doc)
}

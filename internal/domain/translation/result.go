package translation

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// ErrRequiredEmpty marks a required element whose value or resource
// resolved to nothing.
var ErrRequiredEmpty = errors.New("required value is empty")

// ErrUnresolvedSchema is returned when a schema still carries extends or
// unresolved nested references.
var ErrUnresolvedSchema = errors.New("schema is not resolved")

// EvaluationError is a failure scoped to one element. Sibling elements are
// still evaluated.
type EvaluationError struct {
	// Schema is the URI of the schema the element belongs to.
	Schema string
	// Element is the dotted path of the element from the root schema.
	Element  string
	Required bool
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Schema, e.Element, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Result is the outcome of one evaluation. Output holds whatever was
// produced, even when evaluation failed, so it can be inspected.
type Result struct {
	// Output is the encoded output document: an HL7 message or a FHIR
	// bundle in JSON.
	Output []byte
	// Bundle is the decoded output of evaluators producing FHIR.
	Bundle map[string]interface{}
	Errors []*EvaluationError
}

// Failed reports whether a required element failed.
func (r *Result) Failed() bool {
	for _, e := range r.Errors {
		if e.Required {
			return true
		}
	}
	return false
}

// Err combines every element error, or returns nil.
func (r *Result) Err() error {
	var err error
	for _, e := range r.Errors {
		err = multierr.Append(err, e)
	}
	return err
}

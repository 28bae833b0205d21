package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSchemaNotFound is returned when a schema document does not exist.
var ErrSchemaNotFound = errors.New("schema not found")

// Violation is one configuration problem found while resolving a schema.
type Violation struct {
	// Path is the URI of the schema document the element belongs to.
	Path    string `json:"path"`
	Element string `json:"element,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Element == "" {
		return v.Path + ": " + v.Message
	}
	return v.Path + " [" + v.Element + "]: " + v.Message
}

// SchemaError lists every violation found while resolving a schema.
type SchemaError struct {
	Schema     string
	Violations []Violation
}

func (e *SchemaError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	noun := "violations"
	if len(parts) == 1 {
		noun = "violation"
	}
	return fmt.Sprintf("schema %s: %d %s: %s", e.Schema, len(parts), noun, strings.Join(parts, "; "))
}

// TransientError is a failure to fetch a schema document that may succeed
// on retry.
type TransientError struct {
	URI string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetching schema %s: %v", e.URI, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Temporary is always true.
func (e *TransientError) Temporary() bool { return true }

// IsTransient reports whether err, or an error it wraps, is temporary.
func IsTransient(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// AsSchemaError returns the SchemaError wrapped by err, if any.
func AsSchemaError(err error) (*SchemaError, bool) {
	var se *SchemaError
	ok := errors.As(err, &se)
	return se, ok
}

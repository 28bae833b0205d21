package filter

import (
	"errors"
	"fmt"
	"strings"
)

// CallError describes one bad filter call.
type CallError struct {
	// Location names where the call is configured, e.g.
	// "ca-dph.elr.qualityFilter[1]".
	Location string `json:"location"`
	Call     string `json:"call"`
	Message  string `json:"message"`
}

func (e CallError) String() string {
	if e.Location == "" {
		return fmt.Sprintf("%q: %s", e.Call, e.Message)
	}
	return fmt.Sprintf("%s %q: %s", e.Location, e.Call, e.Message)
}

// ConfigurationError lists every bad call found while compiling filters.
// It is reported at load time, never while rows are evaluated.
type ConfigurationError struct {
	Errors []CallError `json:"errors"`
}

func (e *ConfigurationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ce := range e.Errors {
		parts[i] = ce.String()
	}
	return fmt.Sprintf("filter configuration: %d errors: %s", len(e.Errors), strings.Join(parts, "; "))
}

// Add appends errors of another ConfigurationError, if err is one.
func (e *ConfigurationError) Add(err error) {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		e.Errors = append(e.Errors, ce.Errors...)
	}
}

// OrNil returns e, or nil when it holds no errors.
func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// AsConfigurationError unwraps a *ConfigurationError from err.
func AsConfigurationError(err error) (*ConfigurationError, bool) {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

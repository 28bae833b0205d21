// Package translation evaluates resolved schemas against input documents.
//
// Three evaluators share one element walker: FHIRToHL7Converter reads a FHIR
// bundle and builds an HL7 v2 message, HL7ToFHIRConverter reads an HL7 v2
// message and builds a FHIR bundle, and FHIRTransformer rewrites a FHIR
// bundle. Evaluation is a pure function of the schema, the input and the
// constants: inputs are never modified and no state is kept between calls.
package translation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// Evaluator converts an encoded input document with a resolved schema.
// Constants are literal values visible to expressions as %name; schema
// constants of the same name shadow them.
//
// The returned error reports problems with the call itself, such as an
// undecodable input or a schema of the wrong kind. Element failures are
// collected in Result.Errors.
type Evaluator interface {
	Kind() schema.Kind
	Evaluate(s *schema.Schema, input []byte, constants map[string]string) (*Result, error)
}

// Options configures an evaluator.
type Options struct {
	Logger zerolog.Logger
	// Now pins now() and today() in expressions. The zero value means the
	// wall clock, which makes results time dependent.
	Now time.Time

	engine *fhir.Engine
}

func (o Options) withDefaults() Options {
	if o.engine == nil {
		o.engine = fhir.NewEngine()
	}
	return o
}

// New returns the evaluator for kind.
func New(kind schema.Kind, opts Options) (Evaluator, error) {
	switch kind {
	case schema.KindFHIRToHL7:
		return NewFHIRToHL7Converter(opts), nil
	case schema.KindHL7ToFHIR:
		return NewHL7ToFHIRConverter(opts), nil
	case schema.KindFHIRTransform:
		return NewFHIRTransformer(opts), nil
	}
	return nil, fmt.Errorf("no evaluator for schema kind %q", kind)
}

// decodeBundle decodes a FHIR bundle in JSON.
func decodeBundle(input []byte) (map[string]interface{}, error) {
	doc, err := fhir.DecodeResource(input)
	if err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	if rt, _ := doc["resourceType"].(string); rt != "Bundle" {
		return nil, fmt.Errorf("decoding input: expected a Bundle, got %q", rt)
	}
	return doc, nil
}

// fhirNavigator exposes a FHIR bundle to expressions. The root focus is the
// bundle itself.
type fhirNavigator struct {
	bundle map[string]interface{}
}

func (n *fhirNavigator) env(w *walker, sc *scope) fhir.Env {
	return fhir.Env{
		Resource: sc.resource,
		Bundle:   n.bundle,
		Vars:     func(name string) ([]interface{}, error) { return w.variable(sc, name) },
		Now:      w.now,
	}
}

package translation

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// FHIRTransformer rewrites a copy of a FHIR bundle. Expressions see
// the copy as it is being changed, so later elements observe the writes of
// earlier ones.
type FHIRTransformer struct {
	opts Options
}

func NewFHIRTransformer(opts Options) *FHIRTransformer {
	return &FHIRTransformer{opts: opts.withDefaults()}
}

func (t *FHIRTransformer) Kind() schema.Kind { return schema.KindFHIRTransform }

func (t *FHIRTransformer) Evaluate(s *schema.Schema, input []byte, constants map[string]string) (*Result, error) {
	bundle, err := decodeBundle(input)
	if err != nil {
		return nil, err
	}
	return t.Transform(s, bundle, constants)
}

// Transform evaluates s against a deep copy of bundle. bundle itself is not
// modified.
func (t *FHIRTransformer) Transform(s *schema.Schema, bundle map[string]interface{}, constants map[string]string) (*Result, error) {
	if err := checkResolved(s, schema.KindFHIRTransform); err != nil {
		return nil, err
	}
	work := fhir.CopyResource(bundle)
	w := newWalker(schema.KindFHIRTransform, &t.opts, &fhirNavigator{bundle: work}, &bundleWriter{bundle: work})
	root := rootScope(constants, []interface{}{work}, work)
	w.run(s, root.with(s.Constants), "")

	out, err := json.Marshal(work)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	return &Result{Output: out, Bundle: work, Errors: w.errors}, nil
}

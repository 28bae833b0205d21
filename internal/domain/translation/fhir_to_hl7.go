package translation

import (
	"fmt"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// FHIRToHL7Converter builds an HL7 v2 message from a FHIR bundle.
type FHIRToHL7Converter struct {
	opts Options
}

func NewFHIRToHL7Converter(opts Options) *FHIRToHL7Converter {
	return &FHIRToHL7Converter{opts: opts.withDefaults()}
}

func (c *FHIRToHL7Converter) Kind() schema.Kind { return schema.KindFHIRToHL7 }

func (c *FHIRToHL7Converter) Evaluate(s *schema.Schema, input []byte, constants map[string]string) (*Result, error) {
	bundle, err := decodeBundle(input)
	if err != nil {
		return nil, err
	}
	return c.Convert(s, bundle, constants)
}

// Convert evaluates s against bundle. The message type and version come
// from the schema header.
func (c *FHIRToHL7Converter) Convert(s *schema.Schema, bundle map[string]interface{}, constants map[string]string) (*Result, error) {
	if err := checkResolved(s, schema.KindFHIRToHL7); err != nil {
		return nil, err
	}
	out := &hl7Writer{builder: hl7v2.NewBuilder(s.HL7Type, s.HL7Version)}
	w := newWalker(schema.KindFHIRToHL7, &c.opts, &fhirNavigator{bundle: bundle}, out)
	root := rootScope(constants, []interface{}{bundle}, bundle)
	w.run(s, root.with(s.Constants), "")
	return &Result{Output: out.builder.Encode(), Errors: w.errors}, nil
}

// hl7Writer writes leaf values at the element's hl7Spec field specs.
type hl7Writer struct {
	builder *hl7v2.Builder
}

func (h *hl7Writer) write(w *walker, sc *scope, e *schema.Element, values []interface{}) error {
	text, ok := fhir.Text(values[0])
	if !ok {
		return fmt.Errorf("value of type %T cannot be written to an HL7 field", values[0])
	}
	for _, raw := range e.HL7Spec {
		expanded, err := w.interpolate(sc, raw)
		if err != nil {
			return err
		}
		spec, err := schema.ParseHL7Anchor(expanded)
		if err != nil {
			return err
		}
		if err := h.builder.Set(spec, text); err != nil {
			return err
		}
	}
	return nil
}

func (h *hl7Writer) remove(*walker, *scope, *schema.Element) error {
	return fmt.Errorf("action %s is not supported for %s", schema.ActionDelete, schema.KindFHIRToHL7)
}

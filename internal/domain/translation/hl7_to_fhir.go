package translation

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// HL7ToFHIRConverter builds a FHIR message bundle from an HL7 v2 message.
type HL7ToFHIRConverter struct {
	opts Options
}

func NewHL7ToFHIRConverter(opts Options) *HL7ToFHIRConverter {
	return &HL7ToFHIRConverter{opts: opts.withDefaults()}
}

func (c *HL7ToFHIRConverter) Kind() schema.Kind { return schema.KindHL7ToFHIR }

func (c *HL7ToFHIRConverter) Evaluate(s *schema.Schema, input []byte, constants map[string]string) (*Result, error) {
	msg, err := hl7v2.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	return c.Convert(s, msg, constants)
}

// Convert evaluates s against msg. The bundle id is the message control id
// so repeated conversions of one message produce the same bundle.
func (c *HL7ToFHIRConverter) Convert(s *schema.Schema, msg *hl7v2.Message, constants map[string]string) (*Result, error) {
	if err := checkResolved(s, schema.KindHL7ToFHIR); err != nil {
		return nil, err
	}
	id := msg.ControlID
	if id == "" {
		id = "bundle"
	}
	bundle := fhir.NewBundle("message", id)
	w := newWalker(schema.KindHL7ToFHIR, &c.opts, &hl7Navigator{msg: msg, bundle: bundle}, &bundleWriter{bundle: bundle})
	root := rootScope(constants, []interface{}{msg}, nil)
	w.run(s, root.with(s.Constants), "")

	out, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	return &Result{Output: out, Bundle: bundle, Errors: w.errors}, nil
}

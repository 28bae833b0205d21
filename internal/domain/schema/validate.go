package schema

import (
	"regexp"

	gofhirpath "github.com/gofhir/fhirpath"
)

var constantNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// validate checks the flattened tree rooted at s and records every
// violation. depth is 0 for the root schema.
func (rs *resolution) validate(s *Schema, prefix string, depth int) {
	rs.validateHeader(s, depth)
	for _, name := range SortedKeys(s.Constants) {
		rs.validateConstant(s.URI, prefix, name, s.Constants[name])
	}

	seen := make(map[string]bool, len(s.Elements))
	for i, e := range s.Elements {
		p := joinLabel(prefix, label(e, i))
		if e.Name != "" {
			if seen[e.Name] {
				rs.violate(s.URI, p, "duplicate element name %q", e.Name)
			}
			seen[e.Name] = true
		}
		rs.validateElement(s.URI, p, e)
		if e.Schema != nil {
			rs.validate(e.Schema, p, depth+1)
		}
	}
}

func (rs *resolution) validateHeader(s *Schema, depth int) {
	if depth > 0 {
		fields := []struct{ name, value string }{
			{"hl7Type", s.HL7Type}, {"hl7Version", s.HL7Version}, {"fhirVersion", s.FHIRVersion},
		}
		for _, f := range fields {
			if f.value != "" {
				rs.violate(s.URI, "", "%s may only be set on the top-level schema", f.name)
			}
		}
		return
	}
	if rs.kind == KindFHIRToHL7 {
		if s.HL7Type == "" {
			rs.violate(s.URI, "", "hl7Type is required for %s schemas", rs.kind)
		}
		if s.HL7Version == "" {
			rs.violate(s.URI, "", "hl7Version is required for %s schemas", rs.kind)
		}
	}
	if s.HL7Type != "" {
		if err := CheckHL7Type(s.HL7Type); err != nil {
			rs.violate(s.URI, "", "hl7Type: %v", err)
		}
	}
	if s.HL7Version != "" {
		if err := CheckHL7Version(s.HL7Version); err != nil {
			rs.violate(s.URI, "", "hl7Version: %v", err)
		}
	}
	if s.FHIRVersion != "" {
		if err := CheckFHIRVersion(s.FHIRVersion); err != nil {
			rs.violate(s.URI, "", "fhirVersion: %v", err)
		}
	}
}

func (rs *resolution) validateConstant(uri, elem, name, expr string) {
	if !constantNamePattern.MatchString(name) {
		rs.violate(uri, elem, "invalid constant name %q", name)
	}
	rs.checkExpression(uri, elem, "constant "+name, expr)
}

func (rs *resolution) validateElement(uri, p string, e *Element) {
	hasSchema := e.SchemaRef != ""
	hasValue := len(e.Value) > 0
	action := e.EffectiveAction()

	if e.Action != "" && !e.Action.valid() {
		rs.violate(uri, p, "invalid action %q", e.Action)
		return
	}
	switch {
	case hasSchema && hasValue:
		rs.violate(uri, p, "schema and value are mutually exclusive")
	case !hasSchema && !hasValue && action != ActionDelete:
		rs.violate(uri, p, "element must define either schema or value")
	}
	if hasSchema && e.ValueSet != nil {
		rs.violate(uri, p, "valueSet requires a value, not a schema")
	}
	if e.ResourceIndex != "" {
		if e.Resource == "" {
			rs.violate(uri, p, "resourceIndex requires resource")
		}
		if !constantNamePattern.MatchString(e.ResourceIndex) {
			rs.violate(uri, p, "invalid resourceIndex name %q", e.ResourceIndex)
		}
	}

	switch action {
	case ActionApplySchema:
		if !hasSchema {
			rs.violate(uri, p, "action %s requires schema", action)
		}
	case ActionSet, ActionAppend:
		if hasSchema {
			rs.violate(uri, p, "action %s requires value, not schema", action)
		}
		if action == ActionAppend && rs.kind.HL7Output() {
			rs.violate(uri, p, "action %s is not supported for %s schemas", action, rs.kind)
		}
	case ActionDelete:
		if rs.kind != KindFHIRTransform {
			rs.violate(uri, p, "action %s is only supported for %s schemas", action, KindFHIRTransform)
		}
		if hasSchema || hasValue {
			rs.violate(uri, p, "action %s takes no schema or value", action)
		}
	}

	if e.Condition != "" {
		rs.checkExpression(uri, p, "condition", e.Condition)
	}
	if e.Resource != "" {
		rs.checkExpression(uri, p, "resource", e.Resource)
	}
	for _, v := range e.Value {
		rs.checkExpression(uri, p, "value", v)
	}
	for _, name := range SortedKeys(e.Constants) {
		rs.validateConstant(uri, p, name, e.Constants[name])
	}

	if e.IsLeaf() {
		rs.validateAnchor(uri, p, e, action)
	}
}

// validateAnchor checks the output location of a leaf element.
func (rs *resolution) validateAnchor(uri, p string, e *Element, action Action) {
	if rs.kind.HL7Output() {
		if len(e.HL7Spec) == 0 {
			rs.violate(uri, p, "hl7Spec is required")
		}
		for _, spec := range e.HL7Spec {
			if _, err := ParseHL7Anchor(zeroPlaceholders(spec)); err != nil {
				rs.violate(uri, p, "%v", err)
			}
		}
		if e.BundleProperty != "" {
			rs.violate(uri, p, "bundleProperty is not used by %s schemas", rs.kind)
		}
		return
	}

	if len(e.HL7Spec) > 0 {
		rs.violate(uri, p, "hl7Spec is not used by %s schemas", rs.kind)
	}
	if e.BundleProperty == "" {
		rs.violate(uri, p, "bundleProperty is required for action %s", action)
		return
	}
	bp, err := ParseBundleProperty(zeroPlaceholders(e.BundleProperty))
	if err != nil {
		rs.violate(uri, p, "%v", err)
		return
	}
	if rs.kind == KindHL7ToFHIR && bp.ResourceType == "" {
		rs.violate(uri, p, "bundleProperty %q: %s schemas must address resources by type", e.BundleProperty, rs.kind)
	}
}

// checkExpression compiles expr with the engine used at evaluation time.
// Expressions over FHIR input are also linted with the reference FHIRPath
// implementation; its findings are warnings only, since evaluation supports
// host functions it does not know.
func (rs *resolution) checkExpression(uri, elem, what, expr string) {
	if _, err := CompileExpression(rs.kind, expr); err != nil {
		rs.violate(uri, elem, "%s: %v", what, err)
		return
	}
	if rs.kind.HL7Input() {
		return
	}
	if _, err := gofhirpath.Compile(expr); err != nil {
		rs.warn(uri, elem, "%s %q: %v", what, expr, err)
	}
}

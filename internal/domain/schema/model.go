// Package schema loads transformation schemas, resolves their extends chains
// and nested schema references, and validates the flattened result.
//
// A resolved *Schema is immutable. It is shared read-only between concurrent
// translations and must never be modified after Resolve returns it.
package schema

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects the input and output document types a schema converts
// between. It drives expression compilation and output anchor validation.
type Kind string

const (
	KindFHIRToHL7     Kind = "fhir-to-hl7"
	KindHL7ToFHIR     Kind = "hl7-to-fhir"
	KindFHIRTransform Kind = "fhir-transform"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindFHIRToHL7, KindHL7ToFHIR, KindFHIRTransform}

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown schema kind %q", s)
}

// HL7Input reports whether expressions of this kind navigate an HL7 message.
func (k Kind) HL7Input() bool { return k == KindHL7ToFHIR }

// HL7Output reports whether elements of this kind write HL7 field specs.
func (k Kind) HL7Output() bool { return k == KindFHIRToHL7 }

// Action is what an element does to the output document.
type Action string

const (
	ActionSet         Action = "SET"
	ActionAppend      Action = "APPEND"
	ActionApplySchema Action = "APPLY_SCHEMA"
	ActionDelete      Action = "DELETE"
)

func (a Action) valid() bool {
	switch a {
	case ActionSet, ActionAppend, ActionApplySchema, ActionDelete:
		return true
	}
	return false
}

// StringList decodes from either a YAML scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// ValueSet remaps resolved values. Inline Values take precedence over the
// concepts of the referenced FHIR ValueSet resource.
type ValueSet struct {
	Values       map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	FHIRValueSet string            `yaml:"fhirValueSet,omitempty" json:"fhirValueSet,omitempty"`

	concepts map[string]string
}

// Lookup returns the mapping of value, or value itself when it is unmapped.
func (v *ValueSet) Lookup(value string) string {
	if v == nil {
		return value
	}
	if mapped, ok := v.Values[value]; ok {
		return mapped
	}
	if mapped, ok := v.concepts[value]; ok {
		return mapped
	}
	return value
}

// Len is the number of distinct mapped keys.
func (v *ValueSet) Len() int {
	if v == nil {
		return 0
	}
	n := len(v.Values)
	for k := range v.concepts {
		if _, ok := v.Values[k]; !ok {
			n++
		}
	}
	return n
}

func (v *ValueSet) clone() *ValueSet {
	if v == nil {
		return nil
	}
	return &ValueSet{
		Values:       copyMap(v.Values),
		FHIRValueSet: v.FHIRValueSet,
		concepts:     copyMap(v.concepts),
	}
}

// Element is one node of a schema. It is either a leaf producing a value or
// a branch delegating to a nested schema.
type Element struct {
	Name           string            `yaml:"name,omitempty" json:"name,omitempty"`
	Condition      string            `yaml:"condition,omitempty" json:"condition,omitempty"`
	Required       *bool             `yaml:"required,omitempty" json:"required,omitempty"`
	SchemaRef      string            `yaml:"schema,omitempty" json:"schemaRef,omitempty"`
	Resource       string            `yaml:"resource,omitempty" json:"resource,omitempty"`
	ResourceIndex  string            `yaml:"resourceIndex,omitempty" json:"resourceIndex,omitempty"`
	Value          StringList        `yaml:"value,omitempty" json:"value,omitempty"`
	HL7Spec        StringList        `yaml:"hl7Spec,omitempty" json:"hl7Spec,omitempty"`
	BundleProperty string            `yaml:"bundleProperty,omitempty" json:"bundleProperty,omitempty"`
	Action         Action            `yaml:"action,omitempty" json:"action,omitempty"`
	Constants      map[string]string `yaml:"constants,omitempty" json:"constants,omitempty"`
	ValueSet       *ValueSet         `yaml:"valueSet,omitempty" json:"valueSet,omitempty"`
	Debug          *bool             `yaml:"debug,omitempty" json:"debug,omitempty"`

	// Schema is the resolved nested schema, set by the resolver.
	Schema *Schema `yaml:"-" json:"schema,omitempty"`
}

// IsRequired reports whether an empty result is an error.
func (e *Element) IsRequired() bool { return e.Required != nil && *e.Required }

// IsDebug reports whether evaluation of the element is traced.
func (e *Element) IsDebug() bool { return e.Debug != nil && *e.Debug }

// IsLeaf reports whether the element produces a value itself.
func (e *Element) IsLeaf() bool { return e.SchemaRef == "" && e.Schema == nil }

// EffectiveAction is the declared action, or the one implied by the fields
// that are populated.
func (e *Element) EffectiveAction() Action {
	if e.Action != "" {
		return e.Action
	}
	if !e.IsLeaf() {
		return ActionApplySchema
	}
	return ActionSet
}

func (e *Element) clone() *Element {
	cp := *e
	cp.Value = append(StringList(nil), e.Value...)
	cp.HL7Spec = append(StringList(nil), e.HL7Spec...)
	cp.Constants = copyMap(e.Constants)
	cp.ValueSet = e.ValueSet.clone()
	if e.Required != nil {
		v := *e.Required
		cp.Required = &v
	}
	if e.Debug != nil {
		v := *e.Debug
		cp.Debug = &v
	}
	return &cp
}

// Schema is a transformation template. After resolution Extends is empty and
// every element's nested schema reference is resolved.
type Schema struct {
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Extends     string            `yaml:"extends,omitempty" json:"extends,omitempty"`
	Constants   map[string]string `yaml:"constants,omitempty" json:"constants,omitempty"`
	Elements    []*Element        `yaml:"elements,omitempty" json:"elements"`
	HL7Type     string            `yaml:"hl7Type,omitempty" json:"hl7Type,omitempty"`
	HL7Version  string            `yaml:"hl7Version,omitempty" json:"hl7Version,omitempty"`
	FHIRVersion string            `yaml:"fhirVersion,omitempty" json:"fhirVersion,omitempty"`

	// URI is the location the schema was loaded from.
	URI  string `yaml:"-" json:"uri"`
	Kind Kind   `yaml:"-" json:"kind"`
	// Revision identifies the content of every document the resolved tree
	// was built from. Only set on the root.
	Revision string `yaml:"-" json:"revision,omitempty"`
	// Warnings holds non-fatal lint findings. Only set on the root.
	Warnings []Violation `yaml:"-" json:"warnings,omitempty"`
}

// Decode parses a schema document.
func Decode(uri string, body []byte) (*Schema, error) {
	dec := yaml.NewDecoder(bytes.NewReader(body))
	dec.KnownFields(true)
	var s Schema
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", uri, err)
	}
	for i, e := range s.Elements {
		if e == nil {
			return nil, fmt.Errorf("decoding %s: elements[%d] is empty", uri, i)
		}
	}
	s.URI = uri
	if s.Name == "" {
		s.Name = strings.TrimSuffix(path.Base(uri), path.Ext(uri))
	}
	return &s, nil
}

// Element returns the first element named name, or nil.
func (s *Schema) Element(name string) *Element {
	for _, e := range s.Elements {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// ElementNames returns the element names in order, using "#i" for unnamed
// elements.
func (s *Schema) ElementNames() []string {
	out := make([]string, len(s.Elements))
	for i, e := range s.Elements {
		out[i] = label(e, i)
	}
	return out
}

// Walk visits every element of the tree depth first. elemPath is the dotted
// path of element labels from the root.
func (s *Schema) Walk(fn func(elemPath string, e *Element, depth int)) {
	s.walk("", 0, fn)
}

func (s *Schema) walk(prefix string, depth int, fn func(string, *Element, int)) {
	for i, e := range s.Elements {
		p := joinLabel(prefix, label(e, i))
		fn(p, e, depth)
		if e.Schema != nil {
			e.Schema.walk(p, depth+1, fn)
		}
	}
}

func (s *Schema) clone() *Schema {
	cp := *s
	cp.Constants = copyMap(s.Constants)
	cp.Elements = nil
	for _, e := range s.Elements {
		cp.Elements = append(cp.Elements, e.clone())
	}
	cp.Warnings = nil
	return &cp
}

func label(e *Element, i int) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("#%d", i)
}

func joinLabel(prefix, l string) string {
	if prefix == "" {
		return l
	}
	return prefix + "." + l
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package schema

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"
)

func boolPtr(b bool) *bool { return &b }

func TestMerge_ChildReplacesDiscriminator(t *testing.T) {
	parent := &Schema{Elements: []*Element{
		{Name: "obs", SchemaRef: "/obs.yml", Resource: "Observation", Required: boolPtr(true)},
		{Name: "status", Value: StringList{"status"}, BundleProperty: "%resource.status"},
	}}
	child := &Schema{Elements: []*Element{
		{Name: "obs", Value: StringList{"'none'"}},
		{Name: "status", SchemaRef: "/status.yml", Condition: "status.exists()"},
	}}
	out := Merge(parent, child)

	obs := out.Element("obs")
	if obs.SchemaRef != "" || len(obs.Value) != 1 {
		t.Errorf("child value must replace parent schema ref, got %+v", obs)
	}
	if obs.Resource != "Observation" || !obs.IsRequired() {
		t.Errorf("unset fields must be inherited, got %+v", obs)
	}
	status := out.Element("status")
	if status.SchemaRef != "/status.yml" || len(status.Value) != 0 {
		t.Errorf("child schema must replace parent value, got %+v", status)
	}
	if status.Condition != "status.exists()" || status.BundleProperty != "%resource.status" {
		t.Errorf("unexpected merged scalars %+v", status)
	}
}

func TestMerge_OverridesOnlySetScalars(t *testing.T) {
	parent := &Schema{HL7Type: "ORU^R01", HL7Version: "2.5.1", Elements: []*Element{
		{Name: "x", Value: StringList{"a"}, Required: boolPtr(true), Debug: boolPtr(true),
			Constants: map[string]string{"k": "'p'", "only": "'p'"},
			ValueSet:  &ValueSet{Values: map[string]string{"A": "1"}}},
	}}
	child := &Schema{HL7Version: "2.7", Elements: []*Element{
		{Name: "x", Required: boolPtr(false), Constants: map[string]string{"k": "'c'"},
			ValueSet: &ValueSet{Values: map[string]string{"B": "2"}}},
	}}
	out := Merge(parent, child)
	if out.HL7Type != "ORU^R01" || out.HL7Version != "2.7" {
		t.Errorf("unexpected header %s %s", out.HL7Type, out.HL7Version)
	}
	x := out.Element("x")
	if x.IsRequired() || !x.IsDebug() {
		t.Errorf("expected required=false debug=true, got %v %v", x.IsRequired(), x.IsDebug())
	}
	if x.Constants["k"] != "'c'" || x.Constants["only"] != "'p'" {
		t.Errorf("unexpected constants %v", x.Constants)
	}
	if x.ValueSet.Lookup("A") != "A" || x.ValueSet.Lookup("B") != "2" {
		t.Error("a child value set replaces the parent's")
	}
	if len(x.Value) != 1 || x.Value[0] != "a" {
		t.Errorf("expected inherited value, got %v", x.Value)
	}
}

func TestMerge_UnnamedChildElementsAppend(t *testing.T) {
	parent := &Schema{Elements: []*Element{{Value: StringList{"a"}}}}
	child := &Schema{Elements: []*Element{{Value: StringList{"b"}}}}
	if n := len(Merge(parent, child).Elements); n != 2 {
		t.Errorf("expected 2 elements, got %d", n)
	}
}

func randomSchema(r *rand.Rand, prefix string) *Schema {
	s := &Schema{Name: prefix, URI: prefix + ".yml", Constants: map[string]string{}}
	for i := 0; i < r.Intn(4); i++ {
		s.Constants[fmt.Sprintf("c%d", r.Intn(4))] = fmt.Sprintf("'%s%d'", prefix, i)
	}
	for i := 0; i < r.Intn(6); i++ {
		e := &Element{Name: fmt.Sprintf("e%d", r.Intn(5))}
		switch r.Intn(3) {
		case 0:
			e.SchemaRef = fmt.Sprintf("/%s-%d.yml", prefix, i)
		case 1:
			e.Value = StringList{fmt.Sprintf("v%d", r.Intn(9))}
		}
		if r.Intn(2) == 0 {
			e.Required = boolPtr(r.Intn(2) == 0)
		}
		if r.Intn(3) == 0 {
			e.Name = ""
		}
		if r.Intn(2) == 0 {
			e.Constants = map[string]string{"k": fmt.Sprintf("'%d'", i)}
		}
		s.Elements = append(s.Elements, e)
	}
	return s
}

func TestMerge_Deterministic(t *testing.T) {
	prop := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		parent, child := randomSchema(r, "p"), randomSchema(r, "c")
		parentBefore, childBefore := parent.clone(), child.clone()

		first, second := Merge(parent, child), Merge(parent, child)
		if !reflect.DeepEqual(first, second) {
			return false
		}
		// Inputs stay untouched.
		return reflect.DeepEqual(parent, parentBefore) && reflect.DeepEqual(child, childBefore)
	}
	if err := quick.Check(prop, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func TestMerge_KeepsParentOrder(t *testing.T) {
	prop := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		parent, child := randomSchema(r, "p"), randomSchema(r, "c")
		out := Merge(parent, child)
		if len(out.Elements) < len(parent.Elements) {
			return false
		}
		for i, e := range parent.Elements {
			if out.Elements[i].Name != e.Name {
				return false
			}
		}
		return true
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestResolve_SelfParentAlwaysRejected(t *testing.T) {
	prop := func(n uint16, depth uint8) bool {
		name := fmt.Sprintf("schemas/s%d", n)
		doc := fmt.Sprintf("extends: %s\nelements:\n  - name: e%d\n    value: id\n    bundleProperty: \"%%resource.id\"\n",
			"/"+name, depth)
		src := MapSource{name + ".yml": doc}
		_, err := NewResolver(src).Resolve(context.Background(), name, KindFHIRTransform)
		se, ok := AsSchemaError(err)
		return ok && strings.Contains(se.Error(), "extends cycle")
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

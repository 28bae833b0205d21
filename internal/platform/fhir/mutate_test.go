package fhir

import (
	"reflect"
	"testing"
)

func mustPath(t *testing.T, s string) PropertyPath {
	t.Helper()
	p, err := ParsePropertyPath(s)
	if err != nil {
		t.Fatalf("ParsePropertyPath(%q): %v", s, err)
	}
	return p
}

func TestParsePropertyPath(t *testing.T) {
	p := mustPath(t, "code.coding[2].system")
	if len(p) != 3 || p[1].Name != "coding" || p[1].Index != 2 || p[0].Index != -1 {
		t.Errorf("unexpected path %+v", p)
	}
	if p.String() != "code.coding[2].system" {
		t.Errorf("unexpected String() %q", p.String())
	}
	for _, bad := range []string{"", "a..b", "a[x]", "1a", "a[1"} {
		if _, err := ParsePropertyPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestWrite_SetCreatesIntermediates(t *testing.T) {
	r := map[string]interface{}{"resourceType": "Observation"}
	if err := Write(r, mustPath(t, "code.coding[1].code"), "94500-6", WriteSet); err != nil {
		t.Fatalf("Write: %v", err)
	}
	coding := r["code"].(map[string]interface{})["coding"].([]interface{})
	if len(coding) != 2 {
		t.Fatalf("expected 2 codings, got %d", len(coding))
	}
	if coding[1].(map[string]interface{})["code"] != "94500-6" {
		t.Errorf("unexpected coding %v", coding[1])
	}
	if !reflect.DeepEqual(coding[0], map[string]interface{}{}) {
		t.Errorf("expected empty filler object, got %v", coding[0])
	}
}

func TestWrite_SetDescendsIntoFirstListItem(t *testing.T) {
	r := samplePatient()
	if err := Write(r, mustPath(t, "name.family"), "Roe", WriteSet); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := evalString(t, r, "name.first().family"); got != "Roe" {
		t.Errorf("expected Roe, got %q", got)
	}
}

func TestWrite_Append(t *testing.T) {
	r := samplePatient()
	if err := Write(r, mustPath(t, "identifier"), map[string]interface{}{"value": "MRN1"}, WriteAppend); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(r, mustPath(t, "identifier"), map[string]interface{}{"value": "MRN2"}, WriteAppend); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := evalString(t, r, "identifier.value.join('|')"); got != "MRN1|MRN2" {
		t.Errorf("expected MRN1|MRN2, got %q", got)
	}
	if err := Write(r, mustPath(t, "gender"), "other", WriteAppend); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := len(r["gender"].([]interface{})); n != 2 {
		t.Errorf("expected scalar promoted to list of 2, got %d", n)
	}
}

func TestWrite_Delete(t *testing.T) {
	r := samplePatient()
	if err := Write(r, mustPath(t, "name[1]"), nil, WriteDelete); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n := len(r["name"].([]interface{})); n != 1 {
		t.Errorf("expected 1 name left, got %d", n)
	}
	if err := Write(r, mustPath(t, "address.district"), nil, WriteDelete); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := evalString(t, r, "address.district"); got != "" {
		t.Errorf("expected district removed, got %q", got)
	}
	// Deleting below a missing parent does nothing.
	if err := Write(r, mustPath(t, "contact[3].name"), nil, WriteDelete); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, ok := r["contact"]; ok {
		t.Error("delete must not create intermediates")
	}
}

func TestWrite_RejectsPrimitiveParent(t *testing.T) {
	r := samplePatient()
	if err := Write(r, mustPath(t, "gender.code"), "x", WriteSet); err == nil {
		t.Error("expected error descending into a primitive")
	}
}

package schema

import (
	"testing"
)

const resultStatusValueSet = `{
  "resourceType": "ValueSet",
  "url": "http://example.org/fhir/ValueSet/result-status",
  "status": "active",
  "compose": {
    "include": [{
      "system": "http://hl7.org/fhir/observation-status",
      "concept": [
        {"code": "final", "display": "F"},
        {"code": "preliminary", "display": "P"},
        {"code": "amended"}
      ]
    }]
  },
  "expansion": {
    "timestamp": "2024-01-01T00:00:00Z",
    "contains": [{
      "code": "corrected",
      "display": "C",
      "contains": [{"code": "cancelled", "display": "X"}]
    }]
  }
}`

func TestDecodeValueSet(t *testing.T) {
	concepts, err := decodeValueSet([]byte(resultStatusValueSet))
	if err != nil {
		t.Fatalf("decodeValueSet: %v", err)
	}
	want := map[string]string{"final": "F", "preliminary": "P", "corrected": "C", "cancelled": "X"}
	for k, v := range want {
		if concepts[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, concepts[k])
		}
	}
	if _, ok := concepts["amended"]; ok {
		t.Error("concepts without display must be skipped")
	}

	if _, err := decodeValueSet([]byte(`{"resourceType":"ValueSet","status":"draft"}`)); err == nil {
		t.Error("expected error for an empty value set")
	}
	if _, err := decodeValueSet([]byte(`{not json`)); err == nil {
		t.Error("expected parse error")
	}
}

func TestResolve_LoadsFHIRValueSet(t *testing.T) {
	src := MapSource{
		"transform/status.yml": `
elements:
  - name: status
    value: status
    bundleProperty: "%resource.status"
    valueSet:
      fhirValueSet: ../terminology/result-status
      values:
        final: FINAL
`,
		"terminology/result-status.json": resultStatusValueSet,
	}
	s := mustResolve(t, src, "transform/status", KindFHIRTransform)
	vs := s.Element("status").ValueSet
	if got := vs.Lookup("final"); got != "FINAL" {
		t.Errorf("inline values must win, got %q", got)
	}
	if got := vs.Lookup("preliminary"); got != "P" {
		t.Errorf("expected P from the FHIR value set, got %q", got)
	}
	if got := vs.Lookup("registered"); got != "registered" {
		t.Errorf("unmapped values pass through, got %q", got)
	}
	if vs.Len() != 4 {
		t.Errorf("expected 4 mapped codes, got %d", vs.Len())
	}

	delete(src, "terminology/result-status.json")
	_, err := resolve(t, src, "transform/status", KindFHIRTransform)
	expectViolation(t, err, "fhirValueSet /terminology/result-status.json")
}

func TestValueSet_NilLookup(t *testing.T) {
	var vs *ValueSet
	if vs.Lookup("x") != "x" || vs.Len() != 0 {
		t.Error("nil value set must pass values through")
	}
}

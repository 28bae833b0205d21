package fhir

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func mustEval(t *testing.T, expr string, focus []interface{}, env Env) []interface{} {
	t.Helper()
	x, err := Compile(expr)
	if err != nil {
		t.Fatalf("Compile(%q): %v", expr, err)
	}
	out, err := x.Evaluate(focus, env)
	if err != nil {
		t.Fatalf("Evaluate(%q): %v", expr, err)
	}
	return out
}

func evalOn(t *testing.T, resource map[string]interface{}, expr string) []interface{} {
	t.Helper()
	return mustEval(t, expr, []interface{}{resource}, Env{Resource: resource})
}

func evalString(t *testing.T, resource map[string]interface{}, expr string) string {
	t.Helper()
	out := evalOn(t, resource, expr)
	if len(out) == 0 {
		return ""
	}
	s, _ := toText(out[0])
	return s
}

func evalBool(t *testing.T, resource map[string]interface{}, expr string) bool {
	t.Helper()
	return truthy(evalOn(t, resource, expr))
}

func samplePatient() map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"id":           "pt-1",
		"birthDate":    "1980-05-15",
		"gender":       "female",
		"name": []interface{}{
			map[string]interface{}{"use": "official", "family": "Doe", "given": []interface{}{"Jane", "Q"}},
			map[string]interface{}{"use": "nickname", "given": []interface{}{"JD"}},
		},
		"address": []interface{}{
			map[string]interface{}{"state": "CO", "postalCode": "80202", "district": "Denver"},
		},
		"extension": []interface{}{
			map[string]interface{}{"url": "http://example.org/race", "valueString": "2106-3"},
		},
	}
}

func sampleLabBundle() map[string]interface{} {
	patient := samplePatient()
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "message",
		"entry": []interface{}{
			map[string]interface{}{"fullUrl": "Patient/pt-1", "resource": patient},
			map[string]interface{}{"fullUrl": "Observation/obs-1", "resource": map[string]interface{}{
				"resourceType": "Observation",
				"id":           "obs-1",
				"status":       "final",
				"subject":      map[string]interface{}{"reference": "Patient/pt-1"},
				"code": map[string]interface{}{"coding": []interface{}{
					map[string]interface{}{"system": "http://loinc.org", "code": "94500-6"},
				}},
				"valueCodeableConcept": map[string]interface{}{"coding": []interface{}{
					map[string]interface{}{"system": "http://snomed.info/sct", "code": "260373001"},
				}},
			}},
			map[string]interface{}{"fullUrl": "Observation/obs-2", "resource": map[string]interface{}{
				"resourceType":  "Observation",
				"id":            "obs-2",
				"status":        "preliminary",
				"valueQuantity": map[string]interface{}{"value": json.Number("13.50"), "unit": "g/dL"},
			}},
		},
	}
}

// ---------------------------------------------------------------------------
// Navigation
// ---------------------------------------------------------------------------

func TestFHIRPath_Navigation(t *testing.T) {
	p := samplePatient()
	tests := []struct {
		expr string
		want string
	}{
		{"Patient.birthDate", "1980-05-15"},
		{"birthDate", "1980-05-15"},
		{"name.family", "Doe"},
		{"name.given[1]", "Q"},
		{"name.where(use = 'nickname').given", "JD"},
		{"address.first().postalCode", "80202"},
		{"`gender`", "female"},
	}
	for _, tc := range tests {
		if got := evalString(t, p, tc.expr); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.expr, tc.want, got)
		}
	}
}

func TestFHIRPath_ResourceTypeMismatchIsEmpty(t *testing.T) {
	if out := evalOn(t, samplePatient(), "Observation.status"); len(out) != 0 {
		t.Errorf("expected empty result, got %v", out)
	}
}

func TestFHIRPath_ChoiceElements(t *testing.T) {
	bundle := sampleLabBundle()
	obs := Resources(bundle)[2]
	if got := evalString(t, obs, "value.unit"); got != "g/dL" {
		t.Errorf("expected choice navigation to valueQuantity, got %q", got)
	}
	if got := evalString(t, obs, "valueQuantity.value"); got != "13.50" {
		t.Errorf("expected json.Number text preserved, got %q", got)
	}
}

func TestFHIRPath_FocusSelectsMatchingResources(t *testing.T) {
	bundle := sampleLabBundle()
	out := mustEval(t, "Bundle.entry.resource.ofType(Observation)", []interface{}{bundle}, Env{Resource: bundle})
	if len(out) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(out))
	}
	second := out[1].(map[string]interface{})
	out = mustEval(t, "Observation.status", []interface{}{second}, Env{Resource: bundle})
	if len(out) != 1 || out[0] != "preliminary" {
		t.Errorf("expected status of the focused observation, got %v", out)
	}
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func TestFHIRPath_Operators(t *testing.T) {
	p := samplePatient()
	tests := []struct {
		expr string
		want bool
	}{
		{"gender = 'female'", true},
		{"gender != 'female'", false},
		{"gender ~ 'FEMALE'", true},
		{"birthDate < @2000-01-01", true},
		{"birthDate = @1980-05-15", true},
		{"name.count() = 2", true},
		{"name.count() >= 3", false},
		{"gender = 'female' and birthDate.exists()", true},
		{"gender = 'male' or name.exists()", true},
		{"gender = 'male' implies false", true},
		{"gender = 'female' xor true", false},
		{"'Jane' in name.given", true},
		{"name.given contains 'JD'", true},
		{"(1 + 2) * 3 = 9", true},
		{"7 div 2 = 3 and 7 mod 2 = 1", true},
		{"-5 < 0", true},
		{"'a' + 'b' = 'ab'", true},
		{"'a' & {} = 'a'", true},
		{"Patient is Patient", true},
		{"(name.given | name.given).count() = 3", true},
	}
	for _, tc := range tests {
		if got := evalBool(t, p, tc.expr); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.expr, tc.want, got)
		}
	}
}

func TestFHIRPath_EqualityWithEmptyIsEmpty(t *testing.T) {
	if out := evalOn(t, samplePatient(), "deceased = true"); len(out) != 0 {
		t.Errorf("expected empty, got %v", out)
	}
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

func TestFHIRPath_Functions(t *testing.T) {
	p := samplePatient()
	tests := []struct {
		expr string
		want string
	}{
		{"name.given.first()", "Jane"},
		{"name.given.last()", "JD"},
		{"name.given.skip(1).take(1)", "Q"},
		{"name.given.count()", "3"},
		{"name.given.join(',')", "Jane,Q,JD"},
		{"gender.upper()", "FEMALE"},
		{"gender.substring(0, 3)", "fem"},
		{"gender.length()", "6"},
		{"gender.replace('fe', '')", "male"},
		{"birthDate.replaceMatches('-', '')", "19800515"},
		{"birthDate.split('-')[0]", "1980"},
		{"birthDate.indexOf('05')", "5"},
		{"' x '.trim()", "x"},
		{"iif(gender = 'female', 'F', 'M')", "F"},
		{"extension('http://example.org/race').value", "2106-3"},
		{"'42'.toInteger() + 1", "43"},
		{"(2.5).round()", "3"},
		{"name.select(given.first()).first()", "Jane"},
		{"name.where(use = 'official').exists()", "true"},
		{"name.all(given.exists())", "true"},
		{"name.given.distinct().count()", "3"},
		{"{}.empty()", "true"},
	}
	for _, tc := range tests {
		if got := evalString(t, p, tc.expr); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.expr, tc.want, got)
		}
	}
}

func TestFHIRPath_SubstringOutOfRange(t *testing.T) {
	p := samplePatient()
	tests := []struct {
		expr string
		want string
	}{
		{"gender.substring(0, -3)", ""},
		{"gender.substring(2, 0)", ""},
		{"gender.substring(0, gender.length() - 10)", ""},
		{"gender.substring(-1, 2)", ""},
		{"gender.substring(6)", ""},
		{"gender.substring(4, 100)", "le"},
		{"gender.substring(1)", "emale"},
		{"name.given.skip(-2).first()", "Jane"},
		{"name.given.take(-1).count()", "0"},
		{"name.given[-1]", ""},
	}
	for _, tc := range tests {
		if got := evalString(t, p, tc.expr); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.expr, tc.want, got)
		}
	}
}

func TestFHIRPath_Resolve(t *testing.T) {
	bundle := sampleLabBundle()
	obs := Resources(bundle)[1]
	out := mustEval(t, "subject.resolve().name.family", []interface{}{obs}, Env{Resource: obs, Bundle: bundle})
	if len(out) != 1 || out[0] != "Doe" {
		t.Errorf("expected Doe, got %v", out)
	}
	out = mustEval(t, "subject.getId()", []interface{}{obs}, Env{Resource: obs})
	if len(out) != 1 || out[0] != "pt-1" {
		t.Errorf("expected pt-1, got %v", out)
	}
}

func TestFHIRPath_NowIsPinnedByEnv(t *testing.T) {
	pinned := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	out := mustEval(t, "now()", nil, Env{Now: pinned})
	if len(out) != 1 || !out[0].(time.Time).Equal(pinned) {
		t.Errorf("expected pinned time, got %v", out)
	}
	out = mustEval(t, "today()", nil, Env{Now: pinned})
	if got, _ := toText(out[0]); got != "2024-03-01" {
		t.Errorf("expected 2024-03-01, got %q", got)
	}
}

func TestFHIRPath_CustomFunctions(t *testing.T) {
	env := Env{Funcs: map[string]Func{
		"twice": func(focus []interface{}, _ [][]interface{}) ([]interface{}, error) {
			return append(append([]interface{}{}, focus...), focus...), nil
		},
	}}
	out := mustEval(t, "'x'.twice().count()", nil, env)
	if len(out) != 1 || out[0] != int64(2) {
		t.Errorf("expected 2, got %v", out)
	}
	x := MustCompile("'x'.nope()")
	if _, err := x.Evaluate(nil, Env{}); err == nil {
		t.Error("expected error for unknown function")
	}
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

func TestFHIRPath_Variables(t *testing.T) {
	p := samplePatient()
	vars := func(name string) ([]interface{}, error) {
		switch name {
		case "nameIndex":
			return []interface{}{int64(1)}, nil
		case "official":
			return []interface{}{"official"}, nil
		}
		return nil, ErrUnknownVariable
	}
	env := Env{Resource: p, Vars: vars}

	out := mustEval(t, "%resource.name[%nameIndex].given", []interface{}{p}, env)
	if len(out) != 1 || out[0] != "JD" {
		t.Errorf("expected JD, got %v", out)
	}
	out = mustEval(t, "name.where(use = %official).family", []interface{}{p}, env)
	if len(out) != 1 || out[0] != "Doe" {
		t.Errorf("expected Doe, got %v", out)
	}
	out = mustEval(t, "%'official'", nil, env)
	if len(out) != 1 || out[0] != "official" {
		t.Errorf("expected quoted variable lookup, got %v", out)
	}
	out = mustEval(t, "%loinc", nil, env)
	if len(out) != 1 || out[0] != "http://loinc.org" {
		t.Errorf("expected builtin loinc url, got %v", out)
	}

	x := MustCompile("%missing")
	_, err := x.Evaluate(nil, env)
	if !errors.Is(err, ErrUnknownVariable) {
		t.Errorf("expected ErrUnknownVariable, got %v", err)
	}
	if _, err := x.Evaluate(nil, Env{}); !errors.Is(err, ErrUnknownVariable) {
		t.Errorf("expected ErrUnknownVariable without resolver, got %v", err)
	}
}

func TestFHIRPath_ContextIsInitialFocus(t *testing.T) {
	p := samplePatient()
	name := evalOn(t, p, "name.first()")[0]
	out := mustEval(t, "%context.use", []interface{}{name}, Env{Resource: p})
	if len(out) != 1 || out[0] != "official" {
		t.Errorf("expected official, got %v", out)
	}
}

func TestExpression_VariablesAndFunctions(t *testing.T) {
	x := MustCompile("%a.where(code = %b).exists() and %a.count() > 0")
	vars := x.Variables()
	if len(vars) != 2 || vars[0] != "a" || vars[1] != "b" {
		t.Errorf("unexpected variables %v", vars)
	}
	fns := x.Functions()
	if len(fns) != 3 || fns[0] != "count" || fns[1] != "exists" || fns[2] != "where" {
		t.Errorf("unexpected functions %v", fns)
	}
}

// ---------------------------------------------------------------------------
// Edge cases
// ---------------------------------------------------------------------------

func TestFHIRPath_CompileErrors(t *testing.T) {
	for _, bad := range []string{"", "name.", "name.where(", "'open", "a = = b", "%", "$foo", "name[", "!x"} {
		if _, err := Compile(bad); err == nil {
			t.Errorf("expected compile error for %q", bad)
		}
	}
}

func TestFHIRPath_Comments(t *testing.T) {
	if got := evalString(t, samplePatient(), "gender // trailing\n"); got != "female" {
		t.Errorf("expected female, got %q", got)
	}
	if got := evalString(t, samplePatient(), "/* lead */ gender"); got != "female" {
		t.Errorf("expected female, got %q", got)
	}
}

func TestEngine_CachesCompiledExpressions(t *testing.T) {
	e := NewEngine()
	a, err := e.Compile("name.family")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	b, _ := e.Compile("name.family")
	if a != b {
		t.Error("expected cached expression")
	}
	s, err := e.EvaluateString(samplePatient(), "name.family")
	if err != nil || s != "Doe" {
		t.Errorf("expected Doe, got %q (%v)", s, err)
	}
	out, err := e.Evaluate(nil, "name")
	if err != nil || len(out) != 0 {
		t.Errorf("expected empty result for nil resource, got %v (%v)", out, err)
	}
	ok, err := e.EvaluateBool(samplePatient(), "gender = 'female'")
	if err != nil || !ok {
		t.Errorf("expected true, got %v (%v)", ok, err)
	}
}

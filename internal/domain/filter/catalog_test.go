package filter

import (
	"strings"
	"testing"
)

func row(t *testing.T, values map[string]string) Row {
	t.Helper()
	table, err := FromRecords([]map[string]string{values}, "message_id")
	if err != nil {
		t.Fatal(err)
	}
	return table.Row(0)
}

func keeps(t *testing.T, call string, r Row) bool {
	t.Helper()
	c, err := ParseCall(call)
	if err != nil {
		t.Fatal(err)
	}
	p, err := DefaultRegistry().Bind(c)
	if err != nil {
		t.Fatalf("Bind(%s): %v", call, err)
	}
	return p(r)
}

func TestCatalog_Predicates(t *testing.T) {
	r := row(t, map[string]string{
		"message_id":              "m1",
		"patient_dob":             "  ",
		"patient_state":           "CA",
		"patient_county":          "Alameda County",
		"ordering_facility_state": "NV",
		"testing_lab_clia":        "05D2222542",
		"reporting_facility_clia": "bad",
		"processing_mode_code":    "P",
		"specimen_type":           "nasal",
		"test_result_date":        "20240215103000-0800",
	})
	tests := []struct {
		call string
		want bool
	}{
		{"allowAll()", true},
		{"allowNone()", false},
		{"hasValidDataFor(message_id)", true},
		{"hasValidDataFor(message_id, patient_dob)", false},
		{"hasValidDataFor(no_such_column)", false},
		{"hasAtLeastOneOf(patient_dob, message_id)", true},
		{"hasAtLeastOneOf(patient_dob, no_such_column)", false},
		{"atLeastOneHasValue(patient_state, ordering_facility_state, NV)", true},
		{"atLeastOneHasValue(patient_state, TX)", false},
		{"isValidCLIA(reporting_facility_clia, testing_lab_clia)", true},
		{"isValidCLIA(reporting_facility_clia)", false},
		{"matches(specimen_type, oral, nas.*)", true},
		{"matches(specimen_type, nas)", false},
		{"matches(no_such_column, .*)", false},
		{"doesNotMatch(processing_mode_code, T, D)", true},
		{"doesNotMatch(processing_mode_code, P)", false},
		{"doesNotMatch(no_such_column, T)", false},
		{"orEquals(patient_state, TX, ordering_facility_state, NV)", true},
		{"orEquals(patient_state, TX)", false},
		{"filterByCounty(ca, alameda)", true},
		{"filterByCounty(CA, Alameda County)", true},
		{"filterByCounty(NV, Alameda)", false},
		{"inDateInterval(test_result_date, 2024-02-01, 2024-03-01)", true},
		{"inDateInterval(test_result_date, 2024-03-01, 2024-04-01)", false},
		{"inDateInterval(patient_dob, 2024-01-01, 2025-01-01)", false},
	}
	for _, tt := range tests {
		if got := keeps(t, tt.call, r); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.call, tt.want, got)
		}
	}
}

func TestCatalog_BindErrors(t *testing.T) {
	tests := map[string]string{
		"unknownFn(a)":                              "unknown filter function",
		"hasValidDataFor()":                         "takes one or more columns",
		"allowAll(x)":                               "takes no arguments",
		"matches(col, [)":                           "invalid pattern",
		"orEquals(a, b, c)":                         "column, value pairs",
		"filterByCounty(CA)":                        "a state and a county",
		"inDateInterval(d, x, 2024-01-01)":          "invalid start date",
		"inDateInterval(d, 2024-02-01, 2024-01-01)": "is not before",
	}
	for call, fragment := range tests {
		c, err := ParseCall(call)
		if err != nil {
			t.Fatal(err)
		}
		_, err = DefaultRegistry().Bind(c)
		if err == nil || !strings.Contains(err.Error(), fragment) {
			t.Errorf("%s: expected error containing %q, got %v", call, fragment, err)
		}
	}
}

func TestRegistry_Names(t *testing.T) {
	names := DefaultRegistry().Names()
	if len(names) != 11 || names[0] != "allowAll" {
		t.Errorf("unexpected catalog %v", names)
	}
	if DefaultRegistry().Version() != CatalogVersion {
		t.Error("unexpected version")
	}
}

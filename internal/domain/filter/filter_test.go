package filter

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/quick"
)

// stubRegistry has a predicate stub(name) keeping rows whose column name is
// "1", standing in for arbitrary row-dependent predicates.
var stubRegistry = NewRegistry("test",
	Definition{Name: AllowAll, Usage: "no arguments", Bind: constant(true)},
	Definition{Name: AllowNone, Usage: "no arguments", Bind: constant(false)},
	Definition{Name: "stub", MinArgs: 1, MaxArgs: 1, Usage: "a column", Bind: func(args []string) (Predicate, error) {
		return func(r Row) bool { v, _ := r.Get(args[0]); return v == "1" }, nil
	}},
)

const stubColumns = 6

func stubRow(t *testing.T, bits uint8) Row {
	t.Helper()
	rec := make(map[string]string, stubColumns)
	for i := 0; i < stubColumns; i++ {
		v := "0"
		if bits&(1<<i) != 0 {
			v = "1"
		}
		rec[fmt.Sprintf("c%d", i)] = v
	}
	table, err := FromRecords([]map[string]string{rec}, "")
	if err != nil {
		t.Fatal(err)
	}
	return table.Row(0)
}

func stubCalls(cols []uint8) []string {
	calls := make([]string, len(cols))
	for i, c := range cols {
		calls[i] = fmt.Sprintf("stub(c%d)", c%stubColumns)
	}
	return calls
}

func check(t *testing.T, calls []string, r Row) bool {
	t.Helper()
	f, err := Compile(stubRegistry, "test", calls)
	if err != nil {
		t.Fatal(err)
	}
	ok, _ := f.Check(r)
	return ok
}

func TestFilter_AndSemantics(t *testing.T) {
	prop := func(bits, a, b uint8) bool {
		r := stubRow(t, bits)
		f1 := stubCalls([]uint8{a})
		f2 := stubCalls([]uint8{b})
		both := append(append([]string{}, f1...), f2...)
		return check(t, both, r) == (check(t, f1, r) && check(t, f2, r))
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestFilter_AllowNoneAlwaysDrops(t *testing.T) {
	prop := func(bits uint8, cols []uint8, pos uint8) bool {
		calls := stubCalls(cols)
		at := int(pos) % (len(calls) + 1)
		calls = append(calls[:at], append([]string{"allowNone()"}, calls[at:]...)...)
		return !check(t, calls, stubRow(t, bits))
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestFilter_AllowAllAloneKeeps(t *testing.T) {
	prop := func(bits uint8) bool {
		return check(t, []string{"allowAll()"}, stubRow(t, bits))
	}
	if err := quick.Check(prop, nil); err != nil {
		t.Error(err)
	}
}

func TestFilter_EmptyKeeps(t *testing.T) {
	if !check(t, nil, stubRow(t, 0)) {
		t.Error("an empty filter must keep every row")
	}
}

func TestFilter_CheckReportsRejectingCall(t *testing.T) {
	f, err := Compile(stubRegistry, "test", []string{"stub(c0)", "stub(c1)", "stub(c2)"})
	if err != nil {
		t.Fatal(err)
	}
	ok, by := f.Check(stubRow(t, 0b101))
	if ok || by == nil || by.Raw != "stub(c1)" {
		t.Errorf("expected stub(c1) to reject, got %v %+v", ok, by)
	}
}

func TestCompile_CollectsEveryError(t *testing.T) {
	_, err := Compile(nil, "ca-dph.elr.qualityFilter", []string{
		"hasValidDataFor(message_id)",
		"noSuchFunction(x)",
		"matches(",
		"isValidCLIA()",
	})
	ce, ok := AsConfigurationError(err)
	if !ok {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	var locs []string
	for _, e := range ce.Errors {
		locs = append(locs, e.Location)
	}
	want := []string{"ca-dph.elr.qualityFilter[1]", "ca-dph.elr.qualityFilter[2]", "ca-dph.elr.qualityFilter[3]"}
	if !reflect.DeepEqual(locs, want) {
		t.Errorf("expected locations %v, got %v", want, locs)
	}
	if !strings.Contains(ce.Error(), `"noSuchFunction(x)"`) {
		t.Errorf("expected the offending call in %q", ce.Error())
	}
}

func TestApply_Scenario(t *testing.T) {
	table, err := FromRecords([]map[string]string{
		{"message_id": "m0", "patient_dob": "19800101"},
		{"message_id": "m1", "patient_dob": ""},
		{"message_id": "m2", "patient_dob": "19900101"},
	}, "message_id")
	if err != nil {
		t.Fatal(err)
	}
	f := MustCompile("hasValidDataFor(message_id)", "hasValidDataFor(patient_dob)")
	kept, audit := Apply(f, table.Rows(), AuditContext{Organization: "ca-dph", Receiver: "elr"})

	if len(kept) != 2 || kept[0].ID() != "m0" || kept[1].ID() != "m2" {
		t.Fatalf("expected m0 and m2 to survive, got %d rows", len(kept))
	}
	if len(audit) != 1 {
		t.Fatalf("expected one audit entry, got %v", audit)
	}
	want := "For ca-dph.elr, filter hasValidDataFor[patient_dob] filtered out item m1 at index 1"
	if audit[0].Message != want {
		t.Errorf("expected %q, got %q", want, audit[0].Message)
	}
	if audit[0].Function != "hasValidDataFor" || audit[0].Index != 1 {
		t.Errorf("unexpected entry %+v", audit[0])
	}
}

func TestApply_PreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	recs := make([]map[string]string, 50)
	for i := range recs {
		v := ""
		if rng.Intn(2) == 0 {
			v = "x"
		}
		recs[i] = map[string]string{"id": fmt.Sprint(i), "v": v}
	}
	table, err := FromRecords(recs, "id")
	if err != nil {
		t.Fatal(err)
	}
	kept, audit := Apply(MustCompile("hasValidDataFor(v)"), table.Rows(), AuditContext{})
	if len(kept)+len(audit) != table.Len() {
		t.Fatalf("rows lost: %d kept, %d audited", len(kept), len(audit))
	}
	for i := 1; i < len(kept); i++ {
		if kept[i].Index() <= kept[i-1].Index() {
			t.Fatal("kept rows out of order")
		}
	}
}

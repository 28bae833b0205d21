package filter

import (
	"reflect"
	"testing"
)

func TestParseCall(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
	}{
		{"allowAll()", "allowAll", nil},
		{"  hasValidDataFor(message_id)  ", "hasValidDataFor", []string{"message_id"}},
		{"matches(a, b ,c)", "matches", []string{"a", "b", "c"}},
		{"orEquals (x,1)", "orEquals", []string{"x", "1"}},
		{"matches(code, (A|B))", "matches", []string{"code", "(A|B)"}},
	}
	for _, tt := range tests {
		c, err := ParseCall(tt.in)
		if err != nil {
			t.Errorf("ParseCall(%q): %v", tt.in, err)
			continue
		}
		if c.Name != tt.name || !reflect.DeepEqual(c.Args, tt.args) {
			t.Errorf("ParseCall(%q) = %s %v, want %s %v", tt.in, c.Name, c.Args, tt.name, tt.args)
		}
	}
}

func TestParseCall_FlatCommaSplit(t *testing.T) {
	c, err := ParseCall(`matches(code, "a,b")`)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Args) != 3 {
		t.Errorf("expected quoted commas to split too, got %q", c.Args)
	}
}

func TestParseCall_Malformed(t *testing.T) {
	for _, in := range []string{"", "allowAll", "(a)", "f(a,,b)", "f(a", "9f()", "f(a) g()x"} {
		if _, err := ParseCall(in); err == nil {
			t.Errorf("ParseCall(%q): expected error", in)
		}
	}
}

func TestCall_String(t *testing.T) {
	c, _ := ParseCall("hasValidDataFor(a, b)")
	if got := c.String(); got != "hasValidDataFor[a, b]" {
		t.Errorf("got %q", got)
	}
	c, _ = ParseCall("allowNone()")
	if got := c.String(); got != "allowNone[]" {
		t.Errorf("got %q", got)
	}
}

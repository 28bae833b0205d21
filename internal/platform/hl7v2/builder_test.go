package hl7v2

import (
	"strings"
	"testing"
)

func mustSpec(t *testing.T, s string) FieldSpec {
	t.Helper()
	spec, err := ParseFieldSpec(s)
	if err != nil {
		t.Fatalf("ParseFieldSpec(%q): %v", s, err)
	}
	return spec
}

func TestParseFieldSpec(t *testing.T) {
	spec := mustSpec(t, "OBX(2)-5(1)-3-2")
	if spec.Segment != "OBX" || spec.Occurrence != 2 || spec.Field != 5 ||
		spec.Repetition != 1 || spec.Component != 3 || spec.SubComponent != 2 {
		t.Errorf("unexpected spec: %+v", spec)
	}
	if spec.String() != "OBX(2)-5(1)-3-2" {
		t.Errorf("expected canonical form, got %q", spec.String())
	}

	seg := mustSpec(t, "OBX")
	if !seg.SegmentOnly() {
		t.Error("expected segment-only spec")
	}

	for _, bad := range []string{"", "obx-5", "OBX-0", "OBX-5-0", "OBX-", "OBXX-1", "OBX-a"} {
		if _, err := ParseFieldSpec(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestBuilder_Encode(t *testing.T) {
	b := NewBuilder("ORU^R01^ORU_R01", "2.5.1")
	for spec, value := range map[string]string{
		"MSH-10":   "CTRL1",
		"PID-5-1":  "Doe",
		"PID-5-2":  "Jane",
		"PID-7":    "19800515",
		"OBX-5":    "13.5",
		"OBX(1)-5": "40.1",
	} {
		if err := b.Set(mustSpec(t, spec), value); err != nil {
			t.Fatalf("Set(%s): %v", spec, err)
		}
	}

	msg, err := Parse(b.Encode())
	if err != nil {
		t.Fatalf("encoded message does not parse: %v\n%s", err, b.Encode())
	}
	if msg.Type != "ORU^R01^ORU_R01" {
		t.Errorf("expected type ORU^R01^ORU_R01, got %q", msg.Type)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected version 2.5.1, got %q", msg.Version)
	}
	if msg.ControlID != "CTRL1" {
		t.Errorf("expected control id CTRL1, got %q", msg.ControlID)
	}
	if got := msg.Lookup(mustSpec(t, "PID-5-2")); got != "Jane" {
		t.Errorf("expected PID-5-2 Jane, got %q", got)
	}
	if n := len(msg.GetSegments("OBX")); n != 2 {
		t.Errorf("expected 2 OBX segments, got %d", n)
	}
	if !strings.HasPrefix(string(b.Encode()), "MSH|^~\\&|") {
		t.Errorf("unexpected MSH prefix: %q", b.Encode())
	}
}

func TestBuilder_SegmentOrderFollowsCreation(t *testing.T) {
	b := NewBuilder("ORU^R01", "2.5.1")
	_ = b.Set(mustSpec(t, "OBX-1"), "1")
	_ = b.Set(mustSpec(t, "PID-1"), "1")
	_ = b.Set(mustSpec(t, "OBX(1)-1"), "2")

	lines := strings.Split(string(b.Encode()), "\r")
	want := []string{"MSH", "OBX", "PID", "OBX"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d segments, got %d: %q", len(want), len(lines), lines)
	}
	for i, name := range want {
		if !strings.HasPrefix(lines[i], name) {
			t.Errorf("segment %d: expected %s, got %q", i, name, lines[i])
		}
	}
}

func TestBuilder_EscapesValues(t *testing.T) {
	b := NewBuilder("ORU^R01", "2.5.1")
	if err := b.Set(mustSpec(t, "NTE-3"), "a|b^c"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := b.Get(mustSpec(t, "NTE-3")); got != "a|b^c" {
		t.Errorf("expected unescaped round trip, got %q", got)
	}
	if !strings.Contains(string(b.Encode()), `a\F\b\S\c`) {
		t.Errorf("expected escaped value in %q", b.Encode())
	}
}

func TestBuilder_SubComponents(t *testing.T) {
	b := NewBuilder("ORU^R01", "2.5.1")
	_ = b.Set(mustSpec(t, "SPM-4-1-2"), "sub")
	if got := b.Get(mustSpec(t, "SPM-4-1-2")); got != "sub" {
		t.Errorf("expected sub, got %q", got)
	}
	if !strings.Contains(string(b.Encode()), "SPM||||&sub") {
		t.Errorf("unexpected encoding %q", b.Encode())
	}
}

func TestBuilder_RejectsFixedHeaderFields(t *testing.T) {
	b := NewBuilder("ORU^R01", "2.5.1")
	if err := b.Set(mustSpec(t, "MSH-2"), "x"); err == nil {
		t.Error("expected error writing MSH-2")
	}
	if err := b.Set(mustSpec(t, "PID"), "x"); err == nil {
		t.Error("expected error writing a segment-only spec")
	}
}

func TestBuilder_Deterministic(t *testing.T) {
	build := func() []byte {
		b := NewBuilder("ORU^R01", "2.5.1")
		_ = b.Set(mustSpec(t, "PID-3-1"), "MRN1")
		_ = b.Set(mustSpec(t, "PID-3(1)-1"), "MRN2")
		return b.Encode()
	}
	if string(build()) != string(build()) {
		t.Error("expected identical encodings")
	}
}

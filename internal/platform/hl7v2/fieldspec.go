package hl7v2

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FieldSpec addresses a value inside a message using the notation
// SEG[(occurrence)][-field[(repetition)][-component[-subcomponent]]].
// Segment occurrences and field repetitions are 0-based; field, component
// and subcomponent numbers are 1-based as in the HL7 standard.
//
//	PID-5-1        first component of the first PID-5 repetition
//	OBX(2)-5       OBX-5 of the third OBX segment
//	PID-3(1)-1     first component of the second PID-3 repetition
//	SPM-4-1-2      second subcomponent of SPM-4.1
type FieldSpec struct {
	Segment      string
	Occurrence   int
	Field        int
	Repetition   int
	Component    int
	SubComponent int
}

var fieldSpecPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{2})(?:\((\d+)\))?(?:-(\d+)(?:\((\d+)\))?(?:-(\d+)(?:-(\d+))?)?)?$`)

// ParseFieldSpec parses a field spec string.
func ParseFieldSpec(s string) (FieldSpec, error) {
	m := fieldSpecPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return FieldSpec{}, fmt.Errorf("hl7v2: invalid field spec %q", s)
	}
	spec := FieldSpec{Segment: m[1]}
	nums := []*int{&spec.Occurrence, &spec.Field, &spec.Repetition, &spec.Component, &spec.SubComponent}
	for i, target := range nums {
		raw := m[i+2]
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return FieldSpec{}, fmt.Errorf("hl7v2: invalid number in field spec %q: %w", s, err)
		}
		*target = n
	}
	if m[3] != "" && spec.Field == 0 {
		return FieldSpec{}, fmt.Errorf("hl7v2: field number must be >= 1 in %q", s)
	}
	if m[5] != "" && spec.Component == 0 {
		return FieldSpec{}, fmt.Errorf("hl7v2: component number must be >= 1 in %q", s)
	}
	if m[6] != "" && spec.SubComponent == 0 {
		return FieldSpec{}, fmt.Errorf("hl7v2: subcomponent number must be >= 1 in %q", s)
	}
	return spec, nil
}

// SegmentOnly reports whether the spec addresses whole segments.
func (f FieldSpec) SegmentOnly() bool {
	return f.Field == 0
}

// String renders the spec in canonical notation.
func (f FieldSpec) String() string {
	var b strings.Builder
	b.WriteString(f.Segment)
	if f.Occurrence > 0 {
		fmt.Fprintf(&b, "(%d)", f.Occurrence)
	}
	if f.Field == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, "-%d", f.Field)
	if f.Repetition > 0 {
		fmt.Fprintf(&b, "(%d)", f.Repetition)
	}
	if f.Component > 0 {
		fmt.Fprintf(&b, "-%d", f.Component)
		if f.SubComponent > 0 {
			fmt.Fprintf(&b, "-%d", f.SubComponent)
		}
	}
	return b.String()
}

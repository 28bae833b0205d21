package hl7v2

import (
	"fmt"
	"strings"
)

// Builder assembles an HL7v2 message field by field. Segments are emitted in
// the order they were first created, with MSH always first. Builders are not
// safe for concurrent use.
type Builder struct {
	segments []*Segment
}

// NewBuilder returns a builder with an MSH segment carrying the default
// encoding characters, the message type (MSH-9) and version (MSH-12).
func NewBuilder(messageType, version string) *Builder {
	b := &Builder{}
	msh := &Segment{Name: "MSH", Fields: []Field{
		{Value: "|", Components: []string{"|"}, Repeats: [][]string{{"|"}}},
		{Value: `^~\&`, Components: []string{`^~\&`}, Repeats: [][]string{{`^~\&`}}},
	}}
	b.segments = append(b.segments, msh)
	if messageType != "" {
		b.setRaw(msh, FieldSpec{Segment: "MSH", Field: 9}, messageType)
	}
	if version != "" {
		b.setRaw(msh, FieldSpec{Segment: "MSH", Field: 12}, version)
	}
	return b
}

// Set writes value at the position addressed by spec, creating segments,
// fields, repetitions and components as needed. Delimiter characters in
// value are escaped.
func (b *Builder) Set(spec FieldSpec, value string) error {
	if spec.SegmentOnly() {
		return fmt.Errorf("hl7v2: field spec %q does not address a field", spec.String())
	}
	if spec.Segment == "MSH" && spec.Field <= 2 {
		return fmt.Errorf("hl7v2: MSH-1 and MSH-2 are fixed")
	}
	seg := b.segment(spec.Segment, spec.Occurrence)
	b.setValue(seg, spec, Escape(value))
	return nil
}

// Get returns the unescaped value currently stored at spec.
func (b *Builder) Get(spec FieldSpec) string {
	n := 0
	for _, seg := range b.segments {
		if seg.Name != spec.Segment {
			continue
		}
		if n == spec.Occurrence {
			return seg.Lookup(spec)
		}
		n++
	}
	return ""
}

// segment returns the occurrence-th segment named name, appending empty
// segments until it exists.
func (b *Builder) segment(name string, occurrence int) *Segment {
	n := 0
	for _, seg := range b.segments {
		if seg.Name == name {
			if n == occurrence {
				return seg
			}
			n++
		}
	}
	var seg *Segment
	for ; n <= occurrence; n++ {
		seg = &Segment{Name: name}
		b.segments = append(b.segments, seg)
	}
	return seg
}

func (b *Builder) setRaw(seg *Segment, spec FieldSpec, raw string) {
	spec.Repetition = 0
	spec.Component = 0
	b.setValue(seg, spec, raw)
}

func (b *Builder) setValue(seg *Segment, spec FieldSpec, value string) {
	for len(seg.Fields) < spec.Field {
		seg.Fields = append(seg.Fields, Field{Repeats: [][]string{{""}}})
	}
	field := &seg.Fields[spec.Field-1]
	for len(field.Repeats) <= spec.Repetition {
		field.Repeats = append(field.Repeats, []string{""})
	}
	rep := field.Repeats[spec.Repetition]

	switch {
	case spec.Component == 0:
		// Escaped values never contain ^, so only raw header writes split.
		rep = strings.Split(value, "^")
	default:
		for len(rep) < spec.Component {
			rep = append(rep, "")
		}
		if spec.SubComponent == 0 {
			rep[spec.Component-1] = value
		} else {
			subs := strings.Split(rep[spec.Component-1], "&")
			for len(subs) < spec.SubComponent {
				subs = append(subs, "")
			}
			subs[spec.SubComponent-1] = value
			rep[spec.Component-1] = strings.Join(subs, "&")
		}
	}
	field.Repeats[spec.Repetition] = rep
	field.Components = field.Repeats[0]
	field.Value = encodeField(field)
}

func encodeField(f *Field) string {
	reps := make([]string, len(f.Repeats))
	for i, rep := range f.Repeats {
		reps[i] = strings.TrimRight(strings.Join(rep, "^"), "^")
	}
	return strings.TrimRight(strings.Join(reps, "~"), "~")
}

// Message returns a parsed view of the message built so far.
func (b *Builder) Message() (*Message, error) {
	return Parse(b.Encode())
}

// Encode renders the message with \r segment terminators. Trailing empty
// fields are trimmed.
func (b *Builder) Encode() []byte {
	lines := make([]string, 0, len(b.segments))
	for _, seg := range b.segments {
		lines = append(lines, encodeSegment(seg))
	}
	return []byte(strings.Join(lines, "\r"))
}

func encodeSegment(seg *Segment) string {
	var values []string
	start := 0
	if seg.Name == "MSH" {
		// MSH-1 is the separator itself; MSH-2 follows it directly.
		start = 1
	}
	for i := start; i < len(seg.Fields); i++ {
		values = append(values, seg.Fields[i].Value)
	}
	for len(values) > 0 && values[len(values)-1] == "" {
		values = values[:len(values)-1]
	}
	if len(values) == 0 {
		if seg.Name == "MSH" {
			return "MSH|"
		}
		return seg.Name
	}
	return seg.Name + "|" + strings.Join(values, "|")
}

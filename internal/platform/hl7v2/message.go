package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
// Component strings keep their subcomponent separators (&) and escape
// sequences; accessors unescape on the way out.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	segmentLines := splitSegments(string(raw))
	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	// First segment must be MSH
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	msg := &Message{}

	for _, line := range segmentLines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}

	return msg, nil
}

// splitSegments normalizes line endings and returns the non-empty segment lines.
func splitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH is special: the field separator (|) is MSH-1 itself.
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		rest := line[4:]
		parts := strings.Split(rest, fieldSep)

		// fields[0] = MSH-1 = "|", fields[1] = MSH-2 = encoding chars.
		seg.Fields = append(seg.Fields, Field{
			Value:      fieldSep,
			Components: []string{fieldSep},
			Repeats:    [][]string{{fieldSep}},
		})
		for i, part := range parts {
			if i == 0 {
				// Encoding characters must not be split on ^ or ~.
				seg.Fields = append(seg.Fields, Field{
					Value:      part,
					Components: []string{part},
					Repeats:    [][]string{{part}},
				})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(seg.Name) != 3 {
		return Segment{}, fmt.Errorf("invalid segment name %q", seg.Name)
	}

	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)

	if tsStr := msh.GetField(7); tsStr != "" {
		if t, err := ParseTimestamp(tsStr); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.ProcessingID = msh.GetField(11)
	m.Version = msh.GetField(12)

	return nil
}

// ParseTimestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss, YYYYMMDDHHmm
// or YYYYMMDD). Fractional seconds and timezone offsets are ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []*Segment {
	var result []*Segment
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			result = append(result, &m.Segments[i])
		}
	}
	return result
}

// Lookup returns the unescaped value addressed by spec, or "" when any part
// of the address does not exist.
func (m *Message) Lookup(spec FieldSpec) string {
	segs := m.GetSegments(spec.Segment)
	if spec.Occurrence >= len(segs) {
		return ""
	}
	return segs[spec.Occurrence].Lookup(spec)
}

// GetField returns the value of a field by 1-based index.
// For MSH, MSH-1 is Fields[0] (the field separator).
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return Unescape(field.Components[ci])
}

// Lookup returns the value addressed by spec within this segment. The
// segment name and occurrence of spec are ignored. A spec without a field
// number yields "".
func (s *Segment) Lookup(spec FieldSpec) string {
	idx := spec.Field - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]
	if s.Name == "MSH" && spec.Field <= 2 {
		return field.Value
	}
	if spec.Repetition >= len(field.Repeats) {
		return ""
	}
	rep := field.Repeats[spec.Repetition]
	if spec.Component == 0 {
		if len(rep) == 1 {
			return Unescape(rep[0])
		}
		return strings.Join(rep, "^")
	}
	ci := spec.Component - 1
	if ci >= len(rep) {
		return ""
	}
	comp := rep[ci]
	if spec.SubComponent == 0 {
		if !strings.Contains(comp, "&") {
			return Unescape(comp)
		}
		return comp
	}
	subs := strings.Split(comp, "&")
	si := spec.SubComponent - 1
	if si >= len(subs) {
		return ""
	}
	return Unescape(subs[si])
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

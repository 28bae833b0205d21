package translation

import (
	"fmt"
	"strings"

	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// hl7Navigator exposes an HL7 message to expressions through three host
// functions. Collections hold *hl7v2.Segment items and strings.
//
//	segment('OBX')     every OBX segment of the message
//	following('OBX')   OBX segments after each focus segment, up to the next
//	                   segment with the focus segment's name
//	field('PID-5-1')   value addressed by a field spec, read from the focus
//	                   segment when it has the spec's segment name, else
//	                   from the nearest preceding segment of that name, else
//	                   from the message
type hl7Navigator struct {
	msg *hl7v2.Message
	// bundle is the output being built, visible as %bundle.
	bundle map[string]interface{}
}

func (n *hl7Navigator) env(w *walker, sc *scope) fhir.Env {
	return fhir.Env{
		Bundle: n.bundle,
		Vars:   func(name string) ([]interface{}, error) { return w.variable(sc, name) },
		Funcs: map[string]fhir.Func{
			"segment":   n.segment,
			"following": n.following,
			"field": func(focus []interface{}, args [][]interface{}) ([]interface{}, error) {
				return n.field(w, sc, focus, args)
			},
		},
		Now: w.now,
	}
}

func textArg(fn string, args [][]interface{}) (string, error) {
	if len(args) != 1 || len(args[0]) != 1 {
		return "", fmt.Errorf("%s() takes one argument", fn)
	}
	s, ok := args[0][0].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%s() argument must be a non-empty string", fn)
	}
	return s, nil
}

func (n *hl7Navigator) segment(_ []interface{}, args [][]interface{}) ([]interface{}, error) {
	name, err := textArg("segment", args)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, seg := range n.msg.GetSegments(name) {
		out = append(out, seg)
	}
	return out, nil
}

func (n *hl7Navigator) indexOf(seg *hl7v2.Segment) int {
	for i := range n.msg.Segments {
		if &n.msg.Segments[i] == seg {
			return i
		}
	}
	return -1
}

func (n *hl7Navigator) following(focus []interface{}, args [][]interface{}) ([]interface{}, error) {
	name, err := textArg("following", args)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	for _, item := range focus {
		seg, ok := item.(*hl7v2.Segment)
		if !ok {
			continue
		}
		start := n.indexOf(seg)
		if start < 0 {
			continue
		}
		for j := start + 1; j < len(n.msg.Segments); j++ {
			next := &n.msg.Segments[j]
			if next.Name == seg.Name {
				break
			}
			if next.Name == name {
				out = append(out, next)
			}
		}
	}
	return out, nil
}

func (n *hl7Navigator) field(w *walker, sc *scope, focus []interface{}, args [][]interface{}) ([]interface{}, error) {
	raw, err := textArg("field", args)
	if err != nil {
		return nil, err
	}
	text, err := w.interpolate(sc, raw)
	if err != nil {
		return nil, err
	}
	spec, err := hl7v2.ParseFieldSpec(text)
	if err != nil {
		return nil, err
	}
	explicit := strings.HasPrefix(strings.TrimSpace(text)[3:], "(")

	var out []interface{}
	relative := false
	for _, item := range focus {
		seg, ok := item.(*hl7v2.Segment)
		if !ok {
			continue
		}
		relative = true
		if target := n.relativeSegment(seg, spec, explicit); target != nil {
			out = appendLookup(out, target, spec)
		}
	}
	if relative {
		return out, nil
	}

	segs := n.msg.GetSegments(spec.Segment)
	if spec.Occurrence >= len(segs) {
		return nil, nil
	}
	return appendLookup(nil, segs[spec.Occurrence], spec), nil
}

// relativeSegment picks the segment a field spec refers to from the point of
// view of seg.
func (n *hl7Navigator) relativeSegment(seg *hl7v2.Segment, spec hl7v2.FieldSpec, explicit bool) *hl7v2.Segment {
	if explicit {
		segs := n.msg.GetSegments(spec.Segment)
		if spec.Occurrence < len(segs) {
			return segs[spec.Occurrence]
		}
		return nil
	}
	if seg.Name == spec.Segment {
		return seg
	}
	for i := n.indexOf(seg) - 1; i >= 0; i-- {
		if n.msg.Segments[i].Name == spec.Segment {
			return &n.msg.Segments[i]
		}
	}
	return n.msg.GetSegment(spec.Segment)
}

func appendLookup(out []interface{}, seg *hl7v2.Segment, spec hl7v2.FieldSpec) []interface{} {
	if spec.SegmentOnly() {
		return append(out, seg)
	}
	if v := seg.Lookup(spec); v != "" {
		out = append(out, v)
	}
	return out
}

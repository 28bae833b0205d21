// Package filter decides which rows of a report reach a receiver.
//
// A filter is an ordered list of calls such as "hasValidDataFor(message_id)"
// naming predicates from a fixed catalog. A row survives a filter when every
// call accepts it. Receivers carry four filters (jurisdictional, quality,
// routing and processing mode) that inherit from the organization and then
// from per-topic defaults when unset.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Call is one parsed filter call.
type Call struct {
	Name string
	Args []string
	// Raw is the call string as configured.
	Raw string
}

var callPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)\s*\((.*)\)$`)

// ParseCall parses "name(arg1, arg2)". Arguments are split on every comma and
// trimmed; quoting is not supported. "name()" has no arguments.
func ParseCall(s string) (Call, error) {
	raw := strings.TrimSpace(s)
	m := callPattern.FindStringSubmatch(raw)
	if m == nil {
		return Call{}, fmt.Errorf("malformed filter call %q: expected name(args)", s)
	}
	c := Call{Name: m[1], Raw: raw}
	inner := strings.TrimSpace(m[2])
	if inner == "" {
		return c, nil
	}
	for _, a := range strings.Split(inner, ",") {
		a = strings.TrimSpace(a)
		if a == "" {
			return Call{}, fmt.Errorf("malformed filter call %q: empty argument", s)
		}
		c.Args = append(c.Args, a)
	}
	return c, nil
}

// String renders the call the way audit entries cite it: name[arg1, arg2].
func (c Call) String() string {
	return c.Name + "[" + strings.Join(c.Args, ", ") + "]"
}

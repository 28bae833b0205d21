package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// WriteMode selects how Write changes the target property.
type WriteMode int

const (
	// WriteSet replaces the property value.
	WriteSet WriteMode = iota
	// WriteAppend adds the value to the property's list.
	WriteAppend
	// WriteDelete removes the property.
	WriteDelete
)

// PathStep is one member of a PropertyPath. Index is -1 when the step
// carries no [n] suffix.
type PathStep struct {
	Name  string
	Index int
}

// PropertyPath addresses a property inside a resource, e.g.
// code.coding[0].system.
type PropertyPath []PathStep

var stepPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?$`)

// ParsePropertyPath parses a dotted property path.
func ParsePropertyPath(s string) (PropertyPath, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("empty property path")
	}
	var path PropertyPath
	for _, part := range strings.Split(s, ".") {
		m := stepPattern.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return nil, fmt.Errorf("invalid property path %q at %q", s, part)
		}
		step := PathStep{Name: m[1], Index: -1}
		if m[2] != "" {
			step.Index, _ = strconv.Atoi(m[2])
		}
		path = append(path, step)
	}
	return path, nil
}

func (p PropertyPath) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.Name
		if s.Index >= 0 {
			parts[i] += "[" + strconv.Itoa(s.Index) + "]"
		}
	}
	return strings.Join(parts, ".")
}

// Write applies value to the property at path below target, creating
// intermediate objects and list slots as needed. Deleting a property that
// does not exist is a no-op.
func Write(target map[string]interface{}, path PropertyPath, value interface{}, mode WriteMode) error {
	if len(path) == 0 {
		return fmt.Errorf("empty property path")
	}
	cur := target
	for i, step := range path[:len(path)-1] {
		next, err := descend(cur, step, mode == WriteDelete)
		if err != nil {
			return fmt.Errorf("%s: %w", path[:i+1], err)
		}
		if next == nil {
			return nil
		}
		cur = next
	}

	last := path[len(path)-1]
	switch mode {
	case WriteSet:
		if last.Index < 0 {
			cur[last.Name] = value
			return nil
		}
		list := growList(cur[last.Name], last.Index+1, nil)
		list[last.Index] = value
		cur[last.Name] = list
	case WriteAppend:
		switch existing := cur[last.Name].(type) {
		case nil:
			cur[last.Name] = []interface{}{value}
		case []interface{}:
			cur[last.Name] = append(existing, value)
		default:
			cur[last.Name] = []interface{}{existing, value}
		}
	case WriteDelete:
		if last.Index < 0 {
			delete(cur, last.Name)
			return nil
		}
		list, ok := cur[last.Name].([]interface{})
		if !ok || last.Index >= len(list) {
			return nil
		}
		list = append(list[:last.Index:last.Index], list[last.Index+1:]...)
		if len(list) == 0 {
			delete(cur, last.Name)
		} else {
			cur[last.Name] = list
		}
	default:
		return fmt.Errorf("unknown write mode %d", mode)
	}
	return nil
}

// descend returns the object under step, creating it unless readOnly.
func descend(cur map[string]interface{}, step PathStep, readOnly bool) (map[string]interface{}, error) {
	v := cur[step.Name]
	if step.Index >= 0 {
		list, _ := v.([]interface{})
		if step.Index >= len(list) {
			if readOnly {
				return nil, nil
			}
			list = growList(v, step.Index+1, func() interface{} { return map[string]interface{}{} })
			cur[step.Name] = list
		}
		m, ok := list[step.Index].(map[string]interface{})
		if !ok {
			if list[step.Index] != nil || readOnly {
				return nil, fmt.Errorf("cannot descend into a primitive")
			}
			m = map[string]interface{}{}
			list[step.Index] = m
		}
		return m, nil
	}

	switch t := v.(type) {
	case map[string]interface{}:
		return t, nil
	case []interface{}:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]interface{}); ok {
				return m, nil
			}
			return nil, fmt.Errorf("cannot descend into a primitive")
		}
	case nil:
	default:
		return nil, fmt.Errorf("cannot descend into a primitive")
	}
	if readOnly {
		return nil, nil
	}
	m := map[string]interface{}{}
	if _, isList := v.([]interface{}); isList {
		cur[step.Name] = []interface{}{m}
	} else {
		cur[step.Name] = m
	}
	return m, nil
}

// growList returns v as a list of at least n items, filling new slots with
// fill() or nil. A scalar v becomes the first item.
func growList(v interface{}, n int, fill func() interface{}) []interface{} {
	var list []interface{}
	switch t := v.(type) {
	case []interface{}:
		list = t
	case nil:
	default:
		list = []interface{}{t}
	}
	for len(list) < n {
		var item interface{}
		if fill != nil {
			item = fill()
		}
		list = append(list, item)
	}
	return list
}

package fhir

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

type evaluator struct {
	env     Env
	context []interface{}
}

func (ev *evaluator) eval(n *node, in []interface{}) ([]interface{}, error) {
	switch n.kind {
	case ndLiteral:
		return []interface{}{n.value}, nil
	case ndEmpty:
		return nil, nil
	case ndThis:
		return in, nil
	case ndIdent:
		return ev.ident(n.name, in), nil
	case ndChild:
		recv, err := ev.eval(n.recv, in)
		if err != nil {
			return nil, err
		}
		return children(recv, n.name), nil
	case ndVariable:
		return ev.variable(n.name)
	case ndIndex:
		return ev.index(n, in)
	case ndCall:
		return ev.call(n, in)
	case ndBinary:
		return ev.binary(n, in)
	case ndNegate:
		out, err := ev.eval(n.args[0], in)
		if err != nil || len(out) == 0 {
			return out, err
		}
		switch v := out[0].(type) {
		case int64:
			return []interface{}{-v}, nil
		default:
			f, ok := toNumber(v)
			if !ok {
				return nil, fmt.Errorf("cannot negate %T", v)
			}
			return []interface{}{-f}, nil
		}
	}
	return nil, fmt.Errorf("unknown node kind %d", n.kind)
}

// ident resolves a name at the start of a path. Type names select matching
// resources from the input, falling back to %resource.
func (ev *evaluator) ident(name string, in []interface{}) []interface{} {
	if isTypeName(name) {
		var matched []interface{}
		for _, item := range in {
			if resourceType(item) == name {
				matched = append(matched, item)
			}
		}
		if len(matched) > 0 {
			return matched
		}
		if ev.env.Resource != nil && resourceType(ev.env.Resource) == name {
			return []interface{}{ev.env.Resource}
		}
	}
	return children(in, name)
}

func (ev *evaluator) variable(name string) ([]interface{}, error) {
	switch name {
	case "resource", "rootResource":
		if ev.env.Resource == nil {
			return nil, nil
		}
		return []interface{}{ev.env.Resource}, nil
	case "bundle":
		if ev.env.Bundle == nil {
			return nil, nil
		}
		return []interface{}{ev.env.Bundle}, nil
	case "context":
		return ev.context, nil
	}
	if v, ok := builtinVariables[name]; ok {
		return []interface{}{v}, nil
	}
	if ev.env.Vars == nil {
		return nil, fmt.Errorf("%w: %%%s", ErrUnknownVariable, name)
	}
	return ev.env.Vars(name)
}

func (ev *evaluator) index(n *node, in []interface{}) ([]interface{}, error) {
	recv, err := ev.eval(n.recv, in)
	if err != nil {
		return nil, err
	}
	idx, err := ev.eval(n.args[0], in)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, nil
	}
	f, ok := toNumber(idx[0])
	if !ok {
		if s, isStr := idx[0].(string); isStr {
			f, err = strconv.ParseFloat(s, 64)
			ok = err == nil
		}
	}
	if !ok {
		return nil, fmt.Errorf("index must be an integer, got %v", idx[0])
	}
	i := int(f)
	if i < 0 || i >= len(recv) {
		return nil, nil
	}
	return []interface{}{recv[i]}, nil
}

func (ev *evaluator) binary(n *node, in []interface{}) ([]interface{}, error) {
	op := n.name
	left, err := ev.eval(n.args[0], in)
	if err != nil {
		return nil, err
	}

	// Logical operators evaluate the right side lazily.
	switch op {
	case "and":
		if !truthy(left) {
			return []interface{}{false}, nil
		}
		right, err := ev.eval(n.args[1], in)
		if err != nil {
			return nil, err
		}
		return []interface{}{truthy(right)}, nil
	case "or":
		if truthy(left) {
			return []interface{}{true}, nil
		}
		right, err := ev.eval(n.args[1], in)
		if err != nil {
			return nil, err
		}
		return []interface{}{truthy(right)}, nil
	case "implies":
		if !truthy(left) {
			return []interface{}{true}, nil
		}
		right, err := ev.eval(n.args[1], in)
		if err != nil {
			return nil, err
		}
		return []interface{}{truthy(right)}, nil
	case "is":
		if len(left) != 1 {
			return nil, nil
		}
		return []interface{}{isType(left[0], n.args[1].name)}, nil
	case "as":
		return ofType(left, n.args[1].name), nil
	}

	right, err := ev.eval(n.args[1], in)
	if err != nil {
		return nil, err
	}

	switch op {
	case "xor":
		return []interface{}{truthy(left) != truthy(right)}, nil
	case "|":
		return union(left, right), nil
	case "=", "!=":
		if len(left) == 0 || len(right) == 0 {
			return nil, nil
		}
		eq := len(left) == len(right)
		for i := 0; eq && i < len(left); i++ {
			eq = equalValues(left[i], right[i])
		}
		return []interface{}{eq == (op == "=")}, nil
	case "~", "!~":
		eq := len(left) == len(right)
		for i := 0; eq && i < len(left); i++ {
			eq = equivalent(left[i], right[i])
		}
		return []interface{}{eq == (op == "~")}, nil
	case "<", ">", "<=", ">=":
		if len(left) == 0 || len(right) == 0 {
			return nil, nil
		}
		c, err := compareValues(left[0], right[0])
		if err != nil {
			return nil, err
		}
		return []interface{}{orderHolds(c, op)}, nil
	case "in":
		if len(left) == 0 {
			return nil, nil
		}
		return []interface{}{containsValue(right, left[0])}, nil
	case "contains":
		if len(right) == 0 {
			return nil, nil
		}
		return []interface{}{containsValue(left, right[0])}, nil
	case "&":
		ls, _ := firstText(left)
		rs, _ := firstText(right)
		return []interface{}{ls + rs}, nil
	}
	return arithmetic(op, left, right)
}

func arithmetic(op string, left, right []interface{}) ([]interface{}, error) {
	if len(left) == 0 || len(right) == 0 {
		return nil, nil
	}
	if op == "+" {
		ls, lok := left[0].(string)
		rs, rok := right[0].(string)
		if lok && rok {
			return []interface{}{ls + rs}, nil
		}
	}
	l, lok := toNumber(left[0])
	r, rok := toNumber(right[0])
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", op, left[0], right[0])
	}
	_, li := left[0].(int64)
	_, ri := right[0].(int64)
	ints := li && ri

	var out float64
	switch op {
	case "+":
		out = l + r
	case "-":
		out = l - r
	case "*":
		out = l * r
	case "/":
		if r == 0 {
			return nil, nil
		}
		return []interface{}{l / r}, nil
	case "div":
		if r == 0 {
			return nil, nil
		}
		return []interface{}{int64(math.Trunc(l / r))}, nil
	case "mod":
		if r == 0 {
			return nil, nil
		}
		out = math.Mod(l, r)
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	if ints {
		return []interface{}{int64(out)}, nil
	}
	return []interface{}{out}, nil
}

// children navigates one member step. Missing members fall back to choice
// elements, so "value" matches "valueQuantity".
func children(coll []interface{}, name string) []interface{} {
	var out []interface{}
	for _, item := range coll {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := m[name]; ok {
			out = appendFlat(out, v)
			continue
		}
		for _, key := range choiceKeys(m, name) {
			out = appendFlat(out, m[key])
		}
	}
	return out
}

func choiceKeys(m map[string]interface{}, name string) []string {
	var keys []string
	for key := range m {
		if len(key) > len(name) && strings.HasPrefix(key, name) && unicode.IsUpper(rune(key[len(name)])) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func appendFlat(out []interface{}, v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return out
	case []interface{}:
		for _, e := range t {
			if e != nil {
				out = append(out, e)
			}
		}
		return out
	default:
		return append(out, v)
	}
}

func resourceType(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	rt, _ := m["resourceType"].(string)
	return rt
}

func isTypeName(name string) bool {
	return name != "" && unicode.IsUpper(rune(name[0]))
}

func union(left, right []interface{}) []interface{} {
	var out []interface{}
	for _, v := range append(append([]interface{}{}, left...), right...) {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(coll []interface{}, v interface{}) bool {
	for _, item := range coll {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	if at, bt, ok := asTimes(a, b); ok {
		return at.Equal(bt)
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

func equivalent(a, b interface{}) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(strings.Join(strings.Fields(as), " "), strings.Join(strings.Fields(bs), " "))
	}
	return equalValues(a, b)
}

func compareValues(a, b interface{}) (int, error) {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			switch {
			case an < bn:
				return -1, nil
			case an > bn:
				return 1, nil
			}
			return 0, nil
		}
	}
	if at, bt, ok := asTimes(a, b); ok {
		return at.Compare(bt), nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}

func orderHolds(c int, op string) bool {
	switch op {
	case "<":
		return c < 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	}
	return c >= 0
}

// asTimes converts a and b to times when at least one of them already is one
// and the other is a parseable string.
func asTimes(a, b interface{}) (time.Time, time.Time, bool) {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if !aok && !bok {
		return time.Time{}, time.Time{}, false
	}
	var err error
	if !aok {
		s, ok := a.(string)
		if !ok {
			return at, bt, false
		}
		if at, err = parseDateTimeLiteral(s); err != nil {
			return at, bt, false
		}
	}
	if !bok {
		s, ok := b.(string)
		if !ok {
			return at, bt, false
		}
		if bt, err = parseDateTimeLiteral(s); err != nil {
			return at, bt, false
		}
	}
	return at, bt, true
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toText renders a primitive as FHIRPath toString() would. Complex values
// report false.
func toText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 && t.Location() == time.UTC {
			return t.Format("2006-01-02"), true
		}
		return t.Format(time.RFC3339Nano), true
	}
	return "", false
}

func firstText(coll []interface{}) (string, bool) {
	if len(coll) == 0 {
		return "", false
	}
	return toText(coll[0])
}

func truthy(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		}
	}
	return true
}

func isType(v interface{}, name string) bool {
	switch strings.ToLower(name) {
	case "string", "code", "id", "uri", "url", "canonical", "markdown":
		_, ok := v.(string)
		return ok
	case "integer", "positiveint", "unsignedint":
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case "decimal":
		_, ok := toNumber(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "date", "datetime", "instant":
		if _, ok := v.(time.Time); ok {
			return true
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := parseDateTimeLiteral(s)
		return err == nil
	}
	return resourceType(v) == name
}

func ofType(coll []interface{}, name string) []interface{} {
	var out []interface{}
	for _, v := range coll {
		if isType(v, name) {
			out = append(out, v)
		}
	}
	return out
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

func parseDateTimeLiteral(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

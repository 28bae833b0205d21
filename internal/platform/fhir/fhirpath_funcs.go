package fhir

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// builtin implements a library function. focus is the receiver collection,
// in is the input the call appears in.
type builtin func(ev *evaluator, focus []interface{}, args []*node, in []interface{}) ([]interface{}, error)

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"empty": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return single(len(f) == 0), nil
		},
		"exists":  fnExists,
		"all":     fnAll,
		"allTrue": fnAllTrue,
		"anyTrue": fnAnyTrue,
		"count": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return single(int64(len(f))), nil
		},
		"first": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return slice(f, 0, 1), nil
		},
		"last": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return slice(f, len(f)-1, len(f)), nil
		},
		"tail": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return slice(f, 1, len(f)), nil
		},
		"skip":   fnSkip,
		"take":   fnTake,
		"single": fnSingle,
		"distinct": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return union(f, nil), nil
		},
		"isDistinct": func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
			return single(len(union(f, nil)) == len(f)), nil
		},
		"where":          fnWhere,
		"select":         fnSelect,
		"repeat":         fnRepeat,
		"ofType":         fnOfType,
		"is":             fnIs,
		"as":             fnOfType,
		"not":            fnNot,
		"hasValue":       fnHasValue,
		"iif":            fnIif,
		"combine":        fnCombine,
		"union":          fnUnion,
		"trace":          func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) { return f, nil },
		"startsWith":     stringPredicate(strings.HasPrefix),
		"endsWith":       stringPredicate(strings.HasSuffix),
		"contains":       stringPredicate(strings.Contains),
		"matches":        fnMatches,
		"replaceMatches": fnReplaceMatches,
		"replace":        fnReplace,
		"length":         fnLength,
		"upper":          stringMap(strings.ToUpper),
		"lower":          stringMap(strings.ToLower),
		"trim":           stringMap(strings.TrimSpace),
		"substring":      fnSubstring,
		"indexOf":        fnIndexOf,
		"split":          fnSplit,
		"join":           fnJoin,
		"toString":       fnToString,
		"toInteger":      fnToInteger,
		"toDecimal":      fnToDecimal,
		"toDate":         fnToDate,
		"toDateTime":     fnToDate,
		"abs":            mathMap(math.Abs),
		"ceiling":        mathMap(math.Ceil),
		"floor":          mathMap(math.Floor),
		"round":          mathMap(math.Round),
		"now":            fnNow,
		"today":          fnToday,
		"extension":      fnExtension,
		"resolve":        fnResolve,
		"children":       fnChildren,
		"getId":          fnGetID,
	}
}

// IsBuiltinFunction reports whether name is part of the built-in library.
func IsBuiltinFunction(name string) bool {
	_, ok := builtins[name]
	return ok
}

func (ev *evaluator) call(n *node, in []interface{}) ([]interface{}, error) {
	focus := in
	if n.recv != nil {
		var err error
		if focus, err = ev.eval(n.recv, in); err != nil {
			return nil, err
		}
	}
	if fn, ok := builtins[n.name]; ok {
		return fn(ev, focus, n.args, in)
	}
	if fn, ok := ev.env.Funcs[n.name]; ok {
		args := make([][]interface{}, len(n.args))
		for i, a := range n.args {
			v, err := ev.eval(a, in)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn(focus, args)
	}
	return nil, fmt.Errorf("unknown function %s()", n.name)
}

// arg evaluates the i-th argument against in and returns its first item.
func (ev *evaluator) arg(args []*node, i int, in []interface{}) (interface{}, bool, error) {
	if i >= len(args) {
		return nil, false, nil
	}
	v, err := ev.eval(args[i], in)
	if err != nil || len(v) == 0 {
		return nil, false, err
	}
	return v[0], true, nil
}

func (ev *evaluator) textArg(args []*node, i int, in []interface{}) (string, bool, error) {
	v, ok, err := ev.arg(args, i, in)
	if err != nil || !ok {
		return "", false, err
	}
	s, ok := toText(v)
	return s, ok, nil
}

func (ev *evaluator) intArg(args []*node, i int, in []interface{}) (int, bool, error) {
	v, ok, err := ev.arg(args, i, in)
	if err != nil || !ok {
		return 0, false, err
	}
	f, ok := toNumber(v)
	return int(f), ok, nil
}

// typeArg reads a type specifier argument such as ofType(Patient).
func typeArg(args []*node) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("expected one type argument")
	}
	switch a := args[0]; a.kind {
	case ndIdent, ndChild:
		return a.name, nil
	case ndLiteral:
		if s, ok := a.value.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("expected a type name")
}

func single(v interface{}) []interface{} { return []interface{}{v} }

func slice(f []interface{}, from, to int) []interface{} {
	if from < 0 {
		from = 0
	}
	if to > len(f) {
		to = len(f)
	}
	if from >= to {
		return nil
	}
	return f[from:to]
}

// each evaluates a lambda argument once per focus item with that item as
// $this.
func (ev *evaluator) each(focus []interface{}, lambda *node, visit func(item interface{}, out []interface{}) bool) error {
	for _, item := range focus {
		out, err := ev.eval(lambda, []interface{}{item})
		if err != nil {
			return err
		}
		if !visit(item, out) {
			return nil
		}
	}
	return nil
}

func fnExists(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return single(len(f) > 0), nil
	}
	found := false
	err := ev.each(f, args[0], func(_ interface{}, out []interface{}) bool {
		found = truthy(out)
		return !found
	})
	return single(found), err
}

func fnAll(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return single(true), nil
	}
	all := true
	err := ev.each(f, args[0], func(_ interface{}, out []interface{}) bool {
		all = truthy(out)
		return all
	})
	return single(all), err
}

func fnAllTrue(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	for _, v := range f {
		if b, ok := v.(bool); !ok || !b {
			return single(false), nil
		}
	}
	return single(true), nil
}

func fnAnyTrue(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	for _, v := range f {
		if b, ok := v.(bool); ok && b {
			return single(true), nil
		}
	}
	return single(false), nil
}

func fnSkip(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	n, ok, err := ev.intArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	return slice(f, n, len(f)), nil
}

func fnTake(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	n, ok, err := ev.intArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	return slice(f, 0, n), nil
}

func fnSingle(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) > 1 {
		return nil, fmt.Errorf("single() called on %d items", len(f))
	}
	return f, nil
}

func fnWhere(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("where() takes one argument")
	}
	var kept []interface{}
	err := ev.each(f, args[0], func(item interface{}, out []interface{}) bool {
		if truthy(out) {
			kept = append(kept, item)
		}
		return true
	})
	return kept, err
}

func fnSelect(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("select() takes one argument")
	}
	var projected []interface{}
	err := ev.each(f, args[0], func(_ interface{}, out []interface{}) bool {
		projected = append(projected, out...)
		return true
	})
	return projected, err
}

func fnRepeat(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("repeat() takes one argument")
	}
	var all []interface{}
	queue := f
	for len(queue) > 0 {
		var next []interface{}
		err := ev.each(queue, args[0], func(_ interface{}, out []interface{}) bool {
			for _, v := range out {
				if !containsValue(all, v) {
					all = append(all, v)
					next = append(next, v)
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		queue = next
	}
	return all, nil
}

func fnOfType(_ *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	name, err := typeArg(args)
	if err != nil {
		return nil, err
	}
	return ofType(f, name), nil
}

func fnIs(_ *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	name, err := typeArg(args)
	if err != nil {
		return nil, err
	}
	if len(f) != 1 {
		return nil, nil
	}
	return single(isType(f[0], name)), nil
}

func fnNot(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) == 0 {
		return nil, nil
	}
	return single(!truthy(f)), nil
}

func fnHasValue(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) != 1 {
		return single(false), nil
	}
	_, primitive := toText(f[0])
	return single(primitive), nil
}

func fnIif(ev *evaluator, f []interface{}, args []*node, _ []interface{}) ([]interface{}, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("iif() takes two or three arguments")
	}
	cond, err := ev.eval(args[0], f)
	if err != nil {
		return nil, err
	}
	if truthy(cond) {
		return ev.eval(args[1], f)
	}
	if len(args) == 3 {
		return ev.eval(args[2], f)
	}
	return nil, nil
}

func fnCombine(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("combine() takes one argument")
	}
	other, err := ev.eval(args[0], in)
	if err != nil {
		return nil, err
	}
	return append(append([]interface{}{}, f...), other...), nil
}

func fnUnion(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("union() takes one argument")
	}
	other, err := ev.eval(args[0], in)
	if err != nil {
		return nil, err
	}
	return union(f, other), nil
}

func stringPredicate(pred func(s, arg string) bool) builtin {
	return func(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
		s, ok := firstText(f)
		if !ok {
			return nil, nil
		}
		arg, ok, err := ev.textArg(args, 0, in)
		if err != nil || !ok {
			return nil, err
		}
		return single(pred(s, arg)), nil
	}
}

func stringMap(fn func(string) string) builtin {
	return func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
		s, ok := firstText(f)
		if !ok {
			return nil, nil
		}
		return single(fn(s)), nil
	}
}

func mathMap(fn func(float64) float64) builtin {
	return func(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
		if len(f) == 0 {
			return nil, nil
		}
		v, ok := toNumber(f[0])
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", f[0])
		}
		r := fn(v)
		if r == math.Trunc(r) && !math.IsInf(r, 0) {
			return single(int64(r)), nil
		}
		return single(r), nil
	}
}

func fnMatches(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	pattern, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return single(re.MatchString(s)), nil
}

func fnReplaceMatches(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	pattern, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	repl, _, err := ev.textArg(args, 1, in)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return single(re.ReplaceAllString(s, repl)), nil
}

func fnReplace(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	old, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	repl, _, err := ev.textArg(args, 1, in)
	if err != nil {
		return nil, err
	}
	return single(strings.ReplaceAll(s, old, repl)), nil
}

func fnLength(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	return single(int64(len([]rune(s)))), nil
}

func fnSubstring(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	r := []rune(s)
	start, ok, err := ev.intArg(args, 0, in)
	if err != nil || !ok || start < 0 || start >= len(r) {
		return nil, err
	}
	end := len(r)
	if n, ok, err := ev.intArg(args, 1, in); err != nil {
		return nil, err
	} else if ok {
		if n <= 0 {
			return nil, nil
		}
		if n < end-start {
			end = start + n
		}
	}
	return single(string(r[start:end])), nil
}

func fnIndexOf(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	sub, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	return single(int64(strings.Index(s, sub))), nil
}

func fnSplit(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	sep, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	var out []interface{}
	for _, part := range strings.Split(s, sep) {
		out = append(out, part)
	}
	return out, nil
}

func fnJoin(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	sep, _, err := ev.textArg(args, 0, in)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(f))
	for _, v := range f {
		if s, ok := toText(v); ok {
			parts = append(parts, s)
		}
	}
	return single(strings.Join(parts, sep)), nil
}

func fnToString(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	s, ok := firstText(f)
	if !ok {
		return nil, nil
	}
	return single(s), nil
}

func fnToInteger(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) == 0 {
		return nil, nil
	}
	switch v := f[0].(type) {
	case int64:
		return single(v), nil
	case bool:
		if v {
			return single(int64(1)), nil
		}
		return single(int64(0)), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, nil
		}
		return single(i), nil
	}
	if n, ok := toNumber(f[0]); ok && n == math.Trunc(n) {
		return single(int64(n)), nil
	}
	return nil, nil
}

func fnToDecimal(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) == 0 {
		return nil, nil
	}
	if n, ok := toNumber(f[0]); ok {
		return single(n), nil
	}
	if s, ok := f[0].(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return single(n), nil
		}
	}
	return nil, nil
}

func fnToDate(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	if len(f) == 0 {
		return nil, nil
	}
	switch v := f[0].(type) {
	case time.Time:
		return single(v), nil
	case string:
		t, err := parseDateTimeLiteral(v)
		if err != nil {
			return nil, nil
		}
		return single(t), nil
	}
	return nil, nil
}

func (ev *evaluator) now() time.Time {
	if !ev.env.Now.IsZero() {
		return ev.env.Now.UTC()
	}
	return time.Now().UTC()
}

func fnNow(ev *evaluator, _ []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	return single(ev.now()), nil
}

func fnToday(ev *evaluator, _ []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	n := ev.now()
	return single(time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)), nil
}

func fnExtension(ev *evaluator, f []interface{}, args []*node, in []interface{}) ([]interface{}, error) {
	url, ok, err := ev.textArg(args, 0, in)
	if err != nil || !ok {
		return nil, err
	}
	var out []interface{}
	for _, ext := range children(f, "extension") {
		if m, ok := ext.(map[string]interface{}); ok && m["url"] == url {
			out = append(out, ext)
		}
	}
	return out, nil
}

// fnResolve follows references to resources in %bundle, or to contained
// resources of %resource for local "#id" references.
func fnResolve(ev *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	var out []interface{}
	for _, item := range f {
		ref, ok := item.(string)
		if !ok {
			m, isMap := item.(map[string]interface{})
			if !isMap {
				continue
			}
			if ref, ok = m["reference"].(string); !ok {
				continue
			}
		}
		if r := ev.resolveReference(ref); r != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ev *evaluator) resolveReference(ref string) map[string]interface{} {
	if strings.HasPrefix(ref, "#") {
		for _, c := range children([]interface{}{ev.env.Resource}, "contained") {
			if m, ok := c.(map[string]interface{}); ok && "#"+fmt.Sprint(m["id"]) == ref {
				return m
			}
		}
		return nil
	}
	if ev.env.Bundle == nil {
		return nil
	}
	return FindByReference(ev.env.Bundle, ref)
}

func fnChildren(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	var out []interface{}
	for _, item := range f {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range sortedKeys(m) {
			out = appendFlat(out, m[key])
		}
	}
	return out, nil
}

// fnGetID returns the id part of references, e.g. "p1" for "Patient/p1".
func fnGetID(_ *evaluator, f []interface{}, _ []*node, _ []interface{}) ([]interface{}, error) {
	var out []interface{}
	for _, item := range f {
		ref, ok := item.(string)
		if m, isMap := item.(map[string]interface{}); isMap {
			if id, ok := m["id"].(string); ok && m["resourceType"] != nil {
				out = append(out, id)
				continue
			}
			ref, ok = m["reference"].(string)
		}
		if !ok || ref == "" {
			continue
		}
		out = append(out, ref[strings.LastIndex(ref, "/")+1:])
	}
	return out, nil
}

package fhir

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownVariable is returned by a VariableResolver for names it does not
// define.
var ErrUnknownVariable = errors.New("fhirpath: unknown variable")

// VariableResolver resolves %name references that are not built in.
type VariableResolver func(name string) ([]interface{}, error)

// Func is a host-provided function callable from an expression. focus is the
// receiver collection and args holds each argument evaluated against the
// expression input.
type Func func(focus []interface{}, args [][]interface{}) ([]interface{}, error)

// Env is the evaluation environment of an expression.
type Env struct {
	// Resource is the value of %resource and %rootResource. Bare resource
	// type names fall back to it when the focus does not match.
	Resource map[string]interface{}
	// Bundle is the value of %bundle and the search space of resolve().
	Bundle map[string]interface{}
	// Vars resolves all other %name references.
	Vars VariableResolver
	// Funcs extends the built-in function library. Built-ins take
	// precedence.
	Funcs map[string]Func
	// Now pins now() and today(). The zero value means the wall clock.
	Now time.Time
}

var builtinVariables = map[string]string{
	"ucum":  "http://unitsofmeasure.org",
	"sct":   "http://snomed.info/sct",
	"loinc": "http://loinc.org",
}

// Expression is a compiled FHIRPath expression. It is immutable and safe for
// concurrent use.
type Expression struct {
	src  string
	root *node
}

// Compile parses src.
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %q: %w", src, err)
	}
	return &Expression{src: src, root: root}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Expression {
	x, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return x
}

func (x *Expression) String() string { return x.src }

// Variables returns the distinct %names referenced by the expression, sorted.
func (x *Expression) Variables() []string {
	return x.names(ndVariable)
}

// Functions returns the distinct function names called by the expression,
// sorted.
func (x *Expression) Functions() []string {
	return x.names(ndCall)
}

func (x *Expression) names(kind nodeKind) []string {
	seen := map[string]bool{}
	walk(x.root, func(n *node) {
		if n.kind == kind {
			seen[n.name] = true
		}
	})
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Evaluate runs the expression with focus as its input collection.
func (x *Expression) Evaluate(focus []interface{}, env Env) ([]interface{}, error) {
	ev := &evaluator{env: env, context: focus}
	out, err := ev.eval(x.root, focus)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: %q: %w", x.src, err)
	}
	return out, nil
}

// EvaluateBool evaluates the expression and applies singleton boolean
// evaluation: empty is false, a single boolean is itself, anything else is
// true.
func (x *Expression) EvaluateBool(focus []interface{}, env Env) (bool, error) {
	out, err := x.Evaluate(focus, env)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// EvaluateString evaluates the expression and returns the first result as a
// string, or "" when the result is empty.
func (x *Expression) EvaluateString(focus []interface{}, env Env) (string, error) {
	out, err := x.Evaluate(focus, env)
	if err != nil || len(out) == 0 {
		return "", err
	}
	s, _ := toText(out[0])
	return s, nil
}

// Engine compiles expressions once and evaluates them against resources.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*Expression
}

// NewEngine returns an Engine with an empty expression cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*Expression)}
}

// Compile returns the cached compilation of src.
func (e *Engine) Compile(src string) (*Expression, error) {
	e.mu.RLock()
	x, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return x, nil
	}
	x, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[src] = x
	e.mu.Unlock()
	return x, nil
}

// Evaluate evaluates src with resource as both focus and %resource. A nil
// resource yields an empty collection.
func (e *Engine) Evaluate(resource map[string]interface{}, src string) ([]interface{}, error) {
	x, err := e.Compile(src)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return []interface{}{}, nil
	}
	return x.Evaluate([]interface{}{resource}, Env{Resource: resource})
}

// EvaluateBool is Evaluate followed by singleton boolean evaluation.
func (e *Engine) EvaluateBool(resource map[string]interface{}, src string) (bool, error) {
	out, err := e.Evaluate(resource, src)
	if err != nil {
		return false, err
	}
	return truthy(out), nil
}

// EvaluateString returns the first result of Evaluate as a string.
func (e *Engine) EvaluateString(resource map[string]interface{}, src string) (string, error) {
	out, err := e.Evaluate(resource, src)
	if err != nil || len(out) == 0 {
		return "", err
	}
	s, _ := toText(out[0])
	return s, nil
}

// Text renders a primitive result item as a string. It reports false for
// complex values such as resources and backbone elements.
func Text(v interface{}) (string, bool) {
	return toText(v)
}

// Truthy applies singleton boolean evaluation to a result collection.
func Truthy(coll []interface{}) bool {
	return truthy(coll)
}

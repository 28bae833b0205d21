package translation

import (
	"fmt"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// scope is one layer of the variable environment. Layers are created for
// the initial constants, every schema and every element. Lookups walk from
// the innermost layer outwards, so inner names shadow outer ones.
type scope struct {
	parent *scope
	// consts maps names to expressions evaluated when referenced.
	consts map[string]string
	// literals maps names to plain string values.
	literals map[string]string
	// index holds the resourceIndex variable bound by the enclosing element.
	index map[string]int

	focus    []interface{}
	resource map[string]interface{}
}

func rootScope(literals map[string]string, focus []interface{}, resource map[string]interface{}) *scope {
	return &scope{literals: literals, focus: focus, resource: resource}
}

// with layers element constants over sc.
func (sc *scope) with(consts map[string]string) *scope {
	if len(consts) == 0 {
		return sc
	}
	return &scope{parent: sc, consts: consts, focus: sc.focus, resource: sc.resource}
}

// at returns a layer with a new focus. A focus holding a single resource
// becomes %resource.
func (sc *scope) at(focus []interface{}) *scope {
	next := &scope{parent: sc, focus: focus, resource: sc.resource}
	if len(focus) == 1 {
		if m, ok := focus[0].(map[string]interface{}); ok {
			if _, ok := m["resourceType"].(string); ok {
				next.resource = m
			}
		}
	}
	return next
}

// lookup finds name in the innermost layer defining it.
func (sc *scope) lookup(name string) (layer *scope, kind byte, ok bool) {
	for s := sc; s != nil; s = s.parent {
		if _, ok := s.index[name]; ok {
			return s, 'i', true
		}
		if _, ok := s.consts[name]; ok {
			return s, 'c', true
		}
		if _, ok := s.literals[name]; ok {
			return s, 'l', true
		}
	}
	return nil, 0, false
}

// variable resolves %name. Constant expressions are evaluated against the
// focus of the referencing scope.
func (w *walker) variable(sc *scope, name string) ([]interface{}, error) {
	layer, kind, ok := sc.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %%%s", fhir.ErrUnknownVariable, name)
	}
	switch kind {
	case 'i':
		return []interface{}{int64(layer.index[name])}, nil
	case 'l':
		return []interface{}{layer.literals[name]}, nil
	}
	if w.resolving[name] {
		return nil, fmt.Errorf("constant %%%s refers to itself", name)
	}
	w.resolving[name] = true
	defer delete(w.resolving, name)
	// Evaluate in the defining layer's parent chain so that a constant can
	// refer to outer constants but not to inner ones that shadow it.
	return w.eval(layer.consts[name], &scope{parent: layer, focus: sc.focus, resource: sc.resource})
}

// interpolate expands %{name} placeholders of anchors and field specs.
func (w *walker) interpolate(sc *scope, s string) (string, error) {
	var evalErr error
	out, err := schema.Interpolate(s, func(name string) (string, bool) {
		if _, _, ok := sc.lookup(name); !ok {
			return "", false
		}
		v, err := w.variable(sc, name)
		if err != nil {
			evalErr = err
			return "", true
		}
		if len(v) == 0 {
			return "", true
		}
		text, _ := fhir.Text(v[0])
		return text, true
	})
	if err != nil {
		return "", err
	}
	return out, evalErr
}

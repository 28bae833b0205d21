package translation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// navigator supplies the expression environment of an input document type.
type navigator interface {
	env(w *walker, sc *scope) fhir.Env
}

// writer applies leaf elements to an output document type.
type writer interface {
	write(w *walker, sc *scope, e *schema.Element, values []interface{}) error
	remove(w *walker, sc *scope, e *schema.Element) error
}

// walker evaluates one schema against one input. It is created per
// evaluation and never shared.
type walker struct {
	kind      schema.Kind
	engine    *fhir.Engine
	nav       navigator
	out       writer
	logger    zerolog.Logger
	now       time.Time
	errors    []*EvaluationError
	resolving map[string]bool
}

func newWalker(kind schema.Kind, opts *Options, nav navigator, out writer) *walker {
	return &walker{
		kind:      kind,
		engine:    opts.engine,
		nav:       nav,
		out:       out,
		logger:    opts.Logger,
		now:       opts.Now,
		resolving: make(map[string]bool),
	}
}

func (w *walker) eval(expr string, sc *scope) ([]interface{}, error) {
	if w.kind.HL7Input() {
		expr = schema.RewriteHL7(expr)
	}
	x, err := w.engine.Compile(expr)
	if err != nil {
		return nil, err
	}
	return x.Evaluate(sc.focus, w.nav.env(w, sc))
}

// run evaluates the elements of s in order.
func (w *walker) run(s *schema.Schema, sc *scope, prefix string) {
	for i, e := range s.Elements {
		path := e.Name
		if path == "" {
			path = fmt.Sprintf("#%d", i)
		}
		if prefix != "" {
			path = prefix + "." + path
		}
		w.element(s, e, sc.with(e.Constants), path)
	}
}

func (w *walker) element(s *schema.Schema, e *schema.Element, sc *scope, path string) {
	if e.Condition != "" {
		ok, err := w.eval(e.Condition, sc)
		if err != nil {
			w.fail(s, e, path, fmt.Errorf("condition: %w", err))
			return
		}
		if !fhir.Truthy(ok) {
			w.trace(e, path, "condition is false, skipped")
			return
		}
	}

	focus := sc.focus
	if e.Resource != "" {
		out, err := w.eval(e.Resource, sc)
		if err != nil {
			w.fail(s, e, path, fmt.Errorf("resource: %w", err))
			return
		}
		if len(out) == 0 {
			w.empty(s, e, path)
			return
		}
		focus = out
	}

	switch e.EffectiveAction() {
	case schema.ActionApplySchema:
		if e.Schema == nil {
			w.fail(s, e, path, ErrUnresolvedSchema)
			return
		}
		if e.Resource == "" {
			w.run(e.Schema, sc.at(focus).with(e.Schema.Constants), path)
			return
		}
		for i, item := range focus {
			nested := sc.at([]interface{}{item})
			if e.ResourceIndex != "" {
				nested.index = map[string]int{e.ResourceIndex: i}
			}
			w.run(e.Schema, nested.with(e.Schema.Constants), path)
		}

	case schema.ActionDelete:
		if err := w.out.remove(w, sc.at(focus), e); err != nil {
			w.fail(s, e, path, err)
		}

	default:
		vsc := sc.at(focus)
		values, err := w.value(e, vsc)
		if err != nil {
			w.fail(s, e, path, err)
			return
		}
		if len(values) == 0 {
			w.empty(s, e, path)
			return
		}
		values = remap(values, e.ValueSet)
		if e.IsDebug() {
			w.trace(e, path, fmt.Sprintf("value %v", values))
		}
		if err := w.out.write(w, vsc, e, values); err != nil {
			w.fail(s, e, path, err)
		}
	}
}

// value returns the result of the first value expression that is not
// empty.
func (w *walker) value(e *schema.Element, sc *scope) ([]interface{}, error) {
	for _, expr := range e.Value {
		out, err := w.eval(expr, sc)
		if err != nil {
			return nil, fmt.Errorf("value %q: %w", expr, err)
		}
		if !isEmpty(out) {
			return out, nil
		}
	}
	return nil, nil
}

func isEmpty(coll []interface{}) bool {
	if len(coll) == 0 {
		return true
	}
	if len(coll) == 1 {
		if s, ok := coll[0].(string); ok && s == "" {
			return true
		}
	}
	return false
}

// remap replaces primitive values found in vs.
func remap(values []interface{}, vs *schema.ValueSet) []interface{} {
	if vs == nil {
		return values
	}
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
		if text, ok := fhir.Text(v); ok {
			if mapped := vs.Lookup(text); mapped != text {
				out[i] = mapped
			}
		}
	}
	return out
}

func (w *walker) empty(s *schema.Schema, e *schema.Element, path string) {
	if e.IsRequired() {
		w.fail(s, e, path, ErrRequiredEmpty)
		return
	}
	w.trace(e, path, "empty, skipped")
}

func (w *walker) fail(s *schema.Schema, e *schema.Element, path string, err error) {
	w.errors = append(w.errors, &EvaluationError{
		Schema:   s.URI,
		Element:  path,
		Required: e.IsRequired(),
		Err:      err,
	})
	w.trace(e, path, err.Error())
}

func (w *walker) trace(e *schema.Element, path, msg string) {
	if !e.IsDebug() {
		return
	}
	w.logger.Debug().Str("element", path).Str("kind", string(w.kind)).Msg(msg)
}

// checkResolved rejects schemas that were not produced by the resolver.
func checkResolved(s *schema.Schema, kind schema.Kind) error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrUnresolvedSchema)
	}
	if s.Kind != kind {
		return fmt.Errorf("schema %s is a %s schema, not %s", s.URI, s.Kind, kind)
	}
	var err error
	var visit func(*schema.Schema)
	visit = func(s *schema.Schema) {
		if s.Extends != "" && err == nil {
			err = fmt.Errorf("%w: %s still extends %s", ErrUnresolvedSchema, s.URI, s.Extends)
		}
		for _, e := range s.Elements {
			if e.SchemaRef != "" && e.Schema == nil && err == nil {
				err = fmt.Errorf("%w: %s references %s", ErrUnresolvedSchema, s.URI, e.SchemaRef)
			}
			if e.Schema != nil {
				visit(e.Schema)
			}
		}
	}
	visit(s)
	return err
}

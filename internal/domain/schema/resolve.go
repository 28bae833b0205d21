package schema

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLoadTimeout bounds each document fetch.
const DefaultLoadTimeout = 5 * time.Second

// Resolver loads schemas from a Source and flattens them.
type Resolver struct {
	source  Source
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each document fetch. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used for resolution diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver returns a Resolver reading documents from source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{source: source, timeout: DefaultLoadTimeout, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Source returns the document source of the resolver.
func (r *Resolver) Source() Source { return r.source }

// Resolve loads the schema name, flattens its extends chain, resolves every
// nested schema reference at any depth and validates the result.
//
// A missing root document yields an error wrapping ErrSchemaNotFound, a
// fetch timeout or failure a *TransientError, and every configuration
// problem is reported together in a *SchemaError.
func (r *Resolver) Resolve(ctx context.Context, name string, kind Kind) (*Schema, error) {
	uri := NormalizeURI(name)
	rs := &resolution{
		r:    r,
		kind: kind,
		docs: make(map[string]*Document),
	}

	root, err := rs.flatten(ctx, uri, nil)
	if err != nil {
		return nil, err
	}
	if root != nil {
		if err := rs.nested(ctx, root, "", []string{uri}); err != nil {
			return nil, err
		}
		rs.validate(root, "", 0)
	}
	if len(rs.violations) > 0 {
		return nil, &SchemaError{Schema: uri, Violations: rs.violations}
	}

	root.Revision = rs.revision()
	root.Warnings = rs.warnings
	for _, w := range rs.warnings {
		r.logger.Warn().Str("schema", uri).Str("element", w.Element).Msg(w.Message)
	}
	r.logger.Debug().
		Str("schema", uri).
		Str("kind", string(kind)).
		Int("documents", len(rs.docs)).
		Str("revision", root.Revision).
		Msg("schema resolved")
	return root, nil
}

// Revision returns the revision of the root document of name without
// resolving it. It returns "" when the source cannot report revisions
// cheaply.
func (r *Resolver) Revision(ctx context.Context, name string) (string, error) {
	rev, ok := r.source.(Revisioner)
	if !ok {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	uri := NormalizeURI(name)
	out, err := rev.Revision(ctx, uri)
	if err != nil && !errors.Is(err, ErrSchemaNotFound) {
		return "", &TransientError{URI: uri, Err: err}
	}
	return out, err
}

// resolution holds the state of one Resolve call.
type resolution struct {
	r          *Resolver
	kind       Kind
	docs       map[string]*Document
	violations []Violation
	warnings   []Violation
}

func (rs *resolution) violate(uri, elem, format string, args ...interface{}) {
	rs.violations = append(rs.violations, Violation{Path: uri, Element: elem, Message: fmt.Sprintf(format, args...)})
}

func (rs *resolution) warn(uri, elem, format string, args ...interface{}) {
	rs.warnings = append(rs.warnings, Violation{Path: uri, Element: elem, Message: fmt.Sprintf(format, args...)})
}

// fetch reads a document once per resolution, bounded by the resolver
// timeout.
func (rs *resolution) fetch(ctx context.Context, uri string) (*Document, error) {
	if doc, ok := rs.docs[uri]; ok {
		return doc, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rs.r.timeout)
	defer cancel()

	type result struct {
		doc *Document
		err error
	}
	ch := make(chan result, 1)
	go func() {
		doc, err := rs.r.source.Fetch(ctx, uri)
		ch <- result{doc, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if errors.Is(res.err, ErrSchemaNotFound) {
				return nil, res.err
			}
			return nil, &TransientError{URI: uri, Err: res.err}
		}
		rs.docs[uri] = res.doc
		return res.doc, nil
	case <-ctx.Done():
		return nil, &TransientError{URI: uri, Err: ctx.Err()}
	}
}

// flatten loads uri and merges its extends chain into it. It returns a nil
// schema when the problem was recorded as a violation.
func (rs *resolution) flatten(ctx context.Context, uri string, chain []string) (*Schema, error) {
	for i, c := range chain {
		if c == uri {
			cycle := append(append([]string(nil), chain[i:]...), uri)
			rs.violate(chain[len(chain)-1], "", "extends cycle: %s", strings.Join(cycle, " -> "))
			return nil, nil
		}
	}

	doc, err := rs.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	s, err := Decode(uri, doc.Body)
	if err != nil {
		rs.violate(uri, "", "%v", err)
		return nil, nil
	}
	s.Kind = rs.kind
	anchorRefs(s)

	if s.Extends == "" {
		return s, nil
	}
	parentURI := ResolveRef(uri, s.Extends)
	parent, err := rs.flatten(ctx, parentURI, append(chain, uri))
	if errors.Is(err, ErrSchemaNotFound) {
		rs.violate(uri, "", "extends %s: %v", s.Extends, err)
		return nil, nil
	}
	if err != nil || parent == nil {
		return nil, err
	}
	return Merge(parent, s), nil
}

// anchorRefs rewrites document-relative references to root-relative ones so
// that they keep their meaning when elements are merged into a schema
// loaded from another location.
func anchorRefs(s *Schema) {
	for _, e := range s.Elements {
		if e.SchemaRef != "" {
			e.SchemaRef = "/" + ResolveRef(s.URI, e.SchemaRef)
		}
		if e.ValueSet != nil && e.ValueSet.FHIRValueSet != "" {
			e.ValueSet.FHIRValueSet = "/" + resolveDataRef(s.URI, e.ValueSet.FHIRValueSet)
		}
	}
}

// resolveDataRef is ResolveRef for documents that are not schemas, whose
// extension defaults to .json.
func resolveDataRef(from, ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.Contains(ref[strings.LastIndex(ref, "/")+1:], ".") {
		ref += ".json"
	}
	return ResolveRef(from, ref)
}

// nested resolves the schema references and value sets of the elements of
// s. stack holds the URIs of the schemas enclosing s.
func (rs *resolution) nested(ctx context.Context, s *Schema, prefix string, stack []string) error {
	for i, e := range s.Elements {
		p := joinLabel(prefix, label(e, i))
		if e.ValueSet != nil && e.ValueSet.FHIRValueSet != "" {
			if err := rs.loadValueSet(ctx, s.URI, p, e.ValueSet); err != nil {
				return err
			}
		}
		if e.SchemaRef == "" {
			continue
		}
		ref := ResolveRef(s.URI, e.SchemaRef)
		if contains(stack, ref) {
			rs.violate(s.URI, p, "schema reference cycle: %s -> %s", strings.Join(stack, " -> "), ref)
			continue
		}
		child, err := rs.flatten(ctx, ref, nil)
		if errors.Is(err, ErrSchemaNotFound) {
			rs.violate(s.URI, p, "schema %s: %v", e.SchemaRef, err)
			continue
		}
		if err != nil {
			return err
		}
		if child == nil {
			continue
		}
		if err := rs.nested(ctx, child, p, append(stack, ref)); err != nil {
			return err
		}
		e.Schema = child
	}
	return nil
}

func (rs *resolution) loadValueSet(ctx context.Context, from, elem string, vs *ValueSet) error {
	uri := ResolveRef(from, vs.FHIRValueSet)
	doc, err := rs.fetch(ctx, uri)
	if errors.Is(err, ErrSchemaNotFound) {
		rs.violate(from, elem, "fhirValueSet %s: %v", vs.FHIRValueSet, err)
		return nil
	}
	if err != nil {
		return err
	}
	concepts, err := decodeValueSet(doc.Body)
	if err != nil {
		rs.violate(from, elem, "fhirValueSet %s: %v", vs.FHIRValueSet, err)
		return nil
	}
	vs.concepts = concepts
	return nil
}

// revision combines the revisions of every document read.
func (rs *resolution) revision() string {
	uris := make([]string, 0, len(rs.docs))
	for uri := range rs.docs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	h := sha256.New()
	for _, uri := range uris {
		fmt.Fprintf(h, "%s=%s\n", uri, rs.docs[uri].Revision)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package filter

import (
	"fmt"
)

// Type names one of the four filters a receiver carries.
type Type string

const (
	Jurisdictional Type = "jurisdictionalFilter"
	Quality        Type = "qualityFilter"
	Routing        Type = "routingFilter"
	ProcessingMode Type = "processingModeFilter"
)

// Types lists the filter types in evaluation order.
var Types = []Type{Jurisdictional, Quality, Routing, ProcessingMode}

// Set holds the four filters of one configuration scope. A nil list
// inherits from the enclosing scope; an empty list keeps every row.
type Set struct {
	JurisdictionalFilter []string `yaml:"jurisdictionalFilter,omitempty" json:"jurisdictionalFilter,omitempty"`
	QualityFilter        []string `yaml:"qualityFilter,omitempty" json:"qualityFilter,omitempty"`
	RoutingFilter        []string `yaml:"routingFilter,omitempty" json:"routingFilter,omitempty"`
	ProcessingModeFilter []string `yaml:"processingModeFilter,omitempty" json:"processingModeFilter,omitempty"`
}

// Get returns the calls configured for t.
func (s Set) Get(t Type) []string {
	switch t {
	case Jurisdictional:
		return s.JurisdictionalFilter
	case Quality:
		return s.QualityFilter
	case Routing:
		return s.RoutingFilter
	case ProcessingMode:
		return s.ProcessingModeFilter
	}
	return nil
}

func (s *Set) set(t Type, calls []string) {
	switch t {
	case Jurisdictional:
		s.JurisdictionalFilter = calls
	case Quality:
		s.QualityFilter = calls
	case Routing:
		s.RoutingFilter = calls
	case ProcessingMode:
		s.ProcessingModeFilter = calls
	}
}

// Inherit fills every unset filter of s from parent.
func (s Set) Inherit(parent Set) Set {
	out := s
	for _, t := range Types {
		if s.Get(t) == nil {
			out.set(t, parent.Get(t))
		}
	}
	return out
}

func (s Set) clone() Set {
	var out Set
	for _, t := range Types {
		if calls := s.Get(t); calls != nil {
			out.set(t, append([]string{}, calls...))
		}
	}
	return out
}

// Filter is a compiled list of calls.
type Filter struct {
	calls []boundCall
	// allowNone and allowAll record the short-circuit calls, if present.
	allowNone *Call
	allowAll  *Call
}

type boundCall struct {
	Call
	pred Predicate
}

// Compile parses and binds calls against reg. Every bad call is reported,
// located as location[i]. A nil reg means DefaultRegistry.
func Compile(reg *Registry, location string, calls []string) (*Filter, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	f := &Filter{}
	cfg := &ConfigurationError{}
	for i, raw := range calls {
		loc := fmt.Sprintf("%s[%d]", location, i)
		c, err := ParseCall(raw)
		if err != nil {
			cfg.Errors = append(cfg.Errors, CallError{Location: loc, Call: raw, Message: err.Error()})
			continue
		}
		pred, err := reg.Bind(c)
		if err != nil {
			cfg.Errors = append(cfg.Errors, CallError{Location: loc, Call: raw, Message: err.Error()})
			continue
		}
		switch c.Name {
		case AllowNone:
			if f.allowNone == nil {
				f.allowNone = &c
			}
		case AllowAll:
			if f.allowAll == nil {
				f.allowAll = &c
			}
		}
		f.calls = append(f.calls, boundCall{Call: c, pred: pred})
	}
	if err := cfg.OrNil(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustCompile is Compile for literal filters known to be valid.
func MustCompile(calls ...string) *Filter {
	f, err := Compile(nil, "", calls)
	if err != nil {
		panic(err)
	}
	return f
}

// Calls returns the compiled calls in order.
func (f *Filter) Calls() []Call {
	out := make([]Call, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Call
	}
	return out
}

// Check evaluates the filter for one row. When the row is dropped, the
// returned call is the one that rejected it.
//
// allowNone anywhere in the list drops every row, otherwise allowAll
// anywhere keeps every row; in both cases no other call is evaluated.
// Without them the calls run left to right and the first false drops.
func (f *Filter) Check(row Row) (bool, *Call) {
	if f.allowNone != nil {
		return false, f.allowNone
	}
	if f.allowAll != nil {
		return true, nil
	}
	for i := range f.calls {
		if !f.calls[i].pred(row) {
			return false, &f.calls[i].Call
		}
	}
	return true, nil
}

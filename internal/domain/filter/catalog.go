package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// CatalogVersion identifies the set of predicates in DefaultRegistry.
// Bump it whenever a predicate is added or its contract changes.
const CatalogVersion = "2"

const (
	AllowAll  = "allowAll"
	AllowNone = "allowNone"
)

// Predicate decides whether one row is kept.
type Predicate func(row Row) bool

// Definition is one named predicate of the catalog. Bind validates the
// arguments of a call once so that evaluating rows cannot fail.
type Definition struct {
	Name string
	// MinArgs and MaxArgs bound the argument count. MaxArgs < 0 means no
	// upper bound.
	MinArgs int
	MaxArgs int
	Usage   string
	Bind    func(args []string) (Predicate, error)
}

// Registry is a closed catalog of predicates. It is immutable once built.
type Registry struct {
	version string
	defs    map[string]Definition
}

func NewRegistry(version string, defs ...Definition) *Registry {
	r := &Registry{version: version, defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

func (r *Registry) Version() string { return r.version }

func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Names lists the predicates in alphabetical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bind turns a call into a predicate, checking the name and the arguments.
func (r *Registry) Bind(c Call) (Predicate, error) {
	d, ok := r.defs[c.Name]
	if !ok {
		return nil, fmt.Errorf("unknown filter function %q", c.Name)
	}
	n := len(c.Args)
	if n < d.MinArgs || (d.MaxArgs >= 0 && n > d.MaxArgs) {
		return nil, fmt.Errorf("%s takes %s, got %d arguments", c.Name, d.Usage, n)
	}
	return d.Bind(c.Args)
}

// ---------------------------------------------------------------------------
// Built-in catalog
// ---------------------------------------------------------------------------

var defaultRegistry = NewRegistry(CatalogVersion,
	Definition{Name: AllowAll, MaxArgs: 0, Usage: "no arguments", Bind: constant(true)},
	Definition{Name: AllowNone, MaxArgs: 0, Usage: "no arguments", Bind: constant(false)},
	Definition{Name: "hasValidDataFor", MinArgs: 1, MaxArgs: -1, Usage: "one or more columns", Bind: bindHasValidDataFor},
	Definition{Name: "hasAtLeastOneOf", MinArgs: 1, MaxArgs: -1, Usage: "one or more columns", Bind: bindHasAtLeastOneOf},
	Definition{Name: "atLeastOneHasValue", MinArgs: 2, MaxArgs: -1, Usage: "one or more columns and a value", Bind: bindAtLeastOneHasValue},
	Definition{Name: "isValidCLIA", MinArgs: 1, MaxArgs: -1, Usage: "one or more columns", Bind: bindIsValidCLIA},
	Definition{Name: "matches", MinArgs: 2, MaxArgs: -1, Usage: "a column and one or more patterns", Bind: bindMatches(true)},
	Definition{Name: "doesNotMatch", MinArgs: 2, MaxArgs: -1, Usage: "a column and one or more patterns", Bind: bindMatches(false)},
	Definition{Name: "orEquals", MinArgs: 2, MaxArgs: -1, Usage: "column, value pairs", Bind: bindOrEquals},
	Definition{Name: "filterByCounty", MinArgs: 2, MaxArgs: 2, Usage: "a state and a county", Bind: bindFilterByCounty},
	Definition{Name: "inDateInterval", MinArgs: 3, MaxArgs: 3, Usage: "a column, a start date and an end date", Bind: bindInDateInterval},
)

// DefaultRegistry returns the built-in catalog.
func DefaultRegistry() *Registry { return defaultRegistry }

func constant(keep bool) func([]string) (Predicate, error) {
	return func([]string) (Predicate, error) {
		return func(Row) bool { return keep }, nil
	}
}

// Missing columns and blank values count as no data.

func bindHasValidDataFor(cols []string) (Predicate, error) {
	return func(row Row) bool {
		for _, c := range cols {
			if !row.Has(c) {
				return false
			}
		}
		return true
	}, nil
}

func bindHasAtLeastOneOf(cols []string) (Predicate, error) {
	return func(row Row) bool {
		for _, c := range cols {
			if row.Has(c) {
				return true
			}
		}
		return false
	}, nil
}

func bindAtLeastOneHasValue(args []string) (Predicate, error) {
	cols, want := args[:len(args)-1], args[len(args)-1]
	return func(row Row) bool {
		for _, c := range cols {
			if v, ok := row.Get(c); ok && v == want {
				return true
			}
		}
		return false
	}, nil
}

var cliaPattern = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)

// bindIsValidCLIA accepts rows where any of the columns holds a ten
// character alphanumeric CLIA number.
func bindIsValidCLIA(cols []string) (Predicate, error) {
	return func(row Row) bool {
		for _, c := range cols {
			if v, ok := row.Get(c); ok && cliaPattern.MatchString(v) {
				return true
			}
		}
		return false
	}, nil
}

// bindMatches compiles the patterns of matches and doesNotMatch. Patterns
// must match the whole value. A column absent from the row fails both.
func bindMatches(want bool) func([]string) (Predicate, error) {
	return func(args []string) (Predicate, error) {
		col := args[0]
		res := make([]*regexp.Regexp, 0, len(args)-1)
		for _, p := range args[1:] {
			re, err := regexp.Compile(`^(?:` + p + `)$`)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			res = append(res, re)
		}
		return func(row Row) bool {
			v, ok := row.Get(col)
			if !ok {
				return false
			}
			for _, re := range res {
				if re.MatchString(v) {
					return want
				}
			}
			return !want
		}, nil
	}
}

func bindOrEquals(args []string) (Predicate, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("orEquals takes column, value pairs, got %d arguments", len(args))
	}
	return func(row Row) bool {
		for i := 0; i < len(args); i += 2 {
			if v, ok := row.Get(args[i]); ok && v == args[i+1] {
				return true
			}
		}
		return false
	}, nil
}

// County filtering reads the patient address first and then the ordering
// facility address; state and county must come from the same address.
var countyColumns = [][2]string{
	{"patient_state", "patient_county"},
	{"ordering_facility_state", "ordering_facility_county"},
}

func bindFilterByCounty(args []string) (Predicate, error) {
	state, county := args[0], normalizeCounty(args[1])
	return func(row Row) bool {
		for _, cols := range countyColumns {
			s, _ := row.Get(cols[0])
			c, _ := row.Get(cols[1])
			if strings.EqualFold(s, state) && normalizeCounty(c) == county && county != "" {
				return true
			}
		}
		return false
	}, nil
}

func normalizeCounty(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSpace(strings.TrimSuffix(s, " county"))
}

// Date columns are HL7 (yyyyMMdd[HHmm[ss]][zone]) or ISO 8601 dates.
var dateLayouts = []string{
	"20060102150405-0700",
	"200601021504-0700",
	"20060102150405",
	"200601021504",
	"20060102",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// bindInDateInterval keeps rows whose date column falls in [start, end).
func bindInDateInterval(args []string) (Predicate, error) {
	col := args[0]
	start, ok := parseDate(args[1])
	if !ok {
		return nil, fmt.Errorf("invalid start date %q", args[1])
	}
	end, ok := parseDate(args[2])
	if !ok {
		return nil, fmt.Errorf("invalid end date %q", args[2])
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("start date %s is not before end date %s", args[1], args[2])
	}
	return func(row Row) bool {
		v, ok := row.Get(col)
		if !ok {
			return false
		}
		t, ok := parseDate(v)
		return ok && !t.Before(start) && t.Before(end)
	}, nil
}

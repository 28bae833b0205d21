package filter

import (
	"fmt"

	"github.com/rs/zerolog"
)

// ReverseQualityFilter is the pseudo call cited by audit entries when a
// receiver asks for the rows its quality filter rejects.
const ReverseQualityFilter = "reverseTheQualityFilter"

// Target is one receiver's filter configuration.
type Target struct {
	Organization string
	Receiver     string
	Topic        string
	// OrganizationFilters and ReceiverFilters are the configured lists;
	// unset lists inherit.
	OrganizationFilters Set
	ReceiverFilters     Set
	// ReverseQualityFilter keeps only the rows the quality filter drops.
	ReverseQualityFilter bool
}

// Name is "<org>.<receiver>".
func (t Target) Name() string { return t.Organization + "." + t.Receiver }

// Decision is the outcome of routing one table to one receiver.
type Decision struct {
	Organization string       `json:"organization"`
	Receiver     string       `json:"receiver"`
	Filters      Set          `json:"filters"`
	Kept         []Row        `json:"-"`
	Audit        []AuditEntry `json:"audit"`
}

// Indices returns the table indices of the kept rows.
func (d *Decision) Indices() []int {
	out := make([]int, len(d.Kept))
	for i, r := range d.Kept {
		out[i] = r.Index()
	}
	return out
}

// Router evaluates receivers' filters with a fixed catalog and fixed
// defaults. It holds no mutable state and is safe for concurrent use.
type Router struct {
	registry *Registry
	defaults *Defaults
	logger   zerolog.Logger
}

func NewRouter(reg *Registry, defaults *Defaults, logger zerolog.Logger) *Router {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if defaults == nil {
		defaults = BuiltinDefaults()
	}
	return &Router{registry: reg, defaults: defaults, logger: logger}
}

func (r *Router) Registry() *Registry { return r.registry }

func (r *Router) Defaults() *Defaults { return r.defaults }

type compiled struct {
	set     Set
	filters map[Type]*Filter
}

// compile resolves the effective filters of t and compiles them, reporting
// every bad call.
func (r *Router) compile(t Target) (*compiled, error) {
	set, err := r.defaults.Resolve(t.Topic, t.OrganizationFilters, t.ReceiverFilters)
	if err != nil {
		return nil, &ConfigurationError{Errors: []CallError{{Location: t.Name(), Message: err.Error()}}}
	}
	c := &compiled{set: set, filters: make(map[Type]*Filter, len(Types))}
	cfg := &ConfigurationError{}
	for _, ft := range Types {
		f, err := Compile(r.registry, fmt.Sprintf("%s.%s", t.Name(), ft), set.Get(ft))
		if err != nil {
			cfg.Add(err)
			continue
		}
		c.filters[ft] = f
	}
	if err := cfg.OrNil(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports configuration errors of t without evaluating rows.
func (r *Router) Validate(t Target) error {
	_, err := r.compile(t)
	return err
}

// Evaluate applies the jurisdictional, quality, routing and processing mode
// filters of t to every row of table, in that order. A configuration error
// is returned before any row is evaluated.
func (r *Router) Evaluate(t Target, table *Table) (*Decision, error) {
	c, err := r.compile(t)
	if err != nil {
		return nil, err
	}
	d := &Decision{Organization: t.Organization, Receiver: t.Receiver, Filters: c.set}
	rows := table.Rows()
	for _, ft := range Types {
		ctx := AuditContext{Organization: t.Organization, Receiver: t.Receiver, Type: ft}
		var audit []AuditEntry
		if ft == Quality && t.ReverseQualityFilter {
			rows, audit = reverse(c.filters[ft], rows, ctx)
		} else {
			rows, audit = Apply(c.filters[ft], rows, ctx)
		}
		d.Audit = append(d.Audit, audit...)
	}
	d.Kept = rows

	r.logger.Debug().
		Str("receiver", t.Name()).
		Str("topic", t.Topic).
		Int("rows", table.Len()).
		Int("kept", len(rows)).
		Msg("filters evaluated")
	return d, nil
}

// reverse keeps the rows f rejects and audits the ones it accepts.
func reverse(f *Filter, rows []Row, ctx AuditContext) ([]Row, []AuditEntry) {
	var kept []Row
	var audit []AuditEntry
	pseudo := Call{Name: ReverseQualityFilter}
	for _, row := range rows {
		if ok, _ := f.Check(row); ok {
			audit = append(audit, newAuditEntry(ctx, pseudo, row))
			continue
		}
		kept = append(kept, row)
	}
	return kept, audit
}

package settings

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/ehr/labroute/internal/domain/filter"
)

// ValidationError lists structural problems of a settings document.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("settings: %d problems: %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks the document and compiles every filter, including the
// topic defaults, against reg. Structural problems are a *ValidationError; bad filter
// calls are one *filter.ConfigurationError locating each call. Both are
// returned together.
func (s *Settings) Validate(reg *filter.Registry) error {
	v := &validator{reg: reg, cfg: &filter.ConfigurationError{}}
	defaults := s.FilterDefaults()
	v.cfg.Add(defaults.Validate(reg))

	for _, name := range topicNames(s.Topics) {
		v.problems = append(v.problems, s.Topics[name].Validate()...)
	}

	orgs := make(map[string]bool)
	for i, o := range s.Organizations {
		if o == nil {
			v.problem("organizations[%d] is empty", i)
			continue
		}
		if o.Name == "" {
			v.problem("organizations[%d] has no name", i)
		} else if orgs[o.Name] {
			v.problem("duplicate organization %s", o.Name)
		}
		if strings.Contains(o.Name, ".") {
			v.problem("organization name %s must not contain '.'", o.Name)
		}
		orgs[o.Name] = true
		v.organization(o, defaults)
	}

	var problems error
	if len(v.problems) > 0 {
		problems = &ValidationError{Problems: v.problems}
	}
	return multierr.Combine(problems, v.cfg.OrNil())
}

// FilterDefaults builds the per-topic defaults with the document's
// overrides applied.
func (s *Settings) FilterDefaults() *filter.Defaults {
	return filter.NewDefaults(s.DefaultFilters)
}

type validator struct {
	reg      *filter.Registry
	cfg      *filter.ConfigurationError
	problems []string
}

func (v *validator) problem(format string, args ...interface{}) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) organization(o *Organization, defaults *filter.Defaults) {
	switch o.Jurisdiction {
	case JurisdictionFederal, JurisdictionState:
	case JurisdictionCounty:
		if o.CountyName == "" {
			v.problem("%s: county organizations need countyName", o.Name)
		}
	default:
		v.problem("%s: unknown jurisdiction %q", o.Name, o.Jurisdiction)
	}

	for _, tf := range o.Filters {
		if _, ok := defaults.For(tf.Topic); !ok {
			v.problem("%s: filters for unknown topic %q", o.Name, tf.Topic)
			continue
		}
		v.filters(fmt.Sprintf("%s.filters[%s]", o.Name, tf.Topic), tf.Set)
	}

	senders := make(map[string]bool)
	for _, snd := range o.Senders {
		name := o.Name + "." + snd.Name
		if snd.Name == "" || senders[snd.Name] {
			v.problem("%s: sender name missing or duplicated", name)
		}
		senders[snd.Name] = true
		if _, ok := defaults.For(snd.Topic); !ok {
			v.problem("%s: unknown topic %q", name, snd.Topic)
		}
		switch snd.Format {
		case FormatHL7:
			if snd.SchemaName == "" {
				v.problem("%s: HL7 senders need schemaName", name)
			}
		case FormatFHIR:
		default:
			v.problem("%s: unsupported sender format %q", name, snd.Format)
		}
	}

	receivers := make(map[string]bool)
	for _, r := range o.Receivers {
		name := r.FullName()
		if r.Name == "" || receivers[r.Name] {
			v.problem("%s: receiver name missing or duplicated", name)
		}
		receivers[r.Name] = true
		if _, ok := defaults.For(r.Topic); !ok {
			v.problem("%s: unknown topic %q", name, r.Topic)
		}
		switch r.CustomerStatus {
		case StatusActive, StatusInactive, StatusTesting:
		default:
			v.problem("%s: unknown customerStatus %q", name, r.CustomerStatus)
		}
		switch r.Translation.Format {
		case FormatHL7:
			if r.Translation.SchemaName == "" {
				v.problem("%s: HL7 translation needs schemaName", name)
			}
		case FormatFHIR, FormatCSV:
		default:
			v.problem("%s: unsupported translation format %q", name, r.Translation.Format)
		}
		if r.Timing != nil {
			switch r.Timing.Operation {
			case BatchNone, BatchMerge:
			default:
				v.problem("%s: unknown batch operation %q", name, r.Timing.Operation)
			}
		}
		if r.Transport != nil {
			for _, p := range validateTransport(r.Transport.Transport) {
				v.problem("%s: transport: %s", name, p)
			}
		}
		v.filters(name, r.Set)
	}
}

func (v *validator) filters(location string, s filter.Set) {
	for _, t := range filter.Types {
		_, err := filter.Compile(v.reg, location+"."+string(t), s.Get(t))
		v.cfg.Add(err)
	}
}

func topicNames(m map[string]*Topic) []string {
	keys := make(map[string]string, len(m))
	for k := range m {
		keys[k] = k
	}
	return sortedKeys(keys)
}

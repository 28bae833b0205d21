package filter

import (
	"fmt"
	"sort"
)

// Topics known to the built-in defaults.
const (
	TopicCovid19  = "covid-19"
	TopicFullELR  = "full-elr"
	TopicETORTI   = "etor-ti"
	TopicELRELIMS = "elr-elims"
)

// Defaults holds the per-topic filters receivers fall back to. A Defaults
// value never changes after construction; For returns copies.
type Defaults struct {
	topics map[string]Set
}

var builtinTopics = map[string]Set{
	TopicCovid19: {
		JurisdictionalFilter: []string{"allowNone()"},
		QualityFilter: []string{
			"hasValidDataFor(message_id, equipment_model_name, specimen_type, test_result, patient_last_name, patient_first_name, patient_dob)",
			"hasAtLeastOneOf(patient_street, patient_zip_code, patient_phone_number, patient_email)",
			"hasAtLeastOneOf(order_test_date, specimen_collection_date_time, test_result_date)",
			"isValidCLIA(testing_lab_clia, reporting_facility_clia)",
		},
		RoutingFilter:        []string{"allowAll()"},
		ProcessingModeFilter: []string{"doesNotMatch(processing_mode_code, T, D)"},
	},
	TopicFullELR: {
		JurisdictionalFilter: []string{"allowNone()"},
		QualityFilter: []string{
			"hasValidDataFor(message_id, patient_last_name, patient_first_name, patient_dob, test_result)",
			"hasAtLeastOneOf(specimen_collection_date_time, test_result_date)",
		},
		RoutingFilter:        []string{"allowAll()"},
		ProcessingModeFilter: []string{"doesNotMatch(processing_mode_code, T, D)"},
	},
	TopicETORTI: {
		JurisdictionalFilter: []string{"allowAll()"},
		QualityFilter:        []string{"allowAll()"},
		RoutingFilter:        []string{"allowAll()"},
		ProcessingModeFilter: []string{"allowAll()"},
	},
	TopicELRELIMS: {
		JurisdictionalFilter: []string{"allowNone()"},
		QualityFilter:        []string{"allowAll()"},
		RoutingFilter:        []string{"allowAll()"},
		ProcessingModeFilter: []string{"allowAll()"},
	},
}

// BuiltinDefaults returns the defaults shipped with the engine.
func BuiltinDefaults() *Defaults {
	return NewDefaults(nil)
}

// NewDefaults layers overrides over the built-in topics. An override list
// replaces the built-in one; unset lists keep it. New topics must set all
// four filters or they keep every row for the missing ones.
func NewDefaults(overrides map[string]Set) *Defaults {
	d := &Defaults{topics: make(map[string]Set, len(builtinTopics)+len(overrides))}
	for name, s := range builtinTopics {
		d.topics[name] = s.clone()
	}
	for name, s := range overrides {
		d.topics[name] = s.clone().Inherit(d.topics[name])
	}
	return d
}

// For returns a copy of the defaults of topic.
func (d *Defaults) For(topic string) (Set, bool) {
	s, ok := d.topics[topic]
	if !ok {
		return Set{}, false
	}
	return s.clone(), true
}

func (d *Defaults) Topics() []string {
	names := make([]string, 0, len(d.topics))
	for n := range d.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the effective filters of a receiver: its own lists, then
// its organization's, then the topic defaults.
func (d *Defaults) Resolve(topic string, org, receiver Set) (Set, error) {
	def, ok := d.For(topic)
	if !ok {
		return Set{}, fmt.Errorf("unknown topic %q", topic)
	}
	return receiver.Inherit(org).Inherit(def), nil
}

// Validate compiles every default filter against reg.
func (d *Defaults) Validate(reg *Registry) error {
	cfg := &ConfigurationError{}
	for _, topic := range d.Topics() {
		s := d.topics[topic]
		for _, t := range Types {
			_, err := Compile(reg, fmt.Sprintf("defaults.%s.%s", topic, t), s.Get(t))
			cfg.Add(err)
		}
	}
	return cfg.OrNil()
}

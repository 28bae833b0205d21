// Package settings holds the organization configuration: who sends reports,
// who receives them, how each receiver's copy is filtered, translated and
// delivered.
package settings

import (
	"fmt"
	"strings"

	"github.com/ehr/labroute/internal/domain/filter"
)

// Jurisdiction of an organization.
type Jurisdiction string

const (
	JurisdictionFederal Jurisdiction = "FEDERAL"
	JurisdictionState   Jurisdiction = "STATE"
	JurisdictionCounty  Jurisdiction = "COUNTY"
)

// Format of a report body.
type Format string

const (
	FormatHL7  Format = "HL7"
	FormatFHIR Format = "FHIR"
	FormatCSV  Format = "CSV"
)

// CustomerStatus gates delivery to a receiver.
type CustomerStatus string

const (
	StatusActive   CustomerStatus = "active"
	StatusInactive CustomerStatus = "inactive"
	StatusTesting  CustomerStatus = "testing"
)

// Settings is the full configuration document.
type Settings struct {
	Organizations []*Organization `yaml:"organizations" json:"organizations"`
	// DefaultFilters override the built-in per-topic filter defaults.
	DefaultFilters map[string]filter.Set `yaml:"defaultFilters,omitempty" json:"defaultFilters,omitempty"`
	// Topics override or add row mappings.
	Topics map[string]*Topic `yaml:"topics,omitempty" json:"topics,omitempty"`
}

type Organization struct {
	Name         string       `yaml:"name" json:"name"`
	Description  string       `yaml:"description,omitempty" json:"description,omitempty"`
	Jurisdiction Jurisdiction `yaml:"jurisdiction" json:"jurisdiction"`
	StateCode    string       `yaml:"stateCode,omitempty" json:"stateCode,omitempty"`
	CountyName   string       `yaml:"countyName,omitempty" json:"countyName,omitempty"`
	// Filters are organization-wide per-topic filters inherited by the
	// organization's receivers.
	Filters   []TopicFilters `yaml:"filters,omitempty" json:"filters,omitempty"`
	Senders   []*Sender      `yaml:"senders,omitempty" json:"senders,omitempty"`
	Receivers []*Receiver    `yaml:"receivers,omitempty" json:"receivers,omitempty"`
}

// TopicFilters are the organization filters of one topic.
type TopicFilters struct {
	Topic      string `yaml:"topic" json:"topic"`
	filter.Set `yaml:",inline"`
}

// FiltersFor returns the organization's filters for topic. Unset lists
// inherit.
func (o *Organization) FiltersFor(topic string) filter.Set {
	for _, tf := range o.Filters {
		if tf.Topic == topic {
			return tf.Set
		}
	}
	return filter.Set{}
}

func (o *Organization) Receiver(name string) *Receiver {
	for _, r := range o.Receivers {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (o *Organization) Sender(name string) *Sender {
	for _, s := range o.Senders {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Sender submits reports of one topic in one format.
type Sender struct {
	Name   string `yaml:"name" json:"name"`
	Topic  string `yaml:"topic" json:"topic"`
	Format Format `yaml:"format" json:"format"`
	// SchemaName converts submissions to FHIR. HL7 senders name an
	// hl7-to-fhir schema; FHIR senders may name a fhir-transform schema.
	SchemaName     string         `yaml:"schemaName,omitempty" json:"schemaName,omitempty"`
	CustomerStatus CustomerStatus `yaml:"customerStatus,omitempty" json:"customerStatus,omitempty"`
}

// Receiver is one destination of an organization.
type Receiver struct {
	Name           string         `yaml:"name" json:"name"`
	Topic          string         `yaml:"topic" json:"topic"`
	CustomerStatus CustomerStatus `yaml:"customerStatus" json:"customerStatus"`
	Translation    Translation    `yaml:"translation" json:"translation"`

	filter.Set              `yaml:",inline"`
	ReverseTheQualityFilter bool `yaml:"reverseTheQualityFilter,omitempty" json:"reverseTheQualityFilter,omitempty"`

	Timing    *Timing          `yaml:"timing,omitempty" json:"timing,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty" json:"transport,omitempty"`

	// organization is set by Load.
	organization *Organization
}

// FullName is "<org>.<receiver>".
func (r *Receiver) FullName() string {
	if r.organization == nil {
		return r.Name
	}
	return r.organization.Name + "." + r.Name
}

func (r *Receiver) Organization() *Organization { return r.organization }

// Active reports whether reports are routed to the receiver.
func (r *Receiver) Active() bool {
	return r.CustomerStatus == StatusActive || r.CustomerStatus == StatusTesting
}

// Target builds the filter configuration of the receiver.
func (r *Receiver) Target() filter.Target {
	t := filter.Target{
		Receiver:             r.Name,
		Topic:                r.Topic,
		ReceiverFilters:      r.Set,
		ReverseQualityFilter: r.ReverseTheQualityFilter,
	}
	if r.organization != nil {
		t.Organization = r.organization.Name
		t.OrganizationFilters = r.organization.FiltersFor(r.Topic)
	}
	return t
}

// Translation describes the format a receiver expects.
type Translation struct {
	Format Format `yaml:"format" json:"format"`
	// SchemaName is a fhir-to-hl7 schema for HL7 receivers or a
	// fhir-transform schema for FHIR receivers.
	SchemaName string `yaml:"schemaName,omitempty" json:"schemaName,omitempty"`
	// UseBatchHeaders wraps batched HL7 output in FHS/BHS segments.
	UseBatchHeaders bool   `yaml:"useBatchHeaders,omitempty" json:"useBatchHeaders,omitempty"`
	ReceivingApp    string `yaml:"receivingApplication,omitempty" json:"receivingApplication,omitempty"`
	ReceivingFac    string `yaml:"receivingFacility,omitempty" json:"receivingFacility,omitempty"`
}

// BatchOperation selects how the batch stage groups reports.
type BatchOperation string

const (
	BatchNone  BatchOperation = "NONE"
	BatchMerge BatchOperation = "MERGE"
)

// Timing controls batching of a receiver's reports.
type Timing struct {
	Operation      BatchOperation `yaml:"operation" json:"operation"`
	MaxReportCount int            `yaml:"maxReportCount,omitempty" json:"maxReportCount,omitempty"`
}

// SplitName splits "<org>.<receiver>".
func SplitName(full string) (org, name string, err error) {
	i := strings.IndexByte(full, '.')
	if i <= 0 || i == len(full)-1 {
		return "", "", fmt.Errorf("invalid receiver name %q: expected <org>.<receiver>", full)
	}
	return full[:i], full[i+1:], nil
}

package settings

import (
	"fmt"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/platform/fhir"
)

// Topic describes how filter rows are read from FHIR bundles. Each bundle is
// one item and becomes one row; every column is a FHIRPath expression
// evaluated with the bundle as focus. The first result is the cell value.
type Topic struct {
	Name           string            `yaml:"-" json:"name"`
	TrackingColumn string            `yaml:"trackingColumn" json:"trackingColumn"`
	Columns        map[string]string `yaml:"columns" json:"columns"`
}

const (
	patient        = "Bundle.entry.resource.ofType(Patient)"
	observation    = "Bundle.entry.resource.ofType(Observation)"
	specimen       = "Bundle.entry.resource.ofType(Specimen)"
	serviceRequest = "Bundle.entry.resource.ofType(ServiceRequest)"
	messageHeader  = "Bundle.entry.resource.ofType(MessageHeader)"
	orderingOrg    = serviceRequest + ".requester.resolve().organization.resolve()"
	cliaSystem     = "'urn:oid:2.16.840.1.113883.4.7'"
)

var labColumns = map[string]string{
	"message_id":                    "Bundle.identifier.value",
	"patient_last_name":             patient + ".name.family",
	"patient_first_name":            patient + ".name.given",
	"patient_dob":                   patient + ".birthDate",
	"patient_street":                patient + ".address.line",
	"patient_zip_code":              patient + ".address.postalCode",
	"patient_state":                 patient + ".address.state",
	"patient_county":                patient + ".address.district",
	"patient_phone_number":          patient + ".telecom.where(system = 'phone').value",
	"patient_email":                 patient + ".telecom.where(system = 'email').value",
	"ordering_facility_state":       orderingOrg + ".address.state",
	"ordering_facility_county":      orderingOrg + ".address.district",
	"testing_lab_clia":              observation + ".performer.resolve().identifier.where(system = " + cliaSystem + ").value",
	"reporting_facility_clia":       messageHeader + ".sender.resolve().identifier.where(system = " + cliaSystem + ").value",
	"specimen_type":                 specimen + ".type.coding.code",
	"specimen_collection_date_time": specimen + ".collection.collected",
	"order_test_date":               serviceRequest + ".authoredOn",
	"test_result":                   observation + ".value.coding.code",
	"test_result_date":              observation + ".issued",
	"equipment_model_name":          "Bundle.entry.resource.ofType(Device).deviceName.name",
	"processing_mode_code":          messageHeader + ".meta.tag.where(system = 'http://terminology.hl7.org/CodeSystem/v2-0103').code",
}

// DefaultTopics returns the row mappings of the built-in topics.
func DefaultTopics() map[string]*Topic {
	out := make(map[string]*Topic)
	for _, name := range []string{filter.TopicCovid19, filter.TopicFullELR, filter.TopicETORTI, filter.TopicELRELIMS} {
		cols := make(map[string]string, len(labColumns))
		for k, v := range labColumns {
			cols[k] = v
		}
		out[name] = &Topic{Name: name, TrackingColumn: "message_id", Columns: cols}
	}
	return out
}

// Validate compiles every column expression.
func (t *Topic) Validate() []string {
	var problems []string
	for _, col := range sortedKeys(t.Columns) {
		if _, err := fhir.Compile(t.Columns[col]); err != nil {
			problems = append(problems, fmt.Sprintf("topic %s column %s: %v", t.Name, col, err))
		}
	}
	if t.TrackingColumn != "" {
		if _, ok := t.Columns[t.TrackingColumn]; !ok {
			problems = append(problems, fmt.Sprintf("topic %s: tracking column %s has no mapping", t.Name, t.TrackingColumn))
		}
	}
	return problems
}

// CellError is a column expression that failed on one item.
type CellError struct {
	Index  int    `json:"index"`
	ItemID string `json:"itemId,omitempty"`
	Column string `json:"column"`
	Error  string `json:"error"`
}

// Table builds the filter table of a batch of bundles, one row per bundle
// in order. An expression that fails leaves its cell blank, which filters
// read as no data, and is returned as a CellError.
func (t *Topic) Table(engine *fhir.Engine, bundles []map[string]interface{}) (*filter.Table, []CellError, error) {
	cols := sortedKeys(t.Columns)
	exprs := make([]*fhir.Expression, len(cols))
	for i, c := range cols {
		x, err := engine.Compile(t.Columns[c])
		if err != nil {
			return nil, nil, fmt.Errorf("topic %s column %s: %w", t.Name, c, err)
		}
		exprs[i] = x
	}
	var cellErrs []CellError
	rows := make([][]string, len(bundles))
	for i, b := range bundles {
		rows[i] = make([]string, len(cols))
		env := fhir.Env{Resource: b, Bundle: b}
		for j, x := range exprs {
			out, err := x.Evaluate([]interface{}{b}, env)
			if err != nil {
				cellErrs = append(cellErrs, CellError{Index: i, Column: cols[j], Error: err.Error()})
				continue
			}
			if len(out) > 0 {
				rows[i][j], _ = fhir.Text(out[0])
			}
		}
	}
	table, err := filter.NewTable(cols, rows, t.TrackingColumn)
	if err != nil {
		return nil, nil, err
	}
	for k := range cellErrs {
		cellErrs[k].ItemID = table.Row(cellErrs[k].Index).ID()
	}
	return table, cellErrs, nil
}

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/platform/blobstore"
	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

const testSettings = `
organizations:
  - name: lab
    jurisdiction: FEDERAL
    senders:
      - name: hl7
        topic: etor-ti
        format: HL7
        schemaName: hl7/oru
        customerStatus: active
      - name: fhir
        topic: etor-ti
        format: FHIR
        customerStatus: active
  - name: ca
    jurisdiction: STATE
    stateCode: CA
    receivers:
      - name: elr
        topic: etor-ti
        customerStatus: active
        jurisdictionalFilter: ["matches(patient_state, CA)"]
        translation:
          format: HL7
          schemaName: fhir/oru
          useBatchHeaders: true
          receivingApplication: CA-ELR
        timing:
          operation: MERGE
          maxReportCount: 10
        transport:
          type: BLOB
          prefix: outbound/ca
  - name: tx
    jurisdiction: STATE
    stateCode: TX
    receivers:
      - name: csv
        topic: etor-ti
        customerStatus: active
        jurisdictionalFilter: ["matches(patient_state, TX)"]
        translation:
          format: CSV
        timing:
          operation: NONE
        transport:
          type: NULL
      - name: archive
        topic: etor-ti
        customerStatus: inactive
        translation:
          format: FHIR
        transport:
          type: NULL
`

var testSchemas = map[string]string{
	"hl7/oru.yml": `
elements:
  - name: family
    value: PID-5-1
    bundleProperty: Patient.name[0].family
  - name: state
    value: PID-11-4
    bundleProperty: Patient.address[0].state
  - name: results
    resource: OBX
    resourceIndex: i
    schema: result
`,
	"hl7/result.yml": `
elements:
  - name: code
    value: OBX-3
    required: true
    bundleProperty: "Observation(%{i}).code.text"
`,
	"fhir/oru.yml": `
hl7Type: ORU^R01
hl7Version: "2.5.1"
elements:
  - name: receiving-app
    value: "%receivingApplication"
    hl7Spec: MSH-5
  - name: family
    value: Bundle.entry.resource.ofType(Patient).name.family
    hl7Spec: PID-5-1
`,
}

func message(control, family, state string) string {
	return "MSH|^~\\&|LAB|FAC|||20240301120000||ORU^R01|" + control + "|P|2.5.1\r" +
		"PID|1||" + control + "^^^FAC||" + family + "^Jane||19800101|F|||1 Main^^Town^" + state + "^00000\r" +
		"OBX|1|NM|WBC||5.0\r"
}

type fixture struct {
	engine  *Engine
	blobs   *blobstore.InMemoryBlobStore
	lineage *lineage.Service
	logs    *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureFrom(t, testSettings)
}

func newFixtureFrom(t *testing.T, doc string) *fixture {
	t.Helper()
	s, err := settings.Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Validate(filter.DefaultRegistry()); err != nil {
		t.Fatalf("test settings are invalid: %v", err)
	}
	logs := &bytes.Buffer{}
	logger := zerolog.New(logs)
	blobs := blobstore.NewInMemoryBlobStore()
	lin := lineage.NewService(lineage.NewMemoryRepo(), logger)
	dispatcher := NewDispatcher()
	dispatcher.Register(settings.TransportBlob, NewBlobTransport(blobs))
	dispatcher.Register(settings.TransportNull, NullTransport{})
	resolver := schema.NewResolver(schema.MapSource(testSchemas), schema.WithTimeout(time.Second))

	e := NewEngine(Config{MaxParallelReceivers: 2}, Deps{
		Settings:   s,
		Schemas:    schema.NewCache(resolver, 0),
		Router:     filter.NewRouter(nil, s.FilterDefaults(), logger),
		Lineage:    lin,
		Blobs:      blobs,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	e.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{engine: e, blobs: blobs, lineage: lin, logs: logs}
}

func TestProcess_RoutesItemsToTheirJurisdictions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := message("M1", "Doe", "CA") + message("M2", "Roe", "TX")

	res, err := f.engine.Process(ctx, Submission{Sender: "lab.hl7", Body: []byte(body)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Submission.ItemCount != 2 || res.Converted.Report.ItemCount != 2 {
		t.Fatalf("expected two items through conversion, got %d and %d", res.Submission.ItemCount, res.Converted.Report.ItemCount)
	}

	if len(res.Route.Decisions) != 2 {
		t.Fatalf("expected decisions for the two active receivers, got %d", len(res.Route.Decisions))
	}
	ca, tx := res.Route.Decisions[0], res.Route.Decisions[1]
	if ca.Receiver != "ca.elr" || len(ca.Kept) != 1 || ca.Kept[0] != 0 {
		t.Errorf("unexpected ca decision %+v", ca)
	}
	if tx.Receiver != "tx.csv" || len(tx.Kept) != 1 || tx.Kept[0] != 1 {
		t.Errorf("unexpected tx decision %+v", tx)
	}
	if len(ca.Audit) != 1 || ca.Audit[0].Index != 1 || ca.Audit[0].Function != "matches" {
		t.Errorf("expected one audit entry for the TX item, got %+v", ca.Audit)
	}

	for _, o := range res.Outcomes {
		if o.Error != "" {
			t.Errorf("%s: %s", o.Receiver, o.Error)
		}
		if len(o.Sent) != 1 {
			t.Fatalf("%s: expected one delivery, got %d", o.Receiver, len(o.Sent))
		}
		root, err := f.lineage.GetRootReport(ctx, o.Sent[0].ID)
		if err != nil {
			t.Fatal(err)
		}
		if root == nil || root.ID != res.Submission.ID {
			t.Errorf("%s: delivery does not lead back to the submission", o.Receiver)
		}
	}

	sent := res.Outcomes[0].Sent[0]
	if !strings.HasPrefix(sent.BodyLocation, "blob://outbound/ca/ca-elr-") {
		t.Fatalf("unexpected location %s", sent.BodyLocation)
	}
	data, _, err := blobstore.ReadAll(ctx, f.blobs, strings.TrimPrefix(sent.BodyLocation, "blob://"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "BHS|") || !strings.HasSuffix(string(data), "BTS|1") {
		t.Errorf("expected a batch envelope, got %q", data)
	}
	msgs, err := hl7v2.SplitBatch(data)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one message in the batch: %v", err)
	}
	msg, err := hl7v2.Parse(msgs[0])
	if err != nil {
		t.Fatal(err)
	}
	fs, _ := hl7v2.ParseFieldSpec("PID-5-1")
	if got := msg.Lookup(fs); got != "Doe" {
		t.Errorf("expected Doe in PID-5-1, got %q", got)
	}
	if loc := res.Outcomes[1].Sent[0].BodyLocation; !strings.HasPrefix(loc, "null://tx-csv-") || !strings.HasSuffix(loc, ".csv") {
		t.Errorf("unexpected null location %s", loc)
	}
}

func TestRoute_ReportsColumnFailures(t *testing.T) {
	f := newFixtureFrom(t, testSettings+`
topics:
  etor-ti:
    columns:
      patient_state: "Bundle.entry.resource.ofType(Patient).address.state.matches('(')"
`)
	ctx := context.Background()
	received, err := f.engine.Receive(ctx, Submission{Sender: "lab.hl7", Body: []byte(message("M1", "Doe", "CA"))})
	if err != nil {
		t.Fatal(err)
	}
	converted, err := f.engine.Convert(ctx, received.ID)
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Route(ctx, converted.Report.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.CellErrors) != 1 || res.CellErrors[0].Column != "patient_state" || res.CellErrors[0].Index != 0 {
		t.Fatalf("expected one patient_state failure, got %+v", res.CellErrors)
	}
	for _, d := range res.Decisions {
		if len(d.Kept) != 0 {
			t.Errorf("%s: a blank state must not pass the jurisdictional filter", d.Receiver)
		}
	}
	logs := f.logs.String()
	if !strings.Contains(logs, `"column":"patient_state"`) || !strings.Contains(logs, `"report_id":"`+converted.Report.ID.String()+`"`) {
		t.Errorf("expected the failure to be logged against the report, got %s", logs)
	}
	if !strings.Contains(logs, "invalid regex") {
		t.Errorf("expected the evaluation error in the log, got %s", logs)
	}
}

// cancellingTransport cancels the run it delivers for.
type cancellingTransport struct{ cancel context.CancelFunc }

func (c cancellingTransport) Send(context.Context, *settings.Receiver, *Delivery) (string, error) {
	c.cancel()
	return "blob://cancelled", nil
}

func TestProcess_CancelStopsPendingReceivers(t *testing.T) {
	f := newFixture(t)
	f.engine.cfg.MaxParallelReceivers = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.engine.dispatcher.Register(settings.TransportBlob, cancellingTransport{cancel: cancel})

	body := message("M1", "Doe", "CA") + message("M2", "Roe", "TX")
	res, err := f.engine.Process(ctx, Submission{Sender: "lab.hl7", Body: []byte(body)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(res.Outcomes) != 2 || res.Outcomes[0] == nil {
		t.Fatalf("expected the first receiver to have run, got %+v", res.Outcomes)
	}
	if res.Outcomes[1] != nil {
		t.Errorf("receiver after cancellation should not run, got %+v", res.Outcomes[1])
	}
}

func TestConvert_DropsFailedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := "MSH|^~\\&|LAB|FAC|||20240301120000||ORU^R01|M3|P|2.5.1\rPID|1||M3||Poe^Jane\rOBX|1|NM|||5.0\r"
	body := message("M1", "Doe", "CA") + bad

	received, err := f.engine.Receive(ctx, Submission{Sender: "lab.hl7", Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Convert(ctx, received.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Report.ItemCount != 1 || len(res.Errors) != 1 || res.Errors[0].Index != 1 {
		t.Errorf("expected the second item to be dropped, got %d items and %+v", res.Report.ItemCount, res.Errors)
	}
	if !strings.Contains(f.logs.String(), `"level":"warn"`) {
		t.Error("expected the dropped item to be logged")
	}
}

func TestReceive_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.engine.Receive(ctx, Submission{Sender: "nobody.hl7", Body: []byte(message("M1", "Doe", "CA"))}); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("expected ErrUnknownSender, got %v", err)
	}
	if _, err := f.engine.Receive(ctx, Submission{Sender: "lab.fhir", Body: []byte("\n\n")}); !errors.Is(err, ErrNoItems) {
		t.Errorf("expected ErrNoItems, got %v", err)
	}
}

func TestStages_RejectReportsFromOtherStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	received, err := f.engine.Receive(ctx, Submission{Sender: "lab.hl7", Body: []byte(message("M1", "Doe", "CA"))})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Route(ctx, received.ID); !errors.Is(err, ErrWrongStage) {
		t.Errorf("expected ErrWrongStage, got %v", err)
	}
	if _, err := f.engine.Send(ctx, uuid.New()); !errors.Is(err, lineage.ErrReportNotFound) {
		t.Errorf("expected ErrReportNotFound, got %v", err)
	}
}

func TestBatch_NoneWritesOneFilePerItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := message("M1", "Roe", "TX") + message("M2", "Poe", "TX") + message("M3", "Moe", "TX")
	received, err := f.engine.Receive(ctx, Submission{Sender: "lab.hl7", Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := f.engine.Convert(ctx, received.ID)
	if err != nil {
		t.Fatal(err)
	}
	route, err := f.engine.Route(ctx, conv.Report.ID)
	if err != nil {
		t.Fatal(err)
	}
	routed := route.Reports()
	if len(routed) != 1 || routed[0].Receiver != "tx.csv" || routed[0].ItemCount != 3 {
		t.Fatalf("expected all three items routed to tx.csv, got %+v", routed)
	}
	tr, err := f.engine.Translate(ctx, routed[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	batches, err := f.engine.Batch(ctx, tr.Report.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected three files, got %d", len(batches))
	}
	data, _, err := blobstore.ReadAll(ctx, f.blobs, batches[0].BodyLocation)
	if err != nil {
		t.Fatal(err)
	}
	table, err := filter.ReadCSV(bytes.NewReader(data), "")
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := table.Row(0).Get("patient_last_name"); table.Len() != 1 || v != "Roe" {
		t.Errorf("unexpected first file %q", data)
	}
}

func TestDispatcher_UnregisteredTransport(t *testing.T) {
	s, err := settings.Parse([]byte(`
organizations:
  - name: o
    jurisdiction: FEDERAL
    receivers:
      - name: r
        transport: {type: SFTP, host: h, filePath: /in}
`))
	if err != nil {
		t.Fatal(err)
	}
	rcv, _ := s.Receiver("o.r")
	_, err = NewDispatcher().Send(context.Background(), rcv, &Delivery{Filename: "x"})
	if !errors.Is(err, ErrNoTransport) {
		t.Errorf("expected ErrNoTransport, got %v", err)
	}
}

func TestFHIRSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := fhir.NewBundle("message", "b1")
	patient, _ := fhir.FindOrCreate(b, "Patient", 0)
	patient["address"] = []interface{}{map[string]interface{}{"state": "TX"}}
	body, err := fhir.EncodeNDJSON([]map[string]interface{}{b})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Process(ctx, Submission{Sender: "lab.fhir", Body: body})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].Receiver != "tx.csv" || res.Outcomes[0].Error != "" {
		t.Errorf("unexpected outcomes %+v", res.Outcomes)
	}
}

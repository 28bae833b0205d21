package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/schema"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/domain/translation"
	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// Submission is a payload posted by a sender.
type Submission struct {
	// Sender is "<organization>.<sender>".
	Sender string
	Body   []byte
}

// ItemError is an item dropped by a stage.
type ItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// StageResult is the report a stage wrote and the items it dropped.
type StageResult struct {
	Report *lineage.Report `json:"report"`
	Errors []ItemError     `json:"errors,omitempty"`
}

// Receive stores a submission as a root report.
func (e *Engine) Receive(ctx context.Context, sub Submission) (*lineage.Report, error) {
	snd, err := e.settings.Sender(sub.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSender, err)
	}
	if snd.CustomerStatus == settings.StatusInactive {
		return nil, fmt.Errorf("%w: %s is inactive", ErrUnknownSender, sub.Sender)
	}

	var n int
	switch snd.Format {
	case settings.FormatHL7:
		msgs, err := hl7v2.SplitBatch(sub.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding submission: %w", err)
		}
		n = len(msgs)
	case settings.FormatFHIR:
		docs, err := fhir.ReadNDJSON(bytes.NewReader(sub.Body))
		if err != nil {
			return nil, fmt.Errorf("decoding submission: %w", err)
		}
		n = len(docs)
	default:
		return nil, fmt.Errorf("sender %s: unsupported format %s", sub.Sender, snd.Format)
	}
	if n == 0 {
		return nil, ErrNoItems
	}

	action, err := e.lineage.StartAction(ctx, lineage.StageReceive, "sender="+sub.Sender)
	if err != nil {
		return nil, err
	}
	r := &lineage.Report{Topic: snd.Topic, Format: string(snd.Format), ItemCount: n}
	return e.write(ctx, action, nil, r, sub.Body, map[string]string{"sender": sub.Sender})
}

// Convert turns a received report into FHIR bundles. HL7 submissions go
// through the sender's hl7-to-fhir schema; FHIR submissions are rewritten
// with the sender's fhir-transform schema when one is configured.
func (e *Engine) Convert(ctx context.Context, id uuid.UUID) (*StageResult, error) {
	in, body, meta, err := e.input(ctx, id, lineage.StageReceive)
	if err != nil {
		return nil, err
	}
	snd, err := e.settings.Sender(meta.Tags["sender"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownSender, err)
	}
	constants := map[string]string{"sender": meta.Tags["sender"], "topic": in.Topic}

	res := &StageResult{}
	var bundles []map[string]interface{}
	keep := func(i int, out *translation.Result, err error) {
		switch {
		case err != nil:
			res.Errors = append(res.Errors, ItemError{Index: i, Error: err.Error()})
		case out.Failed():
			res.Errors = append(res.Errors, ItemError{Index: i, Error: out.Err().Error()})
		default:
			bundles = append(bundles, out.Bundle)
		}
	}

	switch settings.Format(in.Format) {
	case settings.FormatHL7:
		s, err := e.schemas.Get(ctx, snd.SchemaName, schema.KindHL7ToFHIR)
		if err != nil {
			return nil, err
		}
		msgs, err := hl7v2.SplitBatch(body)
		if err != nil {
			return nil, err
		}
		conv := translation.NewHL7ToFHIRConverter(e.options())
		for i, raw := range msgs {
			out, err := conv.Evaluate(s, raw, constants)
			keep(i, out, err)
		}
	default:
		docs, err := fhir.ReadNDJSON(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if snd.SchemaName == "" {
			bundles = docs
			break
		}
		s, err := e.schemas.Get(ctx, snd.SchemaName, schema.KindFHIRTransform)
		if err != nil {
			return nil, err
		}
		tr := translation.NewFHIRTransformer(e.options())
		for i, doc := range docs {
			out, err := tr.Transform(s, doc, constants)
			keep(i, out, err)
		}
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w: every item failed conversion: %v", ErrNoItems, itemErrors(res.Errors))
	}

	out, err := fhir.EncodeNDJSON(bundles)
	if err != nil {
		return nil, err
	}
	action, err := e.lineage.StartAction(ctx, lineage.StageConvert, "")
	if err != nil {
		return nil, err
	}
	res.Report, err = e.write(ctx, action, in, &lineage.Report{Format: string(settings.FormatFHIR), ItemCount: len(bundles)}, out, nil)
	if err != nil {
		return nil, err
	}
	e.logDropped(res.Report, res.Errors)
	return res, nil
}

func itemErrors(items []ItemError) error {
	var err error
	for _, it := range items {
		err = multierr.Append(err, fmt.Errorf("item %d: %s", it.Index, it.Error))
	}
	return err
}

func (e *Engine) logDropped(r *lineage.Report, items []ItemError) {
	for _, it := range items {
		e.logger.Warn().
			Str("report_id", r.ID.String()).
			Str("stage", string(r.Stage)).
			Int("index", it.Index).
			Msg(it.Error)
	}
}

func (e *Engine) logCellErrors(r *lineage.Report, errs []settings.CellError) {
	for _, ce := range errs {
		e.logger.Warn().
			Str("report_id", r.ID.String()).
			Int("index", ce.Index).
			Str("item_id", ce.ItemID).
			Str("column", ce.Column).
			Str("error", ce.Error).
			Msg("filter column could not be evaluated")
	}
}

// ReceiverDecision is the outcome of routing one report to one receiver.
type ReceiverDecision struct {
	Receiver string              `json:"receiver"`
	Filters  filter.Set          `json:"filters"`
	Kept     []int               `json:"kept"`
	Audit    []filter.AuditEntry `json:"audit,omitempty"`
	// Report is nil when no item survived the filters.
	Report *lineage.Report `json:"report,omitempty"`
}

type RouteResult struct {
	Input     *lineage.Report    `json:"input"`
	Decisions []ReceiverDecision `json:"decisions"`
	// CellErrors are filter columns that could not be evaluated. Their
	// cells were blank when the filters ran.
	CellErrors []settings.CellError `json:"cellErrors,omitempty"`
}

// Reports returns the routed reports in receiver order.
func (r *RouteResult) Reports() []*lineage.Report {
	var out []*lineage.Report
	for _, d := range r.Decisions {
		if d.Report != nil {
			out = append(out, d.Report)
		}
	}
	return out
}

// Route evaluates the filters of every active receiver of the report's
// topic and writes one report per receiver holding the surviving items.
// Receivers are evaluated concurrently.
func (e *Engine) Route(ctx context.Context, id uuid.UUID) (*RouteResult, error) {
	in, body, _, err := e.input(ctx, id, lineage.StageConvert)
	if err != nil {
		return nil, err
	}
	bundles, err := fhir.ReadNDJSON(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	topic, ok := e.settings.Topic(in.Topic)
	if !ok {
		return nil, fmt.Errorf("report %s: unknown topic %q", in.ID, in.Topic)
	}
	table, cellErrs, err := topic.Table(e.fhir, bundles)
	if err != nil {
		return nil, err
	}
	e.logCellErrors(in, cellErrs)

	receivers := e.settings.Receivers(in.Topic)
	action, err := e.lineage.StartAction(ctx, lineage.StageRoute, fmt.Sprintf("receivers=%d", len(receivers)))
	if err != nil {
		return nil, err
	}

	res := &RouteResult{Input: in, Decisions: make([]ReceiverDecision, len(receivers)), CellErrors: cellErrs}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelReceivers)
	for i, rcv := range receivers {
		i, rcv := i, rcv
		g.Go(func() error {
			d, err := e.router.Evaluate(rcv.Target(), table)
			if err != nil {
				return fmt.Errorf("receiver %s: %w", rcv.FullName(), err)
			}
			out := ReceiverDecision{Receiver: rcv.FullName(), Filters: d.Filters, Kept: d.Indices(), Audit: d.Audit}
			if len(out.Kept) > 0 {
				kept := make([]map[string]interface{}, len(out.Kept))
				for j, idx := range out.Kept {
					kept[j] = bundles[idx]
				}
				body, err := fhir.EncodeNDJSON(kept)
				if err != nil {
					return err
				}
				r := &lineage.Report{Format: string(settings.FormatFHIR), ItemCount: len(kept), Receiver: rcv.FullName()}
				if out.Report, err = e.write(gctx, action, in, r, body, nil); err != nil {
					return fmt.Errorf("receiver %s: %w", rcv.FullName(), err)
				}
			}
			res.Decisions[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range res.Decisions {
		for _, a := range d.Audit {
			e.logger.Info().
				Str("report_id", in.ID.String()).
				Str("receiver", d.Receiver).
				Str("filter_type", string(a.FilterType)).
				Str("item_id", a.ItemID).
				Msg(a.Message)
		}
	}
	return res, nil
}

// Translate renders a routed report in the receiver's format.
func (e *Engine) Translate(ctx context.Context, id uuid.UUID) (*StageResult, error) {
	in, body, _, err := e.input(ctx, id, lineage.StageRoute)
	if err != nil {
		return nil, err
	}
	rcv, err := e.receiver(in)
	if err != nil {
		return nil, err
	}
	bundles, err := fhir.ReadNDJSON(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	tr := rcv.Translation
	constants := map[string]string{"receiver": rcv.FullName()}
	if tr.ReceivingApp != "" {
		constants["receivingApplication"] = tr.ReceivingApp
	}
	if tr.ReceivingFac != "" {
		constants["receivingFacility"] = tr.ReceivingFac
	}

	res := &StageResult{}
	var out []byte
	var items int
	switch tr.Format {
	case settings.FormatHL7:
		s, err := e.schemas.Get(ctx, tr.SchemaName, schema.KindFHIRToHL7)
		if err != nil {
			return nil, err
		}
		conv := translation.NewFHIRToHL7Converter(e.options())
		var msgs []string
		for i, b := range bundles {
			r, err := conv.Convert(s, b, constants)
			if err == nil && r.Failed() {
				err = r.Err()
			}
			if err != nil {
				res.Errors = append(res.Errors, ItemError{Index: i, Error: err.Error()})
				continue
			}
			msgs = append(msgs, string(r.Output))
		}
		out, items = []byte(strings.Join(msgs, "\r")), len(msgs)

	case settings.FormatCSV:
		topic, ok := e.settings.Topic(in.Topic)
		if !ok {
			return nil, fmt.Errorf("report %s: unknown topic %q", in.ID, in.Topic)
		}
		table, cellErrs, err := topic.Table(e.fhir, bundles)
		if err != nil {
			return nil, err
		}
		e.logCellErrors(in, cellErrs)
		var buf bytes.Buffer
		if err := table.WriteCSV(&buf); err != nil {
			return nil, err
		}
		out, items = buf.Bytes(), table.Len()

	default:
		if tr.SchemaName != "" {
			s, err := e.schemas.Get(ctx, tr.SchemaName, schema.KindFHIRTransform)
			if err != nil {
				return nil, err
			}
			t := translation.NewFHIRTransformer(e.options())
			var kept []map[string]interface{}
			for i, b := range bundles {
				r, err := t.Transform(s, b, constants)
				if err == nil && r.Failed() {
					err = r.Err()
				}
				if err != nil {
					res.Errors = append(res.Errors, ItemError{Index: i, Error: err.Error()})
					continue
				}
				kept = append(kept, r.Bundle)
			}
			bundles = kept
		}
		if out, err = fhir.EncodeNDJSON(bundles); err != nil {
			return nil, err
		}
		items = len(bundles)
	}
	if items == 0 {
		return nil, fmt.Errorf("%w: every item failed translation for %s: %v", ErrNoItems, rcv.FullName(), itemErrors(res.Errors))
	}

	action, err := e.lineage.StartAction(ctx, lineage.StageTranslate, "receiver="+rcv.FullName())
	if err != nil {
		return nil, err
	}
	r := &lineage.Report{Format: string(tr.Format), ItemCount: items, Receiver: rcv.FullName()}
	if res.Report, err = e.write(ctx, action, in, r, out, nil); err != nil {
		return nil, err
	}
	e.logDropped(res.Report, res.Errors)
	return res, nil
}

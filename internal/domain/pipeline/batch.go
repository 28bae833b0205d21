package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/labroute/internal/domain/filter"
	"github.com/ehr/labroute/internal/domain/lineage"
	"github.com/ehr/labroute/internal/domain/settings"
	"github.com/ehr/labroute/internal/platform/fhir"
	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// Batch splits a translated report into the files the receiver is sent.
// Without timing settings the report is passed on whole. NONE writes one
// file per item; MERGE writes files of at most MaxReportCount items, or a
// single file when the count is not positive.
func (e *Engine) Batch(ctx context.Context, id uuid.UUID) ([]*lineage.Report, error) {
	in, body, _, err := e.input(ctx, id, lineage.StageTranslate)
	if err != nil {
		return nil, err
	}
	rcv, err := e.receiver(in)
	if err != nil {
		return nil, err
	}

	size := in.ItemCount
	if t := rcv.Timing; t != nil {
		switch {
		case t.Operation == settings.BatchNone:
			size = 1
		case t.MaxReportCount > 0:
			size = t.MaxReportCount
		}
	}

	files, counts, err := e.chunk(rcv, settings.Format(in.Format), body, size)
	if err != nil {
		return nil, err
	}
	action, err := e.lineage.StartAction(ctx, lineage.StageBatch, fmt.Sprintf("receiver=%s files=%d", rcv.FullName(), len(files)))
	if err != nil {
		return nil, err
	}
	out := make([]*lineage.Report, 0, len(files))
	for i, f := range files {
		r := &lineage.Report{Format: in.Format, ItemCount: counts[i], Receiver: rcv.FullName()}
		if r, err = e.write(ctx, action, in, r, f, nil); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) chunk(rcv *settings.Receiver, format settings.Format, body []byte, size int) ([][]byte, []int, error) {
	var files [][]byte
	var counts []int
	groups := func(n int, emit func(lo, hi int) ([]byte, error)) error {
		if size <= 0 {
			size = n
		}
		for lo := 0; lo < n; lo += size {
			hi := min(lo+size, n)
			f, err := emit(lo, hi)
			if err != nil {
				return err
			}
			files = append(files, f)
			counts = append(counts, hi-lo)
		}
		return nil
	}

	switch format {
	case settings.FormatHL7:
		msgs, err := hl7v2.SplitBatch(body)
		if err != nil {
			return nil, nil, err
		}
		err = groups(len(msgs), func(lo, hi int) ([]byte, error) {
			if rcv.Translation.UseBatchHeaders {
				return hl7v2.EncodeBatch(msgs[lo:hi], hl7v2.BatchHeader{
					SendingApp:   e.cfg.SendingApp,
					ReceivingApp: rcv.Translation.ReceivingApp,
					CreatedAt:    e.now(),
				}), nil
			}
			parts := make([]string, hi-lo)
			for i, m := range msgs[lo:hi] {
				parts[i] = string(m)
			}
			return []byte(strings.Join(parts, "\r")), nil
		})
		return files, counts, err

	case settings.FormatCSV:
		table, err := filter.ReadCSV(bytes.NewReader(body), "")
		if err != nil {
			return nil, nil, err
		}
		rows := table.Rows()
		err = groups(len(rows), func(lo, hi int) ([]byte, error) {
			var buf bytes.Buffer
			err := table.Select(rows[lo:hi]).WriteCSV(&buf)
			return buf.Bytes(), err
		})
		return files, counts, err
	}

	docs, err := fhir.ReadNDJSON(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	err = groups(len(docs), func(lo, hi int) ([]byte, error) {
		return fhir.EncodeNDJSON(docs[lo:hi])
	})
	return files, counts, err
}

// Send delivers a batched report through the receiver's transport and
// records the delivery as a send report located where the transport put it.
func (e *Engine) Send(ctx context.Context, id uuid.UUID) (*lineage.Report, error) {
	in, body, _, err := e.input(ctx, id, lineage.StageBatch)
	if err != nil {
		return nil, err
	}
	rcv, err := e.receiver(in)
	if err != nil {
		return nil, err
	}
	if rcv.Transport == nil || rcv.Transport.Transport == nil {
		return nil, fmt.Errorf("%w: receiver %s has none configured", ErrNoTransport, rcv.FullName())
	}

	d := &Delivery{
		Filename:    fmt.Sprintf("%s-%s.%s", strings.ReplaceAll(rcv.FullName(), ".", "-"), in.ID, extension(settings.Format(in.Format))),
		ContentType: contentType(settings.Format(in.Format)),
		Body:        body,
		ItemCount:   in.ItemCount,
	}
	location, err := e.dispatcher.Send(ctx, rcv, d)
	if err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", in.ID, rcv.FullName(), err)
	}

	action, err := e.lineage.StartAction(ctx, lineage.StageSend, "transport="+string(rcv.Transport.Type()))
	if err != nil {
		return nil, err
	}
	r := &lineage.Report{
		ActionID:     action.ID,
		Stage:        lineage.StageSend,
		Topic:        in.Topic,
		Format:       in.Format,
		ItemCount:    in.ItemCount,
		BodyLocation: location,
		Receiver:     rcv.FullName(),
	}
	if err := e.lineage.CreateReport(ctx, r, in.ID); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("report_id", r.ID.String()).
		Str("receiver", r.Receiver).
		Str("location", location).
		Int("items", r.ItemCount).
		Msg("report delivered")
	return r, nil
}

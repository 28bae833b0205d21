package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ehr/labroute/internal/domain/lineage"
)

// ReceiverOutcome is what happened downstream of routing for one receiver.
type ReceiverOutcome struct {
	Receiver   string            `json:"receiver"`
	Translated *StageResult      `json:"translated,omitempty"`
	Sent       []*lineage.Report `json:"sent,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ProcessResult summarizes one submission run through every stage.
type ProcessResult struct {
	Submission *lineage.Report    `json:"submission"`
	Converted  *StageResult       `json:"converted"`
	Route      *RouteResult       `json:"route"`
	Outcomes   []*ReceiverOutcome `json:"outcomes"`
}

// Process runs a submission through every stage. Failures after routing are
// confined to the receiver they happen for and reported in its outcome.
// Cancelling ctx stops receivers that have not started delivery; their
// outcomes stay nil and ctx's error is returned.
func (e *Engine) Process(ctx context.Context, sub Submission) (*ProcessResult, error) {
	received, err := e.Receive(ctx, sub)
	if err != nil {
		return nil, err
	}
	res := &ProcessResult{Submission: received}
	if res.Converted, err = e.Convert(ctx, received.ID); err != nil {
		return res, err
	}
	if res.Route, err = e.Route(ctx, res.Converted.Report.ID); err != nil {
		return res, err
	}

	routed := res.Route.Reports()
	res.Outcomes = make([]*ReceiverOutcome, len(routed))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelReceivers)
	for i, r := range routed {
		i, r := i, r
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Outcomes[i] = e.deliver(ctx, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) deliver(ctx context.Context, routed *lineage.Report) *ReceiverOutcome {
	out := &ReceiverOutcome{Receiver: routed.Receiver}
	fail := func(err error) *ReceiverOutcome {
		out.Error = err.Error()
		e.logger.Error().Err(err).
			Str("report_id", routed.ID.String()).
			Str("receiver", routed.Receiver).
			Msg("delivery failed")
		return out
	}

	translated, err := e.Translate(ctx, routed.ID)
	if err != nil {
		return fail(err)
	}
	out.Translated = translated
	batches, err := e.Batch(ctx, translated.Report.ID)
	if err != nil {
		return fail(err)
	}
	for _, b := range batches {
		sent, err := e.Send(ctx, b.ID)
		if err != nil {
			return fail(err)
		}
		out.Sent = append(out.Sent, sent)
	}
	return out
}

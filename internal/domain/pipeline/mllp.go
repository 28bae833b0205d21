package pipeline

import (
	"context"

	"github.com/ehr/labroute/internal/platform/hl7v2"
)

// MLLPHandler processes every message received over MLLP as a submission
// from sender. Messages the engine refuses outright are rejected with AR;
// failures after they were stored are reported with AE.
func (e *Engine) MLLPHandler(sender string) hl7v2.MessageHandler {
	return func(ctx context.Context, msg *hl7v2.Message, raw []byte) string {
		res, err := e.Process(ctx, Submission{Sender: sender, Body: raw})
		if err == nil {
			return "AA"
		}
		e.logger.Error().Err(err).
			Str("sender", sender).
			Str("control_id", msg.ControlID).
			Msg("mllp submission failed")
		if res == nil {
			return "AR"
		}
		return "AE"
	}
}

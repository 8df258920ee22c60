package relayer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/808putnam/qtrade-relayer/intake"
	"go.uber.org/zap"
)

// IntakeProcessor submits queued requests. Exhaustion and in-flight duplicates are retried later,
// every other result is final.
func (o *Orchestrator) IntakeProcessor() intake.ProcessFunc {
	log := o.log.Named("intake")
	return func(ctx context.Context, data []byte, info intake.ItemInfo) error {
		var req SubmissionRequest
		if err := json.Unmarshal(data, &req); err != nil {
			log.Error("Dropping undecodable queued request", zap.Error(err))
			return nil
		}
		outcome, err := o.Submit(ctx, req)
		switch {
		case err == nil:
			return nil
		case IsRetryable(err), errors.Is(err, ErrDuplicateRequest):
			log.Debug("Queued request not submitted yet", zap.String("request_id", req.RequestID),
				zap.Uint16("iteration", info.Iteration), zap.Error(err))
			return errors.Join(intake.ErrProcessRetryLater, err)
		default:
			log.Info("Queued request resolved", zap.String("request_id", req.RequestID),
				zap.String("status", string(outcome.Status)), zap.Error(err))
			return nil
		}
	}
}

package transport

import (
	"context"
	"log/slog"
)

// DryRun accepts every message without delivering anything. It is the
// engine's equivalent of a drafts-only launch: the full schedule,
// throttle and state machine run, only the final hop is a no-op.
type DryRun struct {
	logger *slog.Logger
}

// NewDryRun creates the no-op transport.
func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger}
}

// Send logs the would-be delivery and succeeds.
func (d *DryRun) Send(ctx context.Context, req *Request) error {
	d.logger.Info("dry-run send",
		"key", req.Key,
		"to", req.Contact.Email,
		"subject", req.Message.Subject,
	)
	return nil
}

package release

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grantvault/native/escrow"
)

// Request identifies one milestone awaiting settlement.
type Request struct {
	ProjectID   string
	MilestoneID string
}

// ErrQueueFull is returned when the asynchronous release queue cannot accept
// more work.
var ErrQueueFull = errors.New("release: queue full")

// Enqueue schedules a release for asynchronous processing. It never blocks;
// callers see ErrQueueFull under sustained backpressure.
func (o *Orchestrator) Enqueue(req Request) error {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.MilestoneID) == "" {
		return fmt.Errorf("%w: project and milestone ids required", escrow.ErrValidation)
	}
	select {
	case o.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run processes the release queue until the context is cancelled, running a
// reconciliation sweep at the supplied interval. Zero disables the sweeps.
// Errors are logged and never stop the loop; a milestone whose release fails
// transiently can simply be enqueued again.
func (o *Orchestrator) Run(ctx context.Context, reconcileEvery time.Duration) error {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if reconcileEvery > 0 {
		ticker = time.NewTicker(reconcileEvery)
		tick = ticker.C
		defer ticker.Stop()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-o.queue:
			result, err := o.Release(ctx, req.ProjectID, req.MilestoneID)
			if err != nil {
				o.logger.Error("queued release failed",
					"project", req.ProjectID, "milestone", req.MilestoneID,
					"retryable", IsRetryable(err), "err", err)
				continue
			}
			if o.onSettled != nil && !result.AlreadySettled {
				o.onSettled(*result)
			}
		case <-tick:
			if resolved, err := o.Reconcile(ctx); err != nil {
				o.logger.Error("reconciliation sweep incomplete", "resolved", resolved, "err", err)
			} else if resolved > 0 {
				o.logger.Info("reconciliation sweep resolved entries", "resolved", resolved)
			}
		}
	}
}

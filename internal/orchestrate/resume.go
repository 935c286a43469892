package orchestrate

import (
	"context"
	"errors"

	"github.com/storypress/storypress/internal/store"
)

// ResumeAll restarts generation for every order left in a
// non-terminal state: generating orders interrupted mid-run and paid
// orders whose run never started. Pending orders are reported and
// skipped, since there is nothing to generate until payment. Orders
// are resumed one at a time, oldest first; a failure on one order
// does not stop the others.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	orders, err := o.store.OrdersToResume(ctx)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		o.logger.Info("no orders to resume")
		return nil
	}
	o.logger.Info("resuming non-terminal orders", "count", len(orders))

	for _, order := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if order.Status == store.StatusPending {
			o.logger.Info("order awaiting payment, skipping", "order_id", order.ID)
			continue
		}
		if err := o.Run(ctx, order.ID, order.PagesDone); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			o.logger.Error("resume failed", "order_id", order.ID, "error", err)
		}
	}
	return nil
}

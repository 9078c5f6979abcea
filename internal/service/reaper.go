package service

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Reaper cancels pending orders whose payment channel window has elapsed
type Reaper struct {
	store    *store.Store
	machine  *OrderStateMachine
	timeouts ChannelTimeouts
	msg      *messenger
	now      Clock
	logger   *zap.Logger
}

// NewReaper creates a new timeout reaper
func NewReaper(store *store.Store, machine *OrderStateMachine, timeouts ChannelTimeouts, notifier Notifier, now Clock) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:    store,
		machine:  machine,
		timeouts: timeouts,
		msg:      newMessenger(notifier, now),
		now:      now,
		logger:   util.ComponentLogger("reaper"),
	}
}

// Sweep runs one pass and returns how many orders it cancelled. Each cancel is
// guarded on status=pending, so an order paid in the meantime is left alone.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reaper.Sweep")
	defer span.End()

	util.ReaperSweepsTotal.Inc()

	pending, err := r.store.ListPendingOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}

	now := r.now()
	cancelled := 0
	for _, order := range pending {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		if !r.timeouts.Expired(order, now) {
			continue
		}

		won, err := r.machine.Transition(ctx, order.ExternalReference, models.OrderStatusPending, models.OrderStatusCancelled)
		if err != nil {
			r.logger.Error("Failed to cancel expired order",
				zap.String("external_reference", order.ExternalReference),
				zap.Error(err))
			continue
		}
		if !won {
			continue
		}

		cancelled++
		util.OrdersCancelledTotal.WithLabelValues("timeout").Inc()
		r.msg.tellBuyer(ctx, order, fmt.Sprintf("Order %s was cancelled because payment was not received in time.", order.ExternalReference))
	}

	if cancelled > 0 {
		r.logger.Info("Expired orders cancelled",
			zap.Int("cancelled", cancelled),
			zap.Int("pending", len(pending)))
	}
	return cancelled, nil
}

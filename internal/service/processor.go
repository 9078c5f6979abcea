package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Scheduler hands a paid order to a fulfillment worker instead of dispatching in-process
type Scheduler interface {
	Submit(ctx context.Context, ref string) error
}

// Cooldown is keyed state shared by every replica. Allow reports whether the key
// may act now and starts a new window if so.
type Cooldown interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// ProcessorConfig configures the callback and recheck processor
type ProcessorConfig struct {
	Timeouts        ChannelTimeouts
	RecheckCooldown time.Duration
}

// Processor applies normalized payment events and buyer rechecks to the ledger
type Processor struct {
	store      *store.Store
	machine    *OrderStateMachine
	dispatcher *Dispatcher
	scheduler  Scheduler
	cooldown   Cooldown
	cfg        ProcessorConfig
	now        Clock
	logger     *zap.Logger
}

// NewProcessor creates a processor. A nil scheduler dispatches inline; a nil
// cooldown disables recheck throttling.
func NewProcessor(
	store *store.Store,
	machine *OrderStateMachine,
	dispatcher *Dispatcher,
	scheduler Scheduler,
	cooldown Cooldown,
	cfg ProcessorConfig,
	now Clock,
) *Processor {
	if now == nil {
		now = time.Now
	}
	return &Processor{
		store:      store,
		machine:    machine,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		cooldown:   cooldown,
		cfg:        cfg,
		now:        now,
		logger:     util.ComponentLogger("processor"),
	}
}

// HandlePayment validates a payment event against the ledger and settles the order
func (p *Processor) HandlePayment(ctx context.Context, evt *models.PaymentEvent) models.Outcome {
	ctx, span := util.StartOrderSpan(ctx, "Processor.HandlePayment", evt.ExternalReference)
	defer span.End()

	outcome := p.handlePayment(ctx, evt)
	util.SetOutcome(span, outcome.Result, outcome.Reason)
	util.CoreOutcomesTotal.WithLabelValues("payment", outcome.Result, outcome.Reason).Inc()
	if outcome.Result == models.ResultRejected {
		p.logger.Warn("Payment event rejected",
			zap.String("external_reference", evt.ExternalReference),
			zap.String("reason", outcome.Reason))
	}
	return outcome
}

func (p *Processor) handlePayment(ctx context.Context, evt *models.PaymentEvent) models.Outcome {
	order, err := p.store.GetOrderByReference(ctx, evt.ExternalReference)
	if err != nil {
		p.logger.Error("Failed to load order", zap.String("external_reference", evt.ExternalReference), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, "")
	}
	if order == nil {
		return models.Rejected(models.ReasonUnknownOrder, "")
	}
	if evt.GatewayStatus != models.GatewayStatusSuccess {
		return models.Rejected(models.ReasonNotSuccessful, order.Status)
	}
	if !evt.ConfirmedAmount.Round(2).Equal(order.Amount.Round(2)) {
		p.logger.Warn("Confirmed amount does not match order",
			zap.String("external_reference", order.ExternalReference),
			zap.String("confirmed_amount", evt.ConfirmedAmount.String()),
			zap.String("amount", order.Amount.StringFixed(2)))
		return models.Rejected(models.ReasonAmountMismatch, order.Status)
	}
	return p.settle(ctx, order)
}

func (p *Processor) settle(ctx context.Context, order *models.Order) models.Outcome {
	switch order.Status {
	case models.OrderStatusCancelled:
		return models.Accepted(models.ReasonOrderCancelled, order.Status)
	case models.OrderStatusCompleted:
		return models.Accepted(models.ReasonAlreadyDelivered, order.Status)
	case models.OrderStatusPending:
		won, err := p.machine.Transition(ctx, order.ExternalReference, models.OrderStatusPending, models.OrderStatusPaid)
		if err != nil {
			p.logger.Error("Failed to mark order paid", zap.String("external_reference", order.ExternalReference), zap.Error(err))
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		if won {
			util.OrdersPaidTotal.Inc()
			order.Status = models.OrderStatusPaid
			return p.fulfill(ctx, order)
		}
		current, err := p.store.GetOrderByReference(ctx, order.ExternalReference)
		if err != nil || current == nil {
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		return p.settle(ctx, current)
	default:
		delivered, err := p.hasLiveInvite(ctx, order)
		if err != nil {
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		if delivered {
			return models.Accepted(models.ReasonDuplicateDelivery, order.Status)
		}
		return p.fulfill(ctx, order)
	}
}

// hasLiveInvite reports whether a paid invite order already has a redeemable link.
// Secret orders never count: a paid secret order is by definition not yet delivered.
func (p *Processor) hasLiveInvite(ctx context.Context, order *models.Order) (bool, error) {
	inv, err := p.store.ActiveInviteForOrder(ctx, order.ID, p.now())
	if err != nil {
		p.logger.Error("Failed to look up active invite", zap.Int64("order_id", order.ID), zap.Error(err))
		return false, err
	}
	return inv != nil, nil
}

func (p *Processor) fulfill(ctx context.Context, order *models.Order) models.Outcome {
	if p.scheduler == nil {
		return p.dispatcher.Dispatch(ctx, order, false)
	}
	if err := p.scheduler.Submit(ctx, order.ExternalReference); err != nil {
		p.logger.Error("Failed to schedule fulfillment; order stays paid",
			zap.String("external_reference", order.ExternalReference),
			zap.Error(err))
		return models.Deferred(models.ReasonScheduleFailed, order.Status)
	}
	return models.Accepted(models.ReasonScheduled, order.Status)
}

// HandleRecheck re-evaluates an order on the buyer's request. It never trusts a
// gateway; it only acts on what the ledger already says.
func (p *Processor) HandleRecheck(ctx context.Context, cmd *models.RecheckCommand) models.Outcome {
	ctx, span := util.StartOrderSpan(ctx, "Processor.HandleRecheck", cmd.ExternalReference)
	defer span.End()

	outcome := p.handleRecheck(ctx, cmd)
	util.SetOutcome(span, outcome.Result, outcome.Reason)
	util.CoreOutcomesTotal.WithLabelValues("recheck", outcome.Result, outcome.Reason).Inc()
	return outcome
}

func (p *Processor) handleRecheck(ctx context.Context, cmd *models.RecheckCommand) models.Outcome {
	order, err := p.store.GetOrderByReference(ctx, cmd.ExternalReference)
	if err != nil {
		p.logger.Error("Failed to load order", zap.String("external_reference", cmd.ExternalReference), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, "")
	}
	if order == nil {
		return models.Rejected(models.ReasonUnknownOrder, "")
	}
	if order.UserID != cmd.RequestingUserID {
		p.logger.Warn("Recheck by non-owner",
			zap.String("external_reference", order.ExternalReference),
			zap.Int64("user_id", cmd.RequestingUserID))
		return models.Rejected(models.ReasonNotOwner, "")
	}

	if p.cooldown != nil && p.cfg.RecheckCooldown > 0 {
		allowed, err := p.cooldown.Allow(ctx, "recheck:"+order.ExternalReference, p.cfg.RecheckCooldown)
		if err != nil {
			p.logger.Warn("Cooldown check failed, allowing recheck", zap.Error(err))
		} else if !allowed {
			return models.Rejected(models.ReasonCooldown, order.Status)
		}
	}
	return p.recheck(ctx, order)
}

func (p *Processor) recheck(ctx context.Context, order *models.Order) models.Outcome {
	switch order.Status {
	case models.OrderStatusCancelled:
		return models.Rejected(models.ReasonOrderCancelled, order.Status)
	case models.OrderStatusPending:
		if !p.cfg.Timeouts.Expired(order, p.now()) {
			return models.Deferred(models.ReasonAwaitingPayment, order.Status)
		}
		won, err := p.machine.Transition(ctx, order.ExternalReference, models.OrderStatusPending, models.OrderStatusCancelled)
		if err != nil {
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		if won {
			util.OrdersCancelledTotal.WithLabelValues("expired").Inc()
			return models.Rejected(models.ReasonOrderExpired, models.OrderStatusCancelled)
		}
		// A payment landed between the read and the cancel.
		current, err := p.store.GetOrderByReference(ctx, order.ExternalReference)
		if err != nil || current == nil {
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		return p.recheck(ctx, current)
	default:
		// Paid orders are (re)delivered; completed ones get their artifact resent.
		return p.dispatcher.Dispatch(ctx, order, true)
	}
}

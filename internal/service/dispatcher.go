package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Dispatcher routes a paid order to the delivery strategy its product is configured with
type Dispatcher struct {
	store     *store.Store
	machine   *OrderStateMachine
	allocator *SecretAllocator
	invites   *InviteManager
	msg       *messenger
	now       Clock
	logger    *zap.Logger
}

// NewDispatcher creates a new fulfillment dispatcher
func NewDispatcher(
	store *store.Store,
	machine *OrderStateMachine,
	allocator *SecretAllocator,
	invites *InviteManager,
	notifier Notifier,
	now Clock,
) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:     store,
		machine:   machine,
		allocator: allocator,
		invites:   invites,
		msg:       newMessenger(notifier, now),
		now:       now,
		logger:    util.ComponentLogger("dispatcher"),
	}
}

// DispatchByReference loads the order and dispatches it. Used by the fulfillment worker.
func (d *Dispatcher) DispatchByReference(ctx context.Context, ref string) models.Outcome {
	order, err := d.store.GetOrderByReference(ctx, ref)
	if err != nil {
		d.logger.Error("Failed to load order for dispatch", zap.String("external_reference", ref), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, "")
	}
	if order == nil {
		return models.Rejected(models.ReasonUnknownOrder, "")
	}
	return d.Dispatch(ctx, order, false)
}

// Dispatch delivers a paid order. With resend set, an already delivered artifact
// (live invite link, claimed or fixed secret) is sent to the buyer again instead
// of being treated as a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, order *models.Order, resend bool) models.Outcome {
	ctx, span := util.StartOrderSpan(ctx, "Dispatcher.Dispatch", order.ExternalReference)
	defer span.End()

	outcome := d.dispatch(ctx, order, resend)
	util.SetOutcome(span, outcome.Result, outcome.Reason)
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, order *models.Order, resend bool) models.Outcome {
	switch order.Status {
	case models.OrderStatusPending:
		return models.Deferred(models.ReasonAwaitingPayment, order.Status)
	case models.OrderStatusCancelled:
		return models.Rejected(models.ReasonOrderCancelled, order.Status)
	case models.OrderStatusCompleted:
		if !resend {
			return models.Accepted(models.ReasonAlreadyDelivered, order.Status)
		}
	}

	product, err := d.store.GetProductByID(ctx, order.ProductID)
	if err != nil {
		d.logger.Error("Failed to load product", zap.Int64("product_id", order.ProductID), zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if product == nil {
		return d.missingProduct(ctx, order)
	}

	start := d.now()
	defer func() {
		util.FulfillmentLatency.WithLabelValues(product.DeliveryType).Observe(d.now().Sub(start).Seconds())
	}()

	if order.Status == models.OrderStatusCompleted {
		return d.redeliver(ctx, order, product)
	}

	switch product.DeliveryType {
	case models.DeliveryFixedSecret:
		return d.deliverFixed(ctx, order, product)
	case models.DeliveryPoolSecret:
		return d.deliverFromPool(ctx, order, product)
	case models.DeliveryGroupInvite:
		return d.deliverInvite(ctx, order, product, resend)
	default:
		d.logger.Error("Unknown delivery type",
			zap.Int64("product_id", product.ID),
			zap.String("delivery_type", product.DeliveryType))
		return d.missingProduct(ctx, order)
	}
}

func (d *Dispatcher) missingProduct(ctx context.Context, order *models.Order) models.Outcome {
	d.msg.alert(ctx, models.OperatorAlert{
		Kind:              models.AlertMissingProduct,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		UserID:            order.UserID,
		Message:           fmt.Sprintf("product %d unavailable while delivering paid order %s", order.ProductID, order.ExternalReference),
	})
	d.msg.deliver(ctx, models.DeliveryInstruction{
		Kind:              models.DeliveryReportMissingProduct,
		UserID:            order.UserID,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
	})
	return models.Deferred(models.ReasonMissingProduct, order.Status)
}

func (d *Dispatcher) deliverFixed(ctx context.Context, order *models.Order, product *models.Product) models.Outcome {
	if product.FixedSecret == "" {
		d.msg.alert(ctx, models.OperatorAlert{
			Kind:              models.AlertFixedSecretMissing,
			ExternalReference: order.ExternalReference,
			ProductID:         product.ID,
			Message:           fmt.Sprintf("product %d has no fixed secret configured", product.ID),
		})
		d.msg.tellBuyer(ctx, order, "Your payment was received. Delivery is delayed; the shop operator has been notified.")
		return models.Deferred(models.ReasonFixedSecretEmpty, order.Status)
	}

	won, status, err := d.complete(ctx, order)
	if err != nil {
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if !won {
		return models.Accepted(models.ReasonAlreadyDelivered, status)
	}
	d.msg.sendSecret(ctx, order, product.FixedSecret)
	util.OrdersCompletedTotal.WithLabelValues(product.DeliveryType).Inc()
	return models.Accepted(models.ReasonFulfilled, status)
}

func (d *Dispatcher) deliverFromPool(ctx context.Context, order *models.Order, product *models.Product) models.Outcome {
	secret, err := d.allocator.Allocate(ctx, order)
	if errors.Is(err, ErrPoolExhausted) {
		d.msg.alert(ctx, models.OperatorAlert{
			Kind:              models.AlertPoolExhausted,
			ExternalReference: order.ExternalReference,
			ProductID:         product.ID,
			UserID:            order.UserID,
			Message:           fmt.Sprintf("secret pool for product %d (%s) is empty; order %s waits for restock", product.ID, product.Name, order.ExternalReference),
		})
		d.msg.deliver(ctx, models.DeliveryInstruction{
			Kind:              models.DeliveryReportExhausted,
			UserID:            order.UserID,
			ExternalReference: order.ExternalReference,
			ProductID:         product.ID,
		})
		return models.Deferred(models.ReasonPoolExhausted, order.Status)
	}
	if err != nil {
		d.logger.Error("Secret allocation failed",
			zap.String("external_reference", order.ExternalReference),
			zap.Error(err))
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}

	won, status, err := d.complete(ctx, order)
	if err != nil {
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	if !won {
		// The order already holds this claim; whoever completed it sent it.
		return models.Accepted(models.ReasonAlreadyDelivered, status)
	}
	d.msg.sendSecret(ctx, order, secret.SecretText)
	util.OrdersCompletedTotal.WithLabelValues(product.DeliveryType).Inc()
	return models.Accepted(models.ReasonFulfilled, status)
}

func (d *Dispatcher) deliverInvite(ctx context.Context, order *models.Order, product *models.Product, resend bool) models.Outcome {
	outcome, err := d.invites.Deliver(ctx, order, product, resend)
	if err == nil {
		return outcome
	}

	d.logger.Error("Invite delivery failed",
		zap.String("external_reference", order.ExternalReference),
		zap.Error(err))
	if !errors.Is(err, ErrInviteUnavailable) {
		return models.Deferred(models.ReasonLedgerError, order.Status)
	}
	d.msg.alert(ctx, models.OperatorAlert{
		Kind:              models.AlertInviteFailed,
		ExternalReference: order.ExternalReference,
		ProductID:         product.ID,
		UserID:            order.UserID,
		Message:           fmt.Sprintf("could not create invite link for group %s: %v", product.GroupID, err),
	})
	d.msg.tellBuyer(ctx, order, "Your payment was received but the invite link could not be created yet. Please use recheck in a few minutes.")
	return models.Deferred(models.ReasonInviteFailed, order.Status)
}

// redeliver resends what a completed order already received. No new claim is made.
func (d *Dispatcher) redeliver(ctx context.Context, order *models.Order, product *models.Product) models.Outcome {
	switch product.DeliveryType {
	case models.DeliveryFixedSecret:
		if product.FixedSecret == "" {
			return models.Accepted(models.ReasonAlreadyDelivered, order.Status)
		}
		d.msg.sendSecret(ctx, order, product.FixedSecret)
		return models.Accepted(models.ReasonSecretResent, order.Status)
	case models.DeliveryPoolSecret:
		secret, err := d.store.GetSecretByOrder(ctx, order.ID)
		if err != nil {
			d.logger.Error("Failed to load claimed secret", zap.Int64("order_id", order.ID), zap.Error(err))
			return models.Deferred(models.ReasonLedgerError, order.Status)
		}
		if secret == nil {
			return models.Accepted(models.ReasonAlreadyDelivered, order.Status)
		}
		d.msg.sendSecret(ctx, order, secret.SecretText)
		return models.Accepted(models.ReasonSecretResent, order.Status)
	default:
		return models.Accepted(models.ReasonAlreadyDelivered, order.Status)
	}
}

// complete moves the order paid -> completed. On a lost race it re-reads the
// current status so the caller can report it.
func (d *Dispatcher) complete(ctx context.Context, order *models.Order) (bool, string, error) {
	won, err := d.machine.Transition(ctx, order.ExternalReference, models.OrderStatusPaid, models.OrderStatusCompleted)
	if err != nil {
		d.logger.Error("Failed to complete order",
			zap.String("external_reference", order.ExternalReference),
			zap.Error(err))
		return false, "", err
	}
	if won {
		order.Status = models.OrderStatusCompleted
		return true, order.Status, nil
	}

	current, err := d.store.GetOrderByReference(ctx, order.ExternalReference)
	if err != nil {
		return false, "", err
	}
	if current == nil {
		return false, order.Status, nil
	}
	return false, current.Status, nil
}

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrDeferred is returned by HandleMessage when the core could not reach a decision
// (for example a ledger error) and the message is worth retrying.
var ErrDeferred = errors.New("event deferred")

// EventPublisher handles publishing fulfillment events. It satisfies the
// service Notifier, StatusPublisher and Scheduler contracts.
type EventPublisher struct {
	deliveries EventWriter
	alerts     EventWriter
	jobs       EventWriter
	status     EventWriter
	now        func() time.Time
}

// NewEventPublisher creates a new event publisher. Any writer may be nil, in
// which case that kind of event is dropped.
func NewEventPublisher(deliveries, alerts, jobs, status EventWriter) *EventPublisher {
	return &EventPublisher{
		deliveries: deliveries,
		alerts:     alerts,
		jobs:       jobs,
		status:     status,
		now:        time.Now,
	}
}

func orderKey(ref string) string {
	return "order-" + ref
}

// Deliver publishes a delivery instruction for the notification service
func (ep *EventPublisher) Deliver(ctx context.Context, ins *models.DeliveryInstruction) error {
	if ep.deliveries == nil {
		return nil
	}
	return ep.deliveries.PublishEvent(ctx, orderKey(ins.ExternalReference), ins)
}

// Alert publishes an operator alert
func (ep *EventPublisher) Alert(ctx context.Context, alert *models.OperatorAlert) error {
	if ep.alerts == nil {
		return nil
	}
	return ep.alerts.PublishEvent(ctx, orderKey(alert.ExternalReference), alert)
}

// Submit enqueues a fulfillment job for a paid order
func (ep *EventPublisher) Submit(ctx context.Context, ref string) error {
	if ep.jobs == nil {
		return fmt.Errorf("fulfillment queue is not configured")
	}
	job := &models.FulfillmentJob{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeFulfillmentJob,
			Timestamp: ep.now(),
		},
		ExternalReference: ref,
	}
	return ep.jobs.PublishEvent(ctx, orderKey(ref), job)
}

// PublishStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishStatusChanged(ctx context.Context, ref, from, to string) error {
	if ep.status == nil {
		return nil
	}
	event := &models.OrderStatusChangedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderStatusChange,
			Timestamp: ep.now(),
		},
		ExternalReference: ref,
		From:              from,
		To:                to,
	}
	return ep.status.PublishEvent(ctx, orderKey(ref), event)
}

// EventHandler routes inbound events to the core entry points
type EventHandler struct {
	onPayment     func(context.Context, *models.PaymentEvent) models.Outcome
	onRecheck     func(context.Context, *models.RecheckCommand) models.Outcome
	onJoin        func(context.Context, *models.MembershipJoinEvent) models.Outcome
	onFulfillment func(context.Context, string) models.Outcome
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.ComponentLogger("event_handler")}
}

// OnPayment registers a handler for PAYMENT_CONFIRMED events
func (eh *EventHandler) OnPayment(handler func(context.Context, *models.PaymentEvent) models.Outcome) {
	eh.onPayment = handler
}

// OnRecheck registers a handler for ORDER_RECHECK events
func (eh *EventHandler) OnRecheck(handler func(context.Context, *models.RecheckCommand) models.Outcome) {
	eh.onRecheck = handler
}

// OnJoin registers a handler for MEMBERSHIP_JOINED events
func (eh *EventHandler) OnJoin(handler func(context.Context, *models.MembershipJoinEvent) models.Outcome) {
	eh.onJoin = handler
}

// OnFulfillment registers a handler for FULFILLMENT_JOB events
func (eh *EventHandler) OnFulfillment(handler func(context.Context, string) models.Outcome) {
	eh.onFulfillment = handler
}

// DecodeBase extracts the common envelope of a message
func DecodeBase(msg kafka.Message) (models.BaseEvent, error) {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return base, fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	return base, nil
}

// HandleMessage routes messages to appropriate handlers. Deferred outcomes come
// back as ErrDeferred; malformed messages as plain errors.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	base, err := DecodeBase(msg)
	if err != nil {
		return err
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID))

	var outcome models.Outcome
	switch base.EventType {
	case models.EventTypePaymentConfirmed:
		if eh.onPayment == nil {
			return nil
		}
		var event models.PaymentConfirmedMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
		}
		outcome = eh.onPayment(ctx, &event.PaymentEvent)

	case models.EventTypeOrderRecheck:
		if eh.onRecheck == nil {
			return nil
		}
		var event models.OrderRecheckMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
		}
		outcome = eh.onRecheck(ctx, &event.RecheckCommand)

	case models.EventTypeMembershipJoined:
		if eh.onJoin == nil {
			return nil
		}
		var event models.MembershipJoinedMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
		}
		outcome = eh.onJoin(ctx, &event.MembershipJoinEvent)

	case models.EventTypeFulfillmentJob:
		if eh.onFulfillment == nil {
			return nil
		}
		var job models.FulfillmentJob
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
		}
		outcome = eh.onFulfillment(ctx, job.ExternalReference)

	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", base.EventType))
		return nil
	}

	eh.logger.Info("Event handled",
		zap.String("event_type", base.EventType),
		zap.String("event_id", base.EventID),
		zap.String("result", outcome.Result),
		zap.String("reason", outcome.Reason))

	if outcome.Result == models.ResultDeferred && outcome.Reason == models.ReasonLedgerError {
		return fmt.Errorf("%w: %s", ErrDeferred, outcome.Reason)
	}
	return nil
}

package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier hands outbound messages to whatever actually sends them.
// Its errors are logged only; they never roll back a ledger transition.
type Notifier interface {
	Deliver(ctx context.Context, instruction *models.DeliveryInstruction) error
	Alert(ctx context.Context, alert *models.OperatorAlert) error
}

// messenger builds instructions and alerts and swallows send failures
type messenger struct {
	notifier Notifier
	now      Clock
	logger   *zap.Logger
}

func newMessenger(notifier Notifier, now Clock) *messenger {
	return &messenger{
		notifier: notifier,
		now:      now,
		logger:   util.ComponentLogger("notifier"),
	}
}

func (m *messenger) base(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: m.now(),
	}
}

func (m *messenger) deliver(ctx context.Context, ins models.DeliveryInstruction) {
	ins.BaseEvent = m.base(models.EventTypeDelivery)
	if err := m.notifier.Deliver(ctx, &ins); err != nil {
		util.NotifierFailuresTotal.WithLabelValues(ins.Kind).Inc()
		m.logger.Error("Failed to hand off delivery instruction",
			zap.String("kind", ins.Kind),
			zap.String("external_reference", ins.ExternalReference),
			zap.Int64("user_id", ins.UserID),
			zap.Error(err))
	}
}

func (m *messenger) alert(ctx context.Context, a models.OperatorAlert) {
	a.BaseEvent = m.base(models.EventTypeOperatorAlert)
	m.logger.Warn("Operator alert",
		zap.String("kind", a.Kind),
		zap.String("external_reference", a.ExternalReference),
		zap.String("message", a.Message))
	if err := m.notifier.Alert(ctx, &a); err != nil {
		util.NotifierFailuresTotal.WithLabelValues(a.Kind).Inc()
		m.logger.Error("Failed to hand off operator alert",
			zap.String("kind", a.Kind),
			zap.Error(err))
	}
}

func (m *messenger) sendSecret(ctx context.Context, order *models.Order, secret string) {
	m.deliver(ctx, models.DeliveryInstruction{
		Kind:              models.DeliverySendSecret,
		UserID:            order.UserID,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		SecretText:        secret,
	})
}

func (m *messenger) sendInviteLink(ctx context.Context, order *models.Order, link string, ttl time.Duration) {
	m.deliver(ctx, models.DeliveryInstruction{
		Kind:              models.DeliverySendInviteLink,
		UserID:            order.UserID,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		Link:              link,
		TTL:               ttl,
	})
}

func (m *messenger) tellBuyer(ctx context.Context, order *models.Order, text string) {
	m.deliver(ctx, models.DeliveryInstruction{
		Kind:              models.DeliveryNotifyBuyer,
		UserID:            order.UserID,
		ExternalReference: order.ExternalReference,
		ProductID:         order.ProductID,
		Text:              text,
	})
}

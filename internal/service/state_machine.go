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

// ErrIllegalTransition is returned for a status change the order lifecycle does not allow
var ErrIllegalTransition = errors.New("illegal order transition")

var legalTransitions = map[string][]string{
	models.OrderStatusPending: {models.OrderStatusPaid, models.OrderStatusCancelled},
	models.OrderStatusPaid:    {models.OrderStatusCompleted},
}

// Clock returns the current time. Tests pin it.
type Clock func() time.Time

// StatusPublisher receives successful transitions, best-effort
type StatusPublisher interface {
	PublishStatusChanged(ctx context.Context, ref, from, to string) error
}

// OrderStateMachine guards every order status change with a compare-and-swap on the ledger
type OrderStateMachine struct {
	store     *store.Store
	publisher StatusPublisher
	now       Clock
	logger    *zap.Logger
}

// NewOrderStateMachine creates a state machine. publisher may be nil.
func NewOrderStateMachine(store *store.Store, publisher StatusPublisher, now Clock) *OrderStateMachine {
	if now == nil {
		now = time.Now
	}
	return &OrderStateMachine{
		store:     store,
		publisher: publisher,
		now:       now,
		logger:    util.ComponentLogger("state_machine"),
	}
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to string) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves ref from expected to next if, and only if, it is still in expected.
// A false result is not an error: another caller advanced the order first and the
// caller should re-read the order and decide what to do.
func (m *OrderStateMachine) Transition(ctx context.Context, ref, expected, next string) (bool, error) {
	if !CanTransition(expected, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}

	ok, err := m.store.TransitionStatus(ctx, ref, expected, next, m.now())
	if err != nil {
		return false, fmt.Errorf("transition %s %s -> %s: %w", ref, expected, next, err)
	}
	if !ok {
		util.TransitionConflictsTotal.WithLabelValues(expected, next).Inc()
		m.logger.Debug("Conditional transition lost",
			zap.String("external_reference", ref),
			zap.String("from", expected),
			zap.String("to", next))
		return false, nil
	}

	m.logger.Info("Order transitioned",
		zap.String("external_reference", ref),
		zap.String("from", expected),
		zap.String("to", next))

	if m.publisher != nil {
		if err := m.publisher.PublishStatusChanged(ctx, ref, expected, next); err != nil {
			m.logger.Warn("Failed to publish status change",
				zap.String("external_reference", ref),
				zap.Error(err))
		}
	}
	return true, nil
}

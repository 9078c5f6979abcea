package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWorker consumes one topic and feeds each message to an EventHandler.
// Message IDs already recorded in processed_events are skipped; the core is
// idempotent anyway, this only saves the work.
type EventWorker struct {
	name         string
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        *store.Store
	attempts     uint
	backoff      time.Duration
	logger       *zap.Logger
}

// NewEventWorker creates a new event worker
func NewEventWorker(name string, consumer *broker.Consumer, eventHandler *broker.EventHandler, store *store.Store) *EventWorker {
	return &EventWorker{
		name:         name,
		consumer:     consumer,
		eventHandler: eventHandler,
		store:        store,
		attempts:     3,
		backoff:      200 * time.Millisecond,
		logger:       util.ComponentLogger("worker").With(zap.String("worker", name)),
	}
}

// Start starts the worker
func (w *EventWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *EventWorker) Stop() error {
	w.logger.Info("Stopping worker")
	return w.consumer.Close()
}

// Handle processes one message. Deferred outcomes are retried a few times here;
// if they persist the returned error wraps broker.ErrDeferred, the event stays
// unmarked and the consumer keeps the message uncommitted and tries again.
func (w *EventWorker) Handle(ctx context.Context, msg kafka.Message) error {
	base, err := broker.DecodeBase(msg)
	if err != nil {
		return err
	}

	if base.EventID != "" {
		processed, err := w.store.IsEventProcessed(ctx, base.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			w.logger.Info("Event already processed", zap.String("event_id", base.EventID))
			return nil
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.backoff
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := w.eventHandler.HandleMessage(ctx, msg)
		if err != nil && !errors.Is(err, broker.ErrDeferred) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.attempts))
	if err != nil {
		return fmt.Errorf("event %s (%s): %w", base.EventID, base.EventType, err)
	}

	if base.EventID != "" {
		if err := w.store.MarkEventProcessed(ctx, base.EventID, base.EventType, time.Now()); err != nil {
			w.logger.Error("Failed to mark event processed", zap.Error(err))
		}
	}
	return nil
}

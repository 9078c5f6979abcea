package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

var (
	// ErrProductUnavailable means the product does not exist or is not on sale
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrUnknownChannel means the payment channel has no configured window
	ErrUnknownChannel = errors.New("unknown payment channel")
)

const (
	referenceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	referenceAttempts = 5
)

// OrderService handles order creation and lookup
type OrderService struct {
	store    *store.Store
	machine  *OrderStateMachine
	timeouts ChannelTimeouts
	now      Clock
	logger   *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store *store.Store, machine *OrderStateMachine, timeouts ChannelTimeouts, now Clock) *OrderService {
	if now == nil {
		now = time.Now
	}
	return &OrderService{
		store:    store,
		machine:  machine,
		timeouts: timeouts,
		now:      now,
		logger:   util.ComponentLogger("orders"),
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	ProductID      int64  `json:"product_id" binding:"required"`
	PaymentChannel string `json:"payment_channel" binding:"required"`
}

// CreateOrder opens a pending order for the buyer and cancels their other pending ones
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if len(s.timeouts.PerChannel) > 0 && !s.timeouts.Known(req.PaymentChannel) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, req.PaymentChannel)
	}

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil || !product.OnSale {
		return nil, fmt.Errorf("%w: %d", ErrProductUnavailable, req.ProductID)
	}

	now := s.now()
	order := &models.Order{
		UserID:         req.UserID,
		ProductID:      product.ID,
		Amount:         product.Price.Round(2),
		PaymentChannel: req.PaymentChannel,
		Status:         models.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for attempt := 1; ; attempt++ {
		ref, err := NewExternalReference()
		if err != nil {
			return nil, err
		}
		order.ExternalReference = ref

		err = s.store.CreateOrder(ctx, order)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) || attempt == referenceAttempts {
			return nil, fmt.Errorf("failed to create order: %w", err)
		}
		s.logger.Debug("External reference collision, regenerating", zap.String("external_reference", ref))
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("external_reference", order.ExternalReference),
		zap.Int64("user_id", order.UserID),
		zap.Int64("product_id", order.ProductID),
		zap.String("payment_channel", order.PaymentChannel))

	s.cancelSuperseded(ctx, order)
	return order, nil
}

// cancelSuperseded moves the buyer's other pending orders to cancelled through
// the state machine so each cancellation is published. Orders that moved on
// concurrently (paid, expired) lose the CAS and are left alone.
func (s *OrderService) cancelSuperseded(ctx context.Context, keep *models.Order) {
	pending, err := s.store.ListPendingOrdersByUser(ctx, keep.UserID)
	if err != nil {
		s.logger.Error("Failed to list superseded pending orders",
			zap.Int64("user_id", keep.UserID),
			zap.Error(err))
		return
	}

	var cancelled int
	for _, o := range pending {
		if o.ExternalReference == keep.ExternalReference {
			continue
		}
		ok, err := s.machine.Transition(ctx, o.ExternalReference, models.OrderStatusPending, models.OrderStatusCancelled)
		if err != nil {
			s.logger.Error("Failed to cancel superseded order",
				zap.String("external_reference", o.ExternalReference),
				zap.Error(err))
			continue
		}
		if ok {
			cancelled++
			util.OrdersCancelledTotal.WithLabelValues("superseded").Inc()
		}
	}
	if cancelled > 0 {
		s.logger.Info("Superseded pending orders cancelled",
			zap.Int64("user_id", keep.UserID),
			zap.Int("count", cancelled))
	}
}

// GetOrder retrieves an order by its external reference. It returns nil when absent.
func (s *OrderService) GetOrder(ctx context.Context, ref string) (*models.Order, error) {
	return s.store.GetOrderByReference(ctx, ref)
}

// ListUserOrders returns a buyer's orders, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// NewExternalReference returns a reference like "Q7K2ZD-04821"
func NewExternalReference() (string, error) {
	buf := make([]byte, 6)
	max := big.NewInt(int64(len(referenceAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate reference: %w", err)
		}
		buf[i] = referenceAlphabet[n.Int64()]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(100000))
	if err != nil {
		return "", fmt.Errorf("failed to generate reference: %w", err)
	}
	return fmt.Sprintf("%s-%05d", buf, n.Int64()), nil
}

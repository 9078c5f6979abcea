package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

const orderColumns = "id, user_id, product_id, amount, payment_channel, status, external_reference, created_at, updated_at"

type orderRow struct {
	ID                int64           `db:"id"`
	UserID            int64           `db:"user_id"`
	ProductID         int64           `db:"product_id"`
	Amount            decimal.Decimal `db:"amount"`
	PaymentChannel    string          `db:"payment_channel"`
	Status            string          `db:"status"`
	ExternalReference string          `db:"external_reference"`
	CreatedAt         int64           `db:"created_at"`
	UpdatedAt         int64           `db:"updated_at"`
}

func (r orderRow) toModel() *models.Order {
	return &models.Order{
		ID:                r.ID,
		UserID:            r.UserID,
		ProductID:         r.ProductID,
		Amount:            r.Amount,
		PaymentChannel:    r.PaymentChannel,
		Status:            r.Status,
		ExternalReference: r.ExternalReference,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

// CreateOrder inserts a new order. ErrDuplicate means the external reference is taken.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	query := s.q(`
		INSERT INTO orders (user_id, product_id, amount, payment_channel, status, external_reference, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.GetContext(ctx, &order.ID, query,
		order.UserID, order.ProductID, order.Amount.StringFixed(2), order.PaymentChannel,
		order.Status, order.ExternalReference, toMillis(order.CreatedAt), toMillis(order.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", order.ExternalReference, ErrDuplicate)
	}
	return err
}

// GetOrderByReference retrieves an order by external reference, nil when absent
func (s *Store) GetOrderByReference(ctx context.Context, ref string) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row,
		s.q("SELECT "+orderColumns+" FROM orders WHERE external_reference = ?"), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetOrderByID retrieves an order by primary key, nil when absent
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+orderColumns+" FROM orders WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// TransitionStatus sets status=to only if the order is currently in status from.
// It reports whether exactly one row changed; false means another writer got there first.
func (s *Store) TransitionStatus(ctx context.Context, ref, from, to string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE orders SET status = ?, updated_at = ? WHERE external_reference = ? AND status = ?"),
		to, toMillis(now), ref, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListPendingOrdersByUser returns a buyer's orders still waiting for payment, oldest first
func (s *Store) ListPendingOrdersByUser(ctx context.Context, userID int64) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+orderColumns+" FROM orders WHERE user_id = ? AND status = ? ORDER BY created_at, id"),
		userID, models.OrderStatusPending)
	if err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toModel())
	}
	return orders, nil
}

// ListPendingOrders returns every order still waiting for payment
func (s *Store) ListPendingOrders(ctx context.Context) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+orderColumns+" FROM orders WHERE status = ? ORDER BY created_at"),
		models.OrderStatusPending)
	if err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toModel())
	}
	return orders, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]*models.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		s.q("SELECT "+orderColumns+" FROM orders WHERE user_id = ? ORDER BY created_at DESC"), userID)
	if err != nil {
		return nil, err
	}
	orders := make([]*models.Order, 0, len(rows))
	for _, r := range rows {
		orders = append(orders, r.toModel())
	}
	return orders, nil
}

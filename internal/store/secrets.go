package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

const secretColumns = "id, product_id, secret_text, claimed_by_order, claimed_at, created_at"

type secretRow struct {
	ID             int64         `db:"id"`
	ProductID      int64         `db:"product_id"`
	SecretText     string        `db:"secret_text"`
	ClaimedByOrder sql.NullInt64 `db:"claimed_by_order"`
	ClaimedAt      sql.NullInt64 `db:"claimed_at"`
	CreatedAt      int64         `db:"created_at"`
}

func (r secretRow) toModel() *models.Secret {
	sec := &models.Secret{
		ID:         r.ID,
		ProductID:  r.ProductID,
		SecretText: r.SecretText,
		CreatedAt:  fromMillis(r.CreatedAt),
	}
	if r.ClaimedByOrder.Valid {
		orderID := r.ClaimedByOrder.Int64
		sec.ClaimedByOrder = &orderID
	}
	if r.ClaimedAt.Valid {
		at := fromMillis(r.ClaimedAt.Int64)
		sec.ClaimedAt = &at
	}
	return sec
}

// ImportSecrets bulk-inserts unclaimed secrets for a product in slice order.
// Creation times are spaced by one millisecond so FIFO order follows import order.
func (s *Store) ImportSecrets(ctx context.Context, productID int64, texts []string, now time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	query := tx.Rebind("INSERT INTO secrets (product_id, secret_text, created_at) VALUES (?, ?, ?)")
	base := toMillis(now)
	for i, text := range texts {
		if _, err := tx.ExecContext(ctx, query, productID, text, base+int64(i)); err != nil {
			return 0, fmt.Errorf("failed to import secret %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(texts), nil
}

// OldestUnclaimedSecret returns the FIFO head of a product's pool, nil when empty
func (s *Store) OldestUnclaimedSecret(ctx context.Context, productID int64) (*models.Secret, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT `+secretColumns+` FROM secrets
		WHERE product_id = ? AND claimed_by_order IS NULL
		ORDER BY created_at, id
		LIMIT 1`), productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ClaimSecret binds a secret to an order only if nobody claimed it yet.
// false means a concurrent allocator won the row. ErrDuplicate means the order already holds a secret.
func (s *Store) ClaimSecret(ctx context.Context, secretID, orderID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE secrets SET claimed_by_order = ?, claimed_at = ? WHERE id = ? AND claimed_by_order IS NULL"),
		orderID, toMillis(now), secretID)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("order %d: %w", orderID, ErrDuplicate)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSecretByOrder returns the secret claimed by an order, nil when none
func (s *Store) GetSecretByOrder(ctx context.Context, orderID int64) (*models.Secret, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row,
		s.q("SELECT "+secretColumns+" FROM secrets WHERE claimed_by_order = ?"), orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// CountUnclaimedSecrets reports remaining stock for a product
func (s *Store) CountUnclaimedSecrets(ctx context.Context, productID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q("SELECT COUNT(*) FROM secrets WHERE product_id = ? AND claimed_by_order IS NULL"), productID)
	return n, err
}

package store

import (
	"context"
	"database/sql"
	"errors"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

const productColumns = "id, name, price, delivery_type, group_id, fixed_secret, on_sale, created_at"

type productRow struct {
	ID           int64           `db:"id"`
	Name         string          `db:"name"`
	Price        decimal.Decimal `db:"price"`
	DeliveryType string          `db:"delivery_type"`
	GroupID      string          `db:"group_id"`
	FixedSecret  string          `db:"fixed_secret"`
	OnSale       bool            `db:"on_sale"`
	CreatedAt    int64           `db:"created_at"`
}

func (r productRow) toModel() *models.Product {
	return &models.Product{
		ID:           r.ID,
		Name:         r.Name,
		Price:        r.Price,
		DeliveryType: r.DeliveryType,
		GroupID:      r.GroupID,
		FixedSecret:  r.FixedSecret,
		OnSale:       r.OnSale,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

// CreateProduct inserts a product and fills its ID
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := s.q(`
		INSERT INTO products (name, price, delivery_type, group_id, fixed_secret, on_sale, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	return s.db.GetContext(ctx, &p.ID, query,
		p.Name, p.Price.StringFixed(2), p.DeliveryType, p.GroupID, p.FixedSecret, p.OnSale, toMillis(p.CreatedAt))
}

// GetProductByID retrieves a product by ID, nil when it does not exist
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+productColumns+" FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]*models.Product, error) {
	var rows []productRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+productColumns+" FROM products ORDER BY id"); err != nil {
		return nil, err
	}
	products := make([]*models.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toModel())
	}
	return products, nil
}

// DeleteProduct removes a product row; used by operators and tests
func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q("DELETE FROM products WHERE id = ?"), id)
	return err
}

package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// StockService manages the secret pools behind pool_secret products
type StockService struct {
	store  *store.Store
	now    Clock
	logger *zap.Logger
}

// NewStockService creates a new stock service
func NewStockService(store *store.Store, now Clock) *StockService {
	if now == nil {
		now = time.Now
	}
	return &StockService{
		store:  store,
		now:    now,
		logger: util.ComponentLogger("stock"),
	}
}

// ImportSecrets reads one secret per non-empty line and appends them to the
// product's pool in file order, so the first line is handed out first.
func (s *StockService) ImportSecrets(ctx context.Context, productID int64, r io.Reader) (int, error) {
	ctx, span := util.StartSpan(ctx, "StockService.ImportSecrets")
	defer span.End()

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return 0, fmt.Errorf("%w: %d", ErrProductUnavailable, productID)
	}
	if product.DeliveryType != models.DeliveryPoolSecret {
		return 0, fmt.Errorf("product %d delivers %s, not %s", productID, product.DeliveryType, models.DeliveryPoolSecret)
	}

	var texts []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			texts = append(texts, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to read secrets: %w", err)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	n, err := s.store.ImportSecrets(ctx, productID, texts, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to import secrets: %w", err)
	}

	s.logger.Info("Secrets imported",
		zap.Int64("product_id", productID),
		zap.Int("count", n))
	return n, nil
}

// Available returns the number of unclaimed secrets for a product
func (s *StockService) Available(ctx context.Context, productID int64) (int, error) {
	return s.store.CountUnclaimedSecrets(ctx, productID)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ErrPoolExhausted means no secret could be claimed for the order
var ErrPoolExhausted = errors.New("secret pool exhausted")

var errClaimLost = errors.New("claim lost to concurrent allocator")

// AllocatorConfig bounds the optimistic claim loop
type AllocatorConfig struct {
	Attempts int
	Backoff  time.Duration
}

// SecretAllocator hands out one unused pool secret per order, oldest first.
// The only contention control is the ledger's conditional claim.
type SecretAllocator struct {
	store    *store.Store
	attempts int
	backoff  time.Duration
	now      Clock
	logger   *zap.Logger
}

// NewSecretAllocator creates a new allocator
func NewSecretAllocator(store *store.Store, cfg AllocatorConfig, now Clock) *SecretAllocator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &SecretAllocator{
		store:    store,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		now:      now,
		logger:   util.ComponentLogger("allocator"),
	}
}

// Allocate returns the secret bound to the order, claiming the oldest unclaimed
// one if the order has none yet. ErrPoolExhausted covers both an empty pool and
// running out of attempts against concurrent allocators.
func (a *SecretAllocator) Allocate(ctx context.Context, order *models.Order) (*models.Secret, error) {
	ctx, span := util.StartOrderSpan(ctx, "SecretAllocator.Allocate", order.ExternalReference)
	defer span.End()

	existing, err := a.store.GetSecretByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up claimed secret: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoff
	b.MaxInterval = 10 * a.backoff

	secret, err := backoff.Retry(ctx, func() (*models.Secret, error) {
		return a.tryClaim(ctx, order)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(a.attempts)))

	switch {
	case err == nil:
		util.PoolClaimsTotal.Inc()
		a.logger.Info("Secret claimed",
			zap.String("external_reference", order.ExternalReference),
			zap.Int64("product_id", order.ProductID),
			zap.Int64("secret_id", secret.ID))
		return secret, nil
	case errors.Is(err, ErrPoolExhausted), errors.Is(err, errClaimLost):
		util.PoolExhaustedTotal.Inc()
		return nil, ErrPoolExhausted
	default:
		return nil, err
	}
}

func (a *SecretAllocator) tryClaim(ctx context.Context, order *models.Order) (*models.Secret, error) {
	candidate, err := a.store.OldestUnclaimedSecret(ctx, order.ProductID)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to select secret: %w", err))
	}
	if candidate == nil {
		return nil, backoff.Permanent(ErrPoolExhausted)
	}

	now := a.now()
	ok, err := a.store.ClaimSecret(ctx, candidate.ID, order.ID, now)
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent dispatch for this same order claimed first; that claim is the order's secret.
		held, lookupErr := a.store.GetSecretByOrder(ctx, order.ID)
		if lookupErr != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to look up claimed secret: %w", lookupErr))
		}
		if held == nil {
			return nil, errClaimLost
		}
		return held, nil
	}
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to claim secret: %w", err))
	}
	if !ok {
		util.PoolClaimConflictsTotal.Inc()
		a.logger.Debug("Secret claim lost, retrying",
			zap.String("external_reference", order.ExternalReference),
			zap.Int64("secret_id", candidate.ID))
		return nil, errClaimLost
	}

	orderID := order.ID
	candidate.ClaimedByOrder = &orderID
	candidate.ClaimedAt = &now
	return candidate, nil
}

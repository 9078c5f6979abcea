package service

import (
	"context"
	"sync"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateOldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "oldest", "middle", "newest")

	a := h.order(t, "FIFO00-00001", 1, p, "fast")
	b := h.order(t, "FIFO00-00002", 2, p, "fast")

	first, err := h.allocator.Allocate(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, "oldest", first.SecretText)

	second, err := h.allocator.Allocate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, "middle", second.SecretText)
}

func TestAllocateIsIdempotentPerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "one", "two")
	o := h.order(t, "IDEM00-00001", 1, p, "fast")

	first, err := h.allocator.Allocate(ctx, o)
	require.NoError(t, err)
	again, err := h.allocator.Allocate(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	left, err := h.store.CountUnclaimedSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestAllocateEmptyPool(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret)
	o := h.order(t, "EMPT00-00001", 1, p, "fast")

	_, err := h.allocator.Allocate(context.Background(), o)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAllocateLastSecretUnderContention(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "only-one")

	orders := []*models.Order{
		h.order(t, "RACE00-00001", 1, p, "fast"),
		h.order(t, "RACE00-00002", 2, p, "fast"),
	}

	var wg sync.WaitGroup
	secrets := make([]*models.Secret, len(orders))
	errs := make([]error, len(orders))
	for i, o := range orders {
		wg.Add(1)
		go func(i int, o *models.Order) {
			defer wg.Done()
			secrets[i], errs[i] = h.allocator.Allocate(ctx, o)
		}(i, o)
	}
	wg.Wait()

	won, exhausted := 0, 0
	for i := range orders {
		if errs[i] == nil {
			won++
			assert.Equal(t, "only-one", secrets[i].SecretText)
			require.NotNil(t, secrets[i].ClaimedByOrder)
			assert.Equal(t, orders[i].ID, *secrets[i].ClaimedByOrder)
			continue
		}
		assert.ErrorIs(t, errs[i], ErrPoolExhausted)
		exhausted++
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, exhausted)
}

func TestAllocateManyOrdersNeverShareSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "a", "b", "c", "d")

	var orders []*models.Order
	for i, ref := range []string{"MANY00-00001", "MANY00-00002", "MANY00-00003", "MANY00-00004", "MANY00-00005", "MANY00-00006"} {
		orders = append(orders, h.order(t, ref, int64(i+1), p, "fast"))
	}

	var mu sync.Mutex
	seen := map[int64]int64{}
	exhausted := 0
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			s, err := h.allocator.Allocate(ctx, o)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exhausted++
				return
			}
			if prev, dup := seen[s.ID]; dup {
				t.Errorf("secret %d handed to orders %d and %d", s.ID, prev, o.ID)
			}
			seen[s.ID] = o.ID
		}(o)
	}
	wg.Wait()

	assert.Len(t, seen, 4)
	assert.Equal(t, 2, exhausted)
}

package service

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var referencePattern = regexp.MustCompile(`^[0-9A-Z]{6}-\d{5}$`)

func TestNewExternalReferenceFormat(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ref, err := NewExternalReference()
		require.NoError(t, err)
		assert.Regexp(t, referencePattern, ref)
		seen[ref] = true
	}
	assert.Greater(t, len(seen), 190)
}

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret, func(p *models.Product) {
		p.Price = decimal.RequireFromString("19.90")
	})

	order, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{
		UserID:         11,
		ProductID:      p.ID,
		PaymentChannel: "fast",
	})
	require.NoError(t, err)
	assert.Regexp(t, referencePattern, order.ExternalReference)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, decimal.RequireFromString("19.90").Equal(order.Amount))

	stored, err := h.orders.GetOrder(context.Background(), order.ExternalReference)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, order.ID, stored.ID)
	assert.Equal(t, "fast", stored.PaymentChannel)
}

func TestCreateOrderCancelsBuyersOtherPendingOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "OLD000-00001", 11, p, "fast")
	h.order(t, "OLD000-00002", 11, p, "fast")
	h.order(t, "PAID00-00001", 11, p, "fast")
	h.markPaid(t, "PAID00-00001")
	h.order(t, "OTHR00-00001", 12, p, "fast")

	order, err := h.orders.CreateOrder(ctx, &CreateOrderRequest{UserID: 11, ProductID: p.ID, PaymentChannel: "slow"})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusCancelled, h.reload(t, "OLD000-00001").Status)
	assert.Equal(t, models.OrderStatusCancelled, h.reload(t, "OLD000-00002").Status)
	assert.Equal(t, models.OrderStatusPaid, h.reload(t, "PAID00-00001").Status)
	assert.Equal(t, models.OrderStatusPending, h.reload(t, "OTHR00-00001").Status)
	assert.Equal(t, models.OrderStatusPending, h.reload(t, order.ExternalReference).Status)

	// Each supersede goes through the state machine and is published.
	assert.Equal(t, 2, h.publisher.count(models.OrderStatusPending, models.OrderStatusCancelled))

	mine, err := h.orders.ListUserOrders(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, mine, 4)
}

func TestCreateOrderRejectsUnknownChannel(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret)

	_, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{UserID: 1, ProductID: p.ID, PaymentChannel: "carrier_pigeon"})
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestCreateOrderRejectsUnavailableProduct(t *testing.T) {
	h := newHarness(t)
	off := h.product(t, models.DeliveryPoolSecret, func(p *models.Product) { p.OnSale = false })

	_, err := h.orders.CreateOrder(context.Background(), &CreateOrderRequest{UserID: 1, ProductID: off.ID, PaymentChannel: "fast"})
	assert.ErrorIs(t, err, ErrProductUnavailable)

	_, err = h.orders.CreateOrder(context.Background(), &CreateOrderRequest{UserID: 1, ProductID: 9999, PaymentChannel: "fast"})
	assert.ErrorIs(t, err, ErrProductUnavailable)
}

func TestImportSecretsKeepsFileOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)

	n, err := h.stock.ImportSecrets(ctx, p.ID, strings.NewReader("first\n\n  second  \nthird\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := h.stock.Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, left)

	o := h.order(t, "STK000-00001", 1, p, "fast")
	s, err := h.allocator.Allocate(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, "first", s.SecretText)
}

func TestImportSecretsRejectsNonPoolProduct(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryGroupInvite)

	_, err := h.stock.ImportSecrets(context.Background(), p.ID, strings.NewReader("x\n"))
	assert.Error(t, err)
}

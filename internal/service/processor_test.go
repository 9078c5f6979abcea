package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePaymentRejectsUnknownOrder(t *testing.T) {
	h := newHarness(t)

	out := h.processor.HandlePayment(context.Background(), paymentFor("NOPE00-00000", "10.00"))
	assert.Equal(t, models.Rejected(models.ReasonUnknownOrder, ""), out)
}

func TestHandlePaymentRejectsUnsuccessfulGatewayStatus(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "GW0000-00001", 1, p, "fast")

	evt := paymentFor("GW0000-00001", "10.00")
	evt.GatewayStatus = models.GatewayStatusOther
	out := h.processor.HandlePayment(context.Background(), evt)

	assert.Equal(t, models.ResultRejected, out.Result)
	assert.Equal(t, models.ReasonNotSuccessful, out.Reason)
	assert.Equal(t, models.OrderStatusPending, h.reload(t, "GW0000-00001").Status)
}

func TestHandlePaymentAmountGate(t *testing.T) {
	amounts := []string{"10.01", "9.99", "0.00", "100.00", "1000.00", "-10.00"}
	for _, status := range []string{models.GatewayStatusSuccess, models.GatewayStatusOther} {
		for _, amount := range amounts {
			t.Run(status+"/"+amount, func(t *testing.T) {
				h := newHarness(t)
				p := h.product(t, models.DeliveryPoolSecret)
				h.secrets(t, p, "s1")
				h.order(t, "AMT000-00001", 1, p, "fast")

				evt := paymentFor("AMT000-00001", amount)
				evt.GatewayStatus = status
				out := h.processor.HandlePayment(context.Background(), evt)

				assert.Equal(t, models.ResultRejected, out.Result)
				assert.Equal(t, models.OrderStatusPending, h.reload(t, "AMT000-00001").Status)
				assert.Zero(t, h.publisher.count(models.OrderStatusPending, models.OrderStatusPaid))
			})
		}
	}
}

func TestHandlePaymentAcceptsAmountAtTwoDecimals(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryFixedSecret)
	h.order(t, "AMT000-00002", 1, p, "fast")

	out := h.processor.HandlePayment(context.Background(), paymentFor("AMT000-00002", "10.0"))
	assert.Equal(t, models.Accepted(models.ReasonFulfilled, models.OrderStatusCompleted), out)
}

// Order AB12-00001, amount 10.00, channel "fast" (600s), pool product with one secret.
func TestPaymentScenarioPoolSecretEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "LAST-SECRET")
	order := h.order(t, "AB12-00001", 42, p, "fast")

	h.clock.Set(t0.Add(30 * time.Second))
	out := h.processor.HandlePayment(ctx, paymentFor("AB12-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonFulfilled, models.OrderStatusCompleted), out)
	assert.Equal(t, models.OrderStatusCompleted, h.reload(t, "AB12-00001").Status)

	claimed, err := h.store.GetSecretByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "LAST-SECRET", claimed.SecretText)

	sent := h.notifier.deliveriesOf(models.DeliverySendSecret)
	require.Len(t, sent, 1)
	assert.Equal(t, "LAST-SECRET", sent[0].SecretText)
	assert.EqualValues(t, 42, sent[0].UserID)

	h.clock.Set(t0.Add(31 * time.Second))
	out = h.processor.HandlePayment(ctx, paymentFor("AB12-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonAlreadyDelivered, models.OrderStatusCompleted), out)
	assert.Len(t, h.notifier.deliveriesOf(models.DeliverySendSecret), 1)

	again, err := h.store.GetSecretByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, claimed.ID, again.ID)

	h.clock.Set(t0.Add(700 * time.Second))
	cancelled, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
	assert.Equal(t, models.OrderStatusCompleted, h.reload(t, "AB12-00001").Status)

	assert.Equal(t, 1, h.publisher.count(models.OrderStatusPending, models.OrderStatusPaid))
	assert.Equal(t, 1, h.publisher.count(models.OrderStatusPaid, models.OrderStatusCompleted))
}

func TestHandlePaymentReplayYieldsOneInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryGroupInvite)
	order := h.order(t, "INV000-00001", 7, p, "fast")

	for i := 0; i < 5; i++ {
		out := h.processor.HandlePayment(ctx, paymentFor("INV000-00001", "10.00"))
		assert.Equal(t, models.ResultAccepted, out.Result)
	}

	assert.Equal(t, models.OrderStatusPaid, h.reload(t, "INV000-00001").Status)
	assert.Len(t, h.platform.createdLinks(), 1)
	assert.Len(t, h.notifier.deliveriesOf(models.DeliverySendInviteLink), 1)
	assert.Equal(t, 1, h.publisher.count(models.OrderStatusPending, models.OrderStatusPaid))

	invites, err := h.store.ListInvitesByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, invites, 1)
}

func TestHandlePaymentConcurrentReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryGroupInvite)
	order := h.order(t, "INV000-00002", 7, p, "fast")

	const n = 8
	var wg sync.WaitGroup
	outcomes := make([]models.Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = h.processor.HandlePayment(ctx, paymentFor("INV000-00002", "10.00"))
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		assert.Equal(t, models.ResultAccepted, out.Result)
	}
	assert.Equal(t, 1, h.publisher.count(models.OrderStatusPending, models.OrderStatusPaid))

	invites, err := h.store.ListInvitesByOrder(ctx, order.ID)
	require.NoError(t, err)
	live := 0
	var liveLink string
	for _, inv := range invites {
		if !inv.Revoked {
			live++
			liveLink = inv.InviteToken
		}
	}
	require.Equal(t, 1, live)

	// Any link minted by a losing issuer is revoked at the platform.
	revoked := h.platform.revokedLinks()
	for _, link := range h.platform.createdLinks() {
		if link != liveLink {
			assert.Contains(t, revoked, link)
		}
	}
	assert.NotContains(t, revoked, liveLink)
}

func TestHandlePaymentConcurrentReplayClaimsOneSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "s1", "s2", "s3")
	h.order(t, "POOL00-00001", 7, p, "fast")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.processor.HandlePayment(ctx, paymentFor("POOL00-00001", "10.00"))
		}()
	}
	wg.Wait()

	assert.Equal(t, models.OrderStatusCompleted, h.reload(t, "POOL00-00001").Status)
	left, err := h.store.CountUnclaimedSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
	assert.Len(t, h.notifier.deliveriesOf(models.DeliverySendSecret), 1)
}

func TestHandlePaymentOnCancelledOrderIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "s1")
	h.order(t, "CAN000-00001", 1, p, "fast")

	h.clock.Advance(11 * time.Minute)
	n, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	out := h.processor.HandlePayment(ctx, paymentFor("CAN000-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonOrderCancelled, models.OrderStatusCancelled), out)

	left, err := h.store.CountUnclaimedSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestHandlePaymentRedispatchesPaidOrderWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryGroupInvite)
	order := h.order(t, "CRS000-00001", 3, p, "fast")
	// Simulates a crash after the paid transition but before the invite was issued.
	h.markPaid(t, "CRS000-00001")

	out := h.processor.HandlePayment(ctx, paymentFor("CRS000-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonInviteIssued, models.OrderStatusPaid), out)

	inv, err := h.store.ActiveInviteForOrder(ctx, order.ID, h.clock.Now())
	require.NoError(t, err)
	assert.NotNil(t, inv)

	out = h.processor.HandlePayment(ctx, paymentFor("CRS000-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonDuplicateDelivery, models.OrderStatusPaid), out)
	assert.Len(t, h.platform.createdLinks(), 1)
}

func TestHandlePaymentQueueMode(t *testing.T) {
	sched := &fakeScheduler{err: errors.New("broker down")}
	h := newHarness(t, withScheduler(sched))
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "QUE000-00001", 1, p, "fast")

	out := h.processor.HandlePayment(ctx, paymentFor("QUE000-00001", "10.00"))
	assert.Equal(t, models.Deferred(models.ReasonScheduleFailed, models.OrderStatusPaid), out)
	assert.Equal(t, models.OrderStatusPaid, h.reload(t, "QUE000-00001").Status)

	sched.err = nil
	out = h.processor.HandlePayment(ctx, paymentFor("QUE000-00001", "10.00"))
	assert.Equal(t, models.Accepted(models.ReasonScheduled, models.OrderStatusPaid), out)
	assert.Equal(t, []string{"QUE000-00001"}, sched.refs)
}

func TestHandleRecheckRejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "OWN000-00001", 1, p, "fast")

	out := h.processor.HandleRecheck(context.Background(), &models.RecheckCommand{
		ExternalReference: "OWN000-00001",
		RequestingUserID:  2,
	})
	assert.Equal(t, models.Rejected(models.ReasonNotOwner, ""), out)
}

func TestHandleRecheckUnknownOrder(t *testing.T) {
	h := newHarness(t)
	out := h.processor.HandleRecheck(context.Background(), &models.RecheckCommand{
		ExternalReference: "MISS00-00001",
		RequestingUserID:  1,
	})
	assert.Equal(t, models.Rejected(models.ReasonUnknownOrder, ""), out)
}

func TestHandleRecheckCooldown(t *testing.T) {
	h := newHarness(t, withCooldown(&fakeCooldown{}))
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "CDN000-00001", 1, p, "fast")
	cmd := &models.RecheckCommand{ExternalReference: "CDN000-00001", RequestingUserID: 1}

	out := h.processor.HandleRecheck(context.Background(), cmd)
	assert.Equal(t, models.Deferred(models.ReasonAwaitingPayment, models.OrderStatusPending), out)

	out = h.processor.HandleRecheck(context.Background(), cmd)
	assert.Equal(t, models.Rejected(models.ReasonCooldown, models.OrderStatusPending), out)
}

func TestHandleRecheckCancelsExpiredPendingOrder(t *testing.T) {
	h := newHarness(t)
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "EXP000-00001", 1, p, "fast")

	h.clock.Advance(601 * time.Second)
	out := h.processor.HandleRecheck(context.Background(), &models.RecheckCommand{
		ExternalReference: "EXP000-00001",
		RequestingUserID:  1,
	})
	assert.Equal(t, models.Rejected(models.ReasonOrderExpired, models.OrderStatusCancelled), out)
	assert.Equal(t, models.OrderStatusCancelled, h.reload(t, "EXP000-00001").Status)
}

func TestHandleRecheckResendsLiveInvite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryGroupInvite)
	h.order(t, "RSD000-00001", 5, p, "fast")

	require.Equal(t, models.ResultAccepted, h.processor.HandlePayment(ctx, paymentFor("RSD000-00001", "10.00")).Result)

	h.clock.Advance(10 * time.Minute)
	out := h.processor.HandleRecheck(ctx, &models.RecheckCommand{ExternalReference: "RSD000-00001", RequestingUserID: 5})
	assert.Equal(t, models.Accepted(models.ReasonInviteResent, models.OrderStatusPaid), out)

	links := h.notifier.deliveriesOf(models.DeliverySendInviteLink)
	require.Len(t, links, 2)
	assert.Equal(t, links[0].Link, links[1].Link)
	assert.Equal(t, 50*time.Minute, links[1].TTL)
	assert.Len(t, h.platform.createdLinks(), 1)
}

func TestHandleRecheckResendsClaimedSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.secrets(t, p, "POOL-A", "POOL-B")
	h.order(t, "RSD000-00002", 5, p, "fast")

	require.Equal(t, models.ResultAccepted, h.processor.HandlePayment(ctx, paymentFor("RSD000-00002", "10.00")).Result)

	out := h.processor.HandleRecheck(ctx, &models.RecheckCommand{ExternalReference: "RSD000-00002", RequestingUserID: 5})
	assert.Equal(t, models.Accepted(models.ReasonSecretResent, models.OrderStatusCompleted), out)

	sent := h.notifier.deliveriesOf(models.DeliverySendSecret)
	require.Len(t, sent, 2)
	assert.Equal(t, "POOL-A", sent[1].SecretText)

	left, err := h.store.CountUnclaimedSecrets(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestHandleRecheckCompletesAfterRestock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.product(t, models.DeliveryPoolSecret)
	h.order(t, "RST000-00001", 5, p, "fast")

	out := h.processor.HandlePayment(ctx, paymentFor("RST000-00001", "10.00"))
	assert.Equal(t, models.Deferred(models.ReasonPoolExhausted, models.OrderStatusPaid), out)

	h.secrets(t, p, "RESTOCKED")
	out = h.processor.HandleRecheck(ctx, &models.RecheckCommand{ExternalReference: "RST000-00001", RequestingUserID: 5})
	assert.Equal(t, models.Accepted(models.ReasonFulfilled, models.OrderStatusCompleted), out)
	assert.Equal(t, "RESTOCKED", h.notifier.deliveriesOf(models.DeliverySendSecret)[0].SecretText)
}

func TestAmountComparisonIgnoresTrailingZeros(t *testing.T) {
	a := decimal.RequireFromString("10.00")
	b := decimal.RequireFromString("10")
	assert.True(t, a.Round(2).Equal(b.Round(2)))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNotifier struct {
	mu         sync.Mutex
	deliveries []*models.DeliveryInstruction
	alerts     []*models.OperatorAlert
	err        error
}

func (n *fakeNotifier) Deliver(_ context.Context, ins *models.DeliveryInstruction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, ins)
	return n.err
}

func (n *fakeNotifier) Alert(_ context.Context, a *models.OperatorAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *fakeNotifier) deliveriesOf(kind string) []*models.DeliveryInstruction {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.DeliveryInstruction
	for _, d := range n.deliveries {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (n *fakeNotifier) alertsOf(kind string) []*models.OperatorAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*models.OperatorAlert
	for _, a := range n.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type fakePlatform struct {
	mu        sync.Mutex
	failFirst int
	revokeErr error
	seq       int
	created   []string
	revoked   []string
}

func (p *fakePlatform) CreateInviteLink(_ context.Context, groupID string, _ time.Time, memberLimit int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if memberLimit != 1 {
		return "", fmt.Errorf("unexpected member limit %d", memberLimit)
	}
	if p.failFirst > 0 {
		p.failFirst--
		return "", errors.New("platform unavailable")
	}
	p.seq++
	link := fmt.Sprintf("https://t.me/+%s-%d", groupID, p.seq)
	p.created = append(p.created, link)
	return link, nil
}

func (p *fakePlatform) RevokeInviteLink(_ context.Context, _ string, link string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.revokeErr != nil {
		return p.revokeErr
	}
	p.revoked = append(p.revoked, link)
	return nil
}

func (p *fakePlatform) createdLinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

func (p *fakePlatform) revokedLinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.revoked...)
}

type statusChange struct{ ref, from, to string }

type fakeStatusPublisher struct {
	mu      sync.Mutex
	changes []statusChange
}

func (p *fakeStatusPublisher) PublishStatusChanged(_ context.Context, ref, from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, statusChange{ref, from, to})
	return nil
}

func (p *fakeStatusPublisher) count(from, to string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.changes {
		if c.from == from && c.to == to {
			n++
		}
	}
	return n
}

type fakeScheduler struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (s *fakeScheduler) Submit(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.refs = append(s.refs, ref)
	return nil
}

type fakeCooldown struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (c *fakeCooldown) Allow(_ context.Context, key string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[key] {
		return false, nil
	}
	c.seen[key] = true
	return true, nil
}

var testTimeouts = ChannelTimeouts{
	Default: 15 * time.Minute,
	PerChannel: map[string]time.Duration{
		"fast": 600 * time.Second,
		"slow": 2 * time.Hour,
	},
}

type harness struct {
	store      *store.Store
	dbPath     string
	clock      *fakeClock
	notifier   *fakeNotifier
	platform   *fakePlatform
	publisher  *fakeStatusPublisher
	machine    *OrderStateMachine
	allocator  *SecretAllocator
	invites    *InviteManager
	dispatcher *Dispatcher
	processor  *Processor
	reaper     *Reaper
	orders     *OrderService
	stock      *StockService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	scheduler Scheduler
	cooldown  Cooldown
}

func withScheduler(s Scheduler) harnessOption {
	return func(c *harnessConfig) { c.scheduler = s }
}

func withCooldown(cd Cooldown) harnessOption {
	return func(c *harnessConfig) { c.cooldown = cd }
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return newTestStoreAt(t, filepath.Join(t.TempDir(), "ledger.db"))
}

func newTestStoreAt(t *testing.T, path string) *store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h := &harness{
		store:     newTestStoreAt(t, dbPath),
		dbPath:    dbPath,
		clock:     newFakeClock(t0),
		notifier:  &fakeNotifier{},
		platform:  &fakePlatform{},
		publisher: &fakeStatusPublisher{},
	}
	now := h.clock.Now
	h.machine = NewOrderStateMachine(h.store, h.publisher, now)
	h.allocator = NewSecretAllocator(h.store, AllocatorConfig{Attempts: 5, Backoff: time.Millisecond}, now)
	h.invites = NewInviteManager(h.store, h.machine, h.platform, h.notifier,
		InviteConfig{TTL: time.Hour, Attempts: 3, Backoff: time.Millisecond}, now)
	h.dispatcher = NewDispatcher(h.store, h.machine, h.allocator, h.invites, h.notifier, now)
	h.processor = NewProcessor(h.store, h.machine, h.dispatcher, cfg.scheduler, cfg.cooldown,
		ProcessorConfig{Timeouts: testTimeouts, RecheckCooldown: 10 * time.Second}, now)
	h.reaper = NewReaper(h.store, h.machine, testTimeouts, h.notifier, now)
	h.orders = NewOrderService(h.store, h.machine, testTimeouts, now)
	h.stock = NewStockService(h.store, now)
	return h
}

func (h *harness) product(t *testing.T, deliveryType string, mutate ...func(*models.Product)) *models.Product {
	t.Helper()
	p := &models.Product{
		Name:         "Product " + deliveryType,
		Price:        decimal.RequireFromString("10.00"),
		DeliveryType: deliveryType,
		OnSale:       true,
		CreatedAt:    t0,
	}
	switch deliveryType {
	case models.DeliveryGroupInvite:
		p.GroupID = "-100123"
	case models.DeliveryFixedSecret:
		p.FixedSecret = "FIXED-KEY-1"
	}
	for _, m := range mutate {
		m(p)
	}
	require.NoError(t, h.store.CreateProduct(context.Background(), p))
	return p
}

func (h *harness) order(t *testing.T, ref string, userID int64, product *models.Product, channel string) *models.Order {
	t.Helper()
	o := &models.Order{
		UserID:            userID,
		ProductID:         product.ID,
		Amount:            product.Price,
		PaymentChannel:    channel,
		Status:            models.OrderStatusPending,
		ExternalReference: ref,
		CreatedAt:         h.clock.Now(),
		UpdatedAt:         h.clock.Now(),
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), o))
	return o
}

func (h *harness) secrets(t *testing.T, product *models.Product, texts ...string) {
	t.Helper()
	_, err := h.store.ImportSecrets(context.Background(), product.ID, texts, h.clock.Now())
	require.NoError(t, err)
}

func (h *harness) reload(t *testing.T, ref string) *models.Order {
	t.Helper()
	o, err := h.store.GetOrderByReference(context.Background(), ref)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

// ledgerExec runs raw SQL against the harness ledger over a separate connection
func (h *harness) ledgerExec(t *testing.T, stmt string) {
	t.Helper()
	db, err := sqlx.Connect("sqlite", h.dbPath+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(stmt)
	require.NoError(t, err)
}

func (h *harness) markPaid(t *testing.T, ref string) {
	t.Helper()
	ok, err := h.store.TransitionStatus(context.Background(), ref, models.OrderStatusPending, models.OrderStatusPaid, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
}

func paymentFor(ref, amount string) *models.PaymentEvent {
	return &models.PaymentEvent{
		ExternalReference: ref,
		ConfirmedAmount:   decimal.RequireFromString(amount),
		GatewayStatus:     models.GatewayStatusSuccess,
	}
}

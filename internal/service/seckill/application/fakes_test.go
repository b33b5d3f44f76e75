package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	saleStart = time.Date(2026, 6, 18, 20, 0, 0, 0, time.UTC)
	testNow   = saleStart.Add(10 * time.Minute)
)

func testTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("seckill-test")
}

func newSaleItem(goodsID, stock int64) *domain.SaleItem {
	return &domain.SaleItem{
		GoodsID:    goodsID,
		Title:      fmt.Sprintf("goods-%d", goodsID),
		Price:      decimal.RequireFromString("19.99"),
		StockCount: stock,
		StartTime:  saleStart,
		EndTime:    saleStart.Add(time.Hour),
	}
}

func clone(item *domain.SaleItem) *domain.SaleItem {
	c := *item
	return &c
}

// --- lock ---

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	seq      int
	acquired int
	released int
	failNext int // 接下来 n 次 Acquire 返回未获取
	ctxAware bool // Release 时检查 ctx 是否已取消
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string)}
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return "", false, nil
	}
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.held[key] = token
	l.acquired++
	return token, true, nil
}

func (l *fakeLocks) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctxAware && ctx.Err() != nil {
		return ctx.Err()
	}
	current, ok := l.held[key]
	if !ok {
		return nil
	}
	if current != token {
		return port.ErrLockNotHeld
	}
	delete(l.held, key)
	l.released++
	return nil
}

func (l *fakeLocks) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// lock 模拟另一个持有者
func (l *fakeLocks) lock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = "other-owner"
}

func (l *fakeLocks) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

// --- filter ---

type fakeFilter struct {
	mu      sync.Mutex
	ids     map[int64]bool
	reads   int
	rebuilt int
}

func newFakeFilter(ids ...int64) *fakeFilter {
	f := &fakeFilter{ids: make(map[int64]bool)}
	for _, id := range ids {
		f.ids[id] = true
	}
	return f
}

func (f *fakeFilter) Add(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[id] = true
	return nil
}

func (f *fakeFilter) MightContain(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.ids[id], nil
}

func (f *fakeFilter) Rebuild(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = make(map[int64]bool, len(ids))
	for _, id := range ids {
		f.ids[id] = true
	}
	f.rebuilt++
	return nil
}

// --- cache ---

type fakeCache struct {
	mu    sync.Mutex
	items map[int64]*domain.SaleItem
	gets  int
	sets  int

	// onSet 在每次 Set 时调用，用于断言写缓存时的上下文条件
	onSet func(item *domain.SaleItem)
	// onReplace 在 Replace 取得缓存内容之前调用，模拟并发写入
	onReplace func()
}

func newFakeCache(items ...*domain.SaleItem) *fakeCache {
	c := &fakeCache{items: make(map[int64]*domain.SaleItem)}
	for _, item := range items {
		c.items[item.GoodsID] = clone(item)
	}
	return c
}

func (c *fakeCache) Get(_ context.Context, id int64) (*domain.SaleItem, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	item, ok := c.items[id]
	if !ok {
		return nil, false, nil
	}
	return clone(item), true, nil
}

func (c *fakeCache) Set(_ context.Context, item *domain.SaleItem) error {
	if c.onSet != nil {
		c.onSet(item)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.items[item.GoodsID] = clone(item)
	return nil
}

func (c *fakeCache) Delete(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	return nil
}

func (c *fakeCache) ListActive(_ context.Context) ([]*domain.SaleItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.SaleItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, clone(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoodsID < out[j].GoodsID })
	return out, nil
}

func (c *fakeCache) Replace(_ context.Context, items []*domain.SaleItem, settled map[int64]int64) ([]*domain.SaleItem, error) {
	if c.onReplace != nil {
		c.onReplace()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	evictable := func(cached *domain.SaleItem) bool {
		s, ok := settled[cached.GoodsID]
		return ok && s == cached.StockCount
	}
	next := make(map[int64]*domain.SaleItem, len(items))
	for _, item := range items {
		n := clone(item)
		retain := false
		if cached, ok := c.items[item.GoodsID]; ok {
			n.StockCount = cached.StockCount
			retain = !evictable(cached)
		}
		if n.StockCount > 0 || retain {
			next[n.GoodsID] = n
		}
	}
	for id, cached := range c.items {
		if _, ok := next[id]; !ok && !evictable(cached) {
			next[id] = cached
		}
	}
	c.items = next
	out := make([]*domain.SaleItem, 0, len(next))
	for _, item := range next {
		out = append(out, clone(item))
	}
	return out, nil
}

func (c *fakeCache) stock(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[id]
	if !ok {
		return 0, false
	}
	return item.StockCount, true
}

// --- staging ---

type fakeStaging struct {
	mu      sync.Mutex
	primary map[string]*domain.Reservation
	shadow  map[string]*domain.Reservation
	claimed map[string]bool
	putErr  error
}

func newFakeStaging() *fakeStaging {
	return &fakeStaging{
		primary: make(map[string]*domain.Reservation),
		shadow:  make(map[string]*domain.Reservation),
		claimed: make(map[string]bool),
	}
}

func copyReservation(r *domain.Reservation) *domain.Reservation {
	c := *r
	return &c
}

func (s *fakeStaging) Put(_ context.Context, r *domain.Reservation, _, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.primary[r.ID] = copyReservation(r)
	s.shadow[r.ID] = copyReservation(r)
	return nil
}

func (s *fakeStaging) Get(_ context.Context, id string) (*domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.primary[id]
	if !ok {
		return nil, false, nil
	}
	return copyReservation(r), true, nil
}

func (s *fakeStaging) Take(_ context.Context, id string) (*domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.primary[id]
	if !ok {
		return nil, false, nil
	}
	delete(s.primary, id)
	return r, true, nil
}

func (s *fakeStaging) GetShadow(_ context.Context, id string) (*domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.shadow[id]
	if !ok {
		return nil, false, nil
	}
	return copyReservation(r), true, nil
}

func (s *fakeStaging) DeleteShadow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shadow, id)
	return nil
}

func (s *fakeStaging) ClaimCompensation(_ context.Context, id string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[id] {
		return false, nil
	}
	s.claimed[id] = true
	return true, nil
}

func (s *fakeStaging) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, id)
	return nil
}

// expire 模拟主记录 TTL 到期
func (s *fakeStaging) expire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.primary, id)
}

// --- repositories ---

type fakeItems struct {
	mu      sync.Mutex
	items   map[int64]*domain.SaleItem
	failFor map[int64]bool
	findErr error
	listErr error
	saves   int
	finds   int
}

func newFakeItems(items ...*domain.SaleItem) *fakeItems {
	r := &fakeItems{items: make(map[int64]*domain.SaleItem), failFor: make(map[int64]bool)}
	for _, item := range items {
		r.items[item.GoodsID] = clone(item)
	}
	return r
}

func (r *fakeItems) FindByGoodsID(_ context.Context, id int64) (*domain.SaleItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	if r.failFor[id] {
		return nil, errors.New("store unavailable")
	}
	if r.findErr != nil {
		return nil, r.findErr
	}
	item, ok := r.items[id]
	if !ok {
		return nil, domain.ErrSaleItemNotFound
	}
	return clone(item), nil
}

func (r *fakeItems) Save(_ context.Context, item *domain.SaleItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.items[item.GoodsID] = clone(item)
	return nil
}

func (r *fakeItems) ListActiveWindow(_ context.Context, now time.Time) ([]*domain.SaleItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*domain.SaleItem
	for _, item := range r.items {
		if item.Active(now) {
			out = append(out, clone(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GoodsID < out[j].GoodsID })
	return out, nil
}

func (r *fakeItems) stock(id int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[id].StockCount
}

type fakeOrders struct {
	mu      sync.Mutex
	orders  map[string]*domain.Reservation
	saveErr error
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{orders: make(map[string]*domain.Reservation)}
}

func (o *fakeOrders) Save(_ context.Context, r *domain.Reservation) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.saveErr != nil {
		return o.saveErr
	}
	o.orders[r.ID] = copyReservation(r)
	return nil
}

func (o *fakeOrders) FindByID(_ context.Context, id string) (*domain.Reservation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyReservation(r), nil
}

// --- outbound ---

type fakeScheduler struct {
	mu     sync.Mutex
	events []*domain.PaymentTimeoutCheckEvent
	delays []time.Duration
}

func (s *fakeScheduler) Schedule(_ context.Context, e *domain.PaymentTimeoutCheckEvent, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.delays = append(s.delays, delay)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.SaleEvent
}

func (p *fakePublisher) Publish(_ context.Context, e *domain.SaleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []domain.SaleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SaleEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NextIDString() string {
	return fmt.Sprintf("rsv-%d", s.n.Add(1))
}

// --- fixture ---

type fixture struct {
	locks     *fakeLocks
	filter    *fakeFilter
	cache     *fakeCache
	staging   *fakeStaging
	items     *fakeItems
	orders    *fakeOrders
	scheduler *fakeScheduler
	publisher *fakePublisher
	engine    *Engine
	service   *SeckillApplicationService
}

func newFixture(t *testing.T, items ...*domain.SaleItem) *fixture {
	t.Helper()
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.GoodsID)
	}
	f := &fixture{
		locks:     newFakeLocks(),
		filter:    newFakeFilter(ids...),
		cache:     newFakeCache(items...),
		staging:   newFakeStaging(),
		items:     newFakeItems(items...),
		orders:    newFakeOrders(),
		scheduler: &fakeScheduler{},
		publisher: &fakePublisher{},
	}

	engine, err := NewEngine(f.locks, f.filter, f.cache, f.staging, &seqIDs{}, nil, testTracer(), EngineConfig{
		LockLease:      10 * time.Second,
		ReservationTTL: 5 * time.Minute,
		ShadowTTL:      7 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.now = func() time.Time { return testNow }
	f.engine = engine

	f.service = NewSeckillApplicationService(ServiceDeps{
		Engine:    engine,
		Locks:     f.locks,
		Staging:   f.staging,
		Cache:     f.cache,
		Filter:    f.filter,
		Items:     f.items,
		Orders:    f.orders,
		Scheduler: f.scheduler,
		Publisher: f.publisher,
		Tracer:    testTracer(),
	}, ServiceConfig{
		ReservationTTL:    5 * time.Minute,
		ShadowTTL:         7 * time.Minute,
		PaymentCheckDelay: 10 * time.Minute,
		LockLease:         10 * time.Second,
	})
	f.service.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) compensator() *Compensator {
	c := NewCompensator(f.staging, f.cache, f.locks, f.items, f.orders, f.publisher, testTracer(), CompensatorConfig{
		LockLease:    10 * time.Second,
		LockWait:     200 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
		ClaimTTL:     10 * time.Minute,
	})
	return c
}

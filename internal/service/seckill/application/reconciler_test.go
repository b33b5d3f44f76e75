package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"
)

func newTestReconciler(f *fixture) *Reconciler {
	r := NewReconciler(f.cache, f.filter, f.items, testTracer(), time.Minute, 4)
	r.now = func() time.Time { return testNow }
	return r
}

func TestReconciler_PushesCachedStockDown(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10), newSaleItem(1002, 5))
	purchase(t, f, 1001, 3)

	report, err := newTestReconciler(f).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Pushed != 1 {
		t.Errorf("pushed = %d, want 1", report.Pushed)
	}
	if got := f.items.stock(1001); got != 7 {
		t.Errorf("durable stock = %d, want 7", got)
	}
	if report.Active != 2 {
		t.Errorf("active = %d, want 2", report.Active)
	}
}

func TestReconciler_IsIdempotent(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	purchase(t, f, 1001, 2)
	r := newTestReconciler(f)

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	saves := f.items.saves
	report, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if report.Pushed != 0 || f.items.saves != saves {
		t.Errorf("second run wrote to the store: pushed=%d", report.Pushed)
	}
	if stock, _ := f.cache.stock(1001); stock != 8 {
		t.Errorf("cached stock = %d, want 8", stock)
	}
	if got := f.items.stock(1001); got != 8 {
		t.Errorf("durable stock = %d, want 8", got)
	}
}

func TestReconciler_ItemFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10), newSaleItem(1002, 10))
	purchase(t, f, 1001, 1)
	purchase(t, f, 1002, 1)
	f.items.failFor[1001] = true

	report, err := newTestReconciler(f).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.PushFailed != 1 || report.Pushed != 1 {
		t.Errorf("report = %+v", report)
	}
	if got := f.items.stock(1002); got != 9 {
		t.Errorf("durable stock of 1002 = %d, want 9", got)
	}
}

func TestReconciler_PullUpFailureKeepsState(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	f.items.listErr = errors.New("mysql down")

	if _, err := newTestReconciler(f).Reconcile(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := f.cache.stock(1001); !ok {
		t.Error("cache cleared after failed pull-up")
	}
	if f.filter.rebuilt != 0 {
		t.Error("filter rebuilt after failed pull-up")
	}
	if ok, _ := f.filter.MightContain(context.Background(), 1001); !ok {
		t.Error("filter lost goods after failed pull-up")
	}
}

func TestReconciler_RefreshesActiveSet(t *testing.T) {
	ended := newSaleItem(2002, 5)
	ended.EndTime = testNow.Add(-time.Minute)
	f := newFixture(t, newSaleItem(1001, 10), ended)
	// 数据库新增的活动商品
	_ = f.items.Save(context.Background(), newSaleItem(3003, 8))

	report, err := newTestReconciler(f).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Active != 2 {
		t.Errorf("active = %d, want 2", report.Active)
	}
	if _, ok := f.cache.stock(2002); ok {
		t.Error("ended goods kept in cache")
	}
	if ok, _ := f.filter.MightContain(context.Background(), 2002); ok {
		t.Error("ended goods kept in filter")
	}
	if stock, ok := f.cache.stock(3003); !ok || stock != 8 {
		t.Errorf("new goods stock = %d, %v", stock, ok)
	}
	if ok, _ := f.filter.MightContain(context.Background(), 3003); !ok {
		t.Error("new goods missing from filter")
	}
}

func TestReconciler_KeepsCachedStockOfSurvivingGoods(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	r := newTestReconciler(f)

	// 写回失败时数据库仍是旧值，刷新不能用它覆盖缓存中的库存
	purchase(t, f, 1001, 1)
	f.items.failFor[1001] = true

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stock, _ := f.cache.stock(1001); stock != 9 {
		t.Errorf("cached stock = %d, want 9", stock)
	}
}

func TestReconciler_FailedPushKeepsSoldOutGoods(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 1))
	r := newTestReconciler(f)
	purchase(t, f, 1001, 1)

	// 写回失败，数据库仍是 1 件，缓存中的 0 不能丢
	f.items.failFor[1001] = true
	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stock, ok := f.cache.stock(1001); !ok || stock != 0 {
		t.Fatalf("cached stock = %d, %v, want 0 kept", stock, ok)
	}

	delete(f.items.failFor, 1001)
	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := f.items.stock(1001); got != 0 {
		t.Errorf("durable stock = %d, want 0", got)
	}
	if _, ok := f.cache.stock(1001); ok {
		t.Error("sold out goods still cached after a successful push")
	}

	_, err := f.engine.AttemptPurchase(context.Background(), 1001, 1)
	if !errors.Is(err, domain.ErrSoldOut) && !errors.Is(err, domain.ErrNotOnSale) {
		t.Errorf("second purchase err = %v, want rejection", err)
	}
}

func TestReconciler_KeepsStockRestoredDuringCycle(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 1))
	f.service.Compensator = f.compensator()
	r := newTestReconciler(f)
	resp := purchase(t, f, 1001, 1)
	f.staging.expire(resp.ID)

	// 写回 0 之后、替换缓存之前，补偿把库存加回缓存
	f.cache.onReplace = func() {
		f.cache.onReplace = nil
		if err := f.service.Compensator.HandleExpired(context.Background(), resp.ID); err != nil {
			t.Errorf("HandleExpired: %v", err)
		}
	}
	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if stock, ok := f.cache.stock(1001); !ok || stock != 1 {
		t.Fatalf("cached stock = %d, %v, want restored unit kept", stock, ok)
	}

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := f.items.stock(1001); got != 1 {
		t.Errorf("durable stock = %d, want 1", got)
	}
	if stock, ok := f.cache.stock(1001); !ok || stock != 1 {
		t.Errorf("cached stock = %d, %v after second cycle", stock, ok)
	}
}

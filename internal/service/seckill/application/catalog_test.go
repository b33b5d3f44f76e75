package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"
)

func TestListActiveSaleItems_Pages(t *testing.T) {
	future := newSaleItem(4004, 5)
	future.StartTime = testNow.Add(time.Hour)
	future.EndTime = testNow.Add(2 * time.Hour)
	f := newFixture(t, newSaleItem(3003, 1), newSaleItem(1001, 1), newSaleItem(2002, 1), future)

	page, err := f.service.ListActiveSaleItems(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("ListActiveSaleItems: %v", err)
	}
	if page.Total != 3 || len(page.Records) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Records[0].GoodsID != 1001 || page.Records[1].GoodsID != 2002 {
		t.Errorf("records not ordered by goods id: %d, %d", page.Records[0].GoodsID, page.Records[1].GoodsID)
	}

	page, err = f.service.ListActiveSaleItems(context.Background(), 2, 2)
	if err != nil {
		t.Fatalf("ListActiveSaleItems: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].GoodsID != 3003 {
		t.Errorf("second page = %+v", page.Records)
	}

	page, err = f.service.ListActiveSaleItems(context.Background(), 5, 2)
	if err != nil {
		t.Fatalf("ListActiveSaleItems: %v", err)
	}
	if len(page.Records) != 0 || page.Total != 3 {
		t.Errorf("page past the end = %+v", page)
	}
}

func TestListActiveSaleItems_InvalidPage(t *testing.T) {
	f := newFixture(t)
	for _, p := range []struct{ page, size int }{{0, 10}, {1, 0}, {1, 101}} {
		if _, err := f.service.ListActiveSaleItems(context.Background(), p.page, p.size); !errors.Is(err, ErrInvalidPage) {
			t.Errorf("page=%d size=%d: err = %v", p.page, p.size, err)
		}
	}
}

func TestUpsertSaleItem_PublishesActiveItem(t *testing.T) {
	f := newFixture(t)
	item := newSaleItem(5005, 20)

	if err := f.service.UpsertSaleItem(context.Background(), item); err != nil {
		t.Fatalf("UpsertSaleItem: %v", err)
	}
	if got := f.items.stock(5005); got != 20 {
		t.Errorf("durable stock = %d", got)
	}
	if stock, ok := f.cache.stock(5005); !ok || stock != 20 {
		t.Errorf("cached stock = %d, %v", stock, ok)
	}
	if ok, _ := f.filter.MightContain(context.Background(), 5005); !ok {
		t.Error("goods not added to filter")
	}
	if f.locks.isHeld(port.GoodsLockKey(5005)) {
		t.Error("lock still held")
	}

	// 商品可以立即被抢购
	if _, err := f.engine.AttemptPurchase(context.Background(), 5005, 1); err != nil {
		t.Errorf("AttemptPurchase after upsert: %v", err)
	}
}

func TestUpsertSaleItem_FutureItemOnlyStored(t *testing.T) {
	f := newFixture(t)
	item := newSaleItem(6006, 3)
	item.StartTime = testNow.Add(time.Hour)
	item.EndTime = testNow.Add(2 * time.Hour)

	if err := f.service.UpsertSaleItem(context.Background(), item); err != nil {
		t.Fatalf("UpsertSaleItem: %v", err)
	}
	if _, ok := f.cache.stock(6006); ok {
		t.Error("future item cached")
	}
}

func TestUpsertSaleItem_Invalid(t *testing.T) {
	f := newFixture(t)
	item := newSaleItem(7007, 3)
	item.EndTime = item.StartTime

	err := f.service.UpsertSaleItem(context.Background(), item)
	if !errors.Is(err, domain.ErrInvalidSaleItem) {
		t.Fatalf("err = %v, want ErrInvalidSaleItem", err)
	}
}

func TestUpsertSaleItem_StockZeroEvictsCachedItem(t *testing.T) {
	f := newFixture(t, newSaleItem(8008, 10))
	purchase(t, f, 8008, 1)

	// 管理员把库存改成 0
	if err := f.service.UpsertSaleItem(context.Background(), newSaleItem(8008, 0)); err != nil {
		t.Fatalf("UpsertSaleItem: %v", err)
	}
	if _, ok := f.cache.stock(8008); ok {
		t.Error("inactive item still cached")
	}
	if _, err := f.engine.AttemptPurchase(context.Background(), 8008, 1); !errors.Is(err, domain.ErrSoldOut) {
		t.Errorf("purchase after stock reset: err = %v, want ErrSoldOut", err)
	}

	if _, err := newTestReconciler(f).Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := f.items.stock(8008); got != 0 {
		t.Errorf("durable stock after reconcile = %d, want 0", got)
	}
}

func TestUpsertSaleItem_ContentionLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, newSaleItem(8008, 10))
	f.locks.lock(port.GoodsLockKey(8008))

	err := f.service.UpsertSaleItem(context.Background(), newSaleItem(8008, 50))
	if !errors.Is(err, domain.ErrContention) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	if got := f.items.stock(8008); got != 10 {
		t.Errorf("durable stock = %d, want 10", got)
	}
}

func TestUpsertSaleItem_ReleasesLockAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.locks.ctxAware = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cache.onSet = func(*domain.SaleItem) { cancel() }

	if err := f.service.UpsertSaleItem(ctx, newSaleItem(9009, 5)); err != nil {
		t.Fatalf("UpsertSaleItem: %v", err)
	}
	if f.locks.isHeld(port.GoodsLockKey(9009)) {
		t.Error("lock not released after request was cancelled")
	}
}

func TestFindSaleItem_CacheHit(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))

	got, err := f.service.FindSaleItem(context.Background(), 1001)
	if err != nil {
		t.Fatalf("FindSaleItem: %v", err)
	}
	if got.GoodsID != 1001 || got.StockCount != 10 {
		t.Errorf("got = %+v", got)
	}
	if f.items.finds != 0 {
		t.Errorf("store queried %d times on cache hit", f.items.finds)
	}
}

func TestFindSaleItem_CacheMissRestoresFromStore(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	_ = f.cache.Delete(context.Background(), 1001)

	got, err := f.service.FindSaleItem(context.Background(), 1001)
	if err != nil {
		t.Fatalf("FindSaleItem: %v", err)
	}
	if got.StockCount != 10 {
		t.Errorf("stock = %d, want 10", got.StockCount)
	}
	if stock, ok := f.cache.stock(1001); !ok || stock != 10 {
		t.Errorf("cached stock = %d, %v, want re-cached 10", stock, ok)
	}
	if f.locks.isHeld(port.GoodsLockKey(1001)) {
		t.Error("lock still held")
	}
}

func TestFindSaleItem_Rejections(t *testing.T) {
	ended := newSaleItem(2002, 5)
	ended.EndTime = testNow.Add(-time.Minute)
	f := newFixture(t, newSaleItem(1001, 0), ended, newSaleItem(4004, 3))
	for _, id := range []int64{1001, 2002} {
		_ = f.cache.Delete(context.Background(), id)
	}
	_ = f.filter.Add(context.Background(), 3003)

	cases := []struct {
		name    string
		goodsID int64
		want    error
	}{
		{"filter miss", 9999, domain.ErrNotOnSale},
		{"sold out in store", 1001, domain.ErrSoldOut},
		{"window ended", 2002, domain.ErrOutsideWindow},
		{"missing from store", 3003, domain.ErrOutsideWindow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.FindSaleItem(context.Background(), tc.goodsID)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, ok := f.cache.stock(1001); ok {
		t.Error("sold out goods re-cached")
	}
}

func TestFindSaleItem_StoreUnavailable(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	_ = f.cache.Delete(context.Background(), 1001)
	f.items.findErr = fmt.Errorf("%w: circuit breaker is open", domain.ErrStoreUnavailable)

	_, err := f.service.FindSaleItem(context.Background(), 1001)
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("err = %v, want ErrStoreUnavailable", err)
	}
	if _, ok := f.cache.stock(1001); ok {
		t.Error("goods cached while store unavailable")
	}
}

package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"
	"flashsale/internal/service/seckill/infrastructure/rule"
)

func TestEngine_SuccessfulPurchase(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))

	res, err := f.engine.AttemptPurchase(context.Background(), 1001, 3)
	if err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}

	if stock, _ := f.cache.stock(1001); stock != 7 {
		t.Errorf("cached stock = %d, want 7", stock)
	}
	if res.Status != domain.StatusPending {
		t.Errorf("status = %s, want PENDING", res.Status)
	}
	if got := res.TotalPayment.StringFixed(2); got != "59.97" {
		t.Errorf("total = %s, want 59.97", got)
	}
	if !res.ExpiresAt.Equal(testNow.Add(5 * time.Minute)) {
		t.Errorf("expiresAt = %v", res.ExpiresAt)
	}
	if _, ok, _ := f.staging.Get(context.Background(), res.ID); !ok {
		t.Error("reservation not staged")
	}
	if _, ok, _ := f.staging.GetShadow(context.Background(), res.ID); !ok {
		t.Error("shadow not staged")
	}
	if f.locks.isHeld(port.GoodsLockKey(1001)) {
		t.Error("lock still held after purchase")
	}
}

func TestEngine_NotOnSaleNeverTouchesCache(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))

	_, err := f.engine.AttemptPurchase(context.Background(), 9999, 1)
	if !errors.Is(err, domain.ErrNotOnSale) {
		t.Fatalf("err = %v, want ErrNotOnSale", err)
	}
	if f.cache.gets != 0 || f.cache.sets != 0 {
		t.Errorf("cache accessed: gets=%d sets=%d", f.cache.gets, f.cache.sets)
	}
	if f.locks.isHeld(port.GoodsLockKey(9999)) {
		t.Error("lock still held after rejection")
	}
}

func TestEngine_Contention(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	f.locks.lock(port.GoodsLockKey(1001))

	_, err := f.engine.AttemptPurchase(context.Background(), 1001, 1)
	if !errors.Is(err, domain.ErrContention) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	if f.filter.reads != 0 || f.cache.gets != 0 {
		t.Error("engine continued without the lock")
	}
}

func TestEngine_Rejections(t *testing.T) {
	future := newSaleItem(2002, 5)
	future.StartTime = testNow.Add(time.Hour)
	future.EndTime = testNow.Add(2 * time.Hour)

	cases := []struct {
		name     string
		goodsID  int64
		quantity int64
		want     error
	}{
		{"sold out", 1001, 1, domain.ErrSoldOut},
		{"insufficient stock", 3003, 5, domain.ErrSoldOut},
		{"outside window", 2002, 1, domain.ErrOutsideWindow},
		{"zero quantity", 3003, 0, domain.ErrInvalidQuantity},
		{"negative quantity", 3003, -1, domain.ErrInvalidQuantity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, newSaleItem(1001, 0), future, newSaleItem(3003, 2))

			_, err := f.engine.AttemptPurchase(context.Background(), tc.goodsID, tc.quantity)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if f.cache.sets != 0 {
				t.Error("stock was written on a rejected attempt")
			}
			if f.locks.isHeld(port.GoodsLockKey(tc.goodsID)) {
				t.Error("lock still held after rejection")
			}
		})
	}
}

func TestEngine_EvictedItemIsSoldOut(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	_ = f.cache.Delete(context.Background(), 1001)

	_, err := f.engine.AttemptPurchase(context.Background(), 1001, 1)
	if !errors.Is(err, domain.ErrSoldOut) {
		t.Fatalf("err = %v, want ErrSoldOut", err)
	}
}

func TestEngine_CacheWrittenWhileLockHeld(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	key := port.GoodsLockKey(1001)
	var unlocked bool
	f.cache.onSet = func(*domain.SaleItem) {
		if !f.locks.isHeld(key) {
			unlocked = true
		}
	}

	if _, err := f.engine.AttemptPurchase(context.Background(), 1001, 1); err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}
	if unlocked {
		t.Error("stock written without holding the goods lock")
	}
}

func TestEngine_StagingFailureRestoresStock(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	f.staging.putErr = errors.New("redis down")

	_, err := f.engine.AttemptPurchase(context.Background(), 1001, 4)
	if err == nil {
		t.Fatal("expected error")
	}
	if stock, _ := f.cache.stock(1001); stock != 10 {
		t.Errorf("cached stock = %d, want 10 after rollback", stock)
	}
	if f.locks.isHeld(port.GoodsLockKey(1001)) {
		t.Error("lock still held after failure")
	}
}

func TestEngine_NoOversellUnderConcurrency(t *testing.T) {
	const stock = 5
	f := newFixture(t, newSaleItem(1001, stock))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 拿不到锁就重试，直到得到一个终态结果
			for {
				_, err := f.engine.AttemptPurchase(context.Background(), 1001, 1)
				if errors.Is(err, domain.ErrContention) {
					continue
				}
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
				return
			}
		}()
	}
	wg.Wait()

	if success != stock {
		t.Errorf("successful purchases = %d, want %d", success, stock)
	}
	if left, _ := f.cache.stock(1001); left != 0 {
		t.Errorf("stock left = %d, want 0", left)
	}
}

func TestNewEngine_RejectsShortShadowTTL(t *testing.T) {
	_, err := NewEngine(newFakeLocks(), newFakeFilter(), newFakeCache(), newFakeStaging(), &seqIDs{}, nil, testTracer(), EngineConfig{
		LockLease:      10 * time.Second,
		ReservationTTL: 5 * time.Minute,
		ShadowTTL:      5 * time.Minute,
	})
	if err == nil {
		t.Fatal("expected error for shadow ttl equal to reservation ttl")
	}
}

type denyAll struct{}

func (denyAll) Allow(*domain.SaleItem, int64) (bool, error) { return false, nil }

func TestEngine_QuantityPolicyRejects(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	f.engine.policy = denyAll{}

	_, err := f.engine.AttemptPurchase(context.Background(), 1001, 1)
	if !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}
	if stock, _ := f.cache.stock(1001); stock != 10 {
		t.Errorf("stock = %d, want unchanged", stock)
	}
}

func TestEngine_DefaultPolicyLeavesStockCheckToEngine(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 2))
	policy, err := rule.NewCELQuantityPolicy("")
	if err != nil {
		t.Fatalf("NewCELQuantityPolicy: %v", err)
	}
	f.engine.policy = policy

	if _, err := f.engine.AttemptPurchase(context.Background(), 1001, 3); !errors.Is(err, domain.ErrSoldOut) {
		t.Errorf("quantity over stock: err = %v, want ErrSoldOut", err)
	}
	if _, err := f.engine.AttemptPurchase(context.Background(), 1001, 6); !errors.Is(err, domain.ErrSoldOut) {
		t.Errorf("quantity over stock and limit: err = %v, want ErrSoldOut", err)
	}

	f.cache.items[1001].StockCount = 10
	if _, err := f.engine.AttemptPurchase(context.Background(), 1001, 6); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Errorf("quantity over limit: err = %v, want ErrInvalidQuantity", err)
	}
	if _, err := f.engine.AttemptPurchase(context.Background(), 1001, 2); err != nil {
		t.Errorf("quantity within limit: %v", err)
	}
}

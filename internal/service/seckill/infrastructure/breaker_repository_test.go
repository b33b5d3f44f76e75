package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"

	"github.com/sony/gobreaker"
)

type flakyRepo struct {
	calls int
	err   error
}

func (r *flakyRepo) FindByGoodsID(context.Context, int64) (*domain.SaleItem, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return nil, domain.ErrSaleItemNotFound
}

func (r *flakyRepo) Save(context.Context, *domain.SaleItem) error {
	r.calls++
	return r.err
}

func (r *flakyRepo) ListActiveWindow(context.Context, time.Time) ([]*domain.SaleItem, error) {
	r.calls++
	return nil, r.err
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	next := &flakyRepo{err: errors.New("connection refused")}
	repo := NewBreakerSaleItemRepository(next, BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = repo.Save(ctx, &domain.SaleItem{GoodsID: 1})
	}
	if repo.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open", repo.State())
	}

	err := repo.Save(ctx, &domain.SaleItem{GoodsID: 1})
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Errorf("err = %v, want ErrOpenState wrapped as ErrStoreUnavailable", err)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
}

func TestBreaker_NotFoundIsNotAFailure(t *testing.T) {
	next := &flakyRepo{}
	repo := NewBreakerSaleItemRepository(next, BreakerConfig{ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		_, err := repo.FindByGoodsID(context.Background(), 1)
		if !errors.Is(err, domain.ErrSaleItemNotFound) {
			t.Fatalf("err = %v, want ErrSaleItemNotFound", err)
		}
	}
	if repo.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", repo.State())
	}
}

package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerSaleItemRepository 用熔断器包装数据库仓储。
// 对账和补偿在数据库故障时快速失败，不会堆积阻塞的请求。
type BreakerSaleItemRepository struct {
	next domain.SaleItemRepository
	cb   *gobreaker.CircuitBreaker
}

// BreakerConfig 熔断参数
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewBreakerSaleItemRepository(next domain.SaleItemRepository, cfg BreakerConfig) *BreakerSaleItemRepository {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "seckill-goods-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return &BreakerSaleItemRepository{next: next, cb: cb}
}

func (r *BreakerSaleItemRepository) FindByGoodsID(ctx context.Context, goodsID int64) (*domain.SaleItem, error) {
	var notFound bool
	v, err := r.cb.Execute(func() (interface{}, error) {
		item, err := r.next.FindByGoodsID(ctx, goodsID)
		// 商品不存在是正常结果，不计入失败
		if errors.Is(err, domain.ErrSaleItemNotFound) {
			notFound = true
			return nil, nil
		}
		return item, err
	})
	if notFound {
		return nil, domain.ErrSaleItemNotFound
	}
	if err != nil {
		return nil, r.logOpen(ctx, err)
	}
	return v.(*domain.SaleItem), nil
}

func (r *BreakerSaleItemRepository) Save(ctx context.Context, item *domain.SaleItem) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.next.Save(ctx, item)
	})
	return r.logOpen(ctx, err)
}

func (r *BreakerSaleItemRepository) ListActiveWindow(ctx context.Context, now time.Time) ([]*domain.SaleItem, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return r.next.ListActiveWindow(ctx, now)
	})
	if err != nil {
		return nil, r.logOpen(ctx, err)
	}
	return v.([]*domain.SaleItem), nil
}

// State 当前熔断状态，用于健康检查
func (r *BreakerSaleItemRepository) State() gobreaker.State {
	return r.cb.State()
}

// logOpen 熔断拒绝的调用同时包装为 domain.ErrStoreUnavailable
func (r *BreakerSaleItemRepository) logOpen(ctx context.Context, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logger.Ctx(ctx).Debug().Err(err).Msg("sale item store call rejected by circuit breaker")
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

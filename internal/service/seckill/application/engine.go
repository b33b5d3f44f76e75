// internal/service/seckill/application/engine.go
package application

import (
	"context"
	"errors"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IDGenerator 生成全局唯一、递增的订单号
type IDGenerator interface {
	NextIDString() string
}

// EngineConfig 是下单引擎使用的时间参数
type EngineConfig struct {
	LockLease      time.Duration // 商品锁租约
	ReservationTTL time.Duration // 主订单 TTL
	ShadowTTL      time.Duration // 订单副本 TTL，必须大于 ReservationTTL
}

// Engine 负责一次抢购：加锁、过滤器检查、读缓存、扣库存、写预订单、释放锁。
// 从 LOCK_HELD 到 DONE 的全部步骤都在同一把商品锁内执行。
type Engine struct {
	locks   port.LockManager
	filter  port.ExistenceFilter
	cache   port.InventoryCache
	staging port.StagingStore
	ids     IDGenerator
	policy  port.QuantityPolicy
	tracer  trace.Tracer
	cfg     EngineConfig
	now     func() time.Time
}

func NewEngine(locks port.LockManager, filter port.ExistenceFilter, cache port.InventoryCache, staging port.StagingStore, ids IDGenerator, policy port.QuantityPolicy, tracer trace.Tracer, cfg EngineConfig) (*Engine, error) {
	if cfg.LockLease <= 0 || cfg.ReservationTTL <= 0 {
		return nil, errors.New("engine: lock lease and reservation ttl must be positive")
	}
	if cfg.ShadowTTL <= cfg.ReservationTTL {
		return nil, errors.New("engine: shadow ttl must be longer than reservation ttl")
	}
	return &Engine{
		locks: locks, filter: filter, cache: cache, staging: staging,
		ids: ids, policy: policy, tracer: tracer, cfg: cfg, now: time.Now,
	}, nil
}

// AttemptPurchase 尝试为 goodsID 锁定 quantity 件库存并生成待支付订单。
// 失败时返回 domain 中定义的拒绝原因之一，只有 ErrContention 适合重试。
func (e *Engine) AttemptPurchase(ctx context.Context, goodsID, quantity int64) (res *domain.Reservation, err error) {
	ctx, span := e.tracer.Start(ctx, "seckill.AttemptPurchase", trace.WithAttributes(
		attribute.Int64("goods.id", goodsID),
		attribute.Int64("purchase.quantity", quantity),
	))
	defer span.End()

	lg := logger.Ctx(ctx).With().Int64("goods_id", goodsID).Int64("quantity", quantity).Logger()
	state := domain.AttemptStart
	advance := func(next domain.AttemptState) {
		state = next
		span.AddEvent(string(next))
	}

	defer func() {
		outcome := domain.Outcome(err)
		purchaseTotal.WithLabelValues(outcome).Inc()
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		span.SetAttributes(attribute.String("seckill.rejected_at", string(state)))
		lg.Info().Str("state", string(state)).Str("outcome", outcome).Err(err).Msg("purchase rejected")
	}()

	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	// START: 只尝试一次，拿不到锁立即返回
	key := port.GoodsLockKey(goodsID)
	token, ok, err := e.locks.Acquire(ctx, key, e.cfg.LockLease)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return nil, domain.ErrContention
	}
	defer e.release(ctx, key, token)
	advance(domain.AttemptLockHeld)

	// LOCK_HELD: 过滤器说不存在就一定不存在
	present, err := e.filter.MightContain(ctx, goodsID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "query existence filter")
	}
	if !present {
		return nil, domain.ErrNotOnSale
	}

	item, found, err := e.cache.Get(ctx, goodsID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read inventory cache")
	}
	if !found || item.StockCount <= 0 {
		return nil, domain.ErrSoldOut
	}
	now := e.now()
	if !item.OnSaleAt(now) {
		return nil, domain.ErrOutsideWindow
	}
	// 库存不足按售罄处理，不交给规则判断
	if quantity > item.StockCount {
		return nil, domain.ErrSoldOut
	}
	if e.policy != nil {
		allowed, err := e.policy.Allow(item, quantity)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "evaluate quantity policy")
		}
		if !allowed {
			return nil, domain.ErrInvalidQuantity
		}
	}
	advance(domain.AttemptValidated)

	// STOCK_RESERVED
	if err := item.Reserve(quantity); err != nil {
		return nil, err
	}
	if err := e.cache.Set(ctx, item); err != nil {
		return nil, pkgerrors.Wrap(err, "write back stock")
	}
	advance(domain.AttemptStockReserved)

	// RESERVATION_WRITTEN
	res, err = domain.NewReservation(e.ids.NextIDString(), item, quantity, now, e.cfg.ReservationTTL)
	if err == nil {
		err = e.staging.Put(ctx, res, e.cfg.ReservationTTL, e.cfg.ShadowTTL)
	}
	if err != nil {
		// 订单没写成功，仍在锁内把刚扣的库存加回去
		item.Restore(quantity)
		if rbErr := e.cache.Set(ctx, item); rbErr != nil {
			lg.Error().Err(rbErr).Msg("CRITICAL: failed to roll back reserved stock")
			span.RecordError(rbErr, trace.WithAttributes(attribute.Bool("critical.error", true)))
		}
		return nil, pkgerrors.Wrap(err, "write reservation")
	}
	advance(domain.AttemptReservationWritten)

	span.SetAttributes(attribute.String("reservation.id", res.ID))
	lg.Info().Str("reservation_id", res.ID).Int64("stock_left", item.StockCount).Msg("reservation created")
	advance(domain.AttemptDone)
	return res, nil
}

// release 使用脱离取消信号的 context，保证请求被取消后锁也能释放
func (e *Engine) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := e.locks.Release(rctx, key, token); err != nil {
		lg := logger.Ctx(ctx)
		if errors.Is(err, port.ErrLockNotHeld) {
			// 临界区超过了租约，锁已被别人拿走
			lg.Error().Str("lock", key).Msg("CRITICAL: lock lease expired before release")
			return
		}
		lg.Warn().Err(err).Str("lock", key).Msg("failed to release lock, it will expire with its lease")
	}
}

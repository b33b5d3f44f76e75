// internal/service/seckill/application/compensator.go
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

// CompensatorConfig 控制补偿时等待商品锁的方式
type CompensatorConfig struct {
	LockLease    time.Duration
	LockWait     time.Duration // 等待商品锁的总时长，应大于 LockLease
	RetryBackoff time.Duration
	ClaimTTL     time.Duration // 认领标记的保留时间，应覆盖副本 TTL
}

// Compensator 在主订单过期后回补库存。它和下单引擎使用同一把商品锁，
// 保证同一商品的库存变更是线性的。
type Compensator struct {
	staging   port.StagingStore
	cache     port.InventoryCache
	locks     port.LockManager
	items     domain.SaleItemRepository
	orders    domain.OrderRepository
	publisher port.SaleEventPublisher
	tracer    trace.Tracer
	cfg       CompensatorConfig
	now       func() time.Time
}

func NewCompensator(staging port.StagingStore, cache port.InventoryCache, locks port.LockManager, items domain.SaleItemRepository, orders domain.OrderRepository, publisher port.SaleEventPublisher, tracer trace.Tracer, cfg CompensatorConfig) *Compensator {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.LockWait < cfg.LockLease {
		cfg.LockWait = cfg.LockLease + cfg.LockLease/2
	}
	return &Compensator{
		staging: staging, cache: cache, locks: locks, items: items, orders: orders,
		publisher: publisher, tracer: tracer, cfg: cfg, now: time.Now,
	}
}

// HandleExpired 处理一个主订单过期通知。
// 过期通知会广播到每个实例，先在集群范围内认领，保证每个订单只回补一次。
func (c *Compensator) HandleExpired(ctx context.Context, reservationID string) (err error) {
	ctx, span := c.tracer.Start(ctx, "seckill.CompensateExpired", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("reservation.id", reservationID)))
	defer span.End()

	lg := logger.Ctx(ctx).With().Str("reservation_id", reservationID).Logger()
	outcome := "restored"
	defer func() {
		if err != nil {
			outcome = domain.Outcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		compensationTotal.WithLabelValues(outcome).Inc()
	}()

	claimed, err := c.staging.ClaimCompensation(ctx, reservationID, c.cfg.ClaimTTL)
	if err != nil {
		return pkgerrors.Wrap(err, "claim compensation")
	}
	if !claimed {
		outcome = "duplicate"
		lg.Debug().Msg("compensation already claimed by another instance")
		return nil
	}

	shadow, found, err := c.staging.GetShadow(ctx, reservationID)
	if err != nil {
		return pkgerrors.Wrap(err, "read reservation shadow")
	}
	if !found {
		// 已支付的订单在支付时删除了副本，这种通知可以忽略
		order, ferr := c.orders.FindByID(ctx, reservationID)
		if ferr == nil && order.Status == domain.StatusPaid {
			outcome = "already_paid"
			return nil
		}
		lg.Error().Err(domain.ErrLostCompensation).Str("reason", "shadow_missing").
			Msg("🚨 CRITICAL: reservation expired without a shadow copy, stock was not restored")
		return pkgerrors.Wrapf(domain.ErrLostCompensation, "reservation %s", reservationID)
	}
	if shadow.Status != domain.StatusPending {
		outcome = "already_closed"
		return c.staging.DeleteShadow(ctx, reservationID)
	}

	lg = lg.With().Int64("goods_id", shadow.GoodsID).Int64("quantity", shadow.Quantity).Logger()
	if err := c.restore(ctx, shadow); err != nil {
		lg.Error().Err(err).Msg("CRITICAL: failed to restore stock for expired reservation")
		// 副本还在，撤销认领后支付超时检查会再次触发补偿
		if rerr := c.staging.ReleaseClaim(context.WithoutCancel(ctx), reservationID); rerr != nil {
			lg.Error().Err(rerr).Msg("failed to release compensation claim")
		}
		return err
	}
	span.AddEvent("StockRestored")

	if err := c.staging.DeleteShadow(ctx, reservationID); err != nil {
		lg.Warn().Err(err).Msg("failed to delete shadow after compensation")
	}

	if err := shadow.MarkAsExpired(); err == nil {
		if err := c.orders.Save(ctx, shadow); err != nil {
			lg.Warn().Err(err).Msg("failed to persist expired order record")
		}
	}
	c.publishExpired(ctx, shadow)

	lg.Info().Msg("expired reservation compensated")
	return nil
}

// restore 在商品锁内把数量加回库存。商品已不在缓存时回补数据库记录，
// 下一轮对账会把它重新拉回缓存。
func (c *Compensator) restore(ctx context.Context, r *domain.Reservation) error {
	key := port.GoodsLockKey(r.GoodsID)
	token, err := c.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := c.locks.Release(rctx, key, token); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("lock", key).Msg("failed to release lock after compensation")
		}
	}()

	item, found, err := c.cache.Get(ctx, r.GoodsID)
	if err != nil {
		return pkgerrors.Wrap(err, "read inventory cache")
	}
	if found {
		item.Restore(r.Quantity)
		return pkgerrors.Wrap(c.cache.Set(ctx, item), "write restored stock to cache")
	}

	dbItem, err := c.items.FindByGoodsID(ctx, r.GoodsID)
	if err != nil {
		return pkgerrors.Wrap(err, "load sale item for restore")
	}
	dbItem.Restore(r.Quantity)
	return pkgerrors.Wrap(c.items.Save(ctx, dbItem), "write restored stock to store")
}

// acquire 在 LockWait 内反复尝试获取商品锁。租约最长 LockLease，所以等待时间足够时
// 只有持续不断的新抢购才会让补偿拿不到锁。
func (c *Compensator) acquire(ctx context.Context, key string) (string, error) {
	deadline := c.now().Add(c.cfg.LockWait)
	for {
		token, ok, err := c.locks.Acquire(ctx, key, c.cfg.LockLease)
		if err != nil {
			return "", pkgerrors.Wrapf(err, "acquire %s", key)
		}
		if ok {
			return token, nil
		}
		if !c.now().Before(deadline) {
			return "", pkgerrors.Wrapf(domain.ErrContention, "gave up waiting for %s", key)
		}

		timer := time.NewTimer(c.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Compensator) publishExpired(ctx context.Context, r *domain.Reservation) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(ctx, &domain.SaleEvent{
		Type:          domain.SaleEventExpired,
		GoodsID:       r.GoodsID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		OccurredAt:    c.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Ctx(ctx).Warn().Err(err).Str("reservation_id", r.ID).Msg("failed to publish expired event")
	}
}

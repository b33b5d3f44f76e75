// internal/service/seckill/application/reconciler.go
package application

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ReconcileReport 是一轮对账的结果
type ReconcileReport struct {
	Pushed     int
	PushFailed int
	Active     int
	Duration   time.Duration
}

// Reconciler 周期性地在缓存和数据库之间同步库存：
// 先把缓存中的库存写回数据库，再用数据库里的活动商品刷新缓存和过滤器。
type Reconciler struct {
	cache       port.InventoryCache
	filter      port.ExistenceFilter
	items       domain.SaleItemRepository
	tracer      trace.Tracer
	interval    time.Duration
	concurrency int
	now         func() time.Time

	group singleflight.Group
}

func NewReconciler(cache port.InventoryCache, filter port.ExistenceFilter, items domain.SaleItemRepository, tracer trace.Tracer, interval time.Duration, concurrency int) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Reconciler{
		cache: cache, filter: filter, items: items, tracer: tracer,
		interval: interval, concurrency: concurrency, now: time.Now,
	}
}

// Run 启动时立即对账一次，之后每个周期对账一次，直到 ctx 被取消。
func (r *Reconciler) Run(ctx context.Context) {
	logger.Ctx(ctx).Info().Dur("interval", r.interval).Msg("✅ Reconciler started")
	r.runOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Reconciler stopped")
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	report, err := r.Reconcile(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("reconciliation failed, keeping previous cache state")
		return
	}
	logger.Ctx(ctx).Info().
		Int("pushed", report.Pushed).
		Int("push_failed", report.PushFailed).
		Int("active", report.Active).
		Dur("took", report.Duration).
		Msg("reconciliation finished")
}

// Reconcile 执行一轮对账。并发调用（定时器和管理接口）会合并为同一次执行。
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	v, err, _ := r.group.Do("reconcile", func() (interface{}, error) {
		return r.reconcile(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ReconcileReport), nil
}

func (r *Reconciler) reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := r.tracer.Start(ctx, "seckill.Reconcile")
	defer span.End()

	started := r.now()
	report := &ReconcileReport{}
	defer func() {
		report.Duration = r.now().Sub(started)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	settled, err := r.pushDown(ctx, report)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// 拉取失败时直接返回，不动缓存和过滤器
	active, err := r.items.ListActiveWindow(ctx, r.now())
	if err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "list active sale items from store")
	}
	// 只有库存没有在写回之后变化的缓存项才会被剔除，
	// 写回失败或期间被补偿、下单改动过的商品留到下一轮
	kept, err := r.cache.Replace(ctx, active, settled)
	if err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "replace active set in cache")
	}

	ids := make([]int64, 0, len(kept))
	for _, item := range kept {
		ids = append(ids, item.GoodsID)
	}
	if err := r.filter.Rebuild(ctx, ids); err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "rebuild existence filter")
	}

	report.Active = len(kept)
	span.SetAttributes(
		attribute.Int("reconcile.pushed", report.Pushed),
		attribute.Int("reconcile.push_failed", report.PushFailed),
		attribute.Int("reconcile.active", report.Active),
	)
	return report, nil
}

// pushDown 把缓存中的库存写回数据库。单个商品失败只记录，不中断整轮对账。
// 返回已经和数据库一致的库存快照，写回失败的商品不在其中。
func (r *Reconciler) pushDown(ctx context.Context, report *ReconcileReport) (map[int64]int64, error) {
	cached, err := r.cache.ListActive(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list cached sale items")
	}

	var (
		mu      sync.Mutex
		settled = make(map[int64]int64, len(cached))
	)
	var pushed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, item := range cached {
		item := item
		g.Go(func() error {
			changed, err := r.pushItem(gctx, item)
			if errors.Is(err, domain.ErrSaleItemNotFound) {
				// 数据库里已经没有这个商品，缓存项可以直接剔除
				logger.Ctx(ctx).Warn().Int64("goods_id", item.GoodsID).Msg("cached goods missing from store")
				err = nil
			}
			if err != nil {
				failed.Add(1)
				reconcileItemFailures.WithLabelValues("push_down").Inc()
				logger.Ctx(ctx).Warn().Err(err).Int64("goods_id", item.GoodsID).Msg("failed to push cached stock to store")
				return nil
			}
			if changed {
				pushed.Add(1)
			}
			mu.Lock()
			settled[item.GoodsID] = item.StockCount
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Pushed = int(pushed.Load())
	report.PushFailed = int(failed.Load())
	return settled, nil
}

func (r *Reconciler) pushItem(ctx context.Context, cached *domain.SaleItem) (bool, error) {
	stored, err := r.items.FindByGoodsID(ctx, cached.GoodsID)
	if err != nil {
		return false, err
	}
	if stored.StockCount == cached.StockCount {
		return false, nil
	}
	stored.StockCount = cached.StockCount
	if err := r.items.Save(ctx, stored); err != nil {
		return false, err
	}
	return true, nil
}

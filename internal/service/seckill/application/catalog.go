package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"

	pkgerrors "github.com/pkg/errors"
)

// ListActiveSaleItems 从缓存分页读取正在秒杀的商品，page 从 1 开始。
// 已经不在秒杀窗口内的缓存项不会返回。
func (s *SeckillApplicationService) ListActiveSaleItems(ctx context.Context, page, size int) (*SaleItemPage, error) {
	if page < 1 || size < 1 || size > s.cfg.MaxPageSize {
		return nil, ErrInvalidPage
	}

	ctx, span := s.Tracer.Start(ctx, "seckill.ListActiveSaleItems")
	defer span.End()

	items, err := s.Cache.ListActive(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "list cached sale items")
	}

	now := s.now()
	onSale := items[:0]
	for _, item := range items {
		if item.OnSaleAt(now) {
			onSale = append(onSale, item)
		}
	}
	// redis hash 无序，按商品 ID 排序保证翻页稳定
	sort.Slice(onSale, func(i, j int) bool { return onSale[i].GoodsID < onSale[j].GoodsID })

	start := (page - 1) * size
	if start > len(onSale) {
		start = len(onSale)
	}
	end := start + size
	if end > len(onSale) {
		end = len(onSale)
	}

	records := make([]*SaleItemResponse, 0, end-start)
	for _, item := range onSale[start:end] {
		records = append(records, ToSaleItemResponse(item))
	}
	return &SaleItemPage{Current: page, Size: size, Total: len(onSale), Records: records}, nil
}

// FindSaleItem 查询单个秒杀商品：过滤器、缓存、数据库依次查询。
// 缓存未命中而数据库里的商品仍在秒杀中时，说明缓存数据丢失，顺带把商品重新写入缓存。
// 数据库被熔断时返回 domain.ErrStoreUnavailable。
func (s *SeckillApplicationService) FindSaleItem(ctx context.Context, goodsID int64) (*SaleItemResponse, error) {
	ctx, span := s.Tracer.Start(ctx, "seckill.FindSaleItem")
	defer span.End()

	present, err := s.Filter.MightContain(ctx, goodsID)
	if err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "query existence filter")
	}
	if !present {
		return nil, domain.ErrNotOnSale
	}

	now := s.now()
	item, found, err := s.Cache.Get(ctx, goodsID)
	if err != nil {
		span.RecordError(err)
		return nil, pkgerrors.Wrap(err, "read inventory cache")
	}
	if !found {
		item, err = s.Items.FindByGoodsID(ctx, goodsID)
		if errors.Is(err, domain.ErrSaleItemNotFound) {
			return nil, domain.ErrOutsideWindow
		}
		if err != nil {
			span.RecordError(err)
			return nil, pkgerrors.Wrap(err, "load sale item from store")
		}
	}

	if !item.OnSaleAt(now) {
		return nil, domain.ErrOutsideWindow
	}
	if item.StockCount <= 0 {
		return nil, domain.ErrSoldOut
	}
	if !found {
		s.recache(ctx, goodsID)
	}
	return ToSaleItemResponse(item), nil
}

// recache 在商品锁内把数据库中的商品重新写入缓存，拿不到锁或任何一步失败都只记日志。
func (s *SeckillApplicationService) recache(ctx context.Context, goodsID int64) {
	lg := logger.Ctx(ctx).With().Int64("goods_id", goodsID).Logger()

	key := port.GoodsLockKey(goodsID)
	token, ok, err := s.Locks.Acquire(ctx, key, s.cfg.LockLease)
	if err != nil || !ok {
		lg.Debug().Err(err).Msg("skip re-caching sale item, lock not acquired")
		return
	}
	defer s.release(ctx, key, token)

	// 锁内重新读取，避免覆盖并发写入的缓存库存
	if _, found, err := s.Cache.Get(ctx, goodsID); err != nil || found {
		return
	}
	item, err := s.Items.FindByGoodsID(ctx, goodsID)
	if err != nil || !item.Active(s.now()) {
		return
	}
	if err := s.Cache.Set(ctx, item); err != nil {
		lg.Warn().Err(err).Msg("failed to re-cache sale item")
		return
	}
	if err := s.Filter.Add(ctx, goodsID); err != nil {
		lg.Warn().Err(err).Msg("failed to add re-cached goods to existence filter")
		return
	}
	lg.Info().Int64("stock", item.StockCount).Msg("sale item missing from cache, restored from store")
}

// UpsertSaleItem (管理用) 保存秒杀商品到数据库，正在秒杀的商品同时写入缓存和过滤器，
// 不必等待下一轮对账；不在秒杀中的商品从缓存中移除。
// 数据库和缓存都在商品锁内修改，避免对账把管理员写入的库存覆盖掉。
func (s *SeckillApplicationService) UpsertSaleItem(ctx context.Context, item *domain.SaleItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSaleItem, err)
	}

	ctx, span := s.Tracer.Start(ctx, "seckill.UpsertSaleItem")
	defer span.End()

	key := port.GoodsLockKey(item.GoodsID)
	token, ok, err := s.Locks.Acquire(ctx, key, s.cfg.LockLease)
	if err != nil {
		return pkgerrors.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return domain.ErrContention
	}
	defer s.release(ctx, key, token)

	if err := s.Items.Save(ctx, item); err != nil {
		span.RecordError(err)
		return pkgerrors.Wrap(err, "save sale item")
	}

	lg := logger.Ctx(ctx).With().Int64("goods_id", item.GoodsID).Logger()
	if !item.Active(s.now()) {
		if err := s.Cache.Delete(ctx, item.GoodsID); err != nil {
			span.RecordError(err)
			return pkgerrors.Wrap(err, "evict inactive sale item")
		}
		lg.Info().Msg("sale item stored, not on sale")
		return nil
	}

	if err := s.Cache.Set(ctx, item); err != nil {
		span.RecordError(err)
		return pkgerrors.Wrap(err, "cache sale item")
	}
	if err := s.Filter.Add(ctx, item.GoodsID); err != nil {
		span.RecordError(err)
		return pkgerrors.Wrap(err, "add goods to existence filter")
	}
	lg.Info().Int64("stock", item.StockCount).Msg("sale item published to cache")
	return nil
}

// release 使用脱离取消信号的 context 释放商品锁
func (s *SeckillApplicationService) release(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := s.Locks.Release(rctx, key, token); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("lock", key).Msg("failed to release lock")
	}
}

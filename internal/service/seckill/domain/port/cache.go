package port

import (
	"context"
	"strconv"

	"flashsale/internal/service/seckill/domain"
)

// InventoryCache 是各实例共享的秒杀商品缓存。
// 只保证单 key 原子性，扣库存和写订单的组合原子性由商品锁保证。
type InventoryCache interface {
	Get(ctx context.Context, goodsID int64) (*domain.SaleItem, bool, error)
	Set(ctx context.Context, item *domain.SaleItem) error
	Delete(ctx context.Context, goodsID int64) error
	ListActive(ctx context.Context) ([]*domain.SaleItem, error)

	// Replace 用 items 整体替换活动集合，已在缓存中的商品保留缓存里的库存。
	// settled 是本轮已经写回数据库的库存快照 (goodsId -> stock)。
	// 缓存项只有在库存等于快照时才可能被剔除（不在 items 中，或库存为 0）；
	// 不在快照中或库存已经变化的缓存项原样保留，等下一轮写回后再处理。
	// 返回替换后的活动集合。
	Replace(ctx context.Context, items []*domain.SaleItem, settled map[int64]int64) ([]*domain.SaleItem, error)
}

// ExistenceFilter 是"商品是否在秒杀中"的概率过滤器，只允许误判存在，不允许漏判。
type ExistenceFilter interface {
	Add(ctx context.Context, goodsID int64) error
	MightContain(ctx context.Context, goodsID int64) (bool, error)

	// Rebuild 用 goodsIDs 重新构建整个过滤器，旧数据全部丢弃。
	Rebuild(ctx context.Context, goodsIDs []int64) error
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

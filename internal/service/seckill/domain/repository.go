// internal/service/seckill/domain/repository.go
package domain

import (
	"context"
	"time"
)

// SaleItemRepository 定义了秒杀商品的持久化接口。
// 它位于领域层，但由基础设施层实现。
type SaleItemRepository interface {
	// FindByGoodsID 按商品 ID 查询，不存在时返回 ErrSaleItemNotFound。
	FindByGoodsID(ctx context.Context, goodsID int64) (*SaleItem, error)

	// Save 按商品 ID 插入或更新。
	Save(ctx context.Context, item *SaleItem) error

	// ListActiveWindow 返回 startTime <= now < endTime 且库存大于 0 的商品。
	ListActiveWindow(ctx context.Context, now time.Time) ([]*SaleItem, error)
}

// OrderRepository 定义了已到达终态的订单的持久化接口。
type OrderRepository interface {
	Save(ctx context.Context, reservation *Reservation) error

	// FindByID 不存在时返回 ErrOrderNotFound。
	FindByID(ctx context.Context, id string) (*Reservation, error)
}

// internal/service/seckill/domain/sale_item.go
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SaleItem 是一件参与秒杀的商品，持久化在数据库并缓存在 redis。
type SaleItem struct {
	GoodsID    int64           `json:"goodsId,string"`
	Title      string          `json:"title"`
	Price      decimal.Decimal `json:"price"`
	StockCount int64           `json:"stockCount"`
	StartTime  time.Time       `json:"startTime"` // 秒杀窗口 [StartTime, EndTime)
	EndTime    time.Time       `json:"endTime"`
}

// Validate 校验商品数据本身是否合法
func (s *SaleItem) Validate() error {
	if s.GoodsID <= 0 {
		return errors.New("sale item must have a positive goods id")
	}
	if s.StockCount < 0 {
		return errors.New("sale item stock count cannot be negative")
	}
	if s.Price.IsNegative() {
		return errors.New("sale item price cannot be negative")
	}
	if !s.EndTime.After(s.StartTime) {
		return errors.New("sale item end time must be after start time")
	}
	return nil
}

// OnSaleAt 判断 t 是否落在秒杀窗口内，左闭右开。
func (s *SaleItem) OnSaleAt(t time.Time) bool {
	return !t.Before(s.StartTime) && t.Before(s.EndTime)
}

// Active 表示商品在 t 时刻应当出现在活动集合中：在窗口内且还有库存。
func (s *SaleItem) Active(t time.Time) bool {
	return s.OnSaleAt(t) && s.StockCount > 0
}

// Reserve 扣减库存。库存不足时返回 ErrSoldOut，库存保持不变。
func (s *SaleItem) Reserve(quantity int64) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if s.StockCount <= 0 || s.StockCount < quantity {
		return ErrSoldOut
	}
	s.StockCount -= quantity
	return nil
}

// Restore 回补库存（订单过期补偿）。
func (s *SaleItem) Restore(quantity int64) {
	if quantity > 0 {
		s.StockCount += quantity
	}
}

// TotalFor 计算 quantity 件商品的应付金额，全程使用十进制定点运算。
func (s *SaleItem) TotalFor(quantity int64) decimal.Decimal {
	return s.Price.Mul(decimal.NewFromInt(quantity))
}

package infrastructure

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SaleItemModel 对应数据库中的 seckill_goods 表
type SaleItemModel struct {
	gorm.Model
	GoodsID    int64           `gorm:"uniqueIndex;not null"`
	Title      string          `gorm:"size:255"`
	Price      decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	StockCount int64           `gorm:"not null;default:0"`
	StartTime  time.Time       `gorm:"index:idx_seckill_window,priority:1"`
	EndTime    time.Time       `gorm:"index:idx_seckill_window,priority:2"`
}

// TableName 指定 GORM 应该使用的表名
func (SaleItemModel) TableName() string {
	return "seckill_goods"
}

// OrderModel 对应数据库中的 seckill_orders 表，只保存已支付或已过期的订单
type OrderModel struct {
	ID           string          `gorm:"primaryKey;size:32"`
	GoodsID      int64           `gorm:"index;not null"`
	Quantity     int64           `gorm:"not null"`
	UnitPrice    decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	TotalPayment decimal.Decimal `gorm:"type:decimal(10,2);not null"`
	Status       string          `gorm:"size:16;index"`
	PaymentType  string          `gorm:"size:16"`
	CreatedAt    time.Time
	ExpiresAt    time.Time
	PaidAt       sql.NullTime
	UpdatedAt    time.Time
}

// TableName 指定 GORM 应该使用的表名
func (OrderModel) TableName() string {
	return "seckill_orders"
}

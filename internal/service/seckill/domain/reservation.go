// internal/service/seckill/domain/reservation.go
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Reservation 是秒杀预订单，先写入 redis，支付或过期后落库。
type Reservation struct {
	ID           string          `json:"id"`
	GoodsID      int64           `json:"goodsId,string"`
	Quantity     int64           `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	TotalPayment decimal.Decimal `json:"totalPayment"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	PaidAt       *time.Time      `json:"paidAt,omitempty"`
	PaymentType  string          `json:"paymentType,omitempty"`
}

// 工厂函数: NewReservation 根据已扣减库存的商品创建一个待支付订单。
// 总价在这里一次性算出，之后不再重新计算。
func NewReservation(id string, item *SaleItem, quantity int64, now time.Time, ttl time.Duration) (*Reservation, error) {
	if id == "" {
		return nil, errors.New("reservation id is required")
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if ttl <= 0 {
		return nil, errors.New("reservation ttl must be positive")
	}
	return &Reservation{
		ID:           id,
		GoodsID:      item.GoodsID,
		Quantity:     quantity,
		UnitPrice:    item.Price,
		TotalPayment: item.TotalFor(quantity),
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}

// MarkAsPaid 将订单标记为已支付
func (r *Reservation) MarkAsPaid(now time.Time, paymentType string) error {
	if r.Status != StatusPending {
		return errors.New("only pending reservations can be paid")
	}
	r.Status = StatusPaid
	r.PaidAt = &now
	r.PaymentType = paymentType
	return nil
}

// MarkAsExpired 将订单标记为已过期，只允许由补偿流程调用
func (r *Reservation) MarkAsExpired() error {
	if r.Status != StatusPending {
		return errors.New("only pending reservations can expire")
	}
	r.Status = StatusExpired
	return nil
}

// Closed 表示订单已到达终态
func (r *Reservation) Closed() bool {
	return r.Status == StatusPaid || r.Status == StatusExpired
}

// internal/service/seckill/domain/event.go
package domain

import "time"

// SaleEventType 是对外广播的秒杀事件类型
type SaleEventType string

const (
	SaleEventReserved SaleEventType = "RESERVED"
	SaleEventPaid     SaleEventType = "PAID"
	SaleEventExpired  SaleEventType = "EXPIRED"
)

// SaleEvent 发布到 seckill-events 主题，由 push-gateway 推送给订阅了该商品的客户端
type SaleEvent struct {
	Type          SaleEventType `json:"type"`
	GoodsID       int64         `json:"goodsId,string"`
	ReservationID string        `json:"reservationId"`
	Quantity      int64         `json:"quantity"`
	OccurredAt    time.Time     `json:"occurredAt"`
	TraceID       string        `json:"traceId,omitempty"`
}

// PaymentTimeoutCheckEvent 是投递到延迟队列的支付超时检查任务
type PaymentTimeoutCheckEvent struct {
	TraceID       string    `json:"traceId"`
	ReservationID string    `json:"reservationId"`
	GoodsID       int64     `json:"goodsId,string"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	DueAt         time.Time `json:"dueAt"`
}

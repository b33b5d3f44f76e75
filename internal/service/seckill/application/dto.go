package application

import (
	"time"

	"flashsale/internal/service/seckill/domain"
)

// PurchaseRequest 是抢购接口的请求体
type PurchaseRequest struct {
	GoodsID  int64 `json:"goodsId"`
	Quantity int64 `json:"quantity"`
}

// PayRequest 是支付确认接口的请求体
type PayRequest struct {
	ReservationID string `json:"reservationId"`
	PaymentType   string `json:"paymentType,omitempty"`
}

// ReservationResponse 返回给客户端的订单视图，金额以字符串表示
type ReservationResponse struct {
	ID           string        `json:"id"`
	GoodsID      int64         `json:"goodsId"`
	Quantity     int64         `json:"quantity"`
	UnitPrice    string        `json:"unitPrice"`
	TotalPayment string        `json:"totalPayment"`
	Status       domain.Status `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
	ExpiresAt    time.Time     `json:"expiresAt"`
	PaidAt       *time.Time    `json:"paidAt,omitempty"`
	PaymentType  string        `json:"paymentType,omitempty"`
}

// SaleItemResponse 是秒杀商品列表中的一项
type SaleItemResponse struct {
	GoodsID    int64     `json:"goodsId"`
	Title      string    `json:"title"`
	Price      string    `json:"price"`
	StockCount int64     `json:"stockCount"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
}

// SaleItemPage 是分页查询结果
type SaleItemPage struct {
	Current int                 `json:"current"`
	Size    int                 `json:"size"`
	Total   int                 `json:"total"`
	Records []*SaleItemResponse `json:"records"`
}

// ReconcileResponse 是手动触发对账的结果
type ReconcileResponse struct {
	Pushed     int           `json:"pushed"`
	PushFailed int           `json:"pushFailed"`
	Active     int           `json:"active"`
	Duration   time.Duration `json:"durationNs"`
}

func ToReservationResponse(r *domain.Reservation) *ReservationResponse {
	return &ReservationResponse{
		ID:           r.ID,
		GoodsID:      r.GoodsID,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice.StringFixed(2),
		TotalPayment: r.TotalPayment.StringFixed(2),
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		PaidAt:       r.PaidAt,
		PaymentType:  r.PaymentType,
	}
}

func ToSaleItemResponse(item *domain.SaleItem) *SaleItemResponse {
	return &SaleItemResponse{
		GoodsID:    item.GoodsID,
		Title:      item.Title,
		Price:      item.Price.StringFixed(2),
		StockCount: item.StockCount,
		StartTime:  item.StartTime,
		EndTime:    item.EndTime,
	}
}

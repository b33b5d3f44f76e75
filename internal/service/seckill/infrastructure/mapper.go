package infrastructure

import (
	"database/sql"

	"flashsale/internal/service/seckill/domain"
)

// ToDomainSaleItem 将数据库模型转换为领域模型
func ToDomainSaleItem(model *SaleItemModel) *domain.SaleItem {
	if model == nil {
		return nil
	}
	return &domain.SaleItem{
		GoodsID:    model.GoodsID,
		Title:      model.Title,
		Price:      model.Price,
		StockCount: model.StockCount,
		StartTime:  model.StartTime,
		EndTime:    model.EndTime,
	}
}

// FromDomainSaleItem 将领域模型转换为数据库模型，ID 由数据库按 goods_id 匹配
func FromDomainSaleItem(item *domain.SaleItem) *SaleItemModel {
	if item == nil {
		return nil
	}
	return &SaleItemModel{
		GoodsID:    item.GoodsID,
		Title:      item.Title,
		Price:      item.Price,
		StockCount: item.StockCount,
		StartTime:  item.StartTime.UTC(),
		EndTime:    item.EndTime.UTC(),
	}
}

func ToDomainReservation(model *OrderModel) *domain.Reservation {
	if model == nil {
		return nil
	}
	r := &domain.Reservation{
		ID:           model.ID,
		GoodsID:      model.GoodsID,
		Quantity:     model.Quantity,
		UnitPrice:    model.UnitPrice,
		TotalPayment: model.TotalPayment,
		Status:       domain.Status(model.Status),
		CreatedAt:    model.CreatedAt,
		ExpiresAt:    model.ExpiresAt,
		PaymentType:  model.PaymentType,
	}
	if model.PaidAt.Valid {
		paidAt := model.PaidAt.Time
		r.PaidAt = &paidAt
	}
	return r
}

func FromDomainReservation(r *domain.Reservation) *OrderModel {
	if r == nil {
		return nil
	}
	m := &OrderModel{
		ID:           r.ID,
		GoodsID:      r.GoodsID,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		TotalPayment: r.TotalPayment,
		Status:       string(r.Status),
		PaymentType:  r.PaymentType,
		CreatedAt:    r.CreatedAt.UTC(),
		ExpiresAt:    r.ExpiresAt.UTC(),
	}
	if r.PaidAt != nil {
		m.PaidAt = sql.NullTime{Time: r.PaidAt.UTC(), Valid: true}
	}
	return m
}

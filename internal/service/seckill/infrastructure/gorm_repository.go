package infrastructure

import (
	"context"
	"errors"
	"time"

	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSaleItemRepository 是 domain.SaleItemRepository 的 GORM 实现
type GormSaleItemRepository struct {
	db *gorm.DB
}

// NewGormSaleItemRepository 创建一个新的 GORM 仓储实例
func NewGormSaleItemRepository(db *gorm.DB) *GormSaleItemRepository {
	return &GormSaleItemRepository{db: db}
}

// FindByGoodsID 使用 GORM 从数据库中查找秒杀商品
func (r *GormSaleItemRepository) FindByGoodsID(ctx context.Context, goodsID int64) (*domain.SaleItem, error) {
	var model SaleItemModel
	err := r.db.WithContext(ctx).Where("goods_id = ?", goodsID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSaleItemNotFound
		}
		return nil, pkgerrors.Wrapf(err, "find sale item %d", goodsID)
	}
	return ToDomainSaleItem(&model), nil
}

// Save 按 goods_id 插入或更新
func (r *GormSaleItemRepository) Save(ctx context.Context, item *domain.SaleItem) error {
	model := FromDomainSaleItem(item)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "goods_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "price", "stock_count", "start_time", "end_time", "updated_at"}),
	}).Create(model).Error
	return pkgerrors.Wrapf(err, "save sale item %d", item.GoodsID)
}

// ListActiveWindow 查询 now 落在秒杀窗口内且还有库存的商品
func (r *GormSaleItemRepository) ListActiveWindow(ctx context.Context, now time.Time) ([]*domain.SaleItem, error) {
	var models []*SaleItemModel
	now = now.UTC()
	err := r.db.WithContext(ctx).
		Where("start_time <= ? AND end_time > ? AND stock_count > 0", now, now).
		Order("goods_id").
		Find(&models).Error
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list active sale items")
	}

	items := make([]*domain.SaleItem, len(models))
	for i, m := range models {
		items[i] = ToDomainSaleItem(m)
	}
	return items, nil
}

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// Save 按订单号插入或覆盖
func (r *GormOrderRepository) Save(ctx context.Context, reservation *domain.Reservation) error {
	model := FromDomainReservation(reservation)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "payment_type", "paid_at", "updated_at"}),
	}).Create(model).Error
	return pkgerrors.Wrapf(err, "save order %s", reservation.ID)
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Reservation, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, pkgerrors.Wrapf(err, "find order %s", id)
	}
	return ToDomainReservation(&model), nil
}

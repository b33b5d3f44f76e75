// internal/service/seckill/application/service.go
package application

import (
	"context"
	"errors"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"
	"flashsale/internal/service/seckill/domain/port"

	"go.opentelemetry.io/otel/trace"
)

// DefaultPaymentType 是未指定支付方式时使用的默认值
const DefaultPaymentType = "ALIPAY"

// ErrInvalidPage 表示分页参数不合法
var ErrInvalidPage = errors.New("page must be >= 1 and size must be within the allowed range")

// ServiceConfig 是应用服务的业务参数
type ServiceConfig struct {
	ReservationTTL    time.Duration
	ShadowTTL         time.Duration
	PaymentCheckDelay time.Duration // 支付超时检查的延迟，向上取整到延迟档位
	MaxPageSize       int
	LockLease         time.Duration
}

// ServiceDeps 是应用服务依赖的所有端口。Scheduler、Publisher 和 Compensator 可以为 nil。
type ServiceDeps struct {
	Engine      *Engine
	Compensator *Compensator
	Locks       port.LockManager
	Staging     port.StagingStore
	Cache       port.InventoryCache
	Filter      port.ExistenceFilter
	Items       domain.SaleItemRepository
	Orders      domain.OrderRepository
	Scheduler   port.DelayScheduler
	Publisher   port.SaleEventPublisher
	Tracer      trace.Tracer
}

// SeckillApplicationService 编排面向客户端的秒杀操作，并驱动周边流程（超时检查、事件广播）。
type SeckillApplicationService struct {
	ServiceDeps
	cfg ServiceConfig
	now func() time.Time
}

func NewSeckillApplicationService(deps ServiceDeps, cfg ServiceConfig) *SeckillApplicationService {
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return &SeckillApplicationService{ServiceDeps: deps, cfg: cfg, now: time.Now}
}

// AttemptPurchase 抢购入口。订单写入成功后再安排支付超时检查并广播事件，这两步失败只记日志。
func (s *SeckillApplicationService) AttemptPurchase(ctx context.Context, req *PurchaseRequest) (*ReservationResponse, error) {
	res, err := s.Engine.AttemptPurchase(ctx, req.GoodsID, req.Quantity)
	if err != nil {
		return nil, err
	}

	lg := logger.Ctx(ctx).With().Str("reservation_id", res.ID).Logger()
	if s.Scheduler != nil && s.cfg.PaymentCheckDelay > 0 {
		event := &domain.PaymentTimeoutCheckEvent{
			TraceID:       trace.SpanContextFromContext(ctx).TraceID().String(),
			ReservationID: res.ID,
			GoodsID:       res.GoodsID,
			ScheduledAt:   s.now(),
			DueAt:         s.now().Add(s.cfg.PaymentCheckDelay),
		}
		if err := s.Scheduler.Schedule(ctx, event, s.cfg.PaymentCheckDelay); err != nil {
			lg.Warn().Err(err).Msg("failed to schedule payment timeout check")
		}
	}
	s.publish(ctx, domain.SaleEventReserved, res)

	return ToReservationResponse(res), nil
}

// FindReservation 查询仍在待支付状态的订单
func (s *SeckillApplicationService) FindReservation(ctx context.Context, id string) (*ReservationResponse, error) {
	res, found, err := s.Staging.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if found {
		return ToReservationResponse(res), nil
	}
	// 已支付或已过期的订单在数据库里
	order, err := s.Orders.FindByID(ctx, id)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil, domain.ErrUnknownOrExpiredReservation
	}
	if err != nil {
		return nil, err
	}
	return ToReservationResponse(order), nil
}

func (s *SeckillApplicationService) publish(ctx context.Context, typ domain.SaleEventType, r *domain.Reservation) {
	if s.Publisher == nil {
		return
	}
	event := &domain.SaleEvent{
		Type:          typ,
		GoodsID:       r.GoodsID,
		ReservationID: r.ID,
		Quantity:      r.Quantity,
		OccurredAt:    s.now(),
		TraceID:       trace.SpanContextFromContext(ctx).TraceID().String(),
	}
	if err := s.Publisher.Publish(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("reservation_id", r.ID).Str("event", string(typ)).Msg("failed to publish sale event")
	}
}

package port

import (
	"context"
	"time"

	"flashsale/internal/service/seckill/domain"
)

// StagingStore 保存未支付的预订单：主记录短 TTL，副本长 TTL。
// 主记录过期触发补偿，补偿从副本中读取订单内容。
type StagingStore interface {
	// Put 同时写入主记录和副本。
	Put(ctx context.Context, r *domain.Reservation, ttl, shadowTTL time.Duration) error

	Get(ctx context.Context, id string) (*domain.Reservation, bool, error)

	// Take 原子地读取并删除主记录，用于支付。
	Take(ctx context.Context, id string) (*domain.Reservation, bool, error)

	GetShadow(ctx context.Context, id string) (*domain.Reservation, bool, error)
	DeleteShadow(ctx context.Context, id string) error

	// ClaimCompensation 在集群范围内认领一次补偿，只有第一个调用者返回 true。
	ClaimCompensation(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// ReleaseClaim 撤销认领，让补偿可以被重试。
	ReleaseClaim(ctx context.Context, id string) error
}

// DelayScheduler 是延迟任务调度器的出站端口。
type DelayScheduler interface {
	// Schedule 在 delay 之后投递一次支付超时检查，delay 会向上取整到支持的档位。
	Schedule(ctx context.Context, event *domain.PaymentTimeoutCheckEvent, delay time.Duration) error
}

// SaleEventPublisher 广播秒杀事件。
type SaleEventPublisher interface {
	Publish(ctx context.Context, event *domain.SaleEvent) error
}

// QuantityPolicy 判断某次购买数量是否被允许。
type QuantityPolicy interface {
	Allow(item *domain.SaleItem, quantity int64) (bool, error)
}

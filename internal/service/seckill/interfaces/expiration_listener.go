package interfaces

import (
	"context"
	"fmt"
	"sync"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/infrastructure/adapter"
)

// ExpiredHandler 处理一个主订单过期事件
type ExpiredHandler interface {
	HandleExpired(ctx context.Context, reservationID string) error
}

// ExpirationListener 订阅 redis 的 key 过期通知，把主订单过期交给补偿器。
// 每个实例都会收到同一条通知，去重由补偿器的认领完成。
type ExpirationListener struct {
	redisClient *redis.Client
	db          int
	handler     ExpiredHandler
	configure   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExpirationListener configure 为 true 时启动前执行 CONFIG SET notify-keyspace-events Ex
func NewExpirationListener(redisClient *redis.Client, db int, handler ExpiredHandler, configure bool) *ExpirationListener {
	return &ExpirationListener{redisClient: redisClient, db: db, handler: handler, configure: configure}
}

func (l *ExpirationListener) channel() string {
	return fmt.Sprintf("__keyevent@%d__:expired", l.db)
}

// Start 开始订阅，订阅建立后返回
func (l *ExpirationListener) Start(ctx context.Context) error {
	rdb := l.redisClient.GetClient()
	if l.configure {
		if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to enable keyspace notifications, make sure the server is configured with Ex")
		}
	}

	ctx, l.cancel = context.WithCancel(ctx)
	sub := rdb.PSubscribe(ctx, l.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		l.cancel()
		return fmt.Errorf("subscribe %s: %w", l.channel(), err)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer sub.Close()
		logger.Ctx(ctx).Info().Str("channel", l.channel()).Msg("✅ Expiration listener started")

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				logger.Ctx(ctx).Info().Msg("🛑 Expiration listener shutting down.")
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				id, isReservation := adapter.ParseExpiredKey(msg.Payload)
				if !isReservation {
					continue
				}
				l.wg.Add(1)
				go func() {
					defer l.wg.Done()
					// 回补结果由补偿器记录日志和指标
					_ = l.handler.HandleExpired(context.WithoutCancel(ctx), id)
				}()
			}
		}
	}()
	return nil
}

// Stop 停止订阅并等待正在进行的补偿结束
func (l *ExpirationListener) Stop(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	logger.Ctx(ctx).Info().Msg("✅ Expiration listener stopped.")
}

package push

import (
	"context"
	"strconv"
	"sync"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"

	"github.com/segmentio/kafka-go"
)

// EventConsumer 消费秒杀事件主题并交给 Hub 广播。
// 每个网关节点使用独立的消费组，所有节点都能收到全部事件。
type EventConsumer struct {
	reader *kafka.Reader
	hub    *Hub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEventConsumer(reader *kafka.Reader, hub *Hub) *EventConsumer {
	return &EventConsumer{reader: reader, hub: hub}
}

func (c *EventConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msg("✅ Sale event consumer started.")
		for {
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 Sale event consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read sale event, retrying")
				time.Sleep(time.Second)
				continue
			}
			c.handle(mq.ExtractTraceContext(ctx, msg.Headers), msg)
		}
	}()
	return nil
}

func (c *EventConsumer) Stop(ctx context.Context) {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	_ = c.reader.Close()
	logger.Ctx(ctx).Info().Msg("✅ Sale event consumer stopped.")
}

// handle 消息 key 是商品 ID，不需要解析消息体
func (c *EventConsumer) handle(ctx context.Context, msg kafka.Message) {
	goodsID, err := strconv.ParseInt(string(msg.Key), 10, 64)
	if err != nil {
		logger.Ctx(ctx).Warn().Str("key", string(msg.Key)).Msg("sale event without goods id key, dropped")
		return
	}
	n := c.hub.Broadcast(goodsID, msg.Value)
	logger.Ctx(ctx).Debug().Int64("goods_id", goodsID).Int("delivered", n).Msg("sale event pushed")
}

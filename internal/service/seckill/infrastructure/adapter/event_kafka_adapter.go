package adapter

import (
	"context"
	"encoding/json"
	"strconv"

	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// SaleEventsTopic 是秒杀事件广播的主题
const SaleEventsTopic = "seckill-events"

// EventKafkaAdapter 实现了 port.SaleEventPublisher 接口。
type EventKafkaAdapter struct {
	writer *kafka.Writer
}

// NewEventKafkaAdapter 创建一个新的事件生产者适配器。
func NewEventKafkaAdapter(writer *kafka.Writer) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer}
}

// Publish 以商品 ID 作为消息 key，同一商品的事件保持顺序
func (a *EventKafkaAdapter) Publish(ctx context.Context, event *domain.SaleEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal sale event")
	}
	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	key := []byte(strconv.FormatInt(event.GoodsID, 10))
	return pkgerrors.Wrapf(mq.ProduceMessage(ctx, a.writer, key, body), "publish %s event", event.Type)
}

// Close 关闭底层的Kafka writer。
func (a *EventKafkaAdapter) Close() error {
	return a.writer.Close()
}

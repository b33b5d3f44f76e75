package adapter

import (
	"context"
	"encoding/json"
	"time"

	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// PaymentTimeoutTopic 是支付超时检查任务到期后投递的真实主题
const PaymentTimeoutTopic = "seckill-payment-timeout-check"

// SchedulerKafkaAdapter 实现了 port.DelayScheduler 接口。
// 消息先写入对应档位的延迟主题，由 delay-scheduler 服务到期后转发到真实主题。
type SchedulerKafkaAdapter struct {
	delayWriter *kafka.Writer
	realTopic   string
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器，每条消息自行指定延迟主题。
func NewSchedulerKafkaAdapter(brokers []string, realTopic string) *SchedulerKafkaAdapter {
	if realTopic == "" {
		realTopic = PaymentTimeoutTopic
	}
	return &SchedulerKafkaAdapter{
		delayWriter: mq.NewKafkaWriter(brokers, ""),
		realTopic:   realTopic,
	}
}

// Schedule 实现了发送延迟消息的逻辑。
func (a *SchedulerKafkaAdapter) Schedule(ctx context.Context, event *domain.PaymentTimeoutCheckEvent, delay time.Duration) error {
	msg, err := a.buildMessage(ctx, event, delay)
	if err != nil {
		return err
	}
	return pkgerrors.Wrapf(a.delayWriter.WriteMessages(ctx, msg), "schedule timeout check for %s", event.ReservationID)
}

func (a *SchedulerKafkaAdapter) buildMessage(ctx context.Context, event *domain.PaymentTimeoutCheckEvent, delay time.Duration) (kafka.Message, error) {
	level, err := domain.LevelFor(delay)
	if err != nil {
		return kafka.Message{}, err
	}
	if event.ScheduledAt.IsZero() {
		event.ScheduledAt = time.Now()
	}
	// 到期时间按档位计算，可能比请求的延迟略长
	event.DueAt = event.ScheduledAt.Add(level.Delay)

	body, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, pkgerrors.Wrap(err, "marshal timeout check event")
	}

	msg := kafka.Message{
		Topic: level.Topic(),
		Key:   []byte(event.ReservationID),
		Value: body,
		Headers: []kafka.Header{
			{Key: mq.HeaderRealTopic, Value: []byte(a.realTopic)},
			{Key: mq.HeaderDelayTimestamp, Value: []byte(event.DueAt.Format(time.RFC3339))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)
	return msg, nil
}

// Close 关闭底层的Kafka writer。
func (a *SchedulerKafkaAdapter) Close() error {
	return a.delayWriter.Close()
}

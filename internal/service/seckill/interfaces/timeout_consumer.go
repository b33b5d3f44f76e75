package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/seckill/domain"

	"github.com/segmentio/kafka-go"
)

// TimeoutChecker 处理到期的支付超时检查
type TimeoutChecker interface {
	ProcessTimeoutCheck(ctx context.Context, event *domain.PaymentTimeoutCheckEvent) (string, error)
}

// TimeoutConsumerAdapter 监听支付超时检查主题并驱动应用服务。
// 处理失败的消息转发到死信主题。
type TimeoutConsumerAdapter struct {
	reader    *kafka.Reader
	dltWriter *kafka.Writer
	checker   TimeoutChecker
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// NewTimeoutConsumerAdapter dltWriter 为 nil 时失败消息只记录日志
func NewTimeoutConsumerAdapter(reader *kafka.Reader, dltWriter *kafka.Writer, checker TimeoutChecker) *TimeoutConsumerAdapter {
	return &TimeoutConsumerAdapter{reader: reader, dltWriter: dltWriter, checker: checker}
}

// Start 开始监听Kafka主题。
func (a *TimeoutConsumerAdapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ Timeout check consumer started.")
		for {
			// 使用 FetchMessage 手动提交 offset
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 Timeout check consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read message, retrying")
				time.Sleep(time.Second)
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if err := a.processMessage(msgCtx, msg); err != nil {
				a.deadLetter(msgCtx, msg, err)
			}

			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit message")
			}
		}
	}()
	return nil
}

// Stop 优雅地停止消费者。
func (a *TimeoutConsumerAdapter) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	_ = a.reader.Close()
	logger.Ctx(ctx).Info().Msg("✅ Timeout check consumer stopped.")
}

func (a *TimeoutConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) error {
	var event domain.PaymentTimeoutCheckEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return err
	}
	ctx = logger.WithFields(ctx, map[string]string{"reservation_id": event.ReservationID})

	result, err := a.checker.ProcessTimeoutCheck(ctx, &event)
	if errors.Is(err, domain.ErrLostCompensation) {
		// 已经告警，不再进入死信
		return nil
	}
	if err != nil {
		return err
	}
	logger.Ctx(ctx).Debug().Str("result", result).Msg("payment timeout check processed")
	return nil
}

func (a *TimeoutConsumerAdapter) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	lg := logger.Ctx(ctx)
	if a.dltWriter == nil {
		lg.Error().Err(cause).Str("key", string(msg.Key)).Msg("timeout check failed, message dropped")
		return
	}
	dlt := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: mq.HeaderOriginalTopic, Value: []byte(msg.Topic)},
			{Key: mq.HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			{Key: mq.HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			{Key: mq.HeaderExceptionFqcn, Value: []byte(errorType(cause))},
			{Key: mq.HeaderExceptionMessage, Value: []byte(cause.Error())},
		},
	}
	mq.InjectTraceContext(ctx, &dlt.Headers)
	if err := a.dltWriter.WriteMessages(ctx, dlt); err != nil {
		lg.Error().Err(err).AnErr("cause", cause).Msg("🚨 CRITICAL: failed to forward message to dead letter topic")
		return
	}
	lg.Warn().Err(cause).Str("dlt", a.dltWriter.Topic).Msg("timeout check failed, message sent to dead letter topic")
}

func errorType(err error) string {
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &syntaxErr):
		return "json.SyntaxError"
	default:
		return domain.Outcome(err)
	}
}

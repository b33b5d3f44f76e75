// Package delayqueue 实现基于 kafka 延迟主题的轮询转发，每个延迟档位一个 Scheduler。
package delayqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/pkg/mq"
	"flashsale/internal/service/seckill/domain"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MessageReader 是 *kafka.Reader 中调度器用到的部分
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter 是 *kafka.Writer 中调度器用到的部分，writer 不能绑定 Topic
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Scheduler 负责轮询一个延迟档位的主题，把到期消息转发到 real-topic 头指定的主题。
// 同一档位内消息按写入顺序到期，所以只需要检查队头。
type Scheduler struct {
	level    domain.DelayLevel
	reader   MessageReader
	writer   MessageWriter
	tracer   trace.Tracer
	interval time.Duration
	now      func() time.Time

	// head 是已经取出但尚未到期的队头消息
	head *kafka.Message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(level domain.DelayLevel, reader MessageReader, writer MessageWriter, tracer trace.Tracer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		level:    level,
		reader:   reader,
		writer:   writer,
		tracer:   tracer,
		interval: interval,
		now:      time.Now,
	}
}

// Start 启动定时轮询
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		lg := logger.Ctx(ctx).With().Str("level", s.level.Name).Logger()
		lg.Info().Dur("interval", s.interval).Msg("✅ Polling scheduler started")

		// 每个延迟等级一个独立的 ticker
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.poll(ctx)
			case <-ctx.Done():
				lg.Info().Msg("🛑 Shutting down polling scheduler")
				return
			}
		}
	}()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	_ = s.reader.Close()
	logger.Ctx(ctx).Info().Str("level", s.level.Name).Msg("✅ Polling scheduler stopped.")
}

// poll 转发所有已经到期的消息，遇到未到期的队头或转发失败时停止，等待下一次 tick
func (s *Scheduler) poll(ctx context.Context) int {
	forwarded := 0
	for ctx.Err() == nil {
		if s.head == nil {
			// 主题为空时 FetchMessage 会一直阻塞，这里只等一个轮询周期
			fetchCtx, cancel := context.WithTimeout(ctx, s.interval)
			msg, err := s.reader.FetchMessage(fetchCtx)
			cancel()
			if err != nil {
				if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
					logger.Ctx(ctx).Error().Err(err).Str("level", s.level.Name).Msg("failed to fetch delayed message")
				}
				return forwarded
			}
			s.head = &msg
		}

		if !IsDue(*s.head, s.level.Delay, s.now()) {
			return forwarded
		}
		if err := s.forward(ctx, *s.head); err != nil {
			// 投递失败不提交 offset，保留队头等待重试
			return forwarded
		}
		s.head = nil
		forwarded++
	}
	return forwarded
}

func (s *Scheduler) forward(parentCtx context.Context, msg kafka.Message) error {
	ctx, span := s.tracer.Start(mq.ExtractTraceContext(parentCtx, msg.Headers), "scheduler.Forward", trace.WithAttributes(
		attribute.String("delay.level", s.level.Name),
		attribute.String("msg.time", msg.Time.Format(time.DateTime)),
	))
	defer span.End()
	lg := logger.Ctx(ctx).With().Str("level", s.level.Name).Int64("offset", msg.Offset).Logger()

	realTopic := mq.Header(msg.Headers, mq.HeaderRealTopic)
	if realTopic == "" {
		lg.Error().Msg("'real-topic' header missing, skipping message")
		// 这种消息也需要提交，否则会一直被重复消费
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			lg.Error().Err(err).Msg("failed to commit message after skipping")
		}
		return nil
	}

	// 重新构造消息，并注入追踪上下文
	out := kafka.Message{Topic: realTopic, Key: msg.Key, Value: msg.Value}
	mq.InjectTraceContext(ctx, &out.Headers)
	if err := s.writer.WriteMessages(ctx, out); err != nil {
		lg.Error().Err(err).Str("real_topic", realTopic).Msg("failed to publish due message")
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish to real topic failed")
		return err
	}

	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		// 已经投递，提交失败最多导致一次重复投递，下游检查是幂等的
		lg.Error().Err(err).Msg("failed to commit message after publish")
		span.RecordError(err)
	}
	span.AddEvent("MessagePublishedAndCommitted", trace.WithAttributes(attribute.String("real.topic", realTopic)))
	lg.Debug().Str("real_topic", realTopic).Msg("due message forwarded")
	return nil
}

// IsDue 判断消息是否到期。优先使用 delay-timestamp 头，缺失或无法解析时按写入时间加档位延迟计算。
func IsDue(msg kafka.Message, delay time.Duration, now time.Time) bool {
	return !now.Before(DueAt(msg, delay))
}

func DueAt(msg kafka.Message, delay time.Duration) time.Time {
	if raw := mq.Header(msg.Headers, mq.HeaderDelayTimestamp); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return msg.Time.Add(delay)
}

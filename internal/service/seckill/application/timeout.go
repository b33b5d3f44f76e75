package application

import (
	"context"
	"errors"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// 超时检查的结论
const (
	TimeoutCheckClosed       = "closed"       // 已支付或已过期落库
	TimeoutCheckPending      = "pending"      // 主订单还在，尚未到期
	TimeoutCheckCompensating = "compensating" // 主订单已过期，副本还在，补偿尚未完成
	TimeoutCheckLost         = "lost"
)

// ProcessTimeoutCheck 处理延迟投递回来的支付超时检查，确认订单已经到达终态。
// 主订单和副本都消失而数据库中没有终态记录时，说明补偿丢失，返回 ErrLostCompensation。
func (s *SeckillApplicationService) ProcessTimeoutCheck(ctx context.Context, event *domain.PaymentTimeoutCheckEvent) (result string, err error) {
	ctx, span := s.Tracer.Start(ctx, "seckill.ProcessTimeoutCheck")
	defer span.End()
	span.SetAttributes(
		attribute.String("reservation.id", event.ReservationID),
		attribute.Int64("goods.id", event.GoodsID),
	)
	defer func() {
		if err != nil && !errors.Is(err, domain.ErrLostCompensation) {
			span.RecordError(err)
			return
		}
		timeoutAuditTotal.WithLabelValues(result).Inc()
		span.SetAttributes(attribute.String("timeout_check.result", result))
	}()

	lg := logger.Ctx(ctx).With().Str("reservation_id", event.ReservationID).Int64("goods_id", event.GoodsID).Logger()

	order, err := s.Orders.FindByID(ctx, event.ReservationID)
	if err == nil && order.Closed() {
		lg.Debug().Str("status", string(order.Status)).Msg("timeout check: reservation closed")
		return TimeoutCheckClosed, nil
	}
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return "", pkgerrors.Wrap(err, "load order record")
	}

	_, found, err := s.Staging.Get(ctx, event.ReservationID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "read staged reservation")
	}
	if found {
		lg.Warn().Msg("timeout check: reservation still pending after the check delay")
		return TimeoutCheckPending, nil
	}

	_, found, err = s.Staging.GetShadow(ctx, event.ReservationID)
	if err != nil {
		return "", pkgerrors.Wrap(err, "read reservation shadow")
	}
	if found {
		lg.Warn().Msg("timeout check: reservation expired, compensation not finished yet")
		if s.Compensator != nil {
			if err := s.Compensator.HandleExpired(ctx, event.ReservationID); err != nil {
				return TimeoutCheckCompensating, pkgerrors.Wrap(err, "retry compensation")
			}
		}
		return TimeoutCheckCompensating, nil
	}

	lg.Error().Err(domain.ErrLostCompensation).Msg("🚨 CRITICAL: reservation vanished without a terminal order record")
	return TimeoutCheckLost, pkgerrors.Wrapf(domain.ErrLostCompensation, "reservation %s", event.ReservationID)
}

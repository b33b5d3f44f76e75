package application

import (
	"context"

	"flashsale/internal/pkg/logger"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ConfirmPayment 确认支付：原子取走主订单，落库为 PAID，再删除副本。
// 主订单已过期时返回 ErrUnknownOrExpiredReservation。
func (s *SeckillApplicationService) ConfirmPayment(ctx context.Context, req *PayRequest) (resp *ReservationResponse, err error) {
	ctx, span := s.Tracer.Start(ctx, "seckill.ConfirmPayment", trace.WithAttributes(
		attribute.String("reservation.id", req.ReservationID),
	))
	defer span.End()
	defer func() {
		paymentTotal.WithLabelValues(domain.Outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.Outcome(err))
		}
	}()

	paymentType := req.PaymentType
	if paymentType == "" {
		paymentType = DefaultPaymentType
	}
	lg := logger.Ctx(ctx).With().Str("reservation_id", req.ReservationID).Logger()

	res, found, err := s.Staging.Take(ctx, req.ReservationID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "take reservation")
	}
	if !found {
		return nil, domain.ErrUnknownOrExpiredReservation
	}
	pending := *res

	now := s.now()
	if err := res.MarkAsPaid(now, paymentType); err != nil {
		return nil, err
	}

	if err := s.Orders.Save(ctx, res); err != nil {
		// 主订单已被取走，落库失败时把它放回去，让过期补偿仍然生效
		s.putBack(ctx, &pending)
		return nil, pkgerrors.Wrap(err, "persist paid order")
	}

	if err := s.Staging.DeleteShadow(ctx, res.ID); err != nil {
		// 副本会自然过期，且只有主订单过期才会触发补偿
		lg.Warn().Err(err).Msg("failed to delete reservation shadow after payment")
	}

	span.AddEvent("Reservation paid and persisted.")
	lg.Info().Str("payment_type", paymentType).Str("total", res.TotalPayment.String()).Msg("reservation paid")
	s.publish(ctx, domain.SaleEventPaid, res)
	return ToReservationResponse(res), nil
}

func (s *SeckillApplicationService) putBack(ctx context.Context, r *domain.Reservation) {
	lg := logger.Ctx(ctx).With().Str("reservation_id", r.ID).Logger()
	ttl := r.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		lg.Error().Err(domain.ErrLostCompensation).Msg("CRITICAL: reservation expired while its payment failed, stock must be restored manually")
		return
	}
	margin := s.cfg.ShadowTTL - s.cfg.ReservationTTL
	if err := s.Staging.Put(ctx, r, ttl, ttl+margin); err != nil {
		lg.Error().Err(err).Msg("CRITICAL: failed to put reservation back after payment failure")
	}
}

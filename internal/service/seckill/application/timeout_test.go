package application

import (
	"context"
	"errors"
	"testing"

	"flashsale/internal/service/seckill/domain"
)

func checkEvent(id string) *domain.PaymentTimeoutCheckEvent {
	return &domain.PaymentTimeoutCheckEvent{ReservationID: id, GoodsID: 1001}
}

func TestProcessTimeoutCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("paid", func(t *testing.T) {
		f := newFixture(t, newSaleItem(1001, 10))
		resp := purchase(t, f, 1001, 1)
		if _, err := f.service.ConfirmPayment(ctx, &PayRequest{ReservationID: resp.ID}); err != nil {
			t.Fatal(err)
		}
		got, err := f.service.ProcessTimeoutCheck(ctx, checkEvent(resp.ID))
		if err != nil || got != TimeoutCheckClosed {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("pending", func(t *testing.T) {
		f := newFixture(t, newSaleItem(1001, 10))
		resp := purchase(t, f, 1001, 1)
		got, err := f.service.ProcessTimeoutCheck(ctx, checkEvent(resp.ID))
		if err != nil || got != TimeoutCheckPending {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("compensation retried", func(t *testing.T) {
		f := newFixture(t, newSaleItem(1001, 10))
		f.service.Compensator = f.compensator()
		resp := purchase(t, f, 1001, 2)
		f.staging.expire(resp.ID)

		got, err := f.service.ProcessTimeoutCheck(ctx, checkEvent(resp.ID))
		if err != nil || got != TimeoutCheckCompensating {
			t.Fatalf("got %q, %v", got, err)
		}
		if stock, _ := f.cache.stock(1001); stock != 10 {
			t.Errorf("stock = %d, want 10", stock)
		}

		// 补偿完成后再检查一次，订单已经落库为 EXPIRED
		got, err = f.service.ProcessTimeoutCheck(ctx, checkEvent(resp.ID))
		if err != nil || got != TimeoutCheckClosed {
			t.Errorf("after compensation got %q, %v", got, err)
		}
	})

	t.Run("lost", func(t *testing.T) {
		f := newFixture(t, newSaleItem(1001, 10))
		resp := purchase(t, f, 1001, 1)
		f.staging.expire(resp.ID)
		_ = f.staging.DeleteShadow(ctx, resp.ID)

		got, err := f.service.ProcessTimeoutCheck(ctx, checkEvent(resp.ID))
		if !errors.Is(err, domain.ErrLostCompensation) || got != TimeoutCheckLost {
			t.Errorf("got %q, %v", got, err)
		}
	})
}

package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"flashsale/internal/service/seckill/domain"
)

func TestService_PurchaseSchedulesCheckAndPublishes(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))

	resp, err := f.service.AttemptPurchase(context.Background(), &PurchaseRequest{GoodsID: 1001, Quantity: 2})
	if err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}
	if resp.TotalPayment != "39.98" {
		t.Errorf("total = %s, want 39.98", resp.TotalPayment)
	}
	if len(f.scheduler.events) != 1 || f.scheduler.events[0].ReservationID != resp.ID {
		t.Fatalf("scheduled events = %+v", f.scheduler.events)
	}
	if f.scheduler.delays[0] != 10*time.Minute {
		t.Errorf("delay = %v, want 10m", f.scheduler.delays[0])
	}
	if got := f.publisher.types(); len(got) != 1 || got[0] != domain.SaleEventReserved {
		t.Errorf("published = %v", got)
	}
}

func TestService_ConfirmPayment(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	resp, err := f.service.AttemptPurchase(context.Background(), &PurchaseRequest{GoodsID: 1001, Quantity: 1})
	if err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}

	paid, err := f.service.ConfirmPayment(context.Background(), &PayRequest{ReservationID: resp.ID})
	if err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	if paid.Status != domain.StatusPaid || paid.PaymentType != DefaultPaymentType {
		t.Errorf("paid = %+v", paid)
	}

	order, err := f.orders.FindByID(context.Background(), resp.ID)
	if err != nil || order.Status != domain.StatusPaid {
		t.Fatalf("persisted order = %+v, err = %v", order, err)
	}
	if _, ok, _ := f.staging.Get(context.Background(), resp.ID); ok {
		t.Error("reservation still staged after payment")
	}
	if _, ok, _ := f.staging.GetShadow(context.Background(), resp.ID); ok {
		t.Error("shadow still present after payment")
	}
	// 支付不改变库存
	if stock, _ := f.cache.stock(1001); stock != 9 {
		t.Errorf("stock = %d, want 9", stock)
	}

	_, err = f.service.ConfirmPayment(context.Background(), &PayRequest{ReservationID: resp.ID})
	if !errors.Is(err, domain.ErrUnknownOrExpiredReservation) {
		t.Errorf("second payment err = %v, want ErrUnknownOrExpiredReservation", err)
	}
}

func TestService_PaymentAfterExpiry(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	resp, err := f.service.AttemptPurchase(context.Background(), &PurchaseRequest{GoodsID: 1001, Quantity: 1})
	if err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}
	f.staging.expire(resp.ID)

	_, err = f.service.ConfirmPayment(context.Background(), &PayRequest{ReservationID: resp.ID})
	if !errors.Is(err, domain.ErrUnknownOrExpiredReservation) {
		t.Fatalf("err = %v, want ErrUnknownOrExpiredReservation", err)
	}
	if _, err := f.orders.FindByID(context.Background(), resp.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Error("expired reservation must not be persisted as paid")
	}
}

func TestService_PaymentPersistFailurePutsReservationBack(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	resp, err := f.service.AttemptPurchase(context.Background(), &PurchaseRequest{GoodsID: 1001, Quantity: 1})
	if err != nil {
		t.Fatalf("AttemptPurchase: %v", err)
	}
	f.orders.saveErr = errors.New("mysql down")

	if _, err := f.service.ConfirmPayment(context.Background(), &PayRequest{ReservationID: resp.ID}); err == nil {
		t.Fatal("expected error")
	}
	r, ok, _ := f.staging.Get(context.Background(), resp.ID)
	if !ok {
		t.Fatal("reservation was not put back")
	}
	if r.Status != domain.StatusPending {
		t.Errorf("put back status = %s, want PENDING", r.Status)
	}
}

func TestService_FindReservation(t *testing.T) {
	f := newFixture(t, newSaleItem(1001, 10))
	resp, _ := f.service.AttemptPurchase(context.Background(), &PurchaseRequest{GoodsID: 1001, Quantity: 1})

	got, err := f.service.FindReservation(context.Background(), resp.ID)
	if err != nil || got.Status != domain.StatusPending {
		t.Fatalf("pending lookup = %+v, %v", got, err)
	}

	if _, err := f.service.ConfirmPayment(context.Background(), &PayRequest{ReservationID: resp.ID, PaymentType: "WECHAT"}); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}
	got, err = f.service.FindReservation(context.Background(), resp.ID)
	if err != nil || got.Status != domain.StatusPaid || got.PaymentType != "WECHAT" {
		t.Fatalf("paid lookup = %+v, %v", got, err)
	}

	if _, err := f.service.FindReservation(context.Background(), "missing"); !errors.Is(err, domain.ErrUnknownOrExpiredReservation) {
		t.Errorf("err = %v, want ErrUnknownOrExpiredReservation", err)
	}
}

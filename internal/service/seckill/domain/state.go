// internal/service/seckill/domain/state.go
package domain

// Status 定义了秒杀预订单的生命周期状态
type Status string

const (
	StatusPending Status = "PENDING" // 已锁定库存，等待支付
	StatusPaid    Status = "PAID"    // 已支付
	StatusExpired Status = "EXPIRED" // 超时未支付，库存已回补
)

// AttemptState 是一次抢购请求在下单引擎中经过的状态
type AttemptState string

const (
	AttemptStart              AttemptState = "START"
	AttemptLockHeld           AttemptState = "LOCK_HELD"
	AttemptValidated          AttemptState = "VALIDATED"
	AttemptStockReserved      AttemptState = "STOCK_RESERVED"
	AttemptReservationWritten AttemptState = "RESERVATION_WRITTEN"
	AttemptDone               AttemptState = "DONE"
	AttemptRejected           AttemptState = "REJECTED"
)

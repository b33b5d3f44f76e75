package domain

import "errors"

var (
	// ErrContention 表示没抢到商品锁，调用方可以退避后重试。
	ErrContention = errors.New("goods is locked by another buyer, retry later")
	// ErrNotOnSale 表示存在性过滤器认为商品不在秒杀中。
	ErrNotOnSale = errors.New("goods is not on flash sale")
	// ErrSoldOut 表示缓存中没有该商品或库存不足。
	ErrSoldOut = errors.New("goods is sold out")
	// ErrOutsideWindow 表示当前时间不在秒杀窗口内。
	ErrOutsideWindow = errors.New("flash sale is not running for this goods")
	// ErrUnknownOrExpiredReservation 表示订单不存在或已超时。
	ErrUnknownOrExpiredReservation = errors.New("reservation is unknown or has expired")
	// ErrLostCompensation 表示主订单过期时副本已不存在，库存无法回补。
	ErrLostCompensation = errors.New("reservation shadow copy missing, stock was not restored")
	// ErrInvalidQuantity 表示购买数量不合法。
	ErrInvalidQuantity = errors.New("purchase quantity is not allowed")
	// ErrInvalidSaleItem 表示商品数据不合法（管理接口）。
	ErrInvalidSaleItem = errors.New("sale item is invalid")
	// ErrSaleItemNotFound 表示数据库中没有该秒杀商品。
	ErrSaleItemNotFound = errors.New("sale item not found")
	// ErrOrderNotFound 表示数据库中没有该订单记录。
	ErrOrderNotFound = errors.New("order record not found")
	// ErrStoreUnavailable 表示数据库被熔断，查询降级。
	ErrStoreUnavailable = errors.New("sale item store is unavailable, retry later")
)

// Outcome 把错误归类为一个稳定的标签，用于指标和接口返回。
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrNotOnSale):
		return "not_on_sale"
	case errors.Is(err, ErrSoldOut):
		return "sold_out"
	case errors.Is(err, ErrOutsideWindow):
		return "outside_window"
	case errors.Is(err, ErrUnknownOrExpiredReservation):
		return "unknown_or_expired_reservation"
	case errors.Is(err, ErrLostCompensation):
		return "lost_compensation"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSaleItem):
		return "invalid_sale_item"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

package port

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotHeld 表示释放锁时令牌不匹配，锁已被别人持有。
var ErrLockNotHeld = errors.New("lock is held by another owner")

// LockManager 是分布式租约锁的出站端口。
type LockManager interface {
	// Acquire 只尝试一次，不排队等待。成功时返回持有者令牌，
	// 未获取到时返回 ok=false。租约到期后锁自动释放。
	Acquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error)

	// Release 只释放自己持有的锁。锁已过期时什么也不做；
	// 锁被其他持有者占用时返回 ErrLockNotHeld，且不删除。
	Release(ctx context.Context, key, token string) error
}

// GoodsLockKey 是商品级锁的资源名
func GoodsLockKey(goodsID int64) string {
	return "lock:" + itoa(goodsID)
}

// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"flashsale/internal/service/seckill/domain/port"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

const (
	lockRoot = "/seckill_locks" // 所有分布式锁的根节点
)

// LockManager 是 port.LockManager 的 ZooKeeper 实现。
// 每把锁是一个临时节点，节点数据为 "令牌|到期毫秒"；会话断开时节点自动删除，
// 租约到期后其他实例可以按版本号删除旧节点重新获取。
type LockManager struct {
	conn *Conn
	now  func() time.Time
}

// NewLockManager 创建锁管理器并确保根节点存在
func NewLockManager(conn *Conn) (*LockManager, error) {
	if _, err := conn.Create(lockRoot, []byte(""), 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return nil, fmt.Errorf("failed to create lock root node: %w", err)
	}
	return &LockManager{conn: conn, now: time.Now}, nil
}

// Acquire 只尝试一次
func (l *LockManager) Acquire(_ context.Context, key string, lease time.Duration) (string, bool, error) {
	path := nodePath(key)
	token := uuid.NewString()
	data := encodeLease(token, l.now().Add(lease))

	for attempt := 0; attempt < 2; attempt++ {
		_, err := l.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			return token, true, nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return "", false, fmt.Errorf("failed to create lock node %s: %w", path, err)
		}

		current, stat, err := l.conn.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read lock node %s: %w", path, err)
		}
		_, expiry, ok := decodeLease(current)
		if ok && l.now().Before(expiry) {
			return "", false, nil
		}
		// 租约已过期，按版本删除，只有一个实例能删掉
		if err := l.conn.Delete(path, stat.Version); err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
			return "", false, fmt.Errorf("failed to delete expired lock node %s: %w", path, err)
		}
	}
	return "", false, nil
}

// Release 只删除自己持有的节点
func (l *LockManager) Release(_ context.Context, key, token string) error {
	path := nodePath(key)
	current, stat, err := l.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock node %s: %w", path, err)
	}

	// 已过期但还没被别人接管的节点照常删除
	owner, _, _ := decodeLease(current)
	if owner != token {
		return port.ErrLockNotHeld
	}
	err = l.conn.Delete(path, stat.Version)
	switch {
	case err == nil, errors.Is(err, zk.ErrNoNode):
		return nil
	case errors.Is(err, zk.ErrBadVersion):
		return port.ErrLockNotHeld
	default:
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
}

// nodePath 把锁名映射为根节点下的一个子节点，'/' 不能出现在节点名中
func nodePath(key string) string {
	return lockRoot + "/" + strings.ReplaceAll(key, "/", "_")
}

func encodeLease(token string, expiry time.Time) []byte {
	return []byte(token + "|" + strconv.FormatInt(expiry.UnixMilli(), 10))
}

func decodeLease(data []byte) (string, time.Time, bool) {
	token, ms, found := strings.Cut(string(data), "|")
	if !found {
		return "", time.Time{}, false
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return token, time.Time{}, false
	}
	return token, time.UnixMilli(n), true
}

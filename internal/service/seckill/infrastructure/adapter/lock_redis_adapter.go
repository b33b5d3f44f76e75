package adapter

import (
	"context"
	"fmt"
	"time"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/domain/port"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

const releaseLockScriptName = "release_lock"

// releaseLockScript 仅当锁值与令牌一致时才删除。
// 返回 1 表示已删除，0 表示锁已过期，-1 表示锁被其他持有者占用。
const releaseLockScript = `
local current = redis.call('GET', KEYS[1])
if not current then
  return 0
end
if current == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return -1
`

// LockRedisAdapter 是 port.LockManager 的 Redis 实现 (SET NX PX + 令牌校验释放)。
type LockRedisAdapter struct {
	redisClient *redis.Client
}

func NewLockRedisAdapter(redisClient *redis.Client) (*LockRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(releaseLockScriptName, releaseLockScript); err != nil {
		return nil, fmt.Errorf("failed to load release lock script: %w", err)
	}
	return &LockRedisAdapter{redisClient: redisClient}, nil
}

func (a *LockRedisAdapter) Acquire(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := a.redisClient.GetClient().SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "setnx %s", key)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (a *LockRedisAdapter) Release(ctx context.Context, key, token string) error {
	result, err := a.redisClient.RunScript(ctx, releaseLockScriptName, []string{key}, token)
	if err != nil {
		return pkgerrors.Wrapf(err, "release %s", key)
	}
	code, ok := result.(int64)
	if !ok {
		return fmt.Errorf("unexpected result type from release script: %T", result)
	}
	if code < 0 {
		return port.ErrLockNotHeld
	}
	return nil
}

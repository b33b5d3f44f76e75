package adapter

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// 主记录、副本和认领标记用订单号做 hash tag，集群下位于同一个 slot
const (
	reservationPrefix  = "seckill:rsv:"
	shadowPrefix       = "seckill:rsv-shadow:"
	compensationPrefix = "seckill:compensated:"
)

func reservationKey(id string) string  { return reservationPrefix + "{" + id + "}" }
func shadowKey(id string) string       { return shadowPrefix + "{" + id + "}" }
func compensationKey(id string) string { return compensationPrefix + "{" + id + "}" }

// ParseExpiredKey 从过期通知的 key 中解析订单号，只识别主记录。
func ParseExpiredKey(key string) (string, bool) {
	if !strings.HasPrefix(key, reservationPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, reservationPrefix)
	if len(rest) < 3 || rest[0] != '{' || rest[len(rest)-1] != '}' {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

// StagingRedisAdapter 是 port.StagingStore 的 Redis 实现。
type StagingRedisAdapter struct {
	redisClient *redis.Client
}

func NewStagingRedisAdapter(redisClient *redis.Client) *StagingRedisAdapter {
	return &StagingRedisAdapter{redisClient: redisClient}
}

func (a *StagingRedisAdapter) Put(ctx context.Context, r *domain.Reservation, ttl, shadowTTL time.Duration) error {
	body, err := json.Marshal(r)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal reservation")
	}
	// MULTI/EXEC 保证主记录和副本同时写入
	_, err = a.redisClient.GetClient().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, reservationKey(r.ID), body, ttl)
		pipe.Set(ctx, shadowKey(r.ID), body, shadowTTL)
		return nil
	})
	return pkgerrors.Wrapf(err, "stage reservation %s", r.ID)
}

func (a *StagingRedisAdapter) Get(ctx context.Context, id string) (*domain.Reservation, bool, error) {
	return a.read(a.redisClient.GetClient().Get(ctx, reservationKey(id)))
}

// Take 使用 GETDEL，支付和过期只有一方能拿到主记录
func (a *StagingRedisAdapter) Take(ctx context.Context, id string) (*domain.Reservation, bool, error) {
	return a.read(a.redisClient.GetClient().GetDel(ctx, reservationKey(id)))
}

func (a *StagingRedisAdapter) GetShadow(ctx context.Context, id string) (*domain.Reservation, bool, error) {
	return a.read(a.redisClient.GetClient().Get(ctx, shadowKey(id)))
}

func (a *StagingRedisAdapter) DeleteShadow(ctx context.Context, id string) error {
	return pkgerrors.Wrapf(a.redisClient.GetClient().Del(ctx, shadowKey(id)).Err(), "delete shadow %s", id)
}

func (a *StagingRedisAdapter) ClaimCompensation(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := a.redisClient.GetClient().SetNX(ctx, compensationKey(id), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, pkgerrors.Wrapf(err, "claim compensation %s", id)
	}
	return ok, nil
}

func (a *StagingRedisAdapter) ReleaseClaim(ctx context.Context, id string) error {
	return pkgerrors.Wrapf(a.redisClient.GetClient().Del(ctx, compensationKey(id)).Err(), "release claim %s", id)
}

func (a *StagingRedisAdapter) read(cmd *goredis.StringCmd) (*domain.Reservation, bool, error) {
	body, err := cmd.Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrap(err, "read reservation")
	}
	var r domain.Reservation
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false, pkgerrors.Wrap(err, "unmarshal reservation")
	}
	return &r, true, nil
}

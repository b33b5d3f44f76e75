package adapter

import (
	"context"
	"time"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/infrastructure/filter"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const (
	filterKey        = "seckill:{filter}:bits"
	filterTempPrefix = "seckill:{filter}:building:"
)

// FilterRedisAdapter 是 port.ExistenceFilter 的 Redis 位图实现，所有实例共享同一个过滤器。
// m 和 k 在创建时固定，所有实例必须使用相同的参数。
type FilterRedisAdapter struct {
	redisClient *redis.Client
	m           uint64
	k           int
}

func NewFilterRedisAdapter(redisClient *redis.Client, expected int, fpRate float64) *FilterRedisAdapter {
	m, k := filter.Params(expected, fpRate)
	return &FilterRedisAdapter{redisClient: redisClient, m: m, k: k}
}

func (a *FilterRedisAdapter) Add(ctx context.Context, goodsID int64) error {
	_, err := a.redisClient.GetClient().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range filter.Positions(goodsID, a.m, a.k) {
			pipe.SetBit(ctx, filterKey, int64(p), 1)
		}
		return nil
	})
	return pkgerrors.Wrapf(err, "add %d to filter", goodsID)
}

func (a *FilterRedisAdapter) MightContain(ctx context.Context, goodsID int64) (bool, error) {
	positions := filter.Positions(goodsID, a.m, a.k)
	cmds := make([]*goredis.IntCmd, len(positions))
	_, err := a.redisClient.GetClient().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, p := range positions {
			cmds[i] = pipe.GetBit(ctx, filterKey, int64(p))
		}
		return nil
	})
	if err != nil {
		return false, pkgerrors.Wrapf(err, "query filter for %d", goodsID)
	}
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Rebuild 先在临时 key 上构建新位图，再 RENAME 覆盖，读者看不到构建中的状态
func (a *FilterRedisAdapter) Rebuild(ctx context.Context, goodsIDs []int64) error {
	rdb := a.redisClient.GetClient()
	if len(goodsIDs) == 0 {
		return pkgerrors.Wrap(rdb.Del(ctx, filterKey).Err(), "clear filter")
	}

	tmp := filterTempPrefix + uuid.NewString()
	_, err := rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range goodsIDs {
			for _, p := range filter.Positions(id, a.m, a.k) {
				pipe.SetBit(ctx, tmp, int64(p), 1)
			}
		}
		// 构建中途失败时临时 key 自动清理
		pipe.Expire(ctx, tmp, time.Minute)
		return nil
	})
	if err != nil {
		rdb.Del(context.WithoutCancel(ctx), tmp)
		return pkgerrors.Wrap(err, "build filter")
	}

	_, err = rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Rename(ctx, tmp, filterKey)
		pipe.Persist(ctx, filterKey)
		return nil
	})
	return pkgerrors.Wrap(err, "swap filter")
}

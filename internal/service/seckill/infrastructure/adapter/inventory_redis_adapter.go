package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"flashsale/internal/pkg/redis"
	"flashsale/internal/service/seckill/domain"

	pkgerrors "github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// 两个 hash 使用同一个 hash tag，集群下位于同一个 slot，脚本可以同时操作
	itemsKey = "seckill:{goods}:items"
	stockKey = "seckill:{goods}:stock"

	replaceScriptName = "replace_active_goods"
)

// replaceScript 用数据库中的活动商品替换缓存集合。
// ARGV[1] 是商品个数 n，随后是 n 个 (goodsId, itemJSON, dbStock) 三元组，
// 再往后是 (goodsId, settledStock) 二元组，表示本轮已写回数据库的库存。
// 已在缓存中的商品保留缓存库存。缓存库存等于写回快照的商品才会被剔除
// （库存 <= 0 或不在 ARGV 中），其余缓存项原样保留。
// 返回 (goodsId, stock, itemJSON) 交替排列的数组。
const replaceScript = `
local items, stock = KEYS[1], KEYS[2]
local n = tonumber(ARGV[1])
local settled = {}
for i = 2 + n * 3, #ARGV, 2 do
  settled[ARGV[i]] = tonumber(ARGV[i + 1])
end
local function evictable(id, cached)
  return settled[id] ~= nil and settled[id] == tonumber(cached)
end

local keep = {}
local result = {}
for i = 2, 1 + n * 3, 3 do
  local id, body, s = ARGV[i], ARGV[i + 1], tonumber(ARGV[i + 2])
  local cached = redis.call('HGET', stock, id)
  local retain = false
  if cached then
    s = tonumber(cached)
    retain = not evictable(id, cached)
  end
  if s > 0 or retain then
    keep[id] = true
    redis.call('HSET', items, id, body)
    redis.call('HSET', stock, id, s)
    table.insert(result, id)
    table.insert(result, tostring(s))
    table.insert(result, body)
  end
end

for _, id in ipairs(redis.call('HKEYS', stock)) do
  if not keep[id] then
    local cached = redis.call('HGET', stock, id)
    local body = redis.call('HGET', items, id)
    if body and not evictable(id, cached) then
      keep[id] = true
      table.insert(result, id)
      table.insert(result, cached)
      table.insert(result, body)
    else
      redis.call('HDEL', stock, id)
    end
  end
end
for _, id in ipairs(redis.call('HKEYS', items)) do
  if not keep[id] then
    redis.call('HDEL', items, id)
  end
end
return result
`

// InventoryRedisAdapter 是 port.InventoryCache 的 Redis 实现。
// 商品信息和库存分开存放，库存以 stock hash 为准。
type InventoryRedisAdapter struct {
	redisClient *redis.Client
}

func NewInventoryRedisAdapter(redisClient *redis.Client) (*InventoryRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(replaceScriptName, replaceScript); err != nil {
		return nil, fmt.Errorf("failed to load replace script: %w", err)
	}
	return &InventoryRedisAdapter{redisClient: redisClient}, nil
}

func (a *InventoryRedisAdapter) Get(ctx context.Context, goodsID int64) (*domain.SaleItem, bool, error) {
	field := strconv.FormatInt(goodsID, 10)
	var bodyCmd, stockCmd *goredis.StringCmd
	_, err := a.redisClient.GetClient().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		bodyCmd = pipe.HGet(ctx, itemsKey, field)
		stockCmd = pipe.HGet(ctx, stockKey, field)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, false, pkgerrors.Wrapf(err, "get cached goods %d", goodsID)
	}

	body, err := bodyCmd.Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "get cached goods %d", goodsID)
	}
	stock, err := stockCmd.Int64()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, pkgerrors.Wrapf(err, "get cached stock %d", goodsID)
	}

	item, err := decodeItem(body, stock)
	if err != nil {
		return nil, false, err
	}
	return item, true, nil
}

func (a *InventoryRedisAdapter) Set(ctx context.Context, item *domain.SaleItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return pkgerrors.Wrap(err, "marshal sale item")
	}
	field := strconv.FormatInt(item.GoodsID, 10)
	_, err = a.redisClient.GetClient().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, itemsKey, field, body)
		pipe.HSet(ctx, stockKey, field, item.StockCount)
		return nil
	})
	return pkgerrors.Wrapf(err, "cache goods %d", item.GoodsID)
}

func (a *InventoryRedisAdapter) Delete(ctx context.Context, goodsID int64) error {
	field := strconv.FormatInt(goodsID, 10)
	_, err := a.redisClient.GetClient().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HDel(ctx, itemsKey, field)
		pipe.HDel(ctx, stockKey, field)
		return nil
	})
	return pkgerrors.Wrapf(err, "delete cached goods %d", goodsID)
}

func (a *InventoryRedisAdapter) ListActive(ctx context.Context) ([]*domain.SaleItem, error) {
	var bodiesCmd, stocksCmd *goredis.MapStringStringCmd
	_, err := a.redisClient.GetClient().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		bodiesCmd = pipe.HGetAll(ctx, itemsKey)
		stocksCmd = pipe.HGetAll(ctx, stockKey)
		return nil
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list cached goods")
	}

	stocks := stocksCmd.Val()
	items := make([]*domain.SaleItem, 0, len(bodiesCmd.Val()))
	for field, body := range bodiesCmd.Val() {
		raw, ok := stocks[field]
		if !ok {
			continue
		}
		stock, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "parse cached stock of %s", field)
		}
		item, err := decodeItem([]byte(body), stock)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (a *InventoryRedisAdapter) Replace(ctx context.Context, items []*domain.SaleItem, settled map[int64]int64) ([]*domain.SaleItem, error) {
	args := make([]interface{}, 0, 1+len(items)*3+len(settled)*2)
	args = append(args, len(items))
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "marshal sale item")
		}
		args = append(args, strconv.FormatInt(item.GoodsID, 10), body, item.StockCount)
	}
	for goodsID, stock := range settled {
		args = append(args, strconv.FormatInt(goodsID, 10), stock)
	}

	result, err := a.redisClient.RunScript(ctx, replaceScriptName, []string{itemsKey, stockKey}, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "replace active goods")
	}
	values, ok := result.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from replace script: %T", result)
	}

	kept := make([]*domain.SaleItem, 0, len(values)/3)
	for i := 0; i+2 < len(values); i += 3 {
		field, _ := values[i].(string)
		raw, _ := values[i+1].(string)
		body, _ := values[i+2].(string)
		stock, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "parse replaced stock of %s", field)
		}
		item, err := decodeItem([]byte(body), stock)
		if err != nil {
			return nil, err
		}
		kept = append(kept, item)
	}
	return kept, nil
}

func decodeItem(body []byte, stock int64) (*domain.SaleItem, error) {
	var item domain.SaleItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, pkgerrors.Wrap(err, "unmarshal cached sale item")
	}
	item.StockCount = stock
	return &item, nil
}

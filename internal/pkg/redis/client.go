// internal/pkg/redis/client.go
package redis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Nil 透出给上层判断 key 不存在。
const Nil = goredis.Nil

// Options 是创建 Client 所需的连接参数。
type Options struct {
	Addrs    []string
	Password string
	DB       int
	PoolSize int
}

// Client 封装了 go-redis 的 UniversalClient，并统一管理 Lua 脚本。
// 单地址时是普通客户端，多地址时是集群客户端。
type Client struct {
	client  goredis.UniversalClient
	scripts map[string]*goredis.Script
	mu      sync.RWMutex
}

// NewClient 根据逗号分隔的地址列表创建客户端，例如 "localhost:6379,localhost:6380"。
func NewClient(addrs string) (*Client, error) {
	return NewClientWithOptions(Options{Addrs: strings.Split(addrs, ",")})
}

// NewClientWithOptions 创建客户端并 PING 一次确认连接可用。
func NewClientWithOptions(opts Options) (*Client, error) {
	if len(opts.Addrs) == 0 || opts.Addrs[0] == "" {
		return nil, errors.New("redis: at least one address is required")
	}
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := uc.Ping(ctx).Err(); err != nil {
		_ = uc.Close()
		return nil, errors.Wrapf(err, "redis: ping %v", opts.Addrs)
	}
	return Wrap(uc), nil
}

// Wrap 用已有的 go-redis 客户端构造 Client。
func Wrap(uc goredis.UniversalClient) *Client {
	return &Client{
		client:  uc,
		scripts: make(map[string]*goredis.Script),
	}
}

// LoadScriptFromContent 注册一段 Lua 脚本并预加载到服务端 (SCRIPT LOAD)。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.Errorf("redis: script %q is empty", name)
	}
	script := goredis.NewScript(content)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := script.Load(ctx, c.client).Err(); err != nil {
		return errors.Wrapf(err, "redis: load script %q", name)
	}

	c.mu.Lock()
	c.scripts[name] = script
	c.mu.Unlock()
	return nil
}

// RunScript 按名称执行已注册的脚本。EVALSHA 命中失败时 go-redis 会自动回退到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("redis: script %q is not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 返回底层客户端，用于 pipeline、pub/sub 等高级操作。
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

// Close 关闭连接池。
func (c *Client) Close() error {
	return c.client.Close()
}

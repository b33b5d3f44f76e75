// internal/zookeeper/conn.go
package zookeeper

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"
)

// Conn 包装 zk.Conn，锁实现只依赖它
type Conn struct {
	*zk.Conn
}

// Connect 连接 ZooKeeper 集群，servers 为逗号分隔的地址列表
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	c, events, err := zk.Connect(strings.Split(servers, ","), sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connect zookeeper %s: %w", servers, err)
	}

	// 等待会话建立
	timeout := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				log.Info().Str("servers", servers).Msg("✅ ZooKeeper session established")
				go drain(events)
				return &Conn{Conn: c}, nil
			}
		case <-timeout:
			c.Close()
			return nil, fmt.Errorf("connect zookeeper %s: session not established within %v", servers, sessionTimeout)
		}
	}
}

func drain(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateExpired || ev.State == zk.StateDisconnected {
			log.Warn().Str("state", ev.State.String()).Msg("ZooKeeper session state changed")
		}
	}
}

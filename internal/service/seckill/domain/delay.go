package domain

import (
	"fmt"
	"time"
)

// DelayLevel 是延迟队列支持的一个固定延迟档位，每个档位对应一个 kafka 主题
type DelayLevel struct {
	Name  string
	Delay time.Duration
}

// Topic 返回档位对应的延迟主题，例如 delay_topic_5m
func (l DelayLevel) Topic() string {
	return "delay_topic_" + l.Name
}

// DelayLevels 按从小到大排列，与 RocketMQ 的 18 个延迟级别一致
var DelayLevels = []DelayLevel{
	{"1s", 1 * time.Second},
	{"5s", 5 * time.Second},
	{"10s", 10 * time.Second},
	{"30s", 30 * time.Second},
	{"1m", 1 * time.Minute},
	{"2m", 2 * time.Minute},
	{"3m", 3 * time.Minute},
	{"4m", 4 * time.Minute},
	{"5m", 5 * time.Minute},
	{"6m", 6 * time.Minute},
	{"7m", 7 * time.Minute},
	{"8m", 8 * time.Minute},
	{"9m", 9 * time.Minute},
	{"10m", 10 * time.Minute},
	{"20m", 20 * time.Minute},
	{"30m", 30 * time.Minute},
	{"1h", 1 * time.Hour},
	{"2h", 2 * time.Hour},
}

// LevelFor 返回不小于 d 的最小档位，超过最大档位时返回错误
func LevelFor(d time.Duration) (DelayLevel, error) {
	for _, l := range DelayLevels {
		if l.Delay >= d {
			return l, nil
		}
	}
	return DelayLevel{}, fmt.Errorf("delay %v exceeds the largest supported level %v", d, DelayLevels[len(DelayLevels)-1].Delay)
}

// LevelByName 按名称查找档位
func LevelByName(name string) (DelayLevel, bool) {
	for _, l := range DelayLevels {
		if l.Name == name {
			return l, true
		}
	}
	return DelayLevel{}, false
}

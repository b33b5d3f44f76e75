// internal/pkg/idgen/snowflake.go
package idgen

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	workerBits   = 10
	sequenceBits = 12

	maxWorkerID = -1 ^ (-1 << workerBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	timeShift   = workerBits + sequenceBits
	workerShift = sequenceBits
)

// Epoch 是 id 中时间戳部分的起点 (2020-01-01 UTC)。
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Snowflake 生成 63 位、按时间递增的 id：41 位毫秒时间戳 | 10 位 worker | 12 位序列号。
//
// 同一个生成器产生的 id 严格递增。时钟回拨时继续沿用上一次的逻辑时间戳，
// 序列号用尽时逻辑时间戳向前推 1ms，因此永远不会阻塞也不会重复。
type Snowflake struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	sequence int64
	now      func() time.Time
}

// NewSnowflake 创建一个生成器，workerID 必须在 [0, 1023] 之间且在集群内唯一。
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, errors.Errorf("idgen: worker id %d out of range [0, %d]", workerID, maxWorkerID)
	}
	return &Snowflake{workerID: workerID, now: time.Now}, nil
}

// NextID 返回下一个 id。
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().Sub(Epoch).Milliseconds()
	if ms <= s.lastMs {
		ms = s.lastMs
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			ms++
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	return ms<<timeShift | s.workerID<<workerShift | s.sequence
}

// NextIDString 返回十进制字符串形式的 id，便于作为 redis key 和 JSON 字段。
func (s *Snowflake) NextIDString() string {
	return strconv.FormatInt(s.NextID(), 10)
}

// Timestamp 解析 id 中的生成时间。
func Timestamp(id int64) time.Time {
	return Epoch.Add(time.Duration(id>>timeShift) * time.Millisecond)
}

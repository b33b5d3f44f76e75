// Package filter 提供进程内的布隆过滤器实现，用于单实例部署和测试。
package filter

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Params 根据预期元素数和误判率计算位数 m 和哈希次数 k
func Params(expected int, fpRate float64) (m uint64, k int) {
	if expected < 1 {
		expected = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	n := float64(expected)
	m = uint64(math.Ceil(-n * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	k = int(math.Round(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}
	return m, k
}

// Positions 返回 id 在 m 位中对应的 k 个位置，使用 xxhash 双重哈希。
// Redis 版本的过滤器使用同样的位置计算。
func Positions(id int64, m uint64, k int) []uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	h1 := xxhash.Sum64(buf[:])
	h2 := (h1 >> 33) | (h1 << 31) | 1

	out := make([]uint64, k)
	for i := 0; i < k; i++ {
		out[i] = (h1 + uint64(i)*h2) % m
	}
	return out
}

type bitset struct {
	words []uint64
	mu    sync.RWMutex // 保护 Add 时的写入
}

func newBitset(m uint64) *bitset {
	return &bitset{words: make([]uint64, (m+63)/64)}
}

func (b *bitset) set(pos uint64) {
	b.words[pos/64] |= 1 << (pos % 64)
}

func (b *bitset) get(pos uint64) bool {
	return b.words[pos/64]&(1<<(pos%64)) != 0
}

// Bloom 是 port.ExistenceFilter 的进程内实现。Rebuild 构建新的位图后整体替换，
// 读者要么看到旧位图，要么看到新位图。
type Bloom struct {
	m    uint64
	k    int
	bits atomic.Pointer[bitset]
}

func NewBloom(expected int, fpRate float64) *Bloom {
	m, k := Params(expected, fpRate)
	b := &Bloom{m: m, k: k}
	b.bits.Store(newBitset(m))
	return b
}

func (b *Bloom) Add(_ context.Context, goodsID int64) error {
	bs := b.bits.Load()
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, p := range Positions(goodsID, b.m, b.k) {
		bs.set(p)
	}
	return nil
}

func (b *Bloom) MightContain(_ context.Context, goodsID int64) (bool, error) {
	bs := b.bits.Load()
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	for _, p := range Positions(goodsID, b.m, b.k) {
		if !bs.get(p) {
			return false, nil
		}
	}
	return true, nil
}

func (b *Bloom) Rebuild(_ context.Context, goodsIDs []int64) error {
	next := newBitset(b.m)
	for _, id := range goodsIDs {
		for _, p := range Positions(id, b.m, b.k) {
			next.set(p)
		}
	}
	b.bits.Store(next)
	return nil
}

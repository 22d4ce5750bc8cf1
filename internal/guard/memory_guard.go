package guard

import (
	"context"
	"strings"
	"sync"
)

// MemoryGuard 以进程内存实现 Guard，主要用于测试与单机部署。
// 进程重启后占用记录全部丢失，付款指纹需要持久化时应使用 RedisGuard。
type MemoryGuard struct {
	mu     sync.Mutex
	keys   map[string]struct{}
	nonces map[string]struct{}
}

// NewMemoryGuard 创建 MemoryGuard。
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		keys:   make(map[string]struct{}),
		nonces: make(map[string]struct{}),
	}
}

// Reserve 实现原子抢占。
func (g *MemoryGuard) Reserve(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

// Release 释放占用。释放未占用的键是无害的空操作。
func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

// ConsumeNonce 记录 nonce 消费，重复消费返回 false。
func (g *MemoryGuard) ConsumeNonce(_ context.Context, payer, nonce string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := nonceKey(payer, nonce)
	if _, ok := g.nonces[key]; ok {
		return false, nil
	}
	g.nonces[key] = struct{}{}
	return true, nil
}

// NonceUsed 只读查询 nonce 是否已被消费。
func (g *MemoryGuard) NonceUsed(_ context.Context, payer, nonce string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.nonces[nonceKey(payer, nonce)]
	return ok, nil
}

// Close 对内存实现无需操作。
func (g *MemoryGuard) Close() error {
	return nil
}

func nonceKey(payer, nonce string) string {
	return strings.ToLower(payer) + ":" + nonce
}

var _ Guard = (*MemoryGuard)(nil)

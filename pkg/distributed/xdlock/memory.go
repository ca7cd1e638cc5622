package xdlock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend 进程内的锁后端，只在单进程内互斥。
//
// 用于测试和本地开发，语义与 Redis 后端一致：过期在访问时惰性判断。
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// NewMemoryBackend 创建进程内后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// live 返回未过期的记录，调用方必须持有 mu。
func (b *MemoryBackend) live(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !b.now().Before(e.expiresAt) {
		delete(b.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// SetIfAbsent 实现 [Backend]。
func (b *MemoryBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.live(key); ok {
		return false, nil
	}
	b.entries[key] = memoryEntry{token: token, expiresAt: b.now().Add(ttl)}
	return true, nil
}

// CompareAndDelete 实现 [Backend]。
func (b *MemoryBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

// ExtendTTL 实现 [Backend]。
func (b *MemoryBackend) ExtendTTL(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	if !ok || e.token != token {
		return false, nil
	}
	e.expiresAt = b.now().Add(ttl)
	b.entries[key] = e
	return true, nil
}

// GetOwner 实现 [Backend]。
func (b *MemoryBackend) GetOwner(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.live(key)
	return e.token, ok, nil
}

// Len 返回未过期的 key 数量。
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for k := range b.entries {
		if _, ok := b.live(k); ok {
			n++
		}
	}
	return n
}

var _ Backend = (*MemoryBackend)(nil)

package xdlock

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	//go:embed lua/release.lua
	releaseLuaSource string

	//go:embed lua/extend.lua
	extendLuaSource string

	releaseScript = redis.NewScript(releaseLuaSource)
	extendScript  = redis.NewScript(extendLuaSource)
)

// RedisBackend 基于单个 Redis（或 Cluster/Sentinel）的锁后端。
//
//   - SetIfAbsent: SET key token NX PX ttl
//   - CompareAndDelete / ExtendTTL: Lua 脚本，比较 token 后再操作
//
// 客户端的生命周期由调用方管理。
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend 创建 Redis 后端。
// client 可以是 *redis.Client、*redis.ClusterClient 或 *redis.Ring。
func NewRedisBackend(client redis.UniversalClient) (*RedisBackend, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &RedisBackend{client: client}, nil
}

// Client 返回底层 Redis 客户端。
func (b *RedisBackend) Client() redis.UniversalClient {
	return b.client
}

// SetIfAbsent 实现 [Backend]。
func (b *RedisBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, wrapBackendError("redis setnx", err)
	}
	return ok, nil
}

// CompareAndDelete 实现 [Backend]。
func (b *RedisBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int()
	if err != nil {
		return false, wrapBackendError("redis release", err)
	}
	return n == 1, nil
}

// ExtendTTL 实现 [Backend]。
func (b *RedisBackend) ExtendTTL(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{key}, token, ttlMillis(ttl)).Int()
	if err != nil {
		return false, wrapBackendError("redis extend", err)
	}
	return n == 1, nil
}

// GetOwner 实现 [Backend]。
func (b *RedisBackend) GetOwner(ctx context.Context, key string) (string, bool, error) {
	token, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapBackendError("redis get", err)
	}
	return token, true, nil
}

// Health 实现 [HealthChecker]，执行 PING。
func (b *RedisBackend) Health(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return wrapBackendError("redis ping", err)
	}
	return nil
}

// WarmupScripts 预加载 Lua 脚本，避免首次释放或续期时的 NOSCRIPT 往返。
//
// 加载失败不影响后续使用，脚本会在首次执行时自动加载。
func WarmupScripts(ctx context.Context, client redis.UniversalClient) error {
	if ctx == nil {
		return ErrNilContext
	}
	if client == nil {
		return ErrNilClient
	}
	if err := releaseScript.Load(ctx, client).Err(); err != nil {
		return wrapBackendError("load release script", err)
	}
	if err := extendScript.Load(ctx, client).Err(); err != nil {
		return wrapBackendError("load extend script", err)
	}
	return nil
}

// ttlMillis 把 ttl 向上取整为毫秒，至少 1ms。
// PEXPIRE 0 会直接删除 key，脚本却仍返回 1，续期会被误判为成功。
func ttlMillis(ttl time.Duration) int64 {
	ms := (ttl + time.Millisecond - 1).Milliseconds()
	return max(ms, 1)
}

var (
	_ Backend       = (*RedisBackend)(nil)
	_ HealthChecker = (*RedisBackend)(nil)
)

package xdlock

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mock_backend_test.go -package=xdlock_test github.com/omeyang/xlock/pkg/distributed/xdlock Backend

// Backend 是锁管理器依赖的键值存储抽象。
//
// 所有互斥都通过后端的原子条件操作实现，管理器本身不保存权威状态。
// 返回 false 表示条件不满足（key 被占用或 token 不匹配），
// 返回 error 表示存储本身故障，实现应包装 [ErrBackendUnavailable]。
type Backend interface {
	// SetIfAbsent 仅当 key 不存在时写入 token，并设置 ttl 过期。
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareAndDelete 仅当 key 的当前值等于 token 时删除。
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)

	// ExtendTTL 仅当 key 的当前值等于 token 时把过期时间重置为 ttl。
	ExtendTTL(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// GetOwner 返回 key 当前的 token；key 不存在时 ok 为 false。
	GetOwner(ctx context.Context, key string) (token string, ok bool, err error)
}

// BlockingBackend 是支持阻塞获取的后端。
//
// Lock 语义上等同于循环调用 SetIfAbsent 直到成功，但后端可以用更高效的方式
// 等待（例如 etcd 的 Watch）。ctx 结束时返回 ctx.Err()。
// 无限等待模式下管理器优先使用此接口，否则退化为轮询。
type BlockingBackend interface {
	Backend
	Lock(ctx context.Context, key, token string, ttl time.Duration) error
}

// HealthChecker 是可选接口，后端实现后 Manager.Health 会调用它。
type HealthChecker interface {
	Health(ctx context.Context) error
}

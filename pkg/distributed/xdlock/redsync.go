package xdlock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedsyncBackend 基于 redsync 的锁后端。
//
// 单节点等价于 [RedisBackend]；多节点使用 Redlock 算法，过半节点成功才算获取。
// 每次操作都用固定 token 创建一次性 Mutex，不保留 redsync 的内部状态，
// 重试交给 Manager 的轮询。
type RedsyncBackend struct {
	clients []redis.UniversalClient
	rs      *redsync.Redsync
}

// NewRedsyncBackend 创建 redsync 后端。clients 至少一个，且都不能为 nil。
func NewRedsyncBackend(clients ...redis.UniversalClient) (*RedsyncBackend, error) {
	if len(clients) == 0 {
		return nil, ErrNilClient
	}

	pools := make([]rsredis.Pool, len(clients))
	for i, client := range clients {
		if client == nil {
			return nil, errors.Join(ErrNilClient, errors.New("client at index "+strconv.Itoa(i)+" is nil"))
		}
		pools[i] = goredis.NewPool(client)
	}

	return &RedsyncBackend{
		clients: clients,
		rs:      redsync.New(pools...),
	}, nil
}

// Redsync 返回底层 redsync 实例。
func (b *RedsyncBackend) Redsync() *redsync.Redsync {
	return b.rs
}

// mutex 创建绑定 token 的一次性 Mutex。
func (b *RedsyncBackend) mutex(key, token string, ttl time.Duration) *redsync.Mutex {
	opts := []redsync.Option{
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return token, nil }),
		redsync.WithValue(token),
	}
	if ttl > 0 {
		opts = append(opts, redsync.WithExpiry(ttl))
	}
	return b.rs.NewMutex(key, opts...)
}

// SetIfAbsent 实现 [Backend]。
func (b *RedsyncBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	err := b.mutex(key, token, ttl).TryLockContext(ctx)
	return b.result("redsync lock", err)
}

// CompareAndDelete 实现 [Backend]。
func (b *RedsyncBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	ok, err := b.mutex(key, token, 0).UnlockContext(ctx)
	if err != nil {
		return b.result("redsync unlock", err)
	}
	return ok, nil
}

// ExtendTTL 实现 [Backend]。
func (b *RedsyncBackend) ExtendTTL(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := b.mutex(key, token, ttl).ExtendContext(ctx)
	if err != nil {
		return b.result("redsync extend", err)
	}
	return ok, nil
}

// GetOwner 实现 [Backend]。
//
// redsync 不提供查询，直接读取第一个节点。多节点时只是近似值。
func (b *RedsyncBackend) GetOwner(ctx context.Context, key string) (string, bool, error) {
	token, err := b.clients[0].Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapBackendError("redis get", err)
	}
	return token, true, nil
}

// Health 实现 [HealthChecker]，对所有节点执行 PING。
func (b *RedsyncBackend) Health(ctx context.Context) error {
	for i, client := range b.clients {
		if err := client.Ping(ctx).Err(); err != nil {
			return wrapBackendError("redis ping node "+strconv.Itoa(i), err)
		}
	}
	return nil
}

// result 把 redsync 错误分为"条件不满足"和"存储故障"。
//
// 节点返回的连接或命令错误包装为 *redsync.RedisError；
// 其余（ErrTaken、ErrFailed、ErrExtendFailed、ErrLockAlreadyExpired）都是条件不满足。
func (b *RedsyncBackend) result(op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, wrapBackendError(op, err)
	}
	var redisErr *redsync.RedisError
	if errors.As(err, &redisErr) {
		return false, wrapBackendError(op, err)
	}
	return false, nil
}

var (
	_ Backend       = (*RedsyncBackend)(nil)
	_ HealthChecker = (*RedsyncBackend)(nil)
)

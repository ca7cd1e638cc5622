package xdlock

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// 熔断默认值。
const (
	DefaultBreakerFailures    = 5
	DefaultBreakerOpenTimeout = 10 * time.Second
)

// BreakerOption 熔断后端配置选项。
type BreakerOption func(*gobreaker.Settings)

// WithBreakerFailures 设置连续失败多少次后熔断。
func WithBreakerFailures(n uint32) BreakerOption {
	return func(s *gobreaker.Settings) {
		if n > 0 {
			s.ReadyToTrip = func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= n
			}
		}
	}
}

// WithBreakerOpenTimeout 设置熔断打开后多久进入半开状态。
func WithBreakerOpenTimeout(d time.Duration) BreakerOption {
	return func(s *gobreaker.Settings) {
		if d > 0 {
			s.Timeout = d
		}
	}
}

// WithBreakerStateChange 设置状态变化回调。
func WithBreakerStateChange(f func(name string, from, to gobreaker.State)) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.OnStateChange = f
	}
}

// BreakerBackend 为后端加上熔断保护。
//
// 只有存储故障计入失败；条件不满足（false）不算，调用方 ctx 结束（取消、等待窗口到期）
// 导致的错误也不算。释放和续期的单次调用超时仍计入失败。
// 熔断打开期间所有调用立即返回包装了 gobreaker.ErrOpenState 的 [ErrBackendUnavailable]，
// 等待锁的调用方会把它当作后端故障立即返回，而不是继续轮询。
//
// BreakerBackend 不实现 [BlockingBackend]：阻塞等待会长时间占用半开状态的探测名额，
// 无限等待模式会退化为逐次受保护的轮询。
type BreakerBackend struct {
	next Backend
	cb   *gobreaker.CircuitBreaker[ownerResult]
}

// ownerResult 统一各操作的返回值，满足 gobreaker 的泛型约束。
type ownerResult struct {
	token string
	ok    bool
}

// NewBreakerBackend 用熔断器包装 next。
func NewBreakerBackend(next Backend, opts ...BreakerOption) (*BreakerBackend, error) {
	if next == nil {
		return nil, ErrNilBackend
	}

	st := gobreaker.Settings{
		Name:        "xdlock",
		MaxRequests: 1,
		Timeout:     DefaultBreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= DefaultBreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	for _, opt := range opts {
		opt(&st)
	}

	return &BreakerBackend{
		next: next,
		cb:   gobreaker.NewCircuitBreaker[ownerResult](st),
	}, nil
}

// State 返回熔断器当前状态。
func (b *BreakerBackend) State() gobreaker.State {
	return b.cb.State()
}

// Unwrap 返回被包装的后端。
func (b *BreakerBackend) Unwrap() Backend {
	return b.next
}

// callerEnded 标记调用方 ctx 结束导致的错误，熔断器不计为失败。
type callerEnded struct{ err error }

func (e callerEnded) Error() string { return e.err.Error() }
func (e callerEnded) Unwrap() error { return e.err }

// endedByCaller 报告 ctx 是否因调用方原因结束。
// 释放和续期的单次超时（errOperationTimeout）说明存储慢，不属于调用方。
func endedByCaller(ctx context.Context) bool {
	return ctx.Err() != nil && !errors.Is(context.Cause(ctx), errOperationTimeout)
}

func (b *BreakerBackend) execute(ctx context.Context, op string, fn func() (ownerResult, error)) (ownerResult, error) {
	r, err := b.cb.Execute(func() (ownerResult, error) {
		r, err := fn()
		if err != nil && endedByCaller(ctx) {
			return r, callerEnded{err}
		}
		return r, err
	})
	if err != nil {
		var ce callerEnded
		if errors.As(err, &ce) {
			err = ce.err
		}
		// 包括 gobreaker.ErrOpenState 和 ErrTooManyRequests
		return ownerResult{}, wrapBackendError(op, err)
	}
	return r, nil
}

// SetIfAbsent 实现 [Backend]。
func (b *BreakerBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	r, err := b.execute(ctx, "set if absent", func() (ownerResult, error) {
		ok, err := b.next.SetIfAbsent(ctx, key, token, ttl)
		return ownerResult{ok: ok}, err
	})
	return r.ok, err
}

// CompareAndDelete 实现 [Backend]。
func (b *BreakerBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	r, err := b.execute(ctx, "compare and delete", func() (ownerResult, error) {
		ok, err := b.next.CompareAndDelete(ctx, key, token)
		return ownerResult{ok: ok}, err
	})
	return r.ok, err
}

// ExtendTTL 实现 [Backend]。
func (b *BreakerBackend) ExtendTTL(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	r, err := b.execute(ctx, "extend ttl", func() (ownerResult, error) {
		ok, err := b.next.ExtendTTL(ctx, key, token, ttl)
		return ownerResult{ok: ok}, err
	})
	return r.ok, err
}

// GetOwner 实现 [Backend]。
func (b *BreakerBackend) GetOwner(ctx context.Context, key string) (string, bool, error) {
	r, err := b.execute(ctx, "get owner", func() (ownerResult, error) {
		token, ok, err := b.next.GetOwner(ctx, key)
		return ownerResult{token: token, ok: ok}, err
	})
	return r.token, r.ok, err
}

// Health 实现 [HealthChecker]。熔断打开时直接返回错误，否则透传给被包装的后端。
func (b *BreakerBackend) Health(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return wrapBackendError("health", gobreaker.ErrOpenState)
	}
	if hc, ok := b.next.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

var (
	_ Backend       = (*BreakerBackend)(nil)
	_ HealthChecker = (*BreakerBackend)(nil)
)

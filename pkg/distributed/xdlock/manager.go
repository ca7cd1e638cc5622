package xdlock

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/omeyang/xlock/pkg/observability/xlog"
)

// acquireMode 获取锁的等待方式。
type acquireMode int

const (
	modeImmediate acquireMode = iota // 单次尝试
	modeBounded                      // 最多等待 wait
	modeUnbounded                    // 一直等待直到获取或 ctx 结束
)

// String 返回模式名称，用于日志和指标。
func (m acquireMode) String() string {
	switch m {
	case modeImmediate:
		return "immediate"
	case modeBounded:
		return "bounded"
	case modeUnbounded:
		return "unbounded"
	default:
		return "unknown"
	}
}

// Manager 分布式锁管理器。
//
// Manager 不保存任何权威状态，所有协调都通过 Backend 的原子条件操作完成。
// 可被多个 goroutine 并发使用；每次获取返回独立的 [Handle]。
type Manager struct {
	backend Backend
	namer   Namer
	opts    *options
	backoff pollBackoff
	logger  xlog.Logger
	ins     *instruments
}

// NewManager 创建锁管理器。
//
// backend 的生命周期（连接、关闭）由调用方管理；namespace 作为所有 key 的前缀。
func NewManager(backend Backend, namespace string, opts ...Option) (*Manager, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	namer, err := NewNamer(namespace)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.normalize()

	return &Manager{
		backend: backend,
		namer:   namer,
		opts:    o,
		backoff: pollBackoff{
			interval:    o.pollInterval,
			maxInterval: o.maxPollInterval,
			jitter:      o.pollJitter,
		},
		logger: o.logger.With(xlog.Component("xdlock")),
		ins:    newInstruments(o.meterProvider, o.tracerProvider),
	}, nil
}

// Namespace 返回 key 命名空间。
func (m *Manager) Namespace() string {
	return m.namer.Namespace()
}

// Backend 返回底层后端。
func (m *Manager) Backend() Backend {
	return m.backend
}

// Key 返回 name 对应的后端 key。
func (m *Manager) Key(name string) (string, error) {
	return m.namer.Key(name)
}

// Owner 返回 name 当前持有者的 token，未被持有时 ok 为 false。
func (m *Manager) Owner(ctx context.Context, name string) (token string, ok bool, err error) {
	if ctx == nil {
		return "", false, ErrNilContext
	}
	key, err := m.namer.Key(name)
	if err != nil {
		return "", false, err
	}
	token, ok, err = m.backend.GetOwner(ctx, key)
	if err != nil {
		return "", false, wrapBackendError("get owner", err)
	}
	return token, ok, nil
}

// Health 检查后端是否可用。后端未实现 [HealthChecker] 时返回 nil。
func (m *Manager) Health(ctx context.Context) error {
	if hc, ok := m.backend.(HealthChecker); ok {
		if err := hc.Health(ctx); err != nil {
			return wrapBackendError("health", err)
		}
	}
	return nil
}

// =============================================================================
// 获取锁
// =============================================================================

// TryLock 非阻塞获取锁，租约自动续期。
//
// 成功返回 Handle；锁被占用返回 (nil, nil)；后端故障返回 [ErrBackendUnavailable]。
func (m *Manager) TryLock(ctx context.Context, name string) (*Handle, error) {
	return m.acquire(ctx, name, modeImmediate, 0, 0)
}

// TryLockWait 最多等待 wait 获取锁，租约自动续期。
//
// wait <= 0 返回 [ErrInvalidWaitTime]。超时返回 (nil, nil)，
// 返回时间距 wait 不超过一个轮询间隔。
func (m *Manager) TryLockWait(ctx context.Context, name string, wait time.Duration) (*Handle, error) {
	if wait <= 0 {
		return nil, ErrInvalidWaitTime
	}
	return m.acquire(ctx, name, modeBounded, wait, 0)
}

// TryLockWaitLease 最多等待 wait 获取锁，租约固定为 lease，不续期。
//
// 超过 lease 后即使未释放，锁也会由后端自动过期。
func (m *Manager) TryLockWaitLease(ctx context.Context, name string, wait, lease time.Duration) (*Handle, error) {
	if wait <= 0 {
		return nil, ErrInvalidWaitTime
	}
	if lease < MinLeaseTime {
		return nil, ErrInvalidLeaseTime
	}
	return m.acquire(ctx, name, modeBounded, wait, lease)
}

// Lock 阻塞直到获取锁，租约自动续期。
//
// 只有 ctx 结束能让等待提前返回，此时返回 [ErrAcquisitionInterrupted]。
func (m *Manager) Lock(ctx context.Context, name string) (*Handle, error) {
	return m.acquire(ctx, name, modeUnbounded, 0, 0)
}

// LockLease 阻塞直到获取锁，租约固定为 lease，不续期。
func (m *Manager) LockLease(ctx context.Context, name string, lease time.Duration) (*Handle, error) {
	if lease < MinLeaseTime {
		return nil, ErrInvalidLeaseTime
	}
	return m.acquire(ctx, name, modeUnbounded, 0, lease)
}

// Release 释放 h，等同于 h.Release(ctx)。nil 句柄是空操作。
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	return h.Release(ctx)
}

// acquire 所有获取方式的公共流程。
// lease 为 0 表示自动续期。
func (m *Manager) acquire(ctx context.Context, name string, mode acquireMode, wait, lease time.Duration) (*Handle, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	key, err := m.namer.Key(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}

	token, err := m.opts.tokenFunc()
	if err != nil {
		return nil, fmt.Errorf("xdlock: generate owner token: %w", err)
	}

	autoRenew := lease <= 0
	ttl := lease
	if autoRenew {
		ttl = m.opts.leaseTime
	}

	ctx, span := m.ins.startSpan(ctx, spanNameAcquire,
		attribute.String(attrKey, key), attribute.String(attrMode, mode.String()))
	start := time.Now()

	var ok bool
	switch mode {
	case modeImmediate:
		ok, err = m.backend.SetIfAbsent(ctx, key, token, ttl)
		if err != nil {
			if ctx.Err() != nil {
				err = interrupted(ctx.Err())
			} else {
				err = wrapBackendError("set if absent", err)
			}
		}
	case modeBounded:
		ok, err = m.poll(ctx, key, token, ttl, start.Add(wait))
	case modeUnbounded:
		ok, err = m.lockBlocking(ctx, key, token, ttl)
	}

	elapsed := time.Since(start)
	switch {
	case err != nil:
		result := resultError
		if ctx.Err() != nil {
			result = resultInterrupted
		}
		m.ins.recordAcquire(ctx, mode, result, elapsed)
		m.logger.Warn(ctx, "xdlock: acquire failed",
			attrLockName(name), attrLockKey(key), attrLockMode(mode), xlog.Err(err))
		endSpan(span, err)
		return nil, err
	case !ok:
		result := resultTimeout
		if mode == modeImmediate {
			result = resultBusy
		}
		m.ins.recordAcquire(ctx, mode, result, elapsed)
		m.logger.Debug(ctx, "xdlock: lock not acquired",
			attrLockName(name), attrLockKey(key), attrLockMode(mode), xlog.Duration(elapsed))
		endSpan(span, nil)
		return nil, nil
	}

	h := newHandle(m, name, key, token, ttl, autoRenew)
	if autoRenew {
		h.wd = startWatchdog(m.opts.renewInterval, h.renew)
	}

	m.ins.recordAcquire(ctx, mode, resultAcquired, elapsed)
	m.logger.Debug(ctx, "xdlock: lock acquired",
		attrLockName(name), attrLockKey(key), attrLockToken(token), attrLockMode(mode),
		xlog.Duration(elapsed))
	endSpan(span, nil)
	return h, nil
}

// lockBlocking 无限等待，后端支持 BlockingBackend 时交给后端，否则轮询。
func (m *Manager) lockBlocking(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	bb, ok := m.backend.(BlockingBackend)
	if !ok {
		return m.poll(ctx, key, token, ttl, time.Time{})
	}
	if err := bb.Lock(ctx, key, token, ttl); err != nil {
		if ctx.Err() != nil {
			return false, interrupted(ctx.Err())
		}
		return false, wrapBackendError("lock", err)
	}
	return true, nil
}

package xdlock

import (
	"context"
	"errors"
	"time"
)

// Work 在持有锁期间执行的任务。
//
// ctx 携带本次获取的 [Handle]，可通过 [HandleFromContext] 取出以监听锁丢失。
type Work func(ctx context.Context) error

// TryLockRun 非阻塞获取锁并执行 work，完成后释放。
//
// 返回 (false, nil) 表示锁被占用，work 未执行。
// work 返回的错误原样返回（与释放时的后端错误合并）；work panic 时先释放锁再继续 panic。
func (m *Manager) TryLockRun(ctx context.Context, name string, work Work) (bool, error) {
	if work == nil {
		return false, ErrNilWork
	}
	h, err := m.TryLock(ctx, name)
	return m.runHeld(ctx, h, err, work)
}

// TryLockRunWait 最多等待 wait 获取锁并执行 work，租约自动续期。
func (m *Manager) TryLockRunWait(ctx context.Context, name string, wait time.Duration, work Work) (bool, error) {
	if work == nil {
		return false, ErrNilWork
	}
	h, err := m.TryLockWait(ctx, name, wait)
	return m.runHeld(ctx, h, err, work)
}

// TryLockRunLease 最多等待 wait 获取锁并执行 work，租约固定为 lease。
//
// work 执行超过 lease 时锁可能被他人获取，释放时的 [ErrNotHeld] 只记录日志不返回。
func (m *Manager) TryLockRunLease(ctx context.Context, name string, wait, lease time.Duration, work Work) (bool, error) {
	if work == nil {
		return false, ErrNilWork
	}
	h, err := m.TryLockWaitLease(ctx, name, wait, lease)
	return m.runHeld(ctx, h, err, work)
}

// LockRun 阻塞获取锁并执行 work，租约自动续期。
func (m *Manager) LockRun(ctx context.Context, name string, work Work) error {
	if work == nil {
		return ErrNilWork
	}
	h, err := m.Lock(ctx, name)
	_, err = m.runHeld(ctx, h, err, work)
	return err
}

// LockRunLease 阻塞获取锁并执行 work，租约固定为 lease。
func (m *Manager) LockRunLease(ctx context.Context, name string, lease time.Duration, work Work) error {
	if work == nil {
		return ErrNilWork
	}
	h, err := m.LockLease(ctx, name, lease)
	_, err = m.runHeld(ctx, h, err, work)
	return err
}

// runHeld 在 h 上执行 work，并保证恰好释放一次。
func (m *Manager) runHeld(ctx context.Context, h *Handle, acquireErr error, work Work) (ran bool, err error) {
	if acquireErr != nil {
		return false, acquireErr
	}
	if h == nil {
		return false, nil
	}

	defer func() {
		// panic 时 defer 仍会执行，释放后 panic 继续向上传播
		if rerr := h.Release(ctx); rerr != nil && !isNotHeld(rerr) {
			err = errors.Join(err, rerr)
		}
	}()

	return true, work(withHandle(ctx, h))
}

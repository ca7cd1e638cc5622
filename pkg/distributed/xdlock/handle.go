package xdlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/omeyang/xlock/pkg/observability/xlog"
)

// State 锁句柄的状态。
//
//	UNACQUIRED → HELD → RELEASED
//	                  ↘ LOST
//
// RELEASED 和 LOST 是终态，之后的 Release 都是空操作。
type State int32

const (
	// StateUnacquired 未获取。
	StateUnacquired State = iota
	// StateHeld 持有中。
	StateHeld
	// StateReleased 已主动释放。
	StateReleased
	// StateLost 续期失败或释放时发现已不是持有者。
	StateLost
)

// String 返回状态名称。
func (s State) String() string {
	switch s {
	case StateUnacquired:
		return "UNACQUIRED"
	case StateHeld:
		return "HELD"
	case StateReleased:
		return "RELEASED"
	case StateLost:
		return "EXPIRED_LOST"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handle 表示一次成功的锁获取。
//
// 每次获取都生成新的 owner token，只有持有该 token 的 Handle 能续期和释放，
// 即使租约过期后锁被其他持有者获取，旧 Handle 也不会误删。
//
// Handle 归获取它的调用栈所有；Release 和状态查询可以并发调用。
//
//	h, err := mgr.TryLock(ctx, "report")
//	if err != nil {
//	    return err // 后端故障或参数错误
//	}
//	if h == nil {
//	    return nil // 被其他持有者占用
//	}
//	defer h.Release(ctx)
type Handle struct {
	mgr        *Manager
	name       string
	key        string
	token      string
	acquiredAt time.Time
	lease      time.Duration
	autoRenew  bool

	// releaseMu 串行化 Release，持有期间会等待 watchdog 退出
	releaseMu sync.Mutex
	wd        *watchdog

	// stateMu 保护 state/err/lost，不得在等待 watchdog 时持有
	stateMu sync.Mutex
	state   State
	err     error
	lost    chan struct{}
}

// newHandle 创建处于 HELD 状态的句柄。
func newHandle(m *Manager, name, key, token string, lease time.Duration, autoRenew bool) *Handle {
	return &Handle{
		mgr:        m,
		name:       name,
		key:        key,
		token:      token,
		acquiredAt: time.Now(),
		lease:      lease,
		autoRenew:  autoRenew,
		state:      StateHeld,
		lost:       make(chan struct{}),
	}
}

// Name 返回锁名称。
func (h *Handle) Name() string { return h.name }

// Key 返回后端 key（命名空间 + "_" + 名称）。
func (h *Handle) Key() string { return h.key }

// Token 返回本次获取的 owner token。
func (h *Handle) Token() string { return h.token }

// AcquiredAt 返回获取成功的时间。
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Lease 返回租约时长。自动续期模式下为每次续期重置的时长。
func (h *Handle) Lease() time.Duration { return h.lease }

// AutoRenew 报告是否由 watchdog 自动续期。
func (h *Handle) AutoRenew() bool { return h.autoRenew }

// State 返回当前状态。nil 句柄为 StateUnacquired。
func (h *Handle) State() State {
	if h == nil {
		return StateUnacquired
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.state
}

// Held 报告句柄是否仍处于 HELD 状态。
//
// 这只是本地视图：固定租约模式下租约到期后本地状态不会变化。
func (h *Handle) Held() bool {
	return h.State() == StateHeld
}

// Lost 返回一个 channel，句柄进入 LOST 状态时关闭。
//
// 锁丢失时受保护的任务不会被强制中断，需要时由任务自己监听此 channel。
// nil 句柄从未持有锁，返回已关闭的 channel。
func (h *Handle) Lost() <-chan struct{} {
	if h == nil {
		return closedChan
	}
	return h.lost
}

// closedChan nil 句柄的 Lost 返回值。
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Err 返回进入 LOST 状态的原因，其他状态（包括 nil 句柄）返回 nil。
func (h *Handle) Err() error {
	if h == nil {
		return nil
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.err
}

// transition 原子地从 from 迁移到 to，当前状态不是 from 时返回 false。
func (h *Handle) transition(from, to State, cause error) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if h.state != from {
		return false
	}
	h.state = to
	if to == StateLost {
		h.err = cause
		close(h.lost)
	}
	return true
}

// renew 执行一次续期，由 watchdog 调用。
func (h *Handle) renew(ctx context.Context) bool {
	m := h.mgr
	opCtx, cancel := context.WithTimeoutCause(ctx, min(m.opts.operationTimeout, m.opts.renewInterval), errOperationTimeout)
	ok, err := m.backend.ExtendTTL(opCtx, h.key, h.token, h.lease)
	cancel()

	// stop 期间的失败来自取消，不代表锁丢失
	if ctx.Err() != nil {
		return false
	}

	switch {
	case err != nil:
		m.ins.recordRenew(ctx, resultError)
		h.markLost(ctx, fmt.Errorf("%w: %w", ErrLockLost, wrapBackendError("extend ttl", err)))
		return false
	case !ok:
		m.ins.recordRenew(ctx, resultLost)
		h.markLost(ctx, fmt.Errorf("%w: owner token no longer matches", ErrLockLost))
		return false
	default:
		m.ins.recordRenew(ctx, resultOK)
		return true
	}
}

// markLost HELD → LOST，并记录日志。
func (h *Handle) markLost(ctx context.Context, cause error) {
	if h.transition(StateHeld, StateLost, cause) {
		h.mgr.logger.Warn(ctx, "xdlock: lock lost, renewal stopped",
			attrLockName(h.name), attrLockKey(h.key), attrLockToken(h.token),
			xlog.Err(cause))
	}
}

// Release 释放锁。
//
// 先停止并等待续期任务退出，再执行 CompareAndDelete，保证续期不会与删除交错。
// nil 句柄、已释放或已丢失的句柄不会发出任何后端调用，直接返回 nil。
//
// 返回值：
//   - nil: 释放成功，或句柄已处于终态
//   - [ErrNotHeld]: 锁已过期或被其他持有者获取，句柄进入 LOST 状态
//   - [ErrBackendUnavailable]: 后端故障，句柄仍视为已释放，锁将在租约到期后消失
//
// ctx 取消不会阻止释放：释放使用脱离取消的独立上下文，超时为 OperationTimeout。
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h.releaseMu.Lock()
	defer h.releaseMu.Unlock()

	if h.State() != StateHeld {
		return nil
	}

	// cancel-then-delete
	if h.wd != nil {
		h.wd.stop()
	}
	if !h.transition(StateHeld, StateReleased, nil) {
		// 等待期间 watchdog 判定锁已丢失
		return nil
	}

	m := h.mgr
	ctx, span := m.ins.startSpan(ctx, spanNameRelease, attribute.String(attrKey, h.key))
	opCtx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), m.opts.operationTimeout, errOperationTimeout)
	ok, err := m.backend.CompareAndDelete(opCtx, h.key, h.token)
	cancel()

	switch {
	case err != nil:
		err = wrapBackendError("compare and delete", err)
		m.ins.recordRelease(ctx, resultError)
		m.logger.Error(ctx, "xdlock: release failed",
			attrLockName(h.name), attrLockKey(h.key), xlog.Err(err))
	case !ok:
		err = ErrNotHeld
		h.transition(StateReleased, StateLost, ErrNotHeld)
		m.ins.recordRelease(ctx, resultNotHeld)
		m.logger.Warn(ctx, "xdlock: lock expired before release",
			attrLockName(h.name), attrLockKey(h.key), attrLockToken(h.token))
	default:
		m.ins.recordRelease(ctx, resultOK)
		m.logger.Debug(ctx, "xdlock: lock released",
			attrLockName(h.name), attrLockKey(h.key))
	}
	endSpan(span, err)
	return err
}

// isNotHeld 报告 err 是否表示锁在释放前已丢失。
func isNotHeld(err error) bool {
	return errors.Is(err, ErrNotHeld)
}

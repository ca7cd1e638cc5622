package xdlock

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// errLockTaken 单次尝试时 key 已被占用，驱动 retry-go 继续轮询。
var errLockTaken = errors.New("xdlock: lock taken")

// pollBackoff 等待锁时的退避策略。
// delay = clamp(interval * 2^(attempt-1) * (1 ± jitter), interval, maxInterval)
type pollBackoff struct {
	interval    time.Duration
	maxInterval time.Duration
	jitter      float64
}

// next 返回第 attempt 次失败后的等待时间，attempt 从 1 开始。
// 结果永远不小于 interval，保证不会高频打到后端。
func (b pollBackoff) next(attempt uint) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := min(float64(attempt-1), 30)
	delay := float64(b.interval) * math.Pow(2, exp)
	if b.jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*b.jitter
	}
	if delay > float64(b.maxInterval) {
		delay = float64(b.maxInterval)
	}
	if delay < float64(b.interval) {
		delay = float64(b.interval)
	}
	return time.Duration(delay)
}

// poll 反复尝试 SetIfAbsent，直到成功、deadline 到达或 ctx 结束。
//
// deadline 为零值表示不限时。返回值：
//   - (true, nil): 获取成功
//   - (false, nil): deadline 到达仍未获取（超时不是错误）
//   - (false, ErrAcquisitionInterrupted): 调用方 ctx 结束
//   - (false, ErrBackendUnavailable): 后端故障，立即返回不再重试
func (m *Manager) poll(ctx context.Context, key, token string, ttl time.Duration, deadline time.Time) (bool, error) {
	pollCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	backoff := m.backoff
	err := retry.New(
		retry.Context(pollCtx),
		retry.UntilSucceeded(),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errLockTaken)
		}),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return backoff.next(n)
		}),
		retry.LastErrorOnly(true),
	).Do(func() error {
		ok, err := m.backend.SetIfAbsent(pollCtx, key, token, ttl)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if !ok {
			return errLockTaken
		}
		return nil
	})

	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		// 调用方取消优先于一切：区分"被取消"和"超时"
		return false, interrupted(ctx.Err())
	case pollCtx.Err() != nil, errors.Is(err, errLockTaken):
		return false, nil
	default:
		return false, wrapBackendError("set if absent", err)
	}
}

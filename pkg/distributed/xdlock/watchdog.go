package xdlock

import (
	"context"
	"sync"
	"time"
)

// watchdog 周期性续期一个持有中的锁。
//
// 每个自动续期的 Handle 独占一个 watchdog。stop 会取消正在进行的续期调用并
// 等待 goroutine 退出，返回后保证不会再有 ExtendTTL 发出。
type watchdog struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// renewFunc 执行一次续期，返回 false 表示停止续期。
// ctx 在 stop 时被取消。
type renewFunc func(ctx context.Context) bool

// startWatchdog 启动续期循环。
func startWatchdog(interval time.Duration, renew renewFunc) *watchdog {
	// 校验 interval，防止 time.NewTicker panic
	if interval <= 0 {
		interval = MinLeaseTime / 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &watchdog{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(ctx, interval, renew)
	return w
}

// run 续期循环
func (w *watchdog) run(ctx context.Context, interval time.Duration, renew renewFunc) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !renew(ctx) {
				return
			}
		}
	}
}

// stop 停止续期并同步等待循环退出。可重复调用，可在 run 退出后调用。
func (w *watchdog) stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

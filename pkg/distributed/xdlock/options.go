package xdlock

import (
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xlock/pkg/observability/xlog"
)

// 默认值。
const (
	// DefaultLeaseTime 自动续期模式下的租约时长，每次续期都重置为此值。
	DefaultLeaseTime = 30 * time.Second

	// DefaultPollInterval 等待锁时两次尝试之间的最小间隔。
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultMaxPollInterval 指数退避的间隔上限。
	DefaultMaxPollInterval = 500 * time.Millisecond

	// DefaultOperationTimeout 释放和续期时单次后端调用的超时。
	DefaultOperationTimeout = 5 * time.Second

	// MinLeaseTime 租约下限。后端按毫秒设置过期时间，更短的租约无法表达。
	MinLeaseTime = time.Millisecond

	// minPollInterval 轮询间隔下限，避免打爆后端。
	minPollInterval = 10 * time.Millisecond
)

// Option 定义 Manager 的配置选项。
type Option func(*options)

// options Manager 配置。
type options struct {
	leaseTime        time.Duration
	renewInterval    time.Duration // 0 表示 leaseTime/3
	pollInterval     time.Duration
	maxPollInterval  time.Duration
	pollJitter       float64
	operationTimeout time.Duration
	tokenFunc        TokenFunc
	logger           xlog.Logger
	meterProvider    metric.MeterProvider
	tracerProvider   trace.TracerProvider
}

// defaultOptions 返回默认配置。
func defaultOptions() *options {
	return &options{
		leaseTime:        DefaultLeaseTime,
		pollInterval:     DefaultPollInterval,
		maxPollInterval:  DefaultMaxPollInterval,
		pollJitter:       0.1,
		operationTimeout: DefaultOperationTimeout,
		tokenFunc:        DefaultToken,
		logger:           xlog.Discard(),
	}
}

// normalize 修正互相依赖的字段。
func (o *options) normalize() {
	o.leaseTime = max(o.leaseTime, MinLeaseTime)
	if o.renewInterval <= 0 || o.renewInterval >= o.leaseTime {
		o.renewInterval = o.leaseTime / 3
	}
	// leaseTime >= MinLeaseTime 时 renewInterval 恒大于 0，time.NewTicker 不会 panic
	if o.pollInterval < minPollInterval {
		o.pollInterval = minPollInterval
	}
	if o.maxPollInterval < o.pollInterval {
		o.maxPollInterval = o.pollInterval
	}
}

// WithLeaseTime 设置自动续期模式的租约时长（看门狗超时）。
// 默认值：30 秒。d <= 0 时忽略，小于 [MinLeaseTime] 时取 MinLeaseTime。
//
// 持有者进程崩溃后，锁最多在 d 之后自动释放。
func WithLeaseTime(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.leaseTime = max(d, MinLeaseTime)
		}
	}
}

// WithRenewInterval 设置续期间隔。
// 默认值：租约时长的 1/3。必须小于租约时长，否则回退到默认值。
func WithRenewInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.renewInterval = d
		}
	}
}

// WithPollInterval 设置等待锁时的最小轮询间隔。
// 默认值：50ms，下限 10ms。
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxPollInterval 设置轮询间隔上限。
// 间隔从 PollInterval 开始指数增长到此值。默认值：500ms。
func WithMaxPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxPollInterval = d
		}
	}
}

// WithPollJitter 设置轮询抖动因子（0-1），打散同时等待的调用方。
// 默认值：0.1。
func WithPollJitter(j float64) Option {
	return func(o *options) {
		o.pollJitter = min(max(j, 0), 1)
	}
}

// WithOperationTimeout 设置释放和续期时单次后端调用的超时。
// 默认值：5 秒。
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.operationTimeout = d
		}
	}
}

// WithTokenFunc 设置 owner token 生成函数。
// 默认使用 [DefaultToken]。生成的值必须全局唯一，否则不同持有者会互相释放。
func WithTokenFunc(fn TokenFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.tokenFunc = fn
		}
	}
}

// WithLogger 设置日志记录器。默认丢弃所有日志。
func WithLogger(logger xlog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeterProvider 设置指标 MeterProvider。nil 使用全局 provider。
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// WithTracerProvider 设置 TracerProvider。nil 使用全局 provider。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

package xdlock

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// instrumentationName 同时用作 Meter 和 Tracer 的 scope 名称。
	instrumentationName = "xdlock"

	metricNameAcquireTotal    = "xdlock.acquire.total"
	metricNameAcquireDuration = "xdlock.acquire.duration"
	metricNameReleaseTotal    = "xdlock.release.total"
	metricNameRenewTotal      = "xdlock.renew.total"

	spanNameAcquire = "xdlock.Acquire"
	spanNameRelease = "xdlock.Release"
)

// 属性 key，trace、metrics 和日志共用。
const (
	attrKey    = "xdlock.key"
	attrName   = "xdlock.name"
	attrMode   = "xdlock.mode"
	attrResult = "xdlock.result"
	attrToken  = "xdlock.token"
)

// 结果取值。
const (
	resultAcquired    = "acquired"
	resultTimeout     = "timeout"
	resultBusy        = "busy"
	resultInterrupted = "interrupted"
	resultError       = "error"
	resultOK          = "ok"
	resultNotHeld     = "not_held"
	resultLost        = "lost"
)

// durationBuckets 获取锁耗时直方图的桶边界（秒）。
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

// instruments 锁操作的可观测性组件。
// 任一指标创建失败时对应字段为 nil，记录时跳过。
type instruments struct {
	tracer          trace.Tracer
	acquireTotal    metric.Int64Counter
	acquireDuration metric.Float64Histogram
	releaseTotal    metric.Int64Counter
	renewTotal      metric.Int64Counter
}

// newInstruments 创建可观测性组件，nil provider 使用全局默认（可能是 noop）。
func newInstruments(mp metric.MeterProvider, tp trace.TracerProvider) *instruments {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	meter := mp.Meter(instrumentationName)
	ins := &instruments{tracer: tp.Tracer(instrumentationName)}

	ins.acquireTotal, _ = meter.Int64Counter(metricNameAcquireTotal,
		metric.WithDescription("分布式锁获取次数"), metric.WithUnit("{acquire}"))
	ins.acquireDuration, _ = meter.Float64Histogram(metricNameAcquireDuration,
		metric.WithDescription("分布式锁获取耗时"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...))
	ins.releaseTotal, _ = meter.Int64Counter(metricNameReleaseTotal,
		metric.WithDescription("分布式锁释放次数"), metric.WithUnit("{release}"))
	ins.renewTotal, _ = meter.Int64Counter(metricNameRenewTotal,
		metric.WithDescription("分布式锁续期次数"), metric.WithUnit("{renew}"))
	return ins
}

// recordAcquire 记录一次获取的结果和耗时。
func (i *instruments) recordAcquire(ctx context.Context, mode acquireMode, result string, elapsed time.Duration) {
	set := metric.WithAttributes(
		attribute.String(attrMode, mode.String()),
		attribute.String(attrResult, result),
	)
	if i.acquireTotal != nil {
		i.acquireTotal.Add(ctx, 1, set)
	}
	if i.acquireDuration != nil {
		i.acquireDuration.Record(ctx, elapsed.Seconds(), set)
	}
}

// recordRelease 记录一次释放的结果。
func (i *instruments) recordRelease(ctx context.Context, result string) {
	if i.releaseTotal != nil {
		i.releaseTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
	}
}

// recordRenew 记录一次续期的结果。
func (i *instruments) recordRenew(ctx context.Context, result string) {
	if i.renewTotal != nil {
		i.renewTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
	}
}

// startSpan 创建 span。
func (i *instruments) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan 按 err 设置状态并结束 span。
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// =============================================================================
// 日志属性
// =============================================================================

// attrLockKey 创建锁 key 日志属性。
func attrLockKey(key string) slog.Attr {
	return slog.String(attrKey, key)
}

// attrLockName 创建锁名称日志属性。
func attrLockName(name string) slog.Attr {
	return slog.String(attrName, name)
}

// attrLockToken 创建 owner token 日志属性。
func attrLockToken(token string) slog.Attr {
	return slog.String(attrToken, token)
}

// attrLockMode 创建获取模式日志属性。
func attrLockMode(mode acquireMode) slog.Attr {
	return slog.String(attrMode, mode.String())
}

package xdlock_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/omeyang/xlock/pkg/distributed/xdlock"
	"github.com/omeyang/xlock/pkg/observability/xlog"
)

// syncBuffer watchdog 会在其他 goroutine 写日志。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// counterValue 返回计数器在给定 result 属性下的值。
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name, result string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s 应为 Sum[int64]", name)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("xdlock.result")); ok && v.AsString() == result {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestObservability_MetricsAndSpans(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	mgr, _ := newMemoryManager(t,
		xdlock.WithMeterProvider(mp),
		xdlock.WithTracerProvider(tp),
		xdlock.WithLeaseTime(90*time.Millisecond),
		xdlock.WithRenewInterval(10*time.Millisecond))
	ctx := context.Background()

	h, err := mgr.TryLock(ctx, "lock1")
	require.NoError(t, err)
	h2, err := mgr.TryLockWait(ctx, "lock1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, h2)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, h.Release(ctx))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(1), counterValue(t, rm, "xdlock.acquire.total", "acquired"))
	assert.Equal(t, int64(1), counterValue(t, rm, "xdlock.acquire.total", "timeout"))
	assert.Equal(t, int64(1), counterValue(t, rm, "xdlock.release.total", "ok"))
	assert.Positive(t, counterValue(t, rm, "xdlock.renew.total", "ok"))

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"xdlock.Acquire", "xdlock.Acquire", "xdlock.Release"}, names)
}

func TestObservability_LostLockIsLogged(t *testing.T) {
	var out syncBuffer
	logger, cleanup, err := xlog.New().SetOutput(&out).SetFormat("json").SetLevelString("debug").Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	mgr, mr := newRedisManager(t,
		xdlock.WithLogger(logger),
		xdlock.WithLeaseTime(300*time.Millisecond),
		xdlock.WithRenewInterval(10*time.Millisecond))

	h, err := mgr.TryLock(context.Background(), "lock1")
	require.NoError(t, err)
	mr.Del("app_lock1")
	<-h.Lost()

	logs := out.String()
	assert.Contains(t, logs, "xdlock: lock acquired")
	assert.Contains(t, logs, "xdlock: lock lost, renewal stopped")
	assert.Contains(t, logs, `"xdlock.key":"app_lock1"`)
	assert.Contains(t, logs, `"component":"xdlock"`)
}

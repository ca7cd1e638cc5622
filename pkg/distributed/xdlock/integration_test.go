//go:build integration

package xdlock_test

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xlock/pkg/distributed/xdlock"
)

// 集成测试需要 Docker，或通过环境变量指定已有服务。
// 运行方式: go test -tags=integration -v ./pkg/distributed/xdlock/...
//
// 环境变量:
//   - XLOCK_REDIS_ADDR: 已有 Redis 地址
//   - XLOCK_ETCD_ENDPOINTS: 已有 etcd 端点（逗号分隔）

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("无法启动容器 %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, port, "")
	require.NoError(t, err)
	return endpoint
}

func setupRedisClient(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("XLOCK_REDIS_ADDR")
	if addr == "" {
		addr = startContainer(t, testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}, "6379/tcp")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("无法连接到 Redis %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupEtcdClient(t *testing.T) *clientv3.Client {
	t.Helper()

	var endpoints []string
	if env := os.Getenv("XLOCK_ETCD_ENDPOINTS"); env != "" {
		endpoints = strings.Split(env, ",")
	} else {
		endpoints = []string{startContainer(t, testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.5.17",
			ExposedPorts: []string{"2379/tcp"},
			Cmd: []string{
				"etcd",
				"--listen-client-urls=http://0.0.0.0:2379",
				"--advertise-client-urls=http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForLog("ready to serve client requests"),
		}, "2379/tcp")}
	}

	cfg := xdlock.Config{
		Namespace: "it",
		Backend:   xdlock.BackendEtcd,
		Etcd:      xdlock.EtcdConfig{Endpoints: endpoints, DialTimeout: 5 * time.Second},
	}
	backend, closer, err := cfg.NewBackend(context.Background())
	if err != nil {
		t.Skipf("无法连接到 etcd %v: %v", endpoints, err)
	}
	t.Cleanup(func() { _ = closer() })

	client := backend.(*xdlock.EtcdBackend).Client()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Get(ctx, "health"); err != nil {
		t.Skipf("etcd 不可用: %v", err)
	}
	return client
}

// uniqueNamespace 每个用例独立的命名空间，共享外部服务时互不干扰。
func uniqueNamespace(t *testing.T) string {
	return "it-" + strings.ReplaceAll(t.Name(), "/", "-") + "-" + time.Now().Format("150405.000000")
}

// backendCase 在每个真实后端上运行同一组语义测试。
type backendCase struct {
	name    string
	backend func(t *testing.T) xdlock.Backend
}

func integrationBackends() []backendCase {
	return []backendCase{
		{"redis", func(t *testing.T) xdlock.Backend {
			b, err := xdlock.NewRedisBackend(setupRedisClient(t))
			require.NoError(t, err)
			return b
		}},
		{"redsync", func(t *testing.T) xdlock.Backend {
			b, err := xdlock.NewRedsyncBackend(setupRedisClient(t))
			require.NoError(t, err)
			return b
		}},
		{"etcd", func(t *testing.T) xdlock.Backend {
			b, err := xdlock.NewEtcdBackend(setupEtcdClient(t))
			require.NoError(t, err)
			return b
		}},
	}
}

func TestIntegration_Exclusivity(t *testing.T) {
	for _, bc := range integrationBackends() {
		t.Run(bc.name, func(t *testing.T) {
			backend := bc.backend(t)
			mgr, err := xdlock.NewManager(backend, uniqueNamespace(t), fastPoll...)
			require.NoError(t, err)
			ctx := context.Background()

			h, err := mgr.TryLock(ctx, "lock1")
			require.NoError(t, err)
			require.NotNil(t, h)

			other, err := mgr.TryLock(ctx, "lock1")
			require.NoError(t, err)
			assert.Nil(t, other)

			token, ok, err := mgr.Owner(ctx, "lock1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, h.Token(), token)

			require.NoError(t, h.Release(ctx))
			assert.NoError(t, h.Release(ctx), "重复释放是空操作")

			_, ok, err = mgr.Owner(ctx, "lock1")
			require.NoError(t, err)
			assert.False(t, ok)
			require.NoError(t, mgr.Health(ctx))
		})
	}
}

func TestIntegration_FixedLeaseExpires(t *testing.T) {
	for _, bc := range integrationBackends() {
		t.Run(bc.name, func(t *testing.T) {
			mgr, err := xdlock.NewManager(bc.backend(t), uniqueNamespace(t), fastPoll...)
			require.NoError(t, err)
			ctx := context.Background()

			h, err := mgr.TryLockWaitLease(ctx, "lock1", time.Second, time.Second)
			require.NoError(t, err)
			require.NotNil(t, h)

			// etcd 租约按秒计，过期检查有延迟
			other, err := mgr.TryLockWaitLease(ctx, "lock1", 5*time.Second, time.Second)
			require.NoError(t, err)
			require.NotNil(t, other, "固定租约过期后可被他人获取")

			assert.ErrorIs(t, h.Release(ctx), xdlock.ErrNotHeld, "不会删除他人的锁")
			require.NoError(t, other.Release(ctx))
		})
	}
}

func TestIntegration_AutoRenewOutlivesLease(t *testing.T) {
	for _, bc := range integrationBackends() {
		t.Run(bc.name, func(t *testing.T) {
			mgr, err := xdlock.NewManager(bc.backend(t), uniqueNamespace(t),
				append(append([]xdlock.Option{}, fastPoll...), xdlock.WithLeaseTime(2*time.Second))...)
			require.NoError(t, err)
			ctx := context.Background()

			h, err := mgr.TryLock(ctx, "lock1")
			require.NoError(t, err)
			require.NotNil(t, h)

			time.Sleep(5 * time.Second)
			assert.True(t, h.Held(), "看门狗续期后超过租约仍持有")

			other, err := mgr.TryLock(ctx, "lock1")
			require.NoError(t, err)
			assert.Nil(t, other)
			require.NoError(t, h.Release(ctx))
		})
	}
}

func TestIntegration_MutualExclusion(t *testing.T) {
	for _, bc := range integrationBackends() {
		t.Run(bc.name, func(t *testing.T) {
			backend := bc.backend(t)
			ns := uniqueNamespace(t)
			var inside, maxInside, total atomic.Int32

			g, ctx := errgroup.WithContext(context.Background())
			for range 4 {
				mgr, err := xdlock.NewManager(backend, ns, fastPoll...)
				require.NoError(t, err)
				g.Go(func() error {
					return mgr.LockRun(ctx, "counter", func(context.Context) error {
						n := inside.Add(1)
						for {
							m := maxInside.Load()
							if n <= m || maxInside.CompareAndSwap(m, n) {
								break
							}
						}
						time.Sleep(20 * time.Millisecond)
						inside.Add(-1)
						total.Add(1)
						return nil
					})
				})
			}
			require.NoError(t, g.Wait())
			assert.Equal(t, int32(4), total.Load())
			assert.Equal(t, int32(1), maxInside.Load())
		})
	}
}

// etcd 无限等待走 Watch，持有者释放后等待方立即被唤醒。
func TestIntegration_EtcdLockWakesOnRelease(t *testing.T) {
	backend, err := xdlock.NewEtcdBackend(setupEtcdClient(t))
	require.NoError(t, err)
	mgr, err := xdlock.NewManager(backend, uniqueNamespace(t))
	require.NoError(t, err)
	ctx := context.Background()

	holder, err := mgr.LockLease(ctx, "lock1", 30*time.Second)
	require.NoError(t, err)

	acquired := make(chan *xdlock.Handle, 1)
	go func() {
		h, err := mgr.Lock(ctx, "lock1")
		assert.NoError(t, err)
		acquired <- h
	}()

	time.Sleep(200 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("持有者释放前不应获取")
	default:
	}

	require.NoError(t, holder.Release(ctx))
	select {
	case h := <-acquired:
		require.NotNil(t, h)
		require.NoError(t, h.Release(ctx))
	case <-time.After(3 * time.Second):
		t.Fatal("释放后等待方应被 Watch 唤醒")
	}
}

func TestIntegration_EtcdLockInterrupted(t *testing.T) {
	backend, err := xdlock.NewEtcdBackend(setupEtcdClient(t))
	require.NoError(t, err)
	mgr, err := xdlock.NewManager(backend, uniqueNamespace(t))
	require.NoError(t, err)

	holder, err := mgr.LockLease(context.Background(), "lock1", 30*time.Second)
	require.NoError(t, err)
	defer func() { _ = holder.Release(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	h, err := mgr.Lock(ctx, "lock1")
	assert.Nil(t, h)
	assert.ErrorIs(t, err, xdlock.ErrAcquisitionInterrupted)
}

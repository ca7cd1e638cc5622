package xdlock

import (
	"context"
	"errors"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// revokeLeaseTimeout best-effort 撤销租约的超时。
const revokeLeaseTimeout = 3 * time.Second

// EtcdBackend 基于 etcd 租约和事务的锁后端。
//
//   - SetIfAbsent: 授予租约，事务 If(CreateRevision == 0) Then(Put with lease)
//   - CompareAndDelete: 事务 If(Value == token) Then(Delete)，随后撤销租约
//   - ExtendTTL: 校验 token 后 KeepAliveOnce
//
// etcd 租约的 TTL 在授予时确定，续期只能恢复到授予时的 TTL，
// ExtendTTL 的 ttl 参数对 etcd 无效。
// etcd 租约以秒为单位，不足 1 秒的 ttl 向上取整。
type EtcdBackend struct {
	client *clientv3.Client
}

// NewEtcdBackend 创建 etcd 后端。客户端的生命周期由调用方管理。
func NewEtcdBackend(client *clientv3.Client) (*EtcdBackend, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &EtcdBackend{client: client}, nil
}

// Client 返回底层 etcd 客户端。
func (b *EtcdBackend) Client() *clientv3.Client {
	return b.client
}

// leaseSeconds 把 ttl 换算为 etcd 租约秒数，向上取整，最少 1 秒。
func leaseSeconds(ttl time.Duration) int64 {
	sec := int64((ttl + time.Second - 1) / time.Second)
	return max(sec, 1)
}

// SetIfAbsent 实现 [Backend]。
func (b *EtcdBackend) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, _, err := b.trySet(ctx, key, token, ttl)
	return ok, err
}

// trySet 尝试写入，失败时额外返回当前 key 的修订号，供 Lock 从该修订号之后开始 watch。
func (b *EtcdBackend) trySet(ctx context.Context, key, token string, ttl time.Duration) (bool, int64, error) {
	lease, err := b.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return false, 0, wrapBackendError("etcd grant", err)
	}

	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, token, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		b.tryRevokeLease(lease.ID)
		return false, 0, wrapBackendError("etcd txn", err)
	}
	if !resp.Succeeded {
		b.tryRevokeLease(lease.ID)
		return false, resp.Header.Revision, nil
	}
	return true, 0, nil
}

// CompareAndDelete 实现 [Backend]。
func (b *EtcdBackend) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	resp, err := b.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", token)).
		Then(clientv3.OpGet(key), clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, wrapBackendError("etcd txn", err)
	}
	if !resp.Succeeded {
		return false, nil
	}

	// key 已删除，租约撤销只是提前回收
	if kvs := resp.Responses[0].GetResponseRange().GetKvs(); len(kvs) > 0 && kvs[0].Lease != 0 {
		b.tryRevokeLease(clientv3.LeaseID(kvs[0].Lease))
	}
	return true, nil
}

// ExtendTTL 实现 [Backend]。
func (b *EtcdBackend) ExtendTTL(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return false, wrapBackendError("etcd get", err)
	}
	if len(resp.Kvs) == 0 || string(resp.Kvs[0].Value) != token || resp.Kvs[0].Lease == 0 {
		return false, nil
	}

	ka, err := b.client.KeepAliveOnce(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapBackendError("etcd keepalive", err)
	}
	return ka.TTL > 0, nil
}

// GetOwner 实现 [Backend]。
func (b *EtcdBackend) GetOwner(ctx context.Context, key string) (string, bool, error) {
	resp, err := b.client.Get(ctx, key)
	if err != nil {
		return "", false, wrapBackendError("etcd get", err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Lock 实现 [BlockingBackend]。
//
// 写入失败后 watch 该 key，收到删除事件（释放或租约过期）再重试，
// 避免无限等待时高频轮询 etcd。
func (b *EtcdBackend) Lock(ctx context.Context, key, token string, ttl time.Duration) error {
	for {
		ok, rev, err := b.trySet(ctx, key, token, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := b.waitDelete(ctx, key, rev); err != nil {
			return err
		}
	}
}

// waitDelete 等待 key 在 rev 之后被删除。watch 通道意外关闭时返回 nil，由调用方重试写入。
func (b *EtcdBackend) waitDelete(ctx context.Context, key string, rev int64) error {
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()

	wch := b.client.Watch(watchCtx, key, clientv3.WithRev(rev+1), clientv3.WithFilterPut())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wresp, ok := <-wch:
			if !ok {
				return ctx.Err()
			}
			if err := wresp.Err(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// 压缩或 leader 切换，重新尝试写入
				return nil
			}
			for _, ev := range wresp.Events {
				if ev.Type == mvccpb.DELETE {
					return nil
				}
			}
		}
	}
}

// Health 实现 [HealthChecker]。
func (b *EtcdBackend) Health(ctx context.Context) error {
	if _, err := b.client.Get(ctx, "xdlock-health-check", clientv3.WithLimit(1)); err != nil {
		return wrapBackendError("etcd get", err)
	}
	return nil
}

// tryRevokeLease 撤销租约，失败时等待租约自然过期。
// 使用独立的带超时上下文，调用方 ctx 已取消时也能执行。
func (b *EtcdBackend) tryRevokeLease(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), revokeLeaseTimeout)
	defer cancel()
	_, _ = b.client.Revoke(ctx, id)
}

var (
	_ BlockingBackend = (*EtcdBackend)(nil)
	_ HealthChecker   = (*EtcdBackend)(nil)
)

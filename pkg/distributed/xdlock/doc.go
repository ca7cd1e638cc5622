// Package xdlock 提供基于键值存储的分布式互斥锁，支持租约自动续期。
//
// # 核心概念
//
//   - Backend: 键值存储抽象，只需四个原子条件操作（SetIfAbsent、CompareAndDelete、
//     ExtendTTL、GetOwner）
//   - Manager: 锁管理器，负责 key 派生、owner token 生成、等待和续期
//   - Handle: 一次成功获取，持有唯一 token，只有它能续期和释放
//
// 锁的后端 key 为 namespace + "_" + name；每次获取都生成新的 token
// （默认 hostname:pid:uuid），过期后被他人获取的锁不会被旧持有者误删。
//
// # 获取方式
//
//	| 方法               | 等待               | 租约              |
//	|--------------------|--------------------|-------------------|
//	| TryLock            | 单次尝试           | 自动续期          |
//	| TryLockWait        | 最多 wait          | 自动续期          |
//	| TryLockWaitLease   | 最多 wait          | 固定 lease        |
//	| Lock               | 直到获取或 ctx 结束 | 自动续期          |
//	| LockLease          | 直到获取或 ctx 结束 | 固定 lease        |
//
// 未获取到锁返回 (nil, nil)，超时不是错误。调用方取消返回 [ErrAcquisitionInterrupted]，
// 存储故障返回 [ErrBackendUnavailable]，三者可以明确区分。
//
// 对应的 *Run 方法在持有锁期间执行一段任务，并在任何退出路径（包括 panic）上释放一次。
//
// # 续期
//
// 自动续期模式下，每个 Handle 有一个 watchdog goroutine，每 lease/3 调用一次 ExtendTTL。
// 续期失败或发现 token 不匹配时 Handle 进入 LOST 状态并关闭 Lost() channel，
// 不会重试，也不会中断正在执行的任务。
//
// 释放时先停止并等待 watchdog 退出，再执行 CompareAndDelete，续期不会与删除交错。
//
// # 后端
//
//   - RedisBackend: SET NX PX + Lua 脚本，基于 go-redis
//   - RedsyncBackend: redsync，多节点时使用 Redlock
//   - EtcdBackend: 租约 + 事务，无限等待时用 Watch 代替轮询
//   - MemoryBackend: 进程内实现，用于测试
//   - BreakerBackend: 为任意后端加上 gobreaker 熔断
//
// # 可观测性
//
// 通过 WithLogger 注入 xlog.Logger，通过 WithMeterProvider/WithTracerProvider 注入
// OpenTelemetry。未设置时日志丢弃，指标和 trace 使用全局 provider。
package xdlock

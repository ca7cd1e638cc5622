package xdlock

import (
	"errors"
	"fmt"
)

// 预定义错误。
// 使用 errors.Is 进行错误匹配，例如：
//
//	if errors.Is(err, xdlock.ErrInvalidArgument) {
//	    // 参数错误，调用方需要修正
//	}
//
// 获取锁超时不是错误：TryLock* 返回 (nil, nil)，TryLockRun* 返回 (false, nil)。
var (
	// ErrInvalidArgument 参数无效。
	// 所有参数类错误都包装此错误，在任何后端调用之前同步返回。
	ErrInvalidArgument = errors.New("xdlock: invalid argument")

	// ErrEmptyName 锁名称为空。
	ErrEmptyName = fmt.Errorf("%w: lock name must not be empty", ErrInvalidArgument)

	// ErrEmptyNamespace 命名空间为空。
	ErrEmptyNamespace = fmt.Errorf("%w: namespace must not be empty", ErrInvalidArgument)

	// ErrKeyTooLong 派生后的 key 超过长度限制（maxKeyLength 字节）。
	ErrKeyTooLong = fmt.Errorf("%w: key exceeds maximum length of 512 bytes", ErrInvalidArgument)

	// ErrNilWork 受保护的任务为空。
	ErrNilWork = fmt.Errorf("%w: work must not be nil", ErrInvalidArgument)

	// ErrInvalidWaitTime 等待时间必须大于 0。
	ErrInvalidWaitTime = fmt.Errorf("%w: wait time must be positive", ErrInvalidArgument)

	// ErrInvalidLeaseTime 租约时间不能小于 MinLeaseTime。
	ErrInvalidLeaseTime = fmt.Errorf("%w: lease time must be at least 1ms", ErrInvalidArgument)

	// ErrNilContext 上下文为空。
	ErrNilContext = fmt.Errorf("%w: context must not be nil", ErrInvalidArgument)

	// ErrNilBackend 后端为空。
	ErrNilBackend = errors.New("xdlock: backend is nil")

	// ErrNilClient 客户端为空。
	// 构造后端适配器时传入 nil 客户端返回此错误。
	ErrNilClient = errors.New("xdlock: client is nil")

	// ErrBackendUnavailable 存储不可达或返回错误。
	// 后端适配器返回的所有错误都包装此错误，并保留原始错误链。
	ErrBackendUnavailable = errors.New("xdlock: backend unavailable")

	// ErrAcquisitionInterrupted 等待锁的过程被调用方取消。
	// 与超时（返回 false）和后端故障（ErrBackendUnavailable）区分。
	ErrAcquisitionInterrupted = errors.New("xdlock: acquisition interrupted")

	// ErrNotHeld 释放时发现锁已不属于当前持有者（已过期或被他人获取）。
	ErrNotHeld = errors.New("xdlock: lock not held by this owner")

	// ErrLockLost 续期失败，当前持有者已失去锁。
	// 通过 Handle.Err() 获取，说明 Lost() 关闭的原因。
	ErrLockLost = errors.New("xdlock: lock lost during renewal")
)

// errOperationTimeout 释放和续期单次调用超时的 cause，区别于调用方自己的取消和 deadline。
var errOperationTimeout = errors.New("xdlock: operation timeout")

// wrapBackendError 将后端适配器的原始错误包装为 ErrBackendUnavailable。
// 已经包装过的错误保持原样。
func wrapBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}

// interrupted 将调用方上下文错误转换为 ErrAcquisitionInterrupted。
func interrupted(err error) error {
	return fmt.Errorf("%w: %w", ErrAcquisitionInterrupted, err)
}

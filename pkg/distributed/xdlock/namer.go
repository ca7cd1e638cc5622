package xdlock

import "strings"

const (
	// keySeparator 命名空间与锁名称之间的分隔符。
	keySeparator = "_"

	// maxKeyLength 派生 key 的最大字节数。
	maxKeyLength = 512
)

// DeriveKey 由命名空间和锁名称派生后端 key：namespace + "_" + name。
//
// 纯函数，相同输入总是得到相同输出。
// 任一输入为空（或仅含空白）返回 [ErrInvalidArgument]。
func DeriveKey(namespace, name string) (string, error) {
	if strings.TrimSpace(namespace) == "" {
		return "", ErrEmptyNamespace
	}
	if strings.TrimSpace(name) == "" {
		return "", ErrEmptyName
	}
	if len(namespace)+len(keySeparator)+len(name) > maxKeyLength {
		return "", ErrKeyTooLong
	}
	return namespace + keySeparator + name, nil
}

// Namer 绑定一个命名空间的 key 派生器。
type Namer struct {
	namespace string
}

// NewNamer 创建 Namer，namespace 为空返回 [ErrEmptyNamespace]。
func NewNamer(namespace string) (Namer, error) {
	if strings.TrimSpace(namespace) == "" {
		return Namer{}, ErrEmptyNamespace
	}
	return Namer{namespace: namespace}, nil
}

// Namespace 返回绑定的命名空间。
func (n Namer) Namespace() string {
	return n.namespace
}

// Key 派生 name 对应的后端 key。
func (n Namer) Key(name string) (string, error) {
	return DeriveKey(n.namespace, name)
}

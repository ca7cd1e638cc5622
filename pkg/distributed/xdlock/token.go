package xdlock

import (
	"os"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sony/sonyflake/v2"
)

// TokenFunc 生成 owner token。每次获取尝试调用一次，返回值必须全局唯一。
type TokenFunc func() (string, error)

var (
	processPrefixOnce sync.Once
	processPrefix     string
)

// tokenPrefix 返回 "hostname:pid:"，进程内只计算一次。
func tokenPrefix() string {
	processPrefixOnce.Do(func() {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "unknown"
		}
		processPrefix = host + ":" + strconv.Itoa(os.Getpid()) + ":"
	})
	return processPrefix
}

// DefaultToken 生成形如 "hostname:pid:uuid" 的 token。
// 前缀便于排查是哪个进程持有锁，uuid 保证同一进程内每次获取都不同。
func DefaultToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return tokenPrefix() + id.String(), nil
}

// SonyflakeToken 返回生成 "hostname:pid:<sonyflake id>" 的 TokenFunc。
//
// id 随时间递增，从 token 即可看出获取的先后顺序。
// machine ID 由 "hostname:pid" 哈希得到，只用于降低碰撞；唯一性由前缀保证。
// sonyflake 在首次调用时初始化，初始化失败的错误会在每次调用时返回。
func SonyflakeToken() TokenFunc {
	gen := sync.OnceValues(func() (*sonyflake.Sonyflake, error) {
		return sonyflake.New(sonyflake.Settings{
			MachineID: func() (int, error) {
				return int(machineID(tokenPrefix())), nil
			},
		})
	})
	return func() (string, error) {
		sf, err := gen()
		if err != nil {
			return "", err
		}
		id, err := sf.NextID()
		if err != nil {
			return "", err
		}
		return tokenPrefix() + strconv.FormatInt(id, 10), nil
	}
}

// machineID 把 s 的 64 位哈希折叠为 16 位。
func machineID(s string) uint16 {
	h := xxhash.Sum64String(s)
	return uint16(h ^ h>>16 ^ h>>32 ^ h>>48)
}

package xdlock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/omeyang/xlock/pkg/config/xconf"
)

// 后端类型。
const (
	BackendRedis   = "redis"
	BackendRedsync = "redsync"
	BackendEtcd    = "etcd"
	BackendMemory  = "memory"
)

// token 格式。
const (
	TokenUUID      = "uuid"
	TokenSonyflake = "sonyflake"
)

// ErrInvalidConfig 配置无效。
var ErrInvalidConfig = errors.New("xdlock: invalid config")

// Config 锁管理器配置，支持 YAML/JSON。
//
//	namespace: app
//	backend: redis
//	redis:
//	  addrs: [127.0.0.1:6379]
//	leaseTime: 30s
//	token: sonyflake
//	breaker:
//	  enabled: true
type Config struct {
	Namespace string        `koanf:"namespace"`
	Backend   string        `koanf:"backend"`
	Redis     RedisConfig   `koanf:"redis"`
	Etcd      EtcdConfig    `koanf:"etcd"`
	Breaker   BreakerConfig `koanf:"breaker"`

	// Token 为 owner token 格式：uuid（默认）或 sonyflake
	Token string `koanf:"token"`

	// 零值使用默认值
	LeaseTime        time.Duration `koanf:"leaseTime"`
	RenewInterval    time.Duration `koanf:"renewInterval"`
	PollInterval     time.Duration `koanf:"pollInterval"`
	MaxPollInterval  time.Duration `koanf:"maxPollInterval"`
	OperationTimeout time.Duration `koanf:"operationTimeout"`
}

// RedisConfig Redis 连接配置。redsync 后端的每个地址是一个独立节点。
type RedisConfig struct {
	Addrs    []string `koanf:"addrs"`
	Password string   `koanf:"password"`
	DB       int      `koanf:"db"`
}

// EtcdConfig etcd 连接配置。
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	DialTimeout time.Duration `koanf:"dialTimeout"`
}

// BreakerConfig 熔断配置。
type BreakerConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Failures    uint32        `koanf:"failures"`
	OpenTimeout time.Duration `koanf:"openTimeout"`
}

// etcd 连接默认值。
const (
	defaultEtcdDialTimeout   = 5 * time.Second
	defaultEtcdKeepAlive     = 10 * time.Second
	defaultEtcdKeepAliveWait = 3 * time.Second
)

// LoadConfig 从 YAML/JSON 文件加载配置。
func LoadConfig(path string) (*Config, error) {
	l := xconf.New()
	if err := l.LoadFile(path); err != nil {
		return nil, err
	}
	return ConfigFrom(l)
}

// ParseConfig 从字节数据解析配置。
func ParseConfig(data []byte, format xconf.Format) (*Config, error) {
	l := xconf.New()
	if err := l.LoadBytes(data, format); err != nil {
		return nil, err
	}
	return ConfigFrom(l)
}

// ConfigFrom 从已加载的 xconf.Loader 解码并校验配置。
func ConfigFrom(l *xconf.Loader) (*Config, error) {
	var cfg Config
	if err := l.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置。空 backend 视为 memory。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return ErrEmptyNamespace
	}
	switch c.backendName() {
	case BackendRedis, BackendRedsync:
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("%w: redis.addrs is required for backend %q", ErrInvalidConfig, c.backendName())
		}
	case BackendEtcd:
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd.endpoints is required", ErrInvalidConfig)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}

	switch strings.ToLower(c.Token) {
	case "", TokenUUID, TokenSonyflake:
	default:
		return fmt.Errorf("%w: unknown token format %q", ErrInvalidConfig, c.Token)
	}

	for name, d := range map[string]time.Duration{
		"leaseTime":        c.LeaseTime,
		"renewInterval":    c.RenewInterval,
		"pollInterval":     c.PollInterval,
		"maxPollInterval":  c.MaxPollInterval,
		"operationTimeout": c.OperationTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, name)
		}
	}
	if c.LeaseTime > 0 && c.LeaseTime < MinLeaseTime {
		return fmt.Errorf("%w: leaseTime must be at least %s", ErrInvalidConfig, MinLeaseTime)
	}
	return nil
}

func (c *Config) backendName() string {
	if c.Backend == "" {
		return BackendMemory
	}
	return strings.ToLower(c.Backend)
}

// Options 把配置转换为 Manager 选项，零值字段不产生选项。
func (c *Config) Options() []Option {
	var opts []Option
	if c.LeaseTime > 0 {
		opts = append(opts, WithLeaseTime(c.LeaseTime))
	}
	if c.RenewInterval > 0 {
		opts = append(opts, WithRenewInterval(c.RenewInterval))
	}
	if c.PollInterval > 0 {
		opts = append(opts, WithPollInterval(c.PollInterval))
	}
	if c.MaxPollInterval > 0 {
		opts = append(opts, WithMaxPollInterval(c.MaxPollInterval))
	}
	if c.OperationTimeout > 0 {
		opts = append(opts, WithOperationTimeout(c.OperationTimeout))
	}
	if strings.EqualFold(c.Token, TokenSonyflake) {
		opts = append(opts, WithTokenFunc(SonyflakeToken()))
	}
	return opts
}

// NewBackend 按配置创建后端和对应的客户端。
//
// 返回的 closer 关闭创建的客户端，调用方必须在不再使用后端时调用。
// breaker.enabled 时后端外层包装 [BreakerBackend]。
func (c *Config) NewBackend(ctx context.Context) (Backend, func() error, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	backend, closer, err := c.newRawBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !c.Breaker.Enabled {
		return backend, closer, nil
	}

	bb, err := NewBreakerBackend(backend,
		WithBreakerFailures(c.Breaker.Failures),
		WithBreakerOpenTimeout(c.Breaker.OpenTimeout))
	if err != nil {
		return nil, nil, errors.Join(err, closer())
	}
	return bb, closer, nil
}

func (c *Config) newRawBackend(_ context.Context) (Backend, func() error, error) {
	switch c.backendName() {
	case BackendRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Redis.Addrs,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		b, err := NewRedisBackend(client)
		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}
		return b, client.Close, nil

	case BackendRedsync:
		clients := make([]redis.UniversalClient, len(c.Redis.Addrs))
		for i, addr := range c.Redis.Addrs {
			clients[i] = redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			})
		}
		closeAll := func() error {
			var errs []error
			for _, client := range clients {
				errs = append(errs, client.Close())
			}
			return errors.Join(errs...)
		}
		b, err := NewRedsyncBackend(clients...)
		if err != nil {
			return nil, nil, errors.Join(err, closeAll())
		}
		return b, closeAll, nil

	case BackendEtcd:
		client, err := c.newEtcdClient()
		if err != nil {
			return nil, nil, err
		}
		b, err := NewEtcdBackend(client)
		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}
		return b, client.Close, nil

	default:
		return NewMemoryBackend(), func() error { return nil }, nil
	}
}

// newEtcdClient 创建 etcd 客户端，keepalive 参数通过 gRPC DialOption 设置。
func (c *Config) newEtcdClient() (*clientv3.Client, error) {
	dialTimeout := c.Etcd.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultEtcdDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Etcd.Endpoints,
		Username:    c.Etcd.Username,
		Password:    c.Etcd.Password,
		DialTimeout: dialTimeout,
		DialOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                defaultEtcdKeepAlive,
				Timeout:             defaultEtcdKeepAliveWait,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, wrapBackendError("etcd connect", err)
	}
	return client, nil
}

package xconf

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Option 加载器选项。
type Option func(*Loader)

// WithDelim 设置键分隔符，默认 "."。
func WithDelim(delim string) Option {
	return func(l *Loader) {
		if delim != "" {
			l.delim = delim
		}
	}
}

// WithTag 设置 Unmarshal 使用的结构体标签，默认 "koanf"。
func WithTag(tag string) Option {
	return func(l *Loader) {
		if tag != "" {
			l.tag = tag
		}
	}
}

// Loader 分层配置加载器。
type Loader struct {
	k     *koanf.Koanf
	delim string
	tag   string
}

// New 创建空的加载器。
func New(opts ...Option) *Loader {
	l := &Loader{delim: ".", tag: "koanf"}
	for _, opt := range opts {
		opt(l)
	}
	l.k = koanf.New(l.delim)
	return l
}

// Koanf 返回底层 koanf 实例。
func (l *Loader) Koanf() *koanf.Koanf {
	return l.k
}

// LoadFile 读取文件并合并到当前配置，格式由扩展名决定。
func (l *Loader) LoadFile(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	format, err := FormatOf(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return l.LoadBytes(data, format)
}

// LoadBytes 解析 data 并合并到当前配置。空数据是空操作。
func (l *Loader) LoadBytes(data []byte, format Format) error {
	parser, err := format.parser()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := l.k.Load(rawbytes.Provider(data), parser); err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return nil
}

// Set 覆盖单个键，用于命令行参数等最高优先级来源。
func (l *Loader) Set(key string, value any) error {
	return l.k.Set(key, value)
}

// Exists 报告键是否存在。
func (l *Loader) Exists(key string) bool {
	return l.k.Exists(key)
}

// Unmarshal 把 path 下的配置解码到 target，path 为空表示整个配置。
func (l *Loader) Unmarshal(path string, target any) error {
	if err := l.k.UnmarshalWithConf(path, target, koanf.UnmarshalConf{Tag: l.tag}); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

// Package xconf 基于 koanf 的分层配置加载器。
//
// 多个来源按调用顺序合并，后加载的覆盖先加载的：
//
//	l := xconf.New()
//	if err := l.LoadFile("xdlock.yaml"); err != nil {
//	    return err
//	}
//	_ = l.Set("namespace", flagNamespace) // 命令行参数优先
//	var cfg xdlock.Config
//	err := l.Unmarshal("", &cfg)
//
// 支持 YAML（.yaml/.yml）和 JSON（.json）。
// Unmarshal 使用 mapstructure，"30s" 这样的字符串可以直接解码为 time.Duration。
//
// Loader 不是并发安全的，应在启动阶段加载完成后只读使用。
package xconf

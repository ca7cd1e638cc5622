// Package xlog 基于 log/slog 的结构化日志封装。
//
// # 核心功能
//
//   - Builder 模式配置（输出目标、级别、格式、文件轮转）
//   - 所有方法强制 context 参数，只接受 slog.Attr
//   - 动态级别调整（运行时热更新）
//   - [Discard] 返回丢弃所有输出的 Logger，作为库的默认值
//
// # 创建 Logger
//
// Builder 采用 first-error-wins：遇到第一个配置错误后，后续 Set 操作不再覆盖该错误，
// 在 [Builder.Build] 时统一返回。
//
//	logger, cleanup, err := xlog.New().
//		SetLevelString("debug").
//		SetFormat("json").
//		SetRotation("/var/log/app.log", 100, 5).
//		Build()
//	if err != nil {
//		return err
//	}
//	defer cleanup()
//
// 文件轮转由 gopkg.in/natefinch/lumberjack.v2 提供，cleanup 负责关闭文件。
package xlog

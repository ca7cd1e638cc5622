package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xlock/pkg/config/xconf"
	"github.com/omeyang/xlock/pkg/distributed/xdlock"
	"github.com/omeyang/xlock/pkg/observability/xlog"
)

// exitError 表示命令已完成输出，只需设置退出码。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 参数错误，退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// exitCode 把命令返回的错误映射为退出码。
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return exitOK
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var usageErr *usageError
	if errors.As(err, &usageErr) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usageErr)
		return exitUsage
	}
	if isCLIUsageError(err) || errors.Is(err, xdlock.ErrInvalidArgument) || errors.Is(err, xdlock.ErrInvalidConfig) {
		fmt.Fprintf(stderr, "参数错误: %v\n", err)
		return exitUsage
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return exitFailure
}

// isCLIUsageError 识别 urfave/cli 解析参数时产生的错误。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{
		"flag provided but not defined",
		"invalid value",
		"No help topic for",
		"Required flag",
	} {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}

// 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createTryCommand(),
		createWaitCommand(),
		createLockCommand(),
		createRunCommand(),
		createOwnerCommand(),
		createHealthCommand(),
	}
}

// flag 实例保存解析状态，每个命令使用独立的实例。
func holdFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "hold",
		Usage: "获取后持有多久再释放，0 表示立即释放",
	}
}

func fixedLeaseFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "lease",
		Usage: "固定租约，不自动续期；0 表示自动续期",
	}
}

func createTryCommand() *cli.Command {
	return &cli.Command{
		Name:      "try",
		Usage:     "单次尝试获取锁",
		ArgsUsage: "NAME",
		Flags:     []cli.Flag{holdFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, func(mgr *xdlock.Manager, name string) error {
				h, err := mgr.TryLock(ctx, name)
				return holdAndRelease(ctx, cmd, mgr, name, h, err)
			})
		},
	}
}

func createWaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "在限定时间内等待获取锁",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "wait",
				Aliases:  []string{"w"},
				Usage:    "最长等待时间",
				Required: true,
			},
			fixedLeaseFlag(),
			holdFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, func(mgr *xdlock.Manager, name string) error {
				wait, lease := cmd.Duration("wait"), cmd.Duration("lease")
				var h *xdlock.Handle
				var err error
				if lease > 0 {
					h, err = mgr.TryLockWaitLease(ctx, name, wait, lease)
				} else {
					h, err = mgr.TryLockWait(ctx, name, wait)
				}
				return holdAndRelease(ctx, cmd, mgr, name, h, err)
			})
		},
	}
}

func createLockCommand() *cli.Command {
	return &cli.Command{
		Name:      "lock",
		Usage:     "一直等待直到获取锁或收到中断信号",
		ArgsUsage: "NAME",
		Flags:     []cli.Flag{fixedLeaseFlag(), holdFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, func(mgr *xdlock.Manager, name string) error {
				var h *xdlock.Handle
				var err error
				if lease := cmd.Duration("lease"); lease > 0 {
					h, err = mgr.LockLease(ctx, name, lease)
				} else {
					h, err = mgr.Lock(ctx, name)
				}
				return holdAndRelease(ctx, cmd, mgr, name, h, err)
			})
		},
	}
}

func createRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "持有锁期间执行外部命令",
		ArgsUsage: "NAME -- COMMAND [ARGS...]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "最长等待时间，0 表示单次尝试",
			},
			&cli.BoolFlag{
				Name:  "block",
				Usage: "一直等待直到获取（忽略 --wait）",
			},
			fixedLeaseFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			argv := cmd.Args().Tail()
			if len(argv) == 0 {
				return &usageError{msg: "run 需要在 NAME 之后指定要执行的命令"}
			}
			if cmd.Duration("lease") > 0 && cmd.Duration("wait") <= 0 && !cmd.Bool("block") {
				return &usageError{msg: "--lease 需要配合 --wait 或 --block"}
			}
			return withManager(ctx, cmd, func(mgr *xdlock.Manager, name string) error {
				return cmdRun(ctx, cmd, mgr, name, argv)
			})
		},
	}
}

func createOwnerCommand() *cli.Command {
	return &cli.Command{
		Name:      "owner",
		Usage:     "查看锁的当前持有者",
		ArgsUsage: "NAME",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withManager(ctx, cmd, func(mgr *xdlock.Manager, name string) error {
				key, _ := mgr.Key(name)
				token, ok, err := mgr.Owner(ctx, name)
				if err != nil {
					return err
				}
				w := stdout(cmd)
				if !ok {
					fmt.Fprintf(w, "%s\tfree\n", key)
					return &exitError{code: exitNotAcquired}
				}
				fmt.Fprintf(w, "%s\t%s\n", key, token)
				return nil
			})
		},
	}
}

func createHealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "检查后端连通性",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			mgr, cleanup, err := newManager(ctx, cmd)
			if err != nil {
				return err
			}
			defer cleanup()
			if err := mgr.Health(ctx); err != nil {
				return err
			}
			fmt.Fprintln(stdout(cmd), "ok")
			return nil
		},
	}
}

// withManager 校验 NAME 参数，创建管理器并在 fn 返回后关闭后端连接。
func withManager(ctx context.Context, cmd *cli.Command, fn func(mgr *xdlock.Manager, name string) error) error {
	name := cmd.Args().First()
	if name == "" {
		return &usageError{msg: cmd.Name + " 需要锁名称 NAME"}
	}
	mgr, cleanup, err := newManager(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(mgr, name)
}

// holdAndRelease 报告获取结果；获取成功时持有 --hold 时长后释放。
//
// 持有期间收到信号会提前释放；锁丢失时返回退出码 1。
func holdAndRelease(ctx context.Context, cmd *cli.Command, mgr *xdlock.Manager, name string, h *xdlock.Handle, err error) error {
	if err != nil {
		return err
	}
	w := stdout(cmd)
	if h == nil {
		key, _ := mgr.Key(name)
		fmt.Fprintf(w, "not acquired\t%s\n", key)
		return &exitError{code: exitNotAcquired}
	}
	fmt.Fprintf(w, "acquired\t%s\t%s\n", h.Key(), h.Token())

	lost := false
	if hold := cmd.Duration("hold"); hold > 0 {
		timer := time.NewTimer(hold)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-h.Lost():
			lost = true
		}
	}

	// 收到信号后 ctx 已取消，释放使用独立的 context
	releaseErr := h.Release(context.WithoutCancel(ctx))
	if lost || errors.Is(releaseErr, xdlock.ErrNotHeld) {
		fmt.Fprintf(w, "lost\t%s\n", h.Key())
		return &exitError{code: exitFailure}
	}
	if releaseErr != nil {
		return releaseErr
	}
	fmt.Fprintf(w, "released\t%s\n", h.Key())
	return nil
}

// cmdRun 持有锁期间执行外部命令，外部命令的退出码原样返回。
func cmdRun(ctx context.Context, cmd *cli.Command, mgr *xdlock.Manager, name string, argv []string) error {
	work := func(ctx context.Context) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdin = os.Stdin
		c.Stdout = stdout(cmd)
		c.Stderr = stderr(cmd)
		return c.Run()
	}

	wait, lease := cmd.Duration("wait"), cmd.Duration("lease")
	var ran bool
	var err error
	switch {
	case cmd.Bool("block") && lease > 0:
		ran, err = true, mgr.LockRunLease(ctx, name, lease, work)
	case cmd.Bool("block"):
		ran, err = true, mgr.LockRun(ctx, name, work)
	case lease > 0:
		ran, err = mgr.TryLockRunLease(ctx, name, wait, lease, work)
	case wait > 0:
		ran, err = mgr.TryLockRunWait(ctx, name, wait, work)
	default:
		ran, err = mgr.TryLockRun(ctx, name, work)
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &exitError{code: ee.ExitCode()}
	}
	if err != nil {
		return err
	}
	if !ran {
		key, _ := mgr.Key(name)
		fmt.Fprintf(stderr(cmd), "not acquired\t%s\n", key)
		return &exitError{code: exitNotAcquired}
	}
	return nil
}

// newManager 按全局选项创建日志、后端和管理器。
// 返回的 cleanup 关闭后端连接和日志文件。
func newManager(ctx context.Context, cmd *cli.Command) (*xdlock.Manager, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	logger, closeLog, err := newLogger(cmd)
	if err != nil {
		return nil, nil, err
	}

	backend, closeBackend, err := cfg.NewBackend(ctx)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	cleanup := func() {
		if err := closeBackend(); err != nil {
			logger.Warn(ctx, "close backend failed", xlog.Err(err))
		}
		_ = closeLog()
	}

	opts := append(cfg.Options(), xdlock.WithLogger(logger))
	mgr, err := xdlock.NewManager(backend, cfg.Namespace, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return mgr, cleanup, nil
}

// loadConfig 合并配置文件和命令行参数，命令行优先。
func loadConfig(cmd *cli.Command) (*xdlock.Config, error) {
	l := xconf.New()
	if path := cmd.String("config"); path != "" {
		if err := l.LoadFile(path); err != nil {
			return nil, err
		}
	}

	// 显式指定的参数总是覆盖；带默认值的参数只填补配置文件的空缺
	set := func(flag, key string, value any) error {
		if cmd.IsSet(flag) || !l.Exists(key) {
			return l.Set(key, value)
		}
		return nil
	}
	if err := set("namespace", "namespace", cmd.String("namespace")); err != nil {
		return nil, err
	}
	if err := set("lease-time", "leaseTime", cmd.Duration("lease-time")); err != nil {
		return nil, err
	}
	overrides := []struct {
		flag, key string
		value     any
	}{
		{"backend", "backend", cmd.String("backend")},
		{"redis", "redis.addrs", cmd.StringSlice("redis")},
		{"etcd", "etcd.endpoints", cmd.StringSlice("etcd")},
		{"token", "token", cmd.String("token")},
		{"breaker", "breaker.enabled", cmd.Bool("breaker")},
	}
	for _, o := range overrides {
		if !cmd.IsSet(o.flag) {
			continue
		}
		if err := l.Set(o.key, o.value); err != nil {
			return nil, err
		}
	}

	return xdlock.ConfigFrom(l)
}

// newLogger 按 --log-* 参数创建日志记录器。
func newLogger(cmd *cli.Command) (xlog.Logger, func() error, error) {
	b := xlog.New().
		SetOutput(stderr(cmd)).
		SetLevelString(cmd.String("log-level")).
		SetFormat(cmd.String("log-format"))
	if file := cmd.String("log-file"); file != "" {
		b = b.SetRotation(file, 100, 3)
	}
	logger, cleanup, err := b.Build()
	if err != nil {
		return nil, nil, &usageError{msg: err.Error()}
	}
	return logger, cleanup, nil
}

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func stderr(cmd *cli.Command) io.Writer {
	if w := cmd.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// setupSignalHandler 第一次信号取消 ctx（释放锁后退出），第二次信号强制退出。
func setupSignalHandler(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()

		<-sigCh
		signal.Stop(sigCh)
		os.Exit(130)
	}()
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/live-connector/cmd/server"
	"github.com/live-connector/pkg/config"
	"github.com/live-connector/pkg/logger"
	"github.com/live-connector/pkg/registers"
	"github.com/live-connector/pkg/signal"
	"github.com/live-connector/pkg/util"
)

// Version 构建时通过 -ldflags "-X github.com/live-connector/cmd/agent.Version=..." 注入
var Version = "dev"

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "live-agent",
		Short:         "Connects to running JVM processes and keeps their live data (beans, env, mappings, metrics, loggers) fresh",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfigWithCli(cmd)
			if err != nil {
				return fmt.Errorf("%w\n请检查配置文件路径或使用 -c 参数指定", err)
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.PersistentFlags().StringP("config", "c", "configs/config.yaml", "配置文件路径")
	// 注册分组 flag
	initServerFlags(cmd)
	initMonitorFlags(cmd)
	initCoordinatorFlags(cmd)
	initDiscoveryFlags(cmd)
	initLogFlags(cmd)
	return cmd
}

// Execute 命令行入口
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	// 初始化日志
	log, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	// 程序退出时刷盘
	defer logger.Sync()

	util.PrintBanner(os.Stdout, "live-agent", "ColorBlue", Version)
	logger.Info("log initialization successful",
		zap.String("path", cfg.Log.Path), zap.String("level", cfg.Log.Level), zap.String("format", cfg.Log.Format))

	rt, err := registers.InitRuntime(ctx, cfg, registers.WithProcessMetrics(true))
	if err != nil {
		return fmt.Errorf("init runtime failed: %w", err)
	}

	httpServer := server.NewHTTPServer(cfg, log.Named("http"), server.Deps{
		Registry:      rt.Registry,
		Coordinator:   rt.Coordinator,
		Diagnostics:   rt.Diagnostics,
		NewCapability: registers.ActuatorFactory(cfg.Discovery),
		Ready: func() error {
			if rt.Scheduler.Closed() {
				return errors.New("scheduler is shut down")
			}
			return nil
		},
	})
	if err := httpServer.Start(); err != nil {
		_ = rt.Shutdown(ctx)
		return fmt.Errorf("start HTTP server failed: %w", err)
	}

	// 关闭顺序：HTTP服务 → 采集器/协调器
	return signal.WaitForShutdown(ctx, log, signal.DefaultTimeout, func(ctx context.Context) error {
		var errs []error
		if err := httpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server failed: %w", err))
		}
		if err := rt.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			logger.Info("all services shutdown successfully")
		}
		return errors.Join(errs...)
	})
}

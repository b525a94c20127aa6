package signal

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout 关闭流程的默认超时
const DefaultTimeout = 10 * time.Second

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM 或 ctx 结束，然后在 timeout 内执行 shutdownFunc。
// 关闭期间再次收到信号则立即返回。
func WaitForShutdown(ctx context.Context, logger *zap.Logger, timeout time.Duration, shutdownFunc func(ctx context.Context) error) error {
	if shutdownFunc == nil {
		return errors.New("shutdownFunc is nil, cannot execute shutdown")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("service running, waiting for SIGINT/SIGTERM...")
	<-sigCtx.Done()
	stop()
	logger.Info("received shutdown signal", zap.Error(context.Cause(sigCtx)))

	// 超时控制关闭逻辑
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	second := make(chan os.Signal, 1)
	signal.Notify(second, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(second)

	done := make(chan error, 1)
	go func() { done <- shutdownFunc(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("graceful shutdown completed successfully")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded", zap.Duration("timeout", timeout))
		return shutdownCtx.Err()
	case sig := <-second:
		logger.Warn("forced exit", zap.String("signal", sig.String()))
		return errors.New("shutdown interrupted by " + sig.String())
	}
}

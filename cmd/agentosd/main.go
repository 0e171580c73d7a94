package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opspawn/agentos/internal/app"
	"github.com/opspawn/agentos/internal/config"
	"github.com/opspawn/agentos/pkg/logger"
)

// main 是 agentos 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentosd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Error("释放资源失败", "error", err)
		}
	}()

	logger.L().Info("agentosd 启动", "address", cfg.Server.Address)
	return a.Run(ctx)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opspawn/agentos/internal/app"
	"github.com/opspawn/agentos/internal/config"
	"github.com/opspawn/agentos/internal/mcpserver"
	"github.com/opspawn/agentos/pkg/logger"
)

// main 通过 stdio 暴露 MCP 工具，任务在同一进程内执行。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentos-mcp 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	// stdout 承载 MCP 协议，日志只能写到 stderr。
	cfg.Logging.OutputPaths = []string{"stderr"}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Recover(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.Processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	return mcpserver.New(a.Services()).ServeStdio()
}

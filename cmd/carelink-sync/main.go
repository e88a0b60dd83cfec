package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"carelink-sync/common/logger"
	"carelink-sync/internal/config"
	"carelink-sync/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "carelink-sync")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建引擎
	engine, err := service.NewEngine(cfg, log)
	if err != nil {
		log.Fatal("Failed to create sync engine",
			zap.Error(err),
		)
	}
	defer engine.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动引擎
	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to start sync engine",
			zap.Error(err),
		)
	}

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received signal, shutting down",
		zap.String("signal", sig.String()),
	)
	cancel()

	log.Info("Sync engine stopped")
}

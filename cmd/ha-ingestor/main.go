package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub006/internal/config"
	"github.com/wtthornton/ha-ingestor-sub006/internal/logger"
	"github.com/wtthornton/ha-ingestor-sub006/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, "ha-ingestor")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting ha-ingestor service",
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.String("bucket", cfg.Influx.Bucket),
		zap.Bool("weather_enrichment", cfg.Weather.Enabled),
	)

	// 创建服务
	collector, err := service.New(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create collector service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start collector service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := collector.Stop(ctx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}

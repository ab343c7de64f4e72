package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"antitheft-alarm/internal/common/logger"
	"antitheft-alarm/internal/config"
	"antitheft-alarm/internal/service"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "antitheft-api")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiService, err := service.NewAPIService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create API service",
			zap.Error(err),
		)
	}
	defer apiService.Stop()

	if err := apiService.Start(ctx); err != nil {
		log.Error("API server error", zap.Error(err))
		return
	}
	log.Info("API service stopped")
}

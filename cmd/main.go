package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"intraday-trend-trader/internal/api"
	"intraday-trend-trader/internal/engine"
	"intraday-trend-trader/internal/executor"
	"intraday-trend-trader/internal/service"
	"intraday-trend-trader/internal/state"
	"intraday-trend-trader/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 日志同时写入标准输出与遥测缓冲
	logs := telemetry.NewLogBuffer(cfg.API.LogBufferSize)
	service.InitLogger(cfg.Log.Level, telemetry.NewBufferCore(logs, zapcore.DebugLevel))
	defer service.Logger.Sync()
	logger := service.Logger

	creds, err := service.LoadCredentials()
	if err != nil {
		logger.Fatal("Invalid credentials", zap.Error(err))
	}
	loc, err := cfg.Session.Location()
	if err != nil {
		logger.Fatal("Invalid timezone", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 券商网关：Alpaca REST + 超时与只读重试
	alpaca := executor.NewAlpacaExecutor(&executor.AlpacaConfig{
		APIKey:       creds.APIKey,
		APISecret:    creds.APISecret,
		BaseURL:      creds.BaseURL,
		DataURL:      cfg.Exchange.DataURL,
		BarTimeframe: cfg.Exchange.BarTimeframe,
		Timeout:      cfg.Exchange.RequestTimeout,
		Location:     loc,
	}, logger)
	broker := executor.NewGuardedGateway(alpaca, executor.GuardPolicy{
		Timeout:    cfg.Exchange.RequestTimeout,
		MaxRetries: cfg.Exchange.MaxRetries,
		Backoff:    cfg.Exchange.RetryBackoff,
	}, logger)

	// 2. 当日状态 (持久化到本地文件)
	day := state.New(state.NewFileStore(cfg.Session.StateFile), loc, logger)

	// 3. 决策循环与遥测快照
	snapshots := telemetry.NewStore()
	orch, err := engine.New(cfg, broker, day, snapshots, logger)
	if err != nil {
		logger.Fatal("Failed to build trading engine", zap.Error(err))
	}
	orch.LogRules()

	// 4. 只读遥测服务
	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(snapshots, logs, logger)
	go func() {
		if err := server.Run(ctx, cfg.API.Addr()); err != nil {
			logger.Error("Telemetry server stopped", zap.Error(err))
		}
	}()

	logger.Info("Starting trading loop",
		zap.String("base_url", creds.BaseURL),
		zap.Duration("interval", cfg.Session.CheckInterval),
		zap.String("api", cfg.API.Addr()),
	)
	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Trading loop exited", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

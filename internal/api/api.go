package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"intraday-trend-trader/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ServiceName         = "intraday-trend-trader"
	ServiceVersion      = "1.0.0"
	DefaultLogLimit     = 200
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"
	shutdownTimeout     = 5 * time.Second
)

// SnapshotSource 提供最新快照与订阅 (telemetry.Store 满足)
type SnapshotSource interface {
	Latest() *telemetry.Snapshot
	Subscribe() (<-chan *telemetry.Snapshot, func())
}

// LogSource 提供最近的日志 (telemetry.LogBuffer 满足)
type LogSource interface {
	Tail(limit int) []telemetry.LogEntry
}

// Server 只读遥测 HTTP 服务，从不修改引擎状态
type Server struct {
	snapshots SnapshotSource
	logs      LogSource
	hub       *Hub
	logger    *zap.Logger
}

func NewServer(snapshots SnapshotSource, logs LogSource, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "API"))
	return &Server{
		snapshots: snapshots,
		logs:      logs,
		hub:       NewHub(snapshots, logger),
		logger:    logger,
	}
}

// SetupRoutes 注册中间件与全部路由
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()

	router.Use(requestIDMiddleware())
	router.Use(zapLoggerMiddleware(s.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", s.HealthCheck)
	router.GET("/logs", s.GetLogs)
	router.GET("/snapshot", s.GetSnapshot)
	router.GET("/status", s.GetStatus)
	router.GET("/metrics", s.GetMetrics)
	router.GET("/positions", s.GetPositions)
	router.GET("/candidates", s.GetCandidates)
	router.GET("/ws", s.hub.ServeWS)

	return router
}

// Run 监听 addr 直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Telemetry server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("Telemetry server stopped")
	return nil
}

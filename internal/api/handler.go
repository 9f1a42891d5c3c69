package api

import (
	"net/http"
	"strconv"
	"time"

	"intraday-trend-trader/internal/telemetry"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck handles GET /health
func (s *Server) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   ServiceVersion,
	})
}

// GetLogs handles GET /logs?limit=N
func (s *Server) GetLogs(c *gin.Context) {
	limit := DefaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.handleError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logs.Tail(limit)})
}

// GetSnapshot handles GET /snapshot
func (s *Server) GetSnapshot(c *gin.Context) {
	if snap, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, snap)
	}
}

func (s *Server) GetStatus(c *gin.Context) {
	if snap, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "status": snap.Status})
	}
}

func (s *Server) GetMetrics(c *gin.Context) {
	if snap, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "metrics": snap.Metrics})
	}
}

func (s *Server) GetPositions(c *gin.Context) {
	if snap, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "positions": snap.Positions})
	}
}

func (s *Server) GetCandidates(c *gin.Context) {
	if snap, ok := s.latest(c); ok {
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "candidates": snap.Candidates})
	}
}

// latest 尚未发布快照时回复 503
func (s *Server) latest(c *gin.Context) (*telemetry.Snapshot, bool) {
	snap := s.snapshots.Latest()
	if snap == nil {
		s.handleError(c, http.StatusServiceUnavailable, "no snapshot published yet")
		return nil, false
	}
	return snap, true
}

func (s *Server) handleError(c *gin.Context, statusCode int, message string) {
	requestID := c.GetString(RequestIDContextKey)
	s.logger.Warn("API error",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status_code", statusCode),
		zap.String("error", message),
	)
	c.JSON(statusCode, gin.H{
		"error":      message,
		"request_id": requestID,
	})
}

package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"leadflow/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GatewayChecker is the health probe of the outbound gateway.
type GatewayChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler 健康检查：数据库为核心依赖，Redis/网关异常仅降级
type HealthHandler struct {
	db      *gorm.DB
	redis   redis.UniversalClient
	gateway GatewayChecker
	logger  *logrus.Logger
	started time.Time
}

func NewHealthHandler(db *gorm.DB, rdb redis.UniversalClient, gw GatewayChecker, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &HealthHandler{db: db, redis: rdb, gateway: gw, logger: logger, started: time.Now()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 依赖状态
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

// Health GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
		Services:  map[string]ServiceInfo{},
		System: SystemInfo{
			Uptime:    time.Since(h.started).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := probe(ctx, h.pingDB)
	resp.Services["database"] = db
	if h.redis != nil {
		info := probe(ctx, func(ctx context.Context) error { return h.redis.Ping(ctx).Err() })
		resp.Services["redis"] = info
		if info.Status != "healthy" {
			resp.Status = "degraded"
		}
	}
	if h.gateway != nil {
		info := probe(ctx, h.gateway.HealthCheck)
		resp.Services["gateway"] = info
		if info.Status != "healthy" {
			h.logger.Warnf("gateway unhealthy: %s", info.Error)
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if db.Status != "healthy" {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// Ready GET /ready：仅检查数据库
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.pingDB(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "timestamp": time.Now().UTC()})
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func probe(ctx context.Context, check func(context.Context) error) ServiceInfo {
	start := time.Now()
	if err := check(ctx); err != nil {
		return ServiceInfo{Status: "unhealthy", Latency: time.Since(start).String(), Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/events"
	"crmflow/pkg/pipeline"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler exposes liveness and readiness probes. Readiness reports
// broker and database connectivity; the collaborator check is optional
// because the engine can run (and durably record failures) while the
// pipeline service is down.
type HealthHandler struct {
	config *config.Config
	db     *gorm.DB
	bus    events.Subscriber
	client pipeline.API
}

func NewHealthHandler(cfg *config.Config, db *gorm.DB, bus events.Subscriber, client pipeline.API) *HealthHandler {
	return &HealthHandler{
		config: cfg,
		db:     db,
		bus:    bus,
		client: client,
	}
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadyResponse 就绪检查响应
type ReadyResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
}

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// Ready 就绪检查端点
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	response := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
	}
	ready := true

	if h.config.Monitoring.HealthChecks.Database {
		if err := h.checkDatabase(ctx); err != nil {
			response.Services["database"] = ServiceInfo{Status: "unavailable", Error: err.Error()}
			ready = false
		} else {
			response.Services["database"] = ServiceInfo{Status: "ok"}
		}
	}

	if h.config.Monitoring.HealthChecks.Broker {
		if h.bus == nil || !h.bus.IsConnected() {
			response.Services["broker"] = ServiceInfo{Status: "unavailable"}
			ready = false
		} else {
			response.Services["broker"] = ServiceInfo{Status: "ok"}
		}
	}

	if h.config.Monitoring.HealthChecks.Pipeline && h.client != nil {
		if err := h.client.HealthCheck(ctx); err != nil {
			// Degraded, not unready: failures against the collaborator are
			// durably recorded and dead-lettered.
			response.Services["pipeline"] = ServiceInfo{Status: "degraded", Error: err.Error()}
		} else {
			response.Services["pipeline"] = ServiceInfo{Status: "ok"}
		}
	}

	statusCode := http.StatusOK
	if !ready {
		response.Status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterHealthRoutes 注册路由
func RegisterHealthRoutes(r *gin.Engine, handler *HealthHandler) {
	r.GET("/health", handler.Health)
	r.GET("/ready", handler.Ready)
}

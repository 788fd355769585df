package handlers

import (
	"net/http"

	"crmflow/internal/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsHandler exposes the engine's outcome counters.
type MetricsHandler struct {
	counters *metrics.Counters
}

func NewMetricsHandler(counters *metrics.Counters) *MetricsHandler {
	return &MetricsHandler{counters: counters}
}

// Snapshot 输出当前计数器快照
func (h *MetricsHandler) Snapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.counters.Snapshot())
}

// RegisterMetricsRoutes 注册路由
func RegisterMetricsRoutes(r *gin.Engine, path string, handler *MetricsHandler) {
	if path == "" {
		path = "/metrics"
	}
	r.GET(path, handler.Snapshot)
}

package handlers

import (
	"net/http"

	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
)

// OpsHandler carries operational endpoints: currently one synchronous SLA
// scan pass, used by test harnesses and incident replay.
type OpsHandler struct {
	scanner *services.SLAScanner
}

func NewOpsHandler(scanner *services.SLAScanner) *OpsHandler {
	return &OpsHandler{scanner: scanner}
}

// TriggerSLAScan 同步执行一次SLA扫描（可选按组织/实体过滤）
func (h *OpsHandler) TriggerSLAScan(c *gin.Context) {
	var scope services.ScanScope
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&scope); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid scope", Message: err.Error()})
			return
		}
	}

	report, err := h.scanner.RunOnce(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Scan failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// RegisterOpsRoutes 注册路由
func RegisterOpsRoutes(r *gin.RouterGroup, handler *OpsHandler) {
	ops := r.Group("/ops")
	{
		ops.POST("/sla-scan", handler.TriggerSLAScan)
	}
}

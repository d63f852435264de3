package handlers

import (
	"net/http"
	"strconv"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DistributionHandler 漏斗分配配置与线索分配历史
type DistributionHandler struct {
	service *services.DistributionService
	logger  *logrus.Logger
}

func NewDistributionHandler(service *services.DistributionService, logger *logrus.Logger) *DistributionHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &DistributionHandler{service: service, logger: logger}
}

// ListConfigs GET /distribution/configs?tenant_id=
func (h *DistributionHandler) ListConfigs(c *gin.Context) {
	var tenantID uint64
	if raw := c.Query("tenant_id"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			badRequest(c, "invalid tenant_id")
			return
		}
		tenantID = v
	}
	cfgs, err := h.service.ListConfigs(c.Request.Context(), uint(tenantID))
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cfgs})
}

// UpsertConfig PUT /distribution/configs
func (h *DistributionHandler) UpsertConfig(c *gin.Context) {
	var req services.DistributionConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := h.service.UpsertConfig(c.Request.Context(), &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// LeadHistory GET /leads/:id/distribution-history
func (h *DistributionHandler) LeadHistory(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	rows, err := h.service.ListHistory(c.Request.Context(), id)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func RegisterDistributionRoutes(r gin.IRouter, handler *DistributionHandler) {
	r.GET("/distribution/configs", handler.ListConfigs)
	r.PUT("/distribution/configs", handler.UpsertConfig)
	r.GET("/leads/:id/distribution-history", handler.LeadHistory)
}

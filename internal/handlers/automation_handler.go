package handlers

import (
	"net/http"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 自动化规则管理
type AutomationHandler struct {
	service *services.AutomationService
	logger  *logrus.Logger
}

func NewAutomationHandler(service *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{service: service, logger: logger}
}

func (h *AutomationHandler) List(c *gin.Context) {
	var req services.AutomationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	items, total, err := h.service.List(c.Request.Context(), &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPage(items, total, req.Page, req.PageSize))
}

func (h *AutomationHandler) Create(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	a, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	a, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	a, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive PATCH /automations/:id/active
func (h *AutomationHandler) SetActive(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	a, err := h.service.SetActive(c.Request.Context(), id, *req.Active)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Logs GET /automations/:id/logs
func (h *AutomationHandler) Logs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req services.LogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	logs, total, err := h.service.ListLogs(c.Request.Context(), id, &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPage(logs, total, req.Page, req.PageSize))
}

// ActionTypes GET /automations/action-types
func (h *AutomationHandler) ActionTypes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.service.ActionTypes()})
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r gin.IRouter, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.GET("/action-types", handler.ActionTypes)
		auto.GET("/:id", handler.Get)
		auto.PUT("/:id", handler.Update)
		auto.DELETE("/:id", handler.Delete)
		auto.PATCH("/:id/active", handler.SetActive)
		auto.GET("/:id/logs", handler.Logs)
	}
}

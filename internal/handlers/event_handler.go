package handlers

import (
	"net/http"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventHandler 事件写入（生产者契约）与查询
type EventHandler struct {
	store  *services.EventStore
	logger *logrus.Logger
}

func NewEventHandler(store *services.EventStore, logger *logrus.Logger) *EventHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventHandler{store: store, logger: logger}
}

// Append POST /api/events
func (h *EventHandler) Append(c *gin.Context) {
	var req services.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ev, err := h.store.Append(c.Request.Context(), &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

// List GET /api/events
func (h *EventHandler) List(c *gin.Context) {
	var req services.EventListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	events, total, err := h.store.List(c.Request.Context(), &req)
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newPage(events, total, req.Page, req.PageSize))
}

func RegisterEventRoutes(r gin.IRouter, handler *EventHandler) {
	events := r.Group("/events")
	events.POST("", handler.Append)
	events.GET("", handler.List)
}

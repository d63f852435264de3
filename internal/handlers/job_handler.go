package handlers

import (
	"net/http"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// JobHandler 批处理作业入口（供外部 cron 调用，无需请求体）
type JobHandler struct {
	runner *services.JobRunner
	logger *logrus.Logger
}

func NewJobHandler(runner *services.JobRunner, logger *logrus.Logger) *JobHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &JobHandler{runner: runner, logger: logger}
}

// ProcessEvents POST /jobs/process-events
func (h *JobHandler) ProcessEvents(c *gin.Context) {
	res, err := h.runner.ProcessEvents(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProcessDelays POST /jobs/process-delays
func (h *JobHandler) ProcessDelays(c *gin.Context) {
	res, err := h.runner.ProcessDelays(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProcessSLA POST /jobs/process-sla
func (h *JobHandler) ProcessSLA(c *gin.Context) {
	res, err := h.runner.ProcessSLA(c.Request.Context())
	if err != nil {
		serviceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RegisterJobRoutes mounts the job endpoints; auth guards them when set.
func RegisterJobRoutes(r gin.IRouter, handler *JobHandler, auth gin.HandlerFunc) {
	jobs := r.Group("/jobs")
	if auth != nil {
		jobs.Use(auth)
	}
	jobs.POST("/process-events", handler.ProcessEvents)
	jobs.POST("/process-delays", handler.ProcessDelays)
	jobs.POST("/process-sla", handler.ProcessSLA)
}

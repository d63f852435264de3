package handlers

import (
	"net/http"
	"strconv"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/moogar0880/problems"
	"github.com/sirupsen/logrus"
)

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

func newPage(data interface{}, total int64, page, size int) PaginatedResponse {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return PaginatedResponse{
		Data:     data,
		Total:    total,
		Page:     page,
		PageSize: size,
		Pages:    int((total + int64(size) - 1) / int64(size)),
	}
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeProblem(c *gin.Context, status int, typ, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Request.URL.Path).
		WithType(typ).
		WithDetail(detail)
	c.Header("Content-Type", problems.ProblemMediaType)
	c.AbortWithStatusJSON(status, p)
}

func badRequest(c *gin.Context, detail string) {
	writeProblem(c, http.StatusBadRequest, "validation_error", detail)
}

// serviceError maps typed engine errors to problem responses.
func serviceError(c *gin.Context, logger *logrus.Logger, err error) {
	switch {
	case services.IsValidation(err):
		writeProblem(c, http.StatusBadRequest, "validation_error", err.Error())
	case services.IsNotFound(err):
		writeProblem(c, http.StatusNotFound, "not_found", err.Error())
	case services.IsJobBusy(err):
		writeProblem(c, http.StatusConflict, "job_busy", err.Error())
	default:
		logger.WithField("path", c.Request.URL.Path).Errorf("request failed: %v", err)
		writeProblem(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

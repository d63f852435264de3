package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"leadflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AutomationService 自动化规则管理（创建、修改、启停、日志查询）
type AutomationService struct {
	db                *gorm.DB
	registry          *ActionRegistry
	logger            *logrus.Logger
	validate          *validator.Validate
	defaultMaxPerHour int
}

func NewAutomationService(db *gorm.DB, registry *ActionRegistry, logger *logrus.Logger, defaultMaxPerHour int) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:                db,
		registry:          registry,
		logger:            logger,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		defaultMaxPerHour: defaultMaxPerHour,
	}
}

// AutomationRequest 创建/修改规则的请求
type AutomationRequest struct {
	TenantID             uint                   `json:"tenant_id" validate:"required"`
	Name                 string                 `json:"name" validate:"required,max=200"`
	Description          string                 `json:"description"`
	TriggerType          string                 `json:"trigger_type" validate:"required,max=80"`
	TriggerConfig        map[string]interface{} `json:"trigger_config"`
	Conditions           []models.Condition     `json:"conditions" validate:"dive"`
	Actions              []models.Action        `json:"actions" validate:"required,min=1,dive"`
	Active               *bool                  `json:"active"`
	MaxExecutionsPerHour *int                   `json:"max_executions_per_hour" validate:"omitempty,min=0"`
}

func (s *AutomationService) check(req *AutomationRequest) error {
	if req == nil {
		return validationError("request required", nil)
	}
	if err := s.validate.Struct(req); err != nil {
		return validationError("invalid automation: "+err.Error(), err)
	}
	for i, c := range req.Conditions {
		if !IsKnownOperator(c.Operator) {
			return validationError(fmt.Sprintf("condition #%d: unknown operator %q", i, c.Operator), nil)
		}
	}
	for i, a := range req.Actions {
		if err := s.registry.Validate(a); err != nil {
			return validationError(fmt.Sprintf("action #%d: %v", i, err), err)
		}
	}
	return nil
}

func (s *AutomationService) apply(a *models.Automation, req *AutomationRequest) error {
	conds := req.Conditions
	if conds == nil {
		conds = []models.Condition{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return fmt.Errorf("invalid actions: %w", err)
	}
	a.TenantID = req.TenantID
	a.Name = strings.TrimSpace(req.Name)
	a.Description = req.Description
	a.TriggerType = req.TriggerType
	a.TriggerConfig = datatypes.JSONMap(req.TriggerConfig)
	a.Conditions = datatypes.JSON(condJSON)
	a.Actions = datatypes.JSON(actJSON)
	if req.Active != nil {
		a.Active = *req.Active
	}
	if req.MaxExecutionsPerHour != nil {
		a.MaxExecutionsPerHour = *req.MaxExecutionsPerHour
	}
	return nil
}

// Create 新建规则，默认启用
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	a := &models.Automation{Active: true, MaxExecutionsPerHour: s.defaultMaxPerHour}
	if err := s.apply(a, req); err != nil {
		return nil, validationError(err.Error(), err)
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}
	s.logger.Infof("automation %d created for tenant %d (%s)", a.ID, a.TenantID, a.TriggerType)
	return a, nil
}

// Update replaces the definition; pending continuations of the old action
// list are cancelled on resume by the actions hash.
func (s *AutomationService) Update(ctx context.Context, id uint, req *AutomationRequest) (*models.Automation, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.TenantID != req.TenantID {
		return nil, notFoundError("automation")
	}
	if err := s.apply(a, req); err != nil {
		return nil, validationError(err.Error(), err)
	}
	// 只写定义字段，计数器由引擎原子更新
	if err := s.db.WithContext(ctx).Model(a).
		Select("name", "description", "trigger_type", "trigger_config", "conditions", "actions", "active", "max_executions_per_hour").
		Updates(a).Error; err != nil {
		return nil, fmt.Errorf("failed to update automation: %w", err)
	}
	return a, nil
}

func (s *AutomationService) Get(ctx context.Context, id uint) (*models.Automation, error) {
	var a models.Automation
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("automation")
		}
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return &a, nil
}

// AutomationListRequest 规则列表查询
type AutomationListRequest struct {
	TenantID    uint   `form:"tenant_id"`
	TriggerType string `form:"trigger_type"`
	Active      *bool  `form:"active"`
	Search      string `form:"search"`
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
}

func (s *AutomationService) List(ctx context.Context, req *AutomationListRequest) ([]models.Automation, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Automation{})
	if req.TenantID != 0 {
		q = q.Where("tenant_id = ?", req.TenantID)
	}
	if req.TriggerType != "" {
		q = q.Where("trigger_type = ?", req.TriggerType)
	}
	if req.Active != nil {
		q = q.Where("active = ?", *req.Active)
	}
	if req.Search != "" {
		q = q.Where("name LIKE ?", "%"+req.Search+"%")
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count automations: %w", err)
	}
	page, size := normalizePage(req.Page, req.PageSize)
	var items []models.Automation
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&items).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list automations: %w", err)
	}
	return items, total, nil
}

// Delete 软删除；到期的延迟续跑会被取消
func (s *AutomationService) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Automation{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete automation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return notFoundError("automation")
	}
	return nil
}

func (s *AutomationService) SetActive(ctx context.Context, id uint, active bool) (*models.Automation, error) {
	result := s.db.WithContext(ctx).Model(&models.Automation{}).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to toggle automation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, notFoundError("automation")
	}
	return s.Get(ctx, id)
}

// LogListRequest 执行日志查询
type LogListRequest struct {
	Status   string `form:"status"`
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
}

func (s *AutomationService) ListLogs(ctx context.Context, automationID uint, req *LogListRequest) ([]models.AutomationLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomationLog{}).Where("automation_id = ?", automationID)
	if req != nil && req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count logs: %w", err)
	}
	page, size := 1, 20
	if req != nil {
		page, size = normalizePage(req.Page, req.PageSize)
	}
	var logs []models.AutomationLog
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list logs: %w", err)
	}
	return logs, total, nil
}

// ActionTypes lists the registered action types with their config schemas.
func (s *AutomationService) ActionTypes() []ActionTypeInfo {
	return s.registry.Types()
}

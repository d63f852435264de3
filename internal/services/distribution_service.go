package services

import (
	"context"
	"errors"
	"fmt"

	"leadflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DistributionService 漏斗分配配置与分配历史
type DistributionService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewDistributionService(db *gorm.DB, logger *logrus.Logger) *DistributionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DistributionService{db: db, logger: logger, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// DistributionConfigRequest 分配配置请求（按漏斗唯一）
type DistributionConfigRequest struct {
	TenantID              uint   `json:"tenant_id" validate:"required"`
	PipelineID            uint   `json:"pipeline_id" validate:"required"`
	Mode                  string `json:"mode" validate:"required,oneof=manual rodizio"`
	SLAEnabled            bool   `json:"sla_enabled"`
	SLAMinutes            int    `json:"sla_minutes" validate:"min=0"`
	SLAMaxRedistributions int    `json:"sla_max_redistributions" validate:"min=0"`
	SLALimitAction        string `json:"sla_limit_action" validate:"omitempty,oneof=keep_last unassign return_to_admin"`
}

func (s *DistributionService) ListConfigs(ctx context.Context, tenantID uint) ([]models.DistributionConfig, error) {
	var cfgs []models.DistributionConfig
	q := s.db.WithContext(ctx)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Order("pipeline_id ASC").Find(&cfgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list distribution configs: %w", err)
	}
	return cfgs, nil
}

// UpsertConfig creates or updates the config of one pipeline. The rotation
// cursor is preserved on update.
func (s *DistributionService) UpsertConfig(ctx context.Context, req *DistributionConfigRequest) (*models.DistributionConfig, error) {
	if req == nil {
		return nil, validationError("request required", nil)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError("invalid distribution config: "+err.Error(), err)
	}
	if req.SLAEnabled && req.SLAMinutes <= 0 {
		return nil, validationError("sla_minutes must be positive when SLA is enabled", nil)
	}
	limit := req.SLALimitAction
	if limit == "" {
		limit = models.SLALimitKeepLast
	}

	var cfg models.DistributionConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("pipeline_id = ?", req.PipelineID).First(&cfg).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cfg = models.DistributionConfig{TenantID: req.TenantID, PipelineID: req.PipelineID}
		case err != nil:
			return err
		case cfg.TenantID != req.TenantID:
			return notFoundError("pipeline")
		}
		cfg.Mode = req.Mode
		cfg.SLAEnabled = req.SLAEnabled
		cfg.SLAMinutes = req.SLAMinutes
		cfg.SLAMaxRedistributions = req.SLAMaxRedistributions
		cfg.SLALimitAction = limit
		if cfg.ID == 0 {
			return tx.Create(&cfg).Error
		}
		return tx.Model(&cfg).
			Select("mode", "sla_enabled", "sla_minutes", "sla_max_redistributions", "sla_limit_action").
			Updates(&cfg).Error
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save distribution config: %w", err)
	}
	s.logger.Infof("distribution config for pipeline %d saved (mode=%s, sla=%t)", cfg.PipelineID, cfg.Mode, cfg.SLAEnabled)
	return &cfg, nil
}

// ListHistory returns the assignment history of a lead, newest first.
func (s *DistributionService) ListHistory(ctx context.Context, leadID uint) ([]models.DistributionHistory, error) {
	var rows []models.DistributionHistory
	if err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list distribution history: %w", err)
	}
	return rows, nil
}

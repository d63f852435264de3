package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/internal/metrics"
	"leadflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SweepResult SLA 轮转结果
type SweepResult struct {
	Redistributed int      `json:"redistribuidas"`
	Logs          []string `json:"logs"`
}

// SLARedistributor SLA 超时重新分配：在漏斗成员之间轮转过期线索
type SLARedistributor struct {
	db        *gorm.DB
	store     *EventStore
	publisher OutcomePublisher
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewSLARedistributor(db *gorm.DB, store *EventStore, logger *logrus.Logger) *SLARedistributor {
	if logger == nil {
		logger = logrus.New()
	}
	return &SLARedistributor{
		db:        db,
		store:     store,
		publisher: noopPublisher{},
		logger:    logger,
		tracer:    otel.Tracer("leadflow.sla"),
		now:       time.Now,
	}
}

func (s *SLARedistributor) SetPublisher(p OutcomePublisher) {
	if p != nil {
		s.publisher = p
	}
}

func (s *SLARedistributor) SetClock(now func() time.Time) { s.now = now }

// Sweep processes every SLA-enabled round-robin config once.
func (s *SLARedistributor) Sweep(ctx context.Context) (*SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "sla.sweep")
	defer span.End()

	var configs []models.DistributionConfig
	if err := s.db.WithContext(ctx).
		Where("sla_enabled = ? AND mode = ?", true, models.DistributionModeRodizio).
		Order("id ASC").
		Find(&configs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load distribution configs: %w", err)
	}

	res := &SweepResult{Logs: []string{}}
	for i := range configs {
		if err := s.sweepConfig(ctx, &configs[i], res); err != nil {
			span.RecordError(err)
			return res, err
		}
	}

	metrics.AddLeadsRedistributed(res.Redistributed)
	span.SetAttributes(
		attribute.Int("sla.configs", len(configs)),
		attribute.Int("sla.redistributed", res.Redistributed),
	)
	if res.Redistributed > 0 {
		s.logger.Infof("SLA sweep redistributed %d leads", res.Redistributed)
	}
	return res, nil
}

type poolMember struct {
	UserID uint
}

func (s *SLARedistributor) loadPool(ctx context.Context, cfg *models.DistributionConfig) ([]uint, error) {
	var rows []poolMember
	err := s.db.WithContext(ctx).
		Table("pipeline_members").
		Select("pipeline_members.user_id").
		Joins("JOIN users ON users.id = pipeline_members.user_id").
		Where("pipeline_members.pipeline_id = ? AND pipeline_members.tenant_id = ? AND pipeline_members.active = ?", cfg.PipelineID, cfg.TenantID, true).
		Where("users.active = ? AND users.deleted_at IS NULL", true).
		Order("pipeline_members.position ASC, pipeline_members.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load members of pipeline %d: %w", cfg.PipelineID, err)
	}
	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

func (s *SLARedistributor) sweepConfig(ctx context.Context, cfg *models.DistributionConfig, res *SweepResult) error {
	ctx, span := s.tracer.Start(ctx, "sla.config")
	defer span.End()
	span.SetAttributes(attribute.Int("pipeline.id", int(cfg.PipelineID)))

	if cfg.SLAMinutes <= 0 {
		res.Logs = append(res.Logs, fmt.Sprintf("pipeline %d: sla_minutes not set, skipped", cfg.PipelineID))
		return nil
	}
	staleBefore := s.now().Add(-time.Duration(cfg.SLAMinutes) * time.Minute)

	var leads []models.Lead
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND pipeline_id = ? AND status = ? AND updated_at < ?",
			cfg.TenantID, cfg.PipelineID, models.LeadStatusOpen, staleBefore).
		Order("updated_at ASC, id ASC").
		Find(&leads).Error; err != nil {
		return fmt.Errorf("failed to load stale leads of pipeline %d: %w", cfg.PipelineID, err)
	}
	if len(leads) == 0 {
		return nil
	}

	pool, err := s.loadPool(ctx, cfg)
	if err != nil {
		return err
	}

	position := cfg.RotationPosition
	for i := range leads {
		line, moved, next, err := s.handleLead(ctx, cfg, &leads[i], pool, position, staleBefore)
		if err != nil {
			s.logger.Errorf("SLA lead %d: %v", leads[i].ID, err)
			res.Logs = append(res.Logs, fmt.Sprintf("lead %d: error: %v", leads[i].ID, err))
			continue
		}
		position = next
		if moved {
			res.Redistributed++
		}
		if line != "" {
			res.Logs = append(res.Logs, line)
		}
	}

	if position != cfg.RotationPosition {
		upd := s.db.WithContext(ctx).Model(&models.DistributionConfig{}).
			Where("id = ? AND version = ?", cfg.ID, cfg.Version).
			UpdateColumns(map[string]interface{}{
				"rotation_position": position,
				"version":           gorm.Expr("version + 1"),
				"updated_at":        s.now(),
			})
		if upd.Error != nil {
			return fmt.Errorf("failed to persist rotation of pipeline %d: %w", cfg.PipelineID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			s.logger.Warnf("pipeline %d: rotation position changed concurrently, keeping the stored value", cfg.PipelineID)
		}
	}
	return nil
}

var errLeadNotStale = errors.New("lead no longer stale")

// handleLead returns the log line, whether the owner moved and the next rotation position.
func (s *SLARedistributor) handleLead(ctx context.Context, cfg *models.DistributionConfig, lead *models.Lead, pool []uint, position int, staleBefore time.Time) (string, bool, int, error) {
	var (
		line    string
		moved   bool
		next    = position
		from    *uint
		to      *uint
		nowTime = s.now()
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Lead
		if err := tx.Where("id = ? AND status = ? AND updated_at < ?", lead.ID, models.LeadStatusOpen, staleBefore).
			First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errLeadNotStale
			}
			return err
		}
		from = cur.OwnerID

		var count int64
		if err := tx.Model(&models.DistributionHistory{}).
			Where("lead_id = ? AND reason = ?", cur.ID, models.DistributionReasonSLA).
			Count(&count).Error; err != nil {
			return err
		}

		if count >= int64(cfg.SLAMaxRedistributions) {
			owner, note, err := s.limitOwner(tx, cfg, &cur)
			if err != nil {
				return err
			}
			line = fmt.Sprintf("lead %d: limit of %d reached, %s", cur.ID, cfg.SLAMaxRedistributions, note)
			return touchLead(tx, cur.ID, owner, nowTime)
		}

		switch len(pool) {
		case 0:
			line = fmt.Sprintf("lead %d: no active members in pipeline %d", cur.ID, cfg.PipelineID)
			return nil
		case 1:
			line = fmt.Sprintf("lead %d: single member pool, clock reset", cur.ID)
			return touchLead(tx, cur.ID, cur.OwnerID, nowTime)
		}

		chosen, nextPos := pickNextOwner(pool, position, cur.OwnerID)
		next = nextPos
		to = &chosen
		if err := touchLead(tx, cur.ID, to, nowTime); err != nil {
			return err
		}
		if err := tx.Create(&models.DistributionHistory{
			TenantID:    cur.TenantID,
			LeadID:      cur.ID,
			PipelineID:  cur.PipelineID,
			FromOwnerID: from,
			ToOwnerID:   to,
			Reason:      models.DistributionReasonSLA,
		}).Error; err != nil {
			return err
		}
		if _, err := s.store.AppendTx(tx, &AppendEventRequest{
			TenantID:   cur.TenantID,
			Type:       EventLeadRedistributed,
			EntityType: "lead",
			EntityID:   cur.ID,
			Data: map[string]interface{}{
				"lead_id":        cur.ID,
				"pipeline_id":    cur.PipelineID,
				"from_owner_id":  ownerValue(from),
				"to_owner_id":    chosen,
				"reason":         models.DistributionReasonSLA,
				"redistribution": count + 1,
			},
		}); err != nil {
			return err
		}
		moved = true
		line = fmt.Sprintf("lead %d: %s -> %d", cur.ID, ownerLabel(from), chosen)
		return nil
	})
	if errors.Is(err, errLeadNotStale) {
		return "", false, position, nil
	}
	if err != nil {
		return "", false, position, err
	}

	if moved {
		_ = s.publisher.Publish(ctx, OutcomeLeadRedistributed, lead.TenantID, map[string]interface{}{
			"lead_id":       lead.ID,
			"pipeline_id":   lead.PipelineID,
			"from_owner_id": ownerValue(from),
			"to_owner_id":   ownerValue(to),
		})
	}
	return line, moved, next, nil
}

// limitOwner resolves the owner after the redistribution cap is hit.
func (s *SLARedistributor) limitOwner(tx *gorm.DB, cfg *models.DistributionConfig, lead *models.Lead) (*uint, string, error) {
	switch cfg.SLALimitAction {
	case models.SLALimitUnassign:
		return nil, "owner removed", nil
	case models.SLALimitReturnToAdmin:
		var admin models.User
		err := tx.Where("tenant_id = ? AND role = ? AND active = ?", lead.TenantID, models.RoleAdmin, true).
			Order("id ASC").First(&admin).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return lead.OwnerID, "no admin found, owner kept", nil
		}
		if err != nil {
			return nil, "", err
		}
		id := admin.ID
		return &id, fmt.Sprintf("returned to admin %d", id), nil
	default:
		return lead.OwnerID, "owner kept", nil
	}
}

// pickNextOwner walks the pool from position and skips the current owner.
func pickNextOwner(pool []uint, position int, current *uint) (uint, int) {
	n := len(pool)
	if position < 0 {
		position = 0
	}
	for tries := 0; tries < n; tries++ {
		idx := (position + tries) % n
		if current != nil && pool[idx] == *current {
			continue
		}
		return pool[idx], (idx + 1) % n
	}
	idx := position % n
	return pool[idx], (idx + 1) % n
}

func touchLead(tx *gorm.DB, leadID uint, owner *uint, at time.Time) error {
	var ownerCol interface{}
	if owner != nil {
		ownerCol = *owner
	}
	return tx.Model(&models.Lead{}).Where("id = ?", leadID).
		UpdateColumns(map[string]interface{}{"owner_id": ownerCol, "updated_at": at}).Error
}

func ownerValue(id *uint) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func ownerLabel(id *uint) string {
	if id == nil {
		return "unassigned"
	}
	return fmt.Sprintf("%d", *id)
}

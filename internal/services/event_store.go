package services

import (
	"context"
	"fmt"
	"time"

	"leadflow/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine-generated event types.
const (
	EventLeadCreated       = "lead_created"
	EventLeadStageChanged  = "lead_stage_changed"
	EventLeadRedistributed = "lead_redistributed"
	EventLeadOwnerChanged  = "lead_owner_changed"
)

// EventStore 事件存储：追加、按创建顺序读取未处理事件、标记已处理
type EventStore struct {
	db       *gorm.DB
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewEventStore(db *gorm.DB, logger *logrus.Logger) *EventStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventStore{db: db, logger: logger, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// AppendEventRequest 追加事件请求
type AppendEventRequest struct {
	TenantID   uint                   `json:"tenant_id" validate:"required"`
	Type       string                 `json:"type" validate:"required,max=80"`
	EntityType string                 `json:"entity_type" validate:"required,max=40"`
	EntityID   uint                   `json:"entity_id" validate:"required"`
	Data       map[string]interface{} `json:"data"`
}

// Append writes one unprocessed event.
func (s *EventStore) Append(ctx context.Context, req *AppendEventRequest) (*models.Event, error) {
	return s.AppendTx(s.db.WithContext(ctx), req)
}

// AppendTx appends inside the caller's transaction.
func (s *EventStore) AppendTx(tx *gorm.DB, req *AppendEventRequest) (*models.Event, error) {
	if req == nil {
		return nil, validationError("event required", nil)
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, validationError("invalid event: "+err.Error(), err)
	}
	data := req.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	ev := &models.Event{
		TenantID:   req.TenantID,
		Type:       req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Data:       data,
	}
	if err := tx.Create(ev).Error; err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return ev, nil
}

// FetchUnprocessed returns the oldest unprocessed events first.
func (s *EventStore) FetchUnprocessed(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []models.Event
	if err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return events, nil
}

// MarkProcessed flips processed once; it never touches other columns.
func (s *EventStore) MarkProcessed(ctx context.Context, id uint, at time.Time) error {
	if err := s.db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{"processed": true, "processed_at": at}).Error; err != nil {
		return fmt.Errorf("failed to mark event %d processed: %w", id, err)
	}
	return nil
}

// EventListRequest 事件列表查询
type EventListRequest struct {
	TenantID   uint   `form:"tenant_id"`
	Type       string `form:"type"`
	EntityType string `form:"entity_type"`
	EntityID   uint   `form:"entity_id"`
	Processed  *bool  `form:"processed"`
	Page       int    `form:"page,default=1"`
	PageSize   int    `form:"page_size,default=20"`
}

func (s *EventStore) List(ctx context.Context, req *EventListRequest) ([]models.Event, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Event{})
	if req.TenantID != 0 {
		q = q.Where("tenant_id = ?", req.TenantID)
	}
	if req.Type != "" {
		q = q.Where("type = ?", req.Type)
	}
	if req.EntityType != "" {
		q = q.Where("entity_type = ?", req.EntityType)
	}
	if req.EntityID != 0 {
		q = q.Where("entity_id = ?", req.EntityID)
	}
	if req.Processed != nil {
		q = q.Where("processed = ?", *req.Processed)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}
	page, size := normalizePage(req.Page, req.PageSize)
	var events []models.Event
	if err := q.Order("id DESC").Offset((page - 1) * size).Limit(size).Find(&events).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}
	return events, total, nil
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return page, size
}

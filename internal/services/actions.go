package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"leadflow/internal/models"
	"leadflow/pkg/gateway"
	"leadflow/pkg/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ActionDeps are the collaborators of the built-in actions.
type ActionDeps struct {
	DB      *gorm.DB
	Gateway gateway.Interface
	Events  *EventStore
	Logger  *logrus.Logger
}

// RegisterBuiltinActions registers every built-in action type.
func RegisterBuiltinActions(reg *ActionRegistry, deps ActionDeps) error {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	handlers := []ActionHandler{
		&sendWhatsAppAction{deps: deps},
		&sendEmailAction{deps: deps},
		&updateStageAction{deps: deps},
		&createTaskAction{deps: deps},
		&addTagAction{deps: deps},
		&assignOwnerAction{deps: deps},
		&callWebhookAction{deps: deps},
		&fireConversionAction{deps: deps},
		&notifyLogAction{deps: deps},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func obj(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var (
	strProp    = map[string]interface{}{"type": "string"}
	nonEmpty   = map[string]interface{}{"type": "string", "minLength": 1}
	idProp     = map[string]interface{}{"type": "integer", "minimum": 1}
	boolProp   = map[string]interface{}{"type": "boolean"}
	numberProp = map[string]interface{}{"type": "number"}
)

func cfgString(cfg map[string]interface{}, key string, actx *ActionContext) string {
	return strings.TrimSpace(utils.RenderTemplate(toString(cfg[key]), actx.Data))
}

// loadLead 加载动作作用的线索（仅 lead 实体）
func loadLead(ctx context.Context, db *gorm.DB, actx *ActionContext) (*models.Lead, error) {
	if actx.EntityType != "lead" {
		return nil, fmt.Errorf("entity %s is not a lead", actx.EntityType)
	}
	var lead models.Lead
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", actx.EntityID, actx.TenantID).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lead %d not found", actx.EntityID)
	}
	if err != nil {
		return nil, fmt.Errorf("load lead %d: %w", actx.EntityID, err)
	}
	return &lead, nil
}

// recipient resolves an explicit config value, then event data, then the lead.
func recipient(ctx context.Context, db *gorm.DB, actx *ActionContext, cfg map[string]interface{}, key string, pick func(*models.Lead) string) (string, error) {
	if v := cfgString(cfg, "to", actx); v != "" {
		return v, nil
	}
	if v, ok := utils.LookupPath(actx.Data, key); ok && toString(v) != "" {
		return toString(v), nil
	}
	lead, err := loadLead(ctx, db, actx)
	if err != nil {
		return "", err
	}
	if v := pick(lead); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no %s available for lead %d", key, lead.ID)
}

type sendWhatsAppAction struct{ deps ActionDeps }

func (a *sendWhatsAppAction) Type() string { return "send_whatsapp" }
func (a *sendWhatsAppAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"message": nonEmpty, "to": strProp, "session": strProp}, "message")
}
func (a *sendWhatsAppAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	if a.deps.Gateway == nil {
		return errors.New("messaging gateway not configured")
	}
	to, err := recipient(ctx, a.deps.DB, actx, cfg, "phone", func(l *models.Lead) string { return l.Phone })
	if err != nil {
		return err
	}
	_, err = a.deps.Gateway.SendWhatsApp(ctx, &gateway.WhatsAppMessage{
		TenantID: actx.TenantID,
		Session:  cfgString(cfg, "session", actx),
		To:       to,
		Text:     cfgString(cfg, "message", actx),
	})
	return err
}

type sendEmailAction struct{ deps ActionDeps }

func (a *sendEmailAction) Type() string { return "send_email" }
func (a *sendEmailAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"subject": nonEmpty, "body": nonEmpty, "to": strProp, "html": boolProp}, "subject", "body")
}
func (a *sendEmailAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	if a.deps.Gateway == nil {
		return errors.New("messaging gateway not configured")
	}
	to, err := recipient(ctx, a.deps.DB, actx, cfg, "email", func(l *models.Lead) string { return l.Email })
	if err != nil {
		return err
	}
	html, _ := cfg["html"].(bool)
	_, err = a.deps.Gateway.SendEmail(ctx, &gateway.EmailMessage{
		TenantID: actx.TenantID,
		To:       to,
		Subject:  cfgString(cfg, "subject", actx),
		Body:     cfgString(cfg, "body", actx),
		HTML:     html,
	})
	return err
}

type updateStageAction struct{ deps ActionDeps }

func (a *updateStageAction) Type() string { return "update_stage" }
func (a *updateStageAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"stage_id": idProp}, "stage_id")
}
func (a *updateStageAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	lead, err := loadLead(ctx, a.deps.DB, actx)
	if err != nil {
		return err
	}
	stageID := uintFrom(cfg["stage_id"])
	if lead.StageID == stageID {
		return nil
	}
	var stage models.Stage
	if err := a.deps.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND pipeline_id = ?", stageID, actx.TenantID, lead.PipelineID).
		First(&stage).Error; err != nil {
		return fmt.Errorf("stage %d not in pipeline %d", stageID, lead.PipelineID)
	}
	return a.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Lead{}).Where("id = ?", lead.ID).
			Updates(map[string]interface{}{"stage_id": stage.ID}).Error; err != nil {
			return fmt.Errorf("move lead: %w", err)
		}
		if a.deps.Events == nil {
			return nil
		}
		_, err := a.deps.Events.AppendTx(tx, &AppendEventRequest{
			TenantID:   actx.TenantID,
			Type:       EventLeadStageChanged,
			EntityType: "lead",
			EntityID:   lead.ID,
			Data: map[string]interface{}{
				"pipeline_id":   lead.PipelineID,
				"from_stage_id": lead.StageID,
				"stage_id":      stage.ID,
				"origem":        lead.Origin,
				"source":        "automation",
				"automation_id": actx.AutomationID,
			},
		})
		return err
	})
}

type createTaskAction struct{ deps ActionDeps }

func (a *createTaskAction) Type() string { return "create_task" }
func (a *createTaskAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{
		"title":          nonEmpty,
		"description":    strProp,
		"due_in_minutes": map[string]interface{}{"type": "integer", "minimum": 0},
		"assignee_id":    idProp,
	}, "title")
}
func (a *createTaskAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	task := &models.Task{
		TenantID:    actx.TenantID,
		Title:       cfgString(cfg, "title", actx),
		Description: cfgString(cfg, "description", actx),
		Status:      "pending",
	}
	if actx.EntityType == "lead" {
		task.LeadID = actx.EntityID
	}
	if id := uintFrom(cfg["assignee_id"]); id != 0 {
		task.AssigneeID = &id
	} else if task.LeadID != 0 {
		if lead, err := loadLead(ctx, a.deps.DB, actx); err == nil {
			task.AssigneeID = lead.OwnerID
		}
	}
	if mins, ok := toFloat(cfg["due_in_minutes"]); ok {
		due := time.Now().Add(time.Duration(mins) * time.Minute)
		task.DueAt = &due
	}
	if err := a.deps.DB.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

type addTagAction struct{ deps ActionDeps }

func (a *addTagAction) Type() string { return "add_tag" }
func (a *addTagAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"tag": nonEmpty}, "tag")
}
func (a *addTagAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	lead, err := loadLead(ctx, a.deps.DB, actx)
	if err != nil {
		return err
	}
	tag := cfgString(cfg, "tag", actx)
	var tags []string
	for _, t := range strings.Split(lead.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			if t == tag {
				return nil
			}
			tags = append(tags, t)
		}
	}
	tags = append(tags, tag)
	return a.deps.DB.WithContext(ctx).Model(&models.Lead{}).Where("id = ?", lead.ID).
		Updates(map[string]interface{}{"tags": strings.Join(tags, ",")}).Error
}

type assignOwnerAction struct{ deps ActionDeps }

func (a *assignOwnerAction) Type() string { return "assign_owner" }
func (a *assignOwnerAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"user_id": idProp}, "user_id")
}
func (a *assignOwnerAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	lead, err := loadLead(ctx, a.deps.DB, actx)
	if err != nil {
		return err
	}
	userID := uintFrom(cfg["user_id"])
	if lead.OwnerID != nil && *lead.OwnerID == userID {
		return nil
	}
	var user models.User
	if err := a.deps.DB.WithContext(ctx).
		Where("id = ? AND tenant_id = ? AND active = ?", userID, actx.TenantID, true).
		First(&user).Error; err != nil {
		return fmt.Errorf("user %d is not an active member of tenant %d", userID, actx.TenantID)
	}
	return a.deps.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Lead{}).Where("id = ?", lead.ID).
			Updates(map[string]interface{}{"owner_id": user.ID}).Error; err != nil {
			return fmt.Errorf("assign owner: %w", err)
		}
		return tx.Create(&models.DistributionHistory{
			TenantID:    actx.TenantID,
			LeadID:      lead.ID,
			PipelineID:  lead.PipelineID,
			FromOwnerID: lead.OwnerID,
			ToOwnerID:   &user.ID,
			Reason:      models.DistributionReasonAutomation,
		}).Error
	})
}

type callWebhookAction struct{ deps ActionDeps }

func (a *callWebhookAction) Type() string { return "call_webhook" }
func (a *callWebhookAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{
		"url":     map[string]interface{}{"type": "string", "pattern": "^https?://"},
		"method":  map[string]interface{}{"type": "string", "enum": []interface{}{"GET", "POST", "PUT", "PATCH", "get", "post", "put", "patch"}},
		"headers": map[string]interface{}{"type": "object", "additionalProperties": strProp},
		"payload": map[string]interface{}{"type": "object"},
	}, "url")
}
func (a *callWebhookAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	if a.deps.Gateway == nil {
		return errors.New("integration gateway not configured")
	}
	headers := map[string]string{}
	if h, ok := cfg["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			headers[k] = utils.RenderTemplate(toString(v), actx.Data)
		}
	}
	var body interface{}
	if p, ok := cfg["payload"].(map[string]interface{}); ok {
		body = renderMap(p, actx.Data)
	} else {
		body = map[string]interface{}{
			"tenant_id":     actx.TenantID,
			"automation_id": actx.AutomationID,
			"event_type":    actx.EventType,
			"entity_type":   actx.EntityType,
			"entity_id":     actx.EntityID,
			"data":          actx.Data,
		}
	}
	method := strings.ToUpper(toString(cfg["method"]))
	if method == "" {
		method = http.MethodPost
	}
	_, err := a.deps.Gateway.PostWebhook(ctx, actx.TenantID, method, cfgString(cfg, "url", actx), headers, body)
	return err
}

func renderMap(m map[string]interface{}, data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = utils.RenderTemplate(t, data)
		case map[string]interface{}:
			out[k] = renderMap(t, data)
		default:
			out[k] = v
		}
	}
	return out
}

type fireConversionAction struct{ deps ActionDeps }

func (a *fireConversionAction) Type() string { return "fire_conversion" }
func (a *fireConversionAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"event_name": nonEmpty, "value": numberProp, "currency": strProp}, "event_name")
}
func (a *fireConversionAction) Execute(ctx context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	if a.deps.Gateway == nil {
		return errors.New("conversion gateway not configured")
	}
	evt := &gateway.ConversionEvent{
		TenantID: actx.TenantID,
		Name:     cfgString(cfg, "event_name", actx),
		Currency: cfgString(cfg, "currency", actx),
		Extra:    actx.Data,
	}
	if actx.EntityType == "lead" {
		lead, err := loadLead(ctx, a.deps.DB, actx)
		if err != nil {
			return err
		}
		evt.LeadID, evt.Email, evt.Phone, evt.Value = lead.ID, lead.Email, lead.Phone, lead.Value
	}
	if v, ok := toFloat(cfg["value"]); ok {
		evt.Value = v
	}
	return a.deps.Gateway.SendConversion(ctx, evt)
}

type notifyLogAction struct{ deps ActionDeps }

func (a *notifyLogAction) Type() string { return "notify_log" }
func (a *notifyLogAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"message": strProp})
}
func (a *notifyLogAction) Execute(_ context.Context, actx *ActionContext, cfg map[string]interface{}) error {
	msg := cfgString(cfg, "message", actx)
	if msg == "" {
		msg = "automation notify"
	}
	a.deps.Logger.WithFields(logrus.Fields{
		"tenant_id":     actx.TenantID,
		"automation_id": actx.AutomationID,
		"entity_id":     actx.EntityID,
	}).Infof("automation notify: %s", msg)
	return nil
}

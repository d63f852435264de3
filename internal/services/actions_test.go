package services

import (
	"context"
	"testing"

	"leadflow/internal/models"
)

func leadContext(f *crmFixture, data map[string]interface{}) *ActionContext {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &ActionContext{TenantID: 1, AutomationID: 7, EventType: EventLeadCreated, EntityType: "lead", EntityID: f.lead.ID, Data: data}
}

func TestBuiltinActions_Registered(t *testing.T) {
	h := newHarness(t)
	want := []string{"add_tag", "assign_owner", "call_webhook", "create_task", "fire_conversion", "notify_log", "send_email", "send_whatsapp", "update_stage", ActionWait}
	got := h.automator.ActionTypes()
	if len(got) != len(want) {
		t.Fatalf("got %d action types, want %d", len(got), len(want))
	}
	for i, info := range got {
		if info.Type != want[i] || info.Schema == nil {
			t.Errorf("type %d = %s, want %s", i, info.Type, want[i])
		}
	}
}

func TestSendActions_ResolveRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.seedCRM(t, 1)

	err := h.registry.Execute(ctx, models.Action{Type: "send_whatsapp", Config: map[string]interface{}{"message": "Oi {{nome}}"}},
		leadContext(f, map[string]interface{}{"nome": "Ana"}))
	if err != nil {
		t.Fatalf("send_whatsapp: %v", err)
	}
	if got := h.gw.whatsapp[0]; got.To != f.lead.Phone || got.Text != "Oi Ana" || got.TenantID != 1 {
		t.Errorf("unexpected message: %+v", got)
	}

	err = h.registry.Execute(ctx, models.Action{Type: "send_email", Config: map[string]interface{}{
		"to": "{{contato}}", "subject": "Proposta", "body": "Segue", "html": true,
	}}, leadContext(f, map[string]interface{}{"contato": "outro@example.com"}))
	if err != nil {
		t.Fatalf("send_email: %v", err)
	}
	if got := h.gw.emails[0]; got.To != "outro@example.com" || !got.HTML {
		t.Errorf("unexpected email: %+v", got)
	}

	// phone in event data wins over the lead row
	_ = h.registry.Execute(ctx, models.Action{Type: "send_whatsapp", Config: map[string]interface{}{"message": "x"}},
		leadContext(f, map[string]interface{}{"phone": "+5521000000000"}))
	if got := h.gw.whatsapp[1].To; got != "+5521000000000" {
		t.Errorf("to = %s", got)
	}
}

func TestUpdateStageAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.seedCRM(t, 1)

	if err := h.registry.Execute(ctx, models.Action{Type: "update_stage", Config: map[string]interface{}{"stage_id": f.stages[1].ID}}, leadContext(f, nil)); err != nil {
		t.Fatalf("update_stage: %v", err)
	}
	var lead models.Lead
	h.db.First(&lead, f.lead.ID)
	if lead.StageID != f.stages[1].ID {
		t.Fatalf("stage not moved")
	}
	var ev models.Event
	if err := h.db.Where("type = ?", EventLeadStageChanged).First(&ev).Error; err != nil {
		t.Fatalf("stage change event missing: %v", err)
	}
	if !valuesEqual(ev.Data["from_stage_id"], f.stages[0].ID) {
		t.Errorf("from_stage_id = %v", ev.Data["from_stage_id"])
	}

	// stage of another pipeline
	other := models.Stage{TenantID: 1, PipelineID: f.pipeline.ID + 100, Name: "X"}
	h.db.Create(&other)
	if err := h.registry.Execute(ctx, models.Action{Type: "update_stage", Config: map[string]interface{}{"stage_id": other.ID}}, leadContext(f, nil)); err == nil {
		t.Fatal("foreign stage accepted")
	}
}

func TestCreateTaskAndTagActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.seedCRM(t, 1)
	owner := models.User{TenantID: 1, Name: "Bia", Role: models.RoleSeller, Active: true}
	h.db.Create(&owner)
	h.db.Model(&models.Lead{}).Where("id = ?", f.lead.ID).Update("owner_id", owner.ID)

	err := h.registry.Execute(ctx, models.Action{Type: "create_task", Config: map[string]interface{}{
		"title": "Ligar para {{nome}}", "due_in_minutes": 60,
	}}, leadContext(f, map[string]interface{}{"nome": "Ana"}))
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	var task models.Task
	h.db.First(&task)
	if task.Title != "Ligar para Ana" || task.LeadID != f.lead.ID || task.AssigneeID == nil || *task.AssigneeID != owner.ID || task.DueAt == nil {
		t.Errorf("unexpected task: %+v", task)
	}

	for _, tag := range []string{"quente", "quente", "vip"} {
		if err := h.registry.Execute(ctx, models.Action{Type: "add_tag", Config: map[string]interface{}{"tag": tag}}, leadContext(f, nil)); err != nil {
			t.Fatalf("add_tag: %v", err)
		}
	}
	var lead models.Lead
	h.db.First(&lead, f.lead.ID)
	if lead.Tags != "quente,vip" {
		t.Errorf("tags = %q", lead.Tags)
	}
}

func TestAssignOwnerAction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.seedCRM(t, 1)
	seller := models.User{TenantID: 1, Name: "Caio", Role: models.RoleSeller, Active: true}
	outsider := models.User{TenantID: 2, Name: "Zed", Role: models.RoleSeller, Active: true}
	h.db.Create(&seller)
	h.db.Create(&outsider)

	if err := h.registry.Execute(ctx, models.Action{Type: "assign_owner", Config: map[string]interface{}{"user_id": outsider.ID}}, leadContext(f, nil)); err == nil {
		t.Fatal("user of another tenant accepted")
	}
	if err := h.registry.Execute(ctx, models.Action{Type: "assign_owner", Config: map[string]interface{}{"user_id": seller.ID}}, leadContext(f, nil)); err != nil {
		t.Fatalf("assign_owner: %v", err)
	}
	var lead models.Lead
	h.db.First(&lead, f.lead.ID)
	if lead.OwnerID == nil || *lead.OwnerID != seller.ID {
		t.Fatalf("owner not assigned")
	}
	var hist []models.DistributionHistory
	h.db.Where("lead_id = ?", f.lead.ID).Find(&hist)
	if len(hist) != 1 || hist[0].Reason != models.DistributionReasonAutomation {
		t.Fatalf("history = %+v", hist)
	}
}

func TestWebhookAndConversionActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := h.seedCRM(t, 1)

	if err := h.registry.Validate(models.Action{Type: "call_webhook", Config: map[string]interface{}{"url": "ftp://x"}}); err == nil {
		t.Fatal("non http url accepted")
	}
	err := h.registry.Execute(ctx, models.Action{Type: "call_webhook", Config: map[string]interface{}{
		"url": "https://hooks.example.com/{{origem}}", "method": "put",
	}}, leadContext(f, map[string]interface{}{"origem": "site"}))
	if err != nil {
		t.Fatalf("call_webhook: %v", err)
	}
	if h.gw.webhooks[0] != "PUT https://hooks.example.com/site" {
		t.Errorf("webhook = %s", h.gw.webhooks[0])
	}

	err = h.registry.Execute(ctx, models.Action{Type: "fire_conversion", Config: map[string]interface{}{
		"event_name": "Lead", "value": 250.5, "currency": "BRL",
	}}, leadContext(f, nil))
	if err != nil {
		t.Fatalf("fire_conversion: %v", err)
	}
	conv := h.gw.conversions[0]
	if conv.Name != "Lead" || conv.Value != 250.5 || conv.LeadID != f.lead.ID || conv.Email != f.lead.Email {
		t.Errorf("unexpected conversion: %+v", conv)
	}
}

func TestLeadActionsRejectOtherEntities(t *testing.T) {
	h := newHarness(t)
	actx := &ActionContext{TenantID: 1, EntityType: "task", EntityID: 1, Data: map[string]interface{}{}}
	err := h.registry.Execute(context.Background(), models.Action{Type: "add_tag", Config: map[string]interface{}{"tag": "x"}}, actx)
	if err == nil || ErrorCode(err) != ErrCodeActionFailed {
		t.Fatalf("expected action failure, got %v", err)
	}
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadflow/internal/models"
)

type stubAction struct {
	typ   string
	calls int
	err   error
}

func (s *stubAction) Type() string { return s.typ }
func (s *stubAction) Schema() map[string]interface{} {
	return obj(map[string]interface{}{"text": nonEmpty}, "text")
}
func (s *stubAction) Execute(context.Context, *ActionContext, map[string]interface{}) error {
	s.calls++
	return s.err
}

func TestActionRegistry_RegisterRejectsDuplicatesAndReserved(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Register(&stubAction{typ: "echo"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(&stubAction{typ: "echo"}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if err := reg.Register(&stubAction{typ: ActionWait}); err == nil {
		t.Fatal("wait is reserved")
	}
	if err := reg.Register(&stubAction{typ: ""}); err == nil {
		t.Fatal("empty type should fail")
	}
	types := reg.Types()
	if len(types) != 2 || types[0].Type != "echo" || types[1].Type != ActionWait {
		t.Fatalf("unexpected types: %+v", types)
	}
}

func TestActionRegistry_ValidateAndExecute(t *testing.T) {
	reg := NewActionRegistry()
	ok := &stubAction{typ: "echo"}
	failing := &stubAction{typ: "boom", err: errors.New("upstream 502")}
	_ = reg.Register(ok)
	_ = reg.Register(failing)
	actx := &ActionContext{TenantID: 1}
	ctx := context.Background()

	if err := reg.Execute(ctx, models.Action{Type: "echo", Config: map[string]interface{}{"text": "hi"}}, actx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ok.calls != 1 {
		t.Fatalf("handler not called")
	}

	err := reg.Execute(ctx, models.Action{Type: "echo", Config: map[string]interface{}{}}, actx)
	var ae *ActionError
	if !errors.As(err, &ae) || ae.Type != "echo" || ErrorCode(err) != ErrCodeActionInvalidConfig {
		t.Fatalf("expected invalid config error, got %v", err)
	}
	if ok.calls != 1 {
		t.Fatalf("invalid config must not reach the handler")
	}

	err = reg.Execute(ctx, models.Action{Type: "sms"}, actx)
	if ErrorCode(err) != ErrCodeActionUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}

	err = reg.Execute(ctx, models.Action{Type: "boom", Config: map[string]interface{}{"text": "x"}}, actx)
	if !errors.As(err, &ae) || ae.Type != "boom" || ErrorCode(err) != ErrCodeActionFailed {
		t.Fatalf("expected typed failure, got %v", err)
	}
	if err.Error() != "boom: upstream 502" {
		t.Errorf("error text = %q", err.Error())
	}

	if err := reg.Execute(ctx, models.Action{Type: ActionWait}, actx); ErrorCode(err) != ErrCodeActionUnsupported {
		t.Fatalf("wait must never execute inline, got %v", err)
	}
}

func TestActionRegistry_ValidateWaitConfig(t *testing.T) {
	reg := NewActionRegistry()
	if err := reg.Validate(models.Action{Type: ActionWait, Config: map[string]interface{}{"minutes": 10}}); err != nil {
		t.Fatalf("valid wait rejected: %v", err)
	}
	if err := reg.Validate(models.Action{Type: ActionWait, Config: map[string]interface{}{"minutes": -1}}); err == nil {
		t.Fatal("negative wait accepted")
	}
	if err := reg.Validate(models.Action{Type: ActionWait, Config: map[string]interface{}{"hours": "two"}}); err == nil {
		t.Fatal("non numeric wait accepted")
	}
	if err := reg.Validate(models.Action{Type: ActionWait, Config: map[string]interface{}{"days": 1e9}}); err == nil {
		t.Fatal("wait beyond the cap accepted")
	}
	if err := reg.Validate(models.Action{Type: ActionWait, Config: map[string]interface{}{"days": 365}}); err != nil {
		t.Fatalf("wait at the cap rejected: %v", err)
	}
}

func TestWaitDuration(t *testing.T) {
	cases := []struct {
		name string
		cfg  map[string]interface{}
		want time.Duration
	}{
		{"default", nil, 5 * time.Minute},
		{"minutes", map[string]interface{}{"minutes": float64(10)}, 10 * time.Minute},
		{"explicit zero", map[string]interface{}{"minutes": 0}, 0},
		{"mixed units", map[string]interface{}{"hours": 1, "minutes": 30}, 90 * time.Minute},
		{"days", map[string]interface{}{"days": 1}, 24 * time.Hour},
		{"numeric string", map[string]interface{}{"minutes": "15"}, 15 * time.Minute},
		{"negative ignored", map[string]interface{}{"minutes": -3}, 5 * time.Minute},
		{"huge days capped", map[string]interface{}{"days": 1e9}, MaxWait},
		{"huge sum capped", map[string]interface{}{"days": 365, "hours": 24}, MaxWait},
		{"nan string ignored", map[string]interface{}{"minutes": "NaN"}, 5 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WaitDuration(tc.cfg, 5); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestActionContext_RoundTrip(t *testing.T) {
	evID := uint(42)
	in := &ActionContext{
		TenantID: 1, AutomationID: 2, LogID: 3, EventID: &evID,
		EventType: EventLeadCreated, EntityType: "lead", EntityID: 9,
		Data: map[string]interface{}{"origem": "site"},
	}
	// simulate the JSON column: numbers come back as float64
	m := in.ToMap()
	m["tenant_id"], m["automation_id"], m["log_id"], m["entity_id"], m["event_id"] = float64(1), float64(2), float64(3), float64(9), float64(42)

	out := ActionContextFromMap(m)
	if out.TenantID != 1 || out.AutomationID != 2 || out.LogID != 3 || out.EntityID != 9 {
		t.Fatalf("ids lost: %+v", out)
	}
	if out.EventID == nil || *out.EventID != 42 {
		t.Fatalf("event id lost")
	}
	if out.EventType != EventLeadCreated || out.EntityType != "lead" || out.Data["origem"] != "site" {
		t.Fatalf("fields lost: %+v", out)
	}

	empty := ActionContextFromMap(map[string]interface{}{})
	if empty.Data == nil || empty.EventID != nil {
		t.Fatalf("empty map should yield empty data and no event")
	}
}

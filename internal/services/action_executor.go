package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"leadflow/internal/models"

	"github.com/xeipuuv/gojsonschema"
)

// ActionWait suspends a chain; it is never executed by a handler.
const ActionWait = "wait"

// ActionContext is what an action sees about the firing that triggered it.
// It is persisted with a pending execution and rebuilt on resume.
type ActionContext struct {
	TenantID     uint
	AutomationID uint
	LogID        uint
	EventID      *uint
	EventType    string
	EntityType   string
	EntityID     uint
	Data         map[string]interface{}
}

// ToMap serialises the context for PendingExecution.Context.
func (a *ActionContext) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"tenant_id":     a.TenantID,
		"automation_id": a.AutomationID,
		"log_id":        a.LogID,
		"event_type":    a.EventType,
		"entity_type":   a.EntityType,
		"entity_id":     a.EntityID,
		"data":          a.Data,
	}
	if a.EventID != nil {
		m["event_id"] = *a.EventID
	}
	return m
}

// ActionContextFromMap is the inverse of ToMap after a JSON round trip.
func ActionContextFromMap(m map[string]interface{}) *ActionContext {
	actx := &ActionContext{
		TenantID:     uintFrom(m["tenant_id"]),
		AutomationID: uintFrom(m["automation_id"]),
		LogID:        uintFrom(m["log_id"]),
		EventType:    toString(m["event_type"]),
		EntityType:   toString(m["entity_type"]),
		EntityID:     uintFrom(m["entity_id"]),
	}
	if v, ok := m["event_id"]; ok && v != nil {
		id := uintFrom(v)
		actx.EventID = &id
	}
	if data, ok := m["data"].(map[string]interface{}); ok {
		actx.Data = data
	} else {
		actx.Data = map[string]interface{}{}
	}
	return actx
}

func uintFrom(v interface{}) uint {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return 0
	}
	return uint(f)
}

// ActionHandler executes one action type.
type ActionHandler interface {
	Type() string
	// Schema is the JSON schema of the action's config object.
	Schema() map[string]interface{}
	Execute(ctx context.Context, actx *ActionContext, config map[string]interface{}) error
}

// ActionTypeInfo describes a registered action type.
type ActionTypeInfo struct {
	Type   string                 `json:"type"`
	Schema map[string]interface{} `json:"schema"`
}

// ActionRegistry dispatches actions to handlers by type.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
	schemas  map[string]*gojsonschema.Schema
	raw      map[string]map[string]interface{}
}

// MaxWait caps a single wait action.
const MaxWait = 365 * 24 * time.Hour

var waitSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"minutes": map[string]interface{}{"type": "number", "minimum": 0, "maximum": int64(MaxWait / time.Minute)},
		"hours":   map[string]interface{}{"type": "number", "minimum": 0, "maximum": int64(MaxWait / time.Hour)},
		"days":    map[string]interface{}{"type": "number", "minimum": 0, "maximum": int64(MaxWait / (24 * time.Hour))},
	},
}

func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{
		handlers: make(map[string]ActionHandler),
		schemas:  make(map[string]*gojsonschema.Schema),
		raw:      make(map[string]map[string]interface{}),
	}
	if err := r.addSchema(ActionWait, waitSchema); err != nil {
		panic(err)
	}
	return r
}

func (r *ActionRegistry) addSchema(actionType string, schema map[string]interface{}) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", actionType, err)
	}
	r.schemas[actionType] = compiled
	r.raw[actionType] = schema
	return nil
}

// Register adds a handler; registering the same type twice is an error.
func (r *ActionRegistry) Register(h ActionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := h.Type()
	if t == "" || t == ActionWait {
		return fmt.Errorf("invalid action type %q", t)
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("action type %s already registered", t)
	}
	if err := r.addSchema(t, h.Schema()); err != nil {
		return err
	}
	r.handlers[t] = h
	return nil
}

// Types lists the registered types including wait.
func (r *ActionRegistry) Types() []ActionTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ActionTypeInfo, 0, len(r.raw))
	for t, s := range r.raw {
		out = append(out, ActionTypeInfo{Type: t, Schema: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Validate checks that the type exists and the config matches its schema.
func (r *ActionRegistry) Validate(action models.Action) error {
	r.mu.RLock()
	schema, ok := r.schemas[action.Type]
	r.mu.RUnlock()
	if !ok {
		return newActionError(action.Type, errActionUnsupported, "unsupported action type: "+action.Type, nil)
	}
	cfg := action.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return newActionError(action.Type, errActionInvalidConfig, "validate config: "+err.Error(), err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return newActionError(action.Type, errActionInvalidConfig, "invalid config: "+strings.Join(msgs, "; "), nil)
	}
	return nil
}

// Execute runs a non-wait action. Failures are returned as *ActionError.
func (r *ActionRegistry) Execute(ctx context.Context, action models.Action, actx *ActionContext) error {
	if action.Type == ActionWait {
		return newActionError(action.Type, errActionUnsupported, "wait cannot be executed inline", nil)
	}
	if err := r.Validate(action); err != nil {
		return err
	}
	r.mu.RLock()
	h := r.handlers[action.Type]
	r.mu.RUnlock()

	cfg := action.Config
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	if err := h.Execute(ctx, actx, cfg); err != nil {
		if ae, ok := err.(*ActionError); ok {
			return ae
		}
		return newActionError(action.Type, errActionFailed, err.Error(), err)
	}
	return nil
}

// WaitDuration reads minutes/hours/days from a wait config and sums them.
// A config without any of them waits defaultMinutes.
func WaitDuration(config map[string]interface{}, defaultMinutes int) time.Duration {
	var (
		minutes float64
		set     bool
	)
	units := []struct {
		key  string
		unit float64
	}{{"minutes", 1}, {"hours", 60}, {"days", 24 * 60}}
	for _, u := range units {
		if v, ok := toFloat(config[u.key]); ok && v >= 0 {
			minutes += v * u.unit
			set = true
		}
	}
	if !set {
		return time.Duration(defaultMinutes) * time.Minute
	}
	// 先在分钟上截断，避免 Duration 溢出为负数
	if minutes > float64(MaxWait/time.Minute) {
		return MaxWait
	}
	return time.Duration(minutes * float64(time.Minute))
}

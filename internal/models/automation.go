package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Execution log statuses.
const (
	LogStatusRunning = "running"
	LogStatusWaiting = "waiting"
	LogStatusSuccess = "success"
	LogStatusPartial = "partial"
	LogStatusError   = "error"
	LogStatusSkipped = "skipped"
)

// Pending execution statuses.
const (
	PendingStatusPending   = "pending"
	PendingStatusExecuted  = "executed"
	PendingStatusError     = "error"
	PendingStatusCancelled = "cancelled"
)

// Event 事件存储：任何变更操作都会追加一行，引擎按创建顺序消费
type Event struct {
	ID          uint              `gorm:"primaryKey" json:"id"`
	TenantID    uint              `gorm:"index;not null" json:"tenant_id"`
	Type        string            `gorm:"size:80;not null;index" json:"type"`
	EntityType  string            `gorm:"size:40;not null" json:"entity_type"`
	EntityID    uint              `gorm:"not null;index" json:"entity_id"`
	Data        datatypes.JSONMap `json:"data"`
	Processed   bool              `gorm:"not null;index:idx_events_pending,priority:1" json:"processed"`
	ProcessedAt *time.Time        `json:"processed_at"`
	CreatedAt   time.Time         `gorm:"index:idx_events_pending,priority:2" json:"created_at"`
}

// Condition is one predicate of a rule: event_data[field] <operator> value.
type Condition struct {
	Field    string      `json:"field" validate:"required"`
	Operator string      `json:"operator" validate:"required"`
	Value    interface{} `json:"value,omitempty"`
}

// Action is one step of a rule's ordered action list.
type Action struct {
	Type   string                 `json:"type" validate:"required"`
	Config map[string]interface{} `json:"config"`
}

// Automation 自动化规则
type Automation struct {
	ID                   uint              `gorm:"primaryKey" json:"id"`
	TenantID             uint              `gorm:"index:idx_automations_trigger,priority:1;not null" json:"tenant_id"`
	Name                 string            `gorm:"size:200;not null" json:"name"`
	Description          string            `gorm:"type:text" json:"description"`
	TriggerType          string            `gorm:"size:80;index:idx_automations_trigger,priority:2;not null" json:"trigger_type"`
	TriggerConfig        datatypes.JSONMap `json:"trigger_config"`
	Conditions           datatypes.JSON    `json:"conditions"`
	Actions              datatypes.JSON    `json:"actions"`
	Active               bool              `gorm:"not null" json:"active"`
	MaxExecutionsPerHour int               `gorm:"not null" json:"max_executions_per_hour"`
	ExecutionsLastHour   int               `gorm:"not null" json:"executions_last_hour"`
	WindowStartedAt      *time.Time        `json:"window_started_at"`
	TotalExecutions      int64             `gorm:"not null" json:"total_executions"`
	TotalErrors          int64             `gorm:"not null" json:"total_errors"`
	LastExecutedAt       *time.Time        `json:"last_executed_at"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	DeletedAt            gorm.DeletedAt    `gorm:"index" json:"-"`
}

// ConditionList decodes the stored conditions.
func (a *Automation) ConditionList() ([]Condition, error) {
	var conds []Condition
	if len(a.Conditions) == 0 {
		return conds, nil
	}
	if err := json.Unmarshal(a.Conditions, &conds); err != nil {
		return nil, fmt.Errorf("decode conditions of automation %d: %w", a.ID, err)
	}
	return conds, nil
}

// ActionList decodes the stored actions in execution order.
func (a *Automation) ActionList() ([]Action, error) {
	var actions []Action
	if len(a.Actions) == 0 {
		return actions, nil
	}
	if err := json.Unmarshal(a.Actions, &actions); err != nil {
		return nil, fmt.Errorf("decode actions of automation %d: %w", a.ID, err)
	}
	return actions, nil
}

// ActionLogEntry is one line of AutomationLog.ActionsLog.
type ActionLogEntry struct {
	Index      int       `json:"index"`
	ActionType string    `json:"action_type"`
	Status     string    `json:"status"` // success, error, waiting
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

// AutomationLog 执行日志：一次 (事件, 规则) 执行一行，延迟恢复时更新同一行
type AutomationLog struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	TenantID     uint           `gorm:"index;not null" json:"tenant_id"`
	AutomationID uint           `gorm:"index;not null" json:"automation_id"`
	EventID      *uint          `gorm:"index" json:"event_id"`
	EntityType   string         `gorm:"size:40" json:"entity_type"`
	EntityID     uint           `json:"entity_id"`
	Status       string         `gorm:"size:20;index;not null" json:"status"`
	ActionsLog   datatypes.JSON `json:"actions_log"`
	Message      string         `gorm:"type:text" json:"message"`
	FinishedAt   *time.Time     `json:"finished_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Entries decodes the action log lines.
func (l *AutomationLog) Entries() ([]ActionLogEntry, error) {
	var entries []ActionLogEntry
	if len(l.ActionsLog) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(l.ActionsLog, &entries); err != nil {
		return nil, fmt.Errorf("decode actions log %d: %w", l.ID, err)
	}
	return entries, nil
}

// SetEntries replaces the stored action log lines.
func (l *AutomationLog) SetEntries(entries []ActionLogEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode actions log: %w", err)
	}
	l.ActionsLog = datatypes.JSON(raw)
	return nil
}

// PendingExecution 延迟续跑：wait 动作之后剩余动作的持久化游标
type PendingExecution struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	TenantID     uint              `gorm:"index;not null" json:"tenant_id"`
	AutomationID uint              `gorm:"index;not null" json:"automation_id"`
	LogID        uint              `gorm:"index;not null" json:"log_id"`
	EventID      *uint             `json:"event_id"`
	ActionIndex  int               `gorm:"not null" json:"action_index"`
	Context      datatypes.JSONMap `json:"context"`
	ActionsHash  string            `gorm:"size:64" json:"actions_hash"`
	ExecuteAt    time.Time         `gorm:"index:idx_pending_due,priority:2;not null" json:"execute_at"`
	Status       string            `gorm:"size:20;index:idx_pending_due,priority:1;not null" json:"status"`
	Attempts     int               `gorm:"not null" json:"attempts"`
	MaxAttempts  int               `gorm:"not null" json:"max_attempts"`
	LastError    string            `gorm:"type:text" json:"last_error"`
	ExecutedAt   *time.Time        `json:"executed_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RuleExecutionKey is the idempotency key of one rule firing for one entity
// inside one dedup time bucket.
type RuleExecutionKey struct {
	ID           uint      `gorm:"primaryKey"`
	TenantID     uint      `gorm:"uniqueIndex:idx_rule_execution_key;not null"`
	EntityType   string    `gorm:"size:40;uniqueIndex:idx_rule_execution_key;not null"`
	EntityID     uint      `gorm:"uniqueIndex:idx_rule_execution_key;not null"`
	AutomationID uint      `gorm:"uniqueIndex:idx_rule_execution_key;not null"`
	Bucket       int64     `gorm:"uniqueIndex:idx_rule_execution_key;not null"`
	EventID      uint      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"index"`
}

package models

import "time"

const (
	DistributionModeManual  = "manual"
	DistributionModeRodizio = "rodizio"

	SLALimitKeepLast      = "keep_last"
	SLALimitUnassign      = "unassign"
	SLALimitReturnToAdmin = "return_to_admin"

	DistributionReasonManual     = "manual"
	DistributionReasonSLA        = "sla"
	DistributionReasonAutomation = "automation"
)

// DistributionConfig 漏斗分配配置（轮转 + SLA）
type DistributionConfig struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	TenantID              uint      `gorm:"index;not null" json:"tenant_id"`
	PipelineID            uint      `gorm:"uniqueIndex;not null" json:"pipeline_id"`
	Mode                  string    `gorm:"size:20;not null" json:"mode"` // manual, rodizio
	SLAEnabled            bool      `gorm:"not null" json:"sla_enabled"`
	SLAMinutes            int       `gorm:"not null" json:"sla_minutes"`
	SLAMaxRedistributions int       `gorm:"not null" json:"sla_max_redistributions"`
	SLALimitAction        string    `gorm:"size:20;not null" json:"sla_limit_action"` // keep_last, unassign, return_to_admin
	RotationPosition      int       `gorm:"not null" json:"rotation_position"`
	Version               int64     `gorm:"not null" json:"version"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// DistributionHistory 分配历史，只追加；reason='sla' 的行数即为再分配计数
type DistributionHistory struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TenantID    uint      `gorm:"index;not null" json:"tenant_id"`
	LeadID      uint      `gorm:"index:idx_history_lead_reason,priority:1;not null" json:"lead_id"`
	PipelineID  uint      `gorm:"index;not null" json:"pipeline_id"`
	FromOwnerID *uint     `json:"from_owner_id"`
	ToOwnerID   *uint     `json:"to_owner_id"`
	Reason      string    `gorm:"size:20;index:idx_history_lead_reason,priority:2;not null" json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobLease is the mutual-exclusion row of one batch job type.
type JobLease struct {
	Name      string    `gorm:"primaryKey;size:80" json:"name"`
	Owner     string    `gorm:"size:64;not null" json:"owner"`
	ExpiresAt time.Time `gorm:"not null" json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllModels lists every table the engine migrates.
func AllModels() []interface{} {
	return []interface{}{
		&User{}, &Pipeline{}, &Stage{}, &PipelineMember{}, &Lead{}, &Task{},
		&Event{}, &Automation{}, &AutomationLog{}, &PendingExecution{}, &RuleExecutionKey{},
		&DistributionConfig{}, &DistributionHistory{}, &JobLease{},
	}
}

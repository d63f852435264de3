package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"

	LeadStatusOpen = "open"
	LeadStatusWon  = "won"
	LeadStatusLost = "lost"
)

// 用户模型（租户内的管理员/销售）
type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TenantID  uint           `gorm:"index;not null" json:"tenant_id"`
	Name      string         `gorm:"size:120" json:"name"`
	Email     string         `gorm:"size:160;index" json:"email"`
	Phone     string         `gorm:"size:40" json:"phone"`
	Role      string         `gorm:"size:20;not null" json:"role"` // admin, seller
	Active    bool           `gorm:"not null" json:"active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// 销售漏斗
type Pipeline struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index;not null" json:"tenant_id"`
	Name      string    `gorm:"size:120;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Stages []Stage `gorm:"foreignKey:PipelineID" json:"stages,omitempty"`
}

// 漏斗阶段
type Stage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index;not null" json:"tenant_id"`
	PipelineID uint      `gorm:"index;not null" json:"pipeline_id"`
	Name       string    `gorm:"size:120;not null" json:"name"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PipelineMember is one seller in a pipeline's rotation pool.
type PipelineMember struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index;not null" json:"tenant_id"`
	PipelineID uint      `gorm:"uniqueIndex:idx_pipeline_member;not null" json:"pipeline_id"`
	UserID     uint      `gorm:"uniqueIndex:idx_pipeline_member;not null" json:"user_id"`
	Position   int       `json:"position"`
	Active     bool      `gorm:"not null" json:"active"`
	CreatedAt  time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// Lead 工作项：自动化与 SLA 轮转的对象
type Lead struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TenantID   uint           `gorm:"index;not null" json:"tenant_id"`
	PipelineID uint           `gorm:"index:idx_leads_pipeline_status,priority:1;not null" json:"pipeline_id"`
	StageID    uint           `gorm:"index" json:"stage_id"`
	OwnerID    *uint          `gorm:"index" json:"owner_id"`
	Name       string         `gorm:"size:160" json:"name"`
	Email      string         `gorm:"size:160" json:"email"`
	Phone      string         `gorm:"size:40" json:"phone"`
	Origin     string         `gorm:"size:60" json:"origin"`
	Status     string         `gorm:"size:20;index:idx_leads_pipeline_status,priority:2;not null" json:"status"` // open, won, lost
	Tags       string         `gorm:"type:text" json:"tags"`
	Value      float64        `json:"value"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `gorm:"index" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// 任务（create_task 动作生成）
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	TenantID    uint       `gorm:"index;not null" json:"tenant_id"`
	LeadID      uint       `gorm:"index" json:"lead_id"`
	AssigneeID  *uint      `gorm:"index" json:"assignee_id"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	DueAt       *time.Time `json:"due_at"`
	Status      string     `gorm:"size:20;not null" json:"status"` // pending, done
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

package models

import "time"

// DeadLetterTask records a sync or publish task that exhausted its retries
// or hit a terminal error. Sync must never silently drop a change: these
// rows are the operator's inspection surface.
type DeadLetterTask struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`

	TaskID     string     `gorm:"size:36;index" json:"task_id"`
	EntityKind EntityKind `gorm:"size:32;index" json:"entity_kind"`
	EntityID   string     `gorm:"size:64;index" json:"entity_id"`
	Reason     string     `gorm:"size:64" json:"reason"`
	Attempts   int        `json:"attempts"`

	ErrorCode   string `gorm:"size:64;index" json:"error_code"`
	LastError   string `gorm:"type:text" json:"last_error"`
	PayloadJSON []byte `gorm:"type:json" json:"payload_json"`
}

func (DeadLetterTask) TableName() string { return "dead_letter_tasks" }

package models

import (
	"encoding/json"
	"time"
)

// Status enumerates lifecycle states persisted in the job store.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job types produced or consumed by this service.
const (
	TypeBulkResyncPasses = "bulk_resync_passes"
	TypeNotificationSent = "notification_sent"
	TypeFlushBuffer      = "flush_buffer"
)

// Job represents a unit of deferred work persisted in the job store.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ErrorMessage returns the last recorded failure or an empty string.
func (j Job) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}

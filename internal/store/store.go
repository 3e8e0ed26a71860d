// Package store persists jobs. The queue layer only relies on the Store
// contract; Postgres is the production backend and Memory backs tests and
// single-process development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"loyalty-notify/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// Store is the durable job table.
type Store interface {
	// Insert persists a job. An empty ID is replaced with a new uuid.
	Insert(ctx context.Context, job models.Job) (models.Job, error)
	// UpdateWhere applies patch only if the job's current status is one of
	// expected. It reports whether a row changed.
	UpdateWhere(ctx context.Context, id string, expected []models.Status, patch Patch) (bool, error)
	// SelectOneEligible returns the oldest pending job with scheduled_at <= now,
	// restricted to types when non-empty, or nil when none is eligible.
	SelectOneEligible(ctx context.Context, types []string, now time.Time) (*models.Job, error)
	// SelectByID returns ErrNotFound when the job does not exist.
	SelectByID(ctx context.Context, id string) (*models.Job, error)
	// ListByStatus returns up to limit jobs in status, newest first.
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.Job, error)
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Status        *models.Status
	Attempts      *int
	IncrAttempts  bool
	Error         *string
	ClearError    bool
	Result        json.RawMessage
	ScheduledAt   *time.Time
	StartedAt     *time.Time
	ClearStarted  bool
	CompletedAt   *time.Time
	ClearComplete bool
}

// apply mutates job in place. Used by the memory store and by tests.
func (p Patch) apply(job *models.Job, now time.Time) {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Attempts != nil {
		job.Attempts = *p.Attempts
	}
	if p.IncrAttempts {
		job.Attempts++
	}
	if p.ClearError {
		job.Error = nil
	} else if p.Error != nil {
		msg := *p.Error
		job.Error = &msg
	}
	if p.Result != nil {
		job.Result = append(json.RawMessage(nil), p.Result...)
	}
	if p.ScheduledAt != nil {
		job.ScheduledAt = *p.ScheduledAt
	}
	if p.ClearStarted {
		job.StartedAt = nil
	} else if p.StartedAt != nil {
		ts := *p.StartedAt
		job.StartedAt = &ts
	}
	if p.ClearComplete {
		job.CompletedAt = nil
	} else if p.CompletedAt != nil {
		ts := *p.CompletedAt
		job.CompletedAt = &ts
	}
	job.UpdatedAt = now
}

// StatusPtr is a helper for building patches.
func StatusPtr(s models.Status) *models.Status { return &s }

// TimePtr is a helper for building patches.
func TimePtr(t time.Time) *time.Time { return &t }

// StringPtr is a helper for building patches.
func StringPtr(s string) *string { return &s }

// IntPtr is a helper for building patches.
func IntPtr(i int) *int { return &i }

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loyalty-notify/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Insert(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	cp := cloneJob(job)
	m.jobs[job.ID] = &cp
	return cloneJob(job), nil
}

func (m *Memory) UpdateWhere(_ context.Context, id string, expected []models.Status, patch Patch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if !statusIn(job.Status, expected) {
		return false, nil
	}
	patch.apply(job, m.now())
	return true, nil
}

func (m *Memory) SelectOneEligible(_ context.Context, types []string, now time.Time) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	typeSet := make(map[string]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	var best *models.Job
	for _, j := range m.jobs {
		if j.Status != models.StatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if len(typeSet) > 0 {
			if _, ok := typeSet[j.Type]; !ok {
				continue
			}
		}
		if best == nil || olderThan(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := cloneJob(*best)
	return &cp, nil
}

func (m *Memory) SelectByID(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneJob(*j)
	return &cp, nil
}

func (m *Memory) ListByStatus(_ context.Context, status models.Status, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func olderThan(a, b *models.Job) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// cloneJob copies the pointer and slice fields so callers never share state with the store.
func cloneJob(j models.Job) models.Job {
	if j.Payload != nil {
		j.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		j.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		msg := *j.Error
		j.Error = &msg
	}
	if j.StartedAt != nil {
		ts := *j.StartedAt
		j.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		j.CompletedAt = &ts
	}
	return j
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/store"
	"loyalty-notify/internal/telemetry"
)

// DefaultMaxAttempts applies when Enqueue is not given WithMaxAttempts.
const DefaultMaxAttempts = 3

// CancelledMessage is recorded on jobs terminated by Cancel.
const CancelledMessage = "Job cancelled"

var (
	// ErrInvalidTransition is returned when a job is not in the state an operation requires.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrInvalidPayload is returned when a payload does not match its job type.
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Handler executes a leased job. The returned result is stored on completion.
type Handler func(ctx context.Context, job models.Job) (any, error)

// JobQueue is the typed API over the job store.
type JobQueue struct {
	store       store.Store
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
}

// Option configures a JobQueue.
type Option func(*JobQueue)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option {
	return func(q *JobQueue) { q.clock = c }
}

// WithDefaultMaxAttempts overrides DefaultMaxAttempts.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *JobQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// New builds a queue over st.
func New(st store.Store, logger *zap.Logger, opts ...Option) *JobQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &JobQueue{
		store:       st,
		clock:       clock.Real{},
		logger:      logger.Named("queue"),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type enqueueOptions struct {
	scheduledAt *time.Time
	delay       time.Duration
	maxAttempts int
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithScheduledAt sets the earliest time the job may be leased.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledAt = &t }
}

// WithDelay schedules the job d after now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithMaxAttempts sets the lease budget for the job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

// Enqueue inserts a pending job. payload may be a struct, a map, or raw JSON.
func (q *JobQueue) Enqueue(ctx context.Context, jobType string, payload any, opts ...EnqueueOption) (models.Job, error) {
	o := enqueueOptions{maxAttempts: q.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return models.Job{}, fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidPayload)
	}

	raw, err := encodeJSON(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	if err := models.ValidatePayload(jobType, raw); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	now := q.clock.Now()
	scheduled := now
	if o.scheduledAt != nil {
		scheduled = o.scheduledAt.UTC()
	}
	if o.delay > 0 {
		scheduled = now.Add(o.delay)
	}

	job, err := q.store.Insert(ctx, models.Job{
		Type:        jobType,
		Status:      models.StatusPending,
		Payload:     raw,
		MaxAttempts: o.maxAttempts,
		ScheduledAt: scheduled,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.Time("scheduled_at", scheduled),
	)
	return job, nil
}

// Record inserts a job directly in the completed state. It is the durable
// output for work done outside the worker, such as a composed notification.
func (q *JobQueue) Record(ctx context.Context, jobType string, payload, result any) (models.Job, error) {
	raw, err := encodeJSON(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := models.ValidatePayload(jobType, raw); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	res, err := encodeJSON(result)
	if err != nil {
		return models.Job{}, fmt.Errorf("encode result: %w", err)
	}

	now := q.clock.Now()
	job, err := q.store.Insert(ctx, models.Job{
		Type:        jobType,
		Status:      models.StatusCompleted,
		Payload:     raw,
		Result:      res,
		MaxAttempts: q.maxAttempts,
		ScheduledAt: now,
		StartedAt:   &now,
		CompletedAt: &now,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("record %s: %w", jobType, err)
	}
	telemetry.JobsCompleted.WithLabelValues(jobType).Inc()
	return job, nil
}

// Dequeue leases the oldest eligible pending job, optionally restricted to
// types. It returns nil when nothing is eligible or another worker won the
// claim; callers should try again later.
func (q *JobQueue) Dequeue(ctx context.Context, types ...string) (*models.Job, error) {
	now := q.clock.Now()
	candidate, err := q.store.SelectOneEligible(ctx, types, now)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if candidate == nil {
		return nil, nil
	}

	claimed, err := q.store.UpdateWhere(ctx, candidate.ID, []models.Status{models.StatusPending}, store.Patch{
		Status:       store.StatusPtr(models.StatusProcessing),
		IncrAttempts: true,
		StartedAt:    &now,
	})
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", candidate.ID, err)
	}
	if !claimed {
		q.logger.Debug("claim lost", zap.String("job_id", candidate.ID))
		return nil, nil
	}

	job := *candidate
	job.Status = models.StatusProcessing
	job.Attempts++
	job.StartedAt = &now
	return &job, nil
}

// Complete moves a processing job to completed with result.
func (q *JobQueue) Complete(ctx context.Context, id string, result any) error {
	res, err := encodeJSON(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	now := q.clock.Now()
	ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusProcessing}, store.Patch{
		Status:      store.StatusPtr(models.StatusCompleted),
		Result:      res,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if !ok {
		return q.transitionError(ctx, id, "complete")
	}
	jobType := q.typeOf(ctx, id)
	telemetry.JobsCompleted.WithLabelValues(jobType).Inc()
	q.logger.Debug("job completed", zap.String("job_id", id), zap.String("type", jobType))
	return nil
}

// Fail records a failed attempt. While attempts remain the job returns to
// pending after Backoff(attempts); otherwise it becomes terminally failed.
func (q *JobQueue) Fail(ctx context.Context, id, message string) error {
	job, err := q.store.SelectByID(ctx, id)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}

	now := q.clock.Now()
	if job.Attempts < job.MaxAttempts {
		next := now.Add(Backoff(job.Attempts))
		ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusProcessing}, store.Patch{
			Status:      store.StatusPtr(models.StatusPending),
			Error:       &message,
			ScheduledAt: &next,
		})
		if err != nil {
			return fmt.Errorf("reschedule job %s: %w", id, err)
		}
		if !ok {
			return q.transitionError(ctx, id, "fail")
		}
		telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
		q.logger.Info("job retry scheduled",
			zap.String("job_id", id),
			zap.String("type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Time("next_run", next),
			zap.String("error", message),
		)
		return nil
	}

	ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusProcessing}, store.Patch{
		Status:      store.StatusPtr(models.StatusFailed),
		Error:       &message,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if !ok {
		return q.transitionError(ctx, id, "fail")
	}
	telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
	q.logger.Warn("job failed permanently",
		zap.String("job_id", id),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.String("error", message),
	)
	return nil
}

// FailPermanently moves a pending or processing job to failed without
// consulting the attempt budget.
func (q *JobQueue) FailPermanently(ctx context.Context, id, message string) error {
	now := q.clock.Now()
	ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusPending, models.StatusProcessing}, store.Patch{
		Status:      store.StatusPtr(models.StatusFailed),
		Error:       &message,
		CompletedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	if !ok {
		return q.transitionError(ctx, id, "fail permanently")
	}
	telemetry.JobsFailed.WithLabelValues(q.typeOf(ctx, id)).Inc()
	return nil
}

// Cancel terminates a pending or processing job. It reports whether the
// job changed; terminal jobs are left alone.
func (q *JobQueue) Cancel(ctx context.Context, id string) (bool, error) {
	now := q.clock.Now()
	msg := CancelledMessage
	ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusPending, models.StatusProcessing}, store.Patch{
		Status:      store.StatusPtr(models.StatusFailed),
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	if ok {
		q.logger.Info("job cancelled", zap.String("job_id", id))
	}
	return ok, nil
}

// Retry resets a failed job to pending with a fresh attempt budget. It
// reports whether the job changed.
func (q *JobQueue) Retry(ctx context.Context, id string) (bool, error) {
	now := q.clock.Now()
	ok, err := q.store.UpdateWhere(ctx, id, []models.Status{models.StatusFailed}, store.Patch{
		Status:        store.StatusPtr(models.StatusPending),
		Attempts:      store.IntPtr(0),
		ClearError:    true,
		ClearStarted:  true,
		ClearComplete: true,
		ScheduledAt:   &now,
	})
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}
	if ok {
		q.logger.Info("job reset for retry", zap.String("job_id", id))
	}
	return ok, nil
}

// ProcessJob runs handler for a leased job and records the outcome. A
// handler error is recorded through Fail and then returned to the caller.
func (q *JobQueue) ProcessJob(ctx context.Context, job models.Job, handler Handler) error {
	result, err := runHandler(ctx, job, handler)
	if err != nil {
		if failErr := q.Fail(ctx, job.ID, err.Error()); failErr != nil {
			return errors.Join(err, fmt.Errorf("record failure: %w", failErr))
		}
		return err
	}
	return q.Complete(ctx, job.ID, result)
}

// Get fetches a job by id.
func (q *JobQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	return q.store.SelectByID(ctx, id)
}

// List returns up to limit jobs in status.
func (q *JobQueue) List(ctx context.Context, status models.Status, limit int) ([]models.Job, error) {
	return q.store.ListByStatus(ctx, status, limit)
}

func runHandler(ctx context.Context, job models.Job, handler Handler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (q *JobQueue) transitionError(ctx context.Context, id, op string) error {
	job, err := q.store.SelectByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, id, err)
	}
	return fmt.Errorf("%s job %s in status %s: %w", op, id, job.Status, ErrInvalidTransition)
}

func (q *JobQueue) typeOf(ctx context.Context, id string) string {
	job, err := q.store.SelectByID(ctx, id)
	if err != nil {
		return "unknown"
	}
	return job.Type
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

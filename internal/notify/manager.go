// Package notify merges bursts of participant events into single
// notifications. Events for the same participant and rule accumulate in a
// buffer for a fixed merge window; when the window closes the buffer is
// composed into one message, subject to a throttle window per key.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/telemetry"
)

var errNoBuffer = errors.New("no open buffer")

// ErrInvalidEvent wraps validation failures of incoming events.
var ErrInvalidEvent = errors.New("invalid notification event")

// Flusher composes a closed buffer.
type Flusher interface {
	Flush(ctx context.Context, buf *models.NotificationBuffer) (FlushOutcome, error)
}

// Manager owns the open buffers and their flush lifecycle.
type Manager struct {
	buffers   BufferStore
	scheduler FlushScheduler
	flusher   Flusher
	clock     clock.Clock
	logger    *zap.Logger

	// mu serialises the check-then-act on buffers; flushing happens outside it.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithBufferStore replaces the in-memory buffer store.
func WithBufferStore(s BufferStore) Option {
	return func(m *Manager) { m.buffers = s }
}

// WithScheduler replaces the timer scheduler.
func WithScheduler(s FlushScheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager builds a manager that hands closed buffers to flusher.
func NewManager(flusher Flusher, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		flusher: flusher,
		clock:   clock.Real{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.buffers == nil {
		m.buffers = NewMemoryBufferStore()
	}
	if m.scheduler == nil {
		m.scheduler = NewTimerScheduler(m.clock, logger)
	}
	return m
}

// QueueNotificationEvent adds ev to the buffer for its participant and rule.
// The first event of a buffer fixes the merge window; a buffer whose window
// has already closed is flushed before a new one is started.
func (m *Manager) QueueNotificationEvent(ctx context.Context, ev models.NotificationEvent, settings models.NotificationSettings) error {
	settings = settings.WithDefaults()
	now := m.clock.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if err := models.ValidateStruct(ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	key := models.KeyOf(ev)
	log := m.logger.With(zap.String("key", key.String()))

	m.mu.Lock()
	existing, err := m.buffers.Get(ctx, key)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("load buffer: %w", err)
	}

	if existing != nil && now.Before(existing.MergeWindowEnds) {
		err := m.buffers.Append(ctx, key, ev)
		switch {
		case err == nil:
			m.mu.Unlock()
			telemetry.EventsBuffered.WithLabelValues(string(ev.Rule)).Inc()
			log.Debug("event merged", zap.Int("events", len(existing.Events)+1))
			return nil
		case errors.Is(err, errNoBuffer):
			// Flushed by another process between Get and Append.
			existing = nil
		default:
			m.mu.Unlock()
			return fmt.Errorf("append event: %w", err)
		}
	}

	var stale *models.NotificationBuffer
	if existing != nil {
		stale, err = m.buffers.Take(ctx, key, existing.Generation)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("take stale buffer: %w", err)
		}
		if stale != nil {
			telemetry.ActiveBuffersGauge.Dec()
		}
	}

	buf := models.NotificationBuffer{
		Key:             key,
		Generation:      uuid.NewString(),
		ProgramID:       ev.ProgramID,
		Events:          []models.NotificationEvent{ev},
		MergeWindowEnds: now.Add(settings.MergeWindow),
		Settings:        settings,
	}
	if err := m.buffers.Create(ctx, buf); err != nil {
		m.mu.Unlock()
		return errors.Join(fmt.Errorf("create buffer: %w", err), m.flush(ctx, stale))
	}
	m.mu.Unlock()
	telemetry.ActiveBuffersGauge.Inc()
	telemetry.EventsBuffered.WithLabelValues(string(ev.Rule)).Inc()
	log.Debug("buffer opened", zap.Time("merge_window_ends", buf.MergeWindowEnds))

	var errs []error
	if stale != nil {
		log.Info("flushing stale buffer", zap.Time("merge_window_ends", stale.MergeWindowEnds))
		errs = append(errs, m.flush(ctx, stale))
	}
	if err := m.scheduler.ScheduleFlush(ctx, buf, m.FlushGeneration); err != nil {
		log.Error("schedule flush failed, dropping buffer", zap.Error(err))
		errs = append(errs, fmt.Errorf("schedule flush: %w", err))
		// A buffer without a pending flush would never close; remove it so
		// the caller can retry the event from a clean state.
		m.mu.Lock()
		orphan, takeErr := m.buffers.Take(ctx, key, buf.Generation)
		m.mu.Unlock()
		if takeErr != nil {
			errs = append(errs, fmt.Errorf("drop unscheduled buffer: %w", takeErr))
		} else if orphan != nil {
			telemetry.ActiveBuffersGauge.Dec()
		}
	}
	return errors.Join(errs...)
}

// FlushBuffer closes and composes the buffer for key, if any.
func (m *Manager) FlushBuffer(ctx context.Context, key models.BufferKey) error {
	return m.FlushGeneration(ctx, key, "")
}

// FlushGeneration flushes the buffer for key only if it is still the
// generation the flush was scheduled for. A newer buffer is left alone.
func (m *Manager) FlushGeneration(ctx context.Context, key models.BufferKey, generation string) error {
	m.mu.Lock()
	buf, err := m.buffers.Take(ctx, key, generation)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("take buffer: %w", err)
	}
	if buf == nil {
		m.logger.Debug("flush skipped, buffer gone", zap.String("key", key.String()), zap.String("generation", generation))
		return nil
	}
	telemetry.ActiveBuffersGauge.Dec()
	return m.flush(ctx, buf)
}

// FlushAll flushes every open buffer. It is used on shutdown.
func (m *Manager) FlushAll(ctx context.Context) error {
	keys, err := m.buffers.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list buffers: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := m.FlushBuffer(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", key, err))
		}
	}
	if len(keys) > 0 {
		m.logger.Info("flushed open buffers", zap.Int("count", len(keys)))
	}
	return errors.Join(errs...)
}

// Stop cancels pending scheduled flushes without flushing.
func (m *Manager) Stop() {
	m.scheduler.Stop()
}

func (m *Manager) flush(ctx context.Context, buf *models.NotificationBuffer) error {
	if buf == nil || len(buf.Events) == 0 {
		return nil
	}
	telemetry.BuffersFlushed.WithLabelValues(string(buf.Key.Rule)).Inc()
	outcome, err := m.flusher.Flush(ctx, buf)
	if err != nil {
		return err
	}
	fields := []zap.Field{
		zap.String("key", buf.Key.String()),
		zap.Int("events", len(buf.Events)),
		zap.Time("first_event", buf.FirstEventTime()),
		zap.Time("last_event", buf.LastEventTime()),
		zap.Bool("throttled", outcome.Throttled),
	}
	if outcome.Job != nil {
		fields = append(fields, zap.String("job_id", outcome.Job.ID), zap.String("message", outcome.Message))
	}
	m.logger.Debug("buffer flushed", fields...)
	return nil
}

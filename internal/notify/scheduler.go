package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/queue"
)

// FlushFunc flushes one generation of a buffer.
type FlushFunc func(ctx context.Context, key models.BufferKey, generation string) error

// FlushScheduler arranges for a buffer to be flushed when its merge window ends.
type FlushScheduler interface {
	ScheduleFlush(ctx context.Context, buf models.NotificationBuffer, flush FlushFunc) error
	// Stop cancels flushes that have not fired yet.
	Stop()
}

// TimerScheduler fires flushes from in-process timers. Pending timers are
// lost on exit; callers drain with Manager.FlushAll.
type TimerScheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTimerScheduler returns an idle scheduler.
func NewTimerScheduler(clk clock.Clock, logger *zap.Logger) *TimerScheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerScheduler{clock: clk, logger: logger, timers: make(map[string]*time.Timer)}
}

func (s *TimerScheduler) ScheduleFlush(_ context.Context, buf models.NotificationBuffer, flush FlushFunc) error {
	delay := buf.MergeWindowEnds.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	key, gen := buf.Key, buf.Generation

	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[gen] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, gen)
		s.mu.Unlock()
		if err := flush(context.Background(), key, gen); err != nil {
			s.logger.Error("scheduled flush failed", zap.String("key", key.String()), zap.Error(err))
		}
	})
	return nil
}

func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for gen, t := range s.timers {
		t.Stop()
		delete(s.timers, gen)
	}
}

// Pending reports how many timers have not fired.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Enqueuer inserts pending jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts ...queue.EnqueueOption) (models.Job, error)
}

// JobScheduler persists each flush as a flush_buffer job due at the end of
// the merge window, so flushes survive restarts and run on the worker.
type JobScheduler struct {
	queue Enqueuer
}

// NewJobScheduler schedules flushes through q.
func NewJobScheduler(q Enqueuer) *JobScheduler {
	return &JobScheduler{queue: q}
}

func (s *JobScheduler) ScheduleFlush(ctx context.Context, buf models.NotificationBuffer, _ FlushFunc) error {
	_, err := s.queue.Enqueue(ctx, models.TypeFlushBuffer, models.FlushBufferPayload{
		ParticipantUUID: buf.Key.ParticipantUUID,
		Rule:            buf.Key.Rule,
		Generation:      buf.Generation,
	}, queue.WithScheduledAt(buf.MergeWindowEnds))
	if err != nil {
		return fmt.Errorf("enqueue flush: %w", err)
	}
	return nil
}

func (s *JobScheduler) Stop() {}

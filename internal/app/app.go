// Package app assembles the shared components of the API and worker
// processes from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"loyalty-notify/internal/config"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/notify"
	"loyalty-notify/internal/participants"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/ratelimit"
	"loyalty-notify/internal/store"
	"loyalty-notify/internal/throttle"
	"loyalty-notify/internal/worker"
)

// App holds the wired components. Optional parts are nil when disabled.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Store        store.Store
	Queue        *queue.JobQueue
	Manager      *notify.Manager
	Participants *participants.Client
	Limiter      *ratelimit.TokenBucket
	Redis        *redis.Client

	pings   []func(context.Context) error
	closers []func()
}

// New connects the backends selected by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.pings = append(a.pings, pg.Ping)
		a.Store = pg
	default:
		a.Store = store.NewMemory()
	}
	a.Queue = queue.New(a.Store, logger, queue.WithDefaultMaxAttempts(cfg.MaxAttempts))

	if cfg.UsesRedis() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.pings = append(a.pings, func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() })
	}
	if cfg.RateLimitCapacity > 0 {
		a.Limiter = ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour, nil)
	}

	var lookup notify.Lookup
	if cfg.ParticipantAPIURL != "" {
		a.Participants = participants.NewClient(cfg.ParticipantAPIURL, cfg.ParticipantAPIKey, cfg.ParticipantAPITimeout, logger)
		lookup = a.Participants
	}

	var (
		buffers notify.BufferStore
		tracker throttle.Tracker
	)
	if cfg.BufferBackend == config.BackendRedis {
		buffers = notify.NewRedisBufferStore(a.Redis, "")
		tracker = throttle.NewRedis(a.Redis, "")
	} else {
		buffers = notify.NewMemoryBufferStore()
		tracker = throttle.NewMemory()
	}

	notifyLog := logger.Named("notify")
	var scheduler notify.FlushScheduler
	if cfg.FlushScheduler == config.SchedulerJob {
		scheduler = notify.NewJobScheduler(a.Queue)
	} else {
		scheduler = notify.NewTimerScheduler(nil, notifyLog)
	}

	composer := notify.NewComposer(lookup, nil, a.Queue, tracker, nil, notifyLog)
	a.Manager = notify.NewManager(composer, notifyLog,
		notify.WithBufferStore(buffers),
		notify.WithScheduler(scheduler),
	)
	return a, nil
}

// Processor builds a worker with every handler the configuration supports.
func (a *App) Processor() *worker.Processor {
	p := worker.NewProcessor(a.Queue, a.Logger.Named("worker"), worker.Options{
		PollInterval:  a.Config.WorkerPollInterval,
		MaxConcurrent: a.Config.WorkerMaxConcurrent,
		WorkerID:      a.Config.WorkerID,
	})
	p.RegisterHandler(models.TypeFlushBuffer, worker.NewFlushBufferHandler(a.Manager))
	if a.Participants != nil {
		p.RegisterHandler(models.TypeBulkResyncPasses, worker.NewResyncPassesHandler(a.Participants))
	} else {
		a.Logger.Warn("PARTICIPANT_API_URL not set, bulk_resync_passes jobs will not be processed")
	}
	return p
}

// Ping checks every external backend.
func (a *App) Ping(ctx context.Context) error {
	for _, ping := range a.pings {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops timer flushes and flushes the buffers they would have
// closed. Flush jobs are durable, so the job scheduler leaves buffers for
// the worker.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Config.FlushScheduler == config.SchedulerJob {
		return nil
	}
	a.Manager.Stop()
	if err := a.Manager.FlushAll(ctx); err != nil {
		return fmt.Errorf("flush buffers: %w", err)
	}
	return nil
}

// Close releases backend connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

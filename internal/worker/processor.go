package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"loyalty-notify/internal/models"
	"loyalty-notify/internal/queue"
	"loyalty-notify/internal/telemetry"
)

const (
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxConcurrent = 1
)

// Options tunes the polling loop.
type Options struct {
	PollInterval  time.Duration
	MaxConcurrent int
	WorkerID      string
}

// Processor drives the worker execution loop.
type Processor struct {
	queue         *queue.JobQueue
	logger        *zap.Logger
	handlers      map[string]queue.Handler
	pollInterval  time.Duration
	maxConcurrent int

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func NewProcessor(q *queue.JobQueue, logger *zap.Logger, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WorkerID != "" {
		logger = logger.With(zap.String("worker_id", opts.WorkerID))
	}
	return &Processor{
		queue:         q,
		logger:        logger,
		handlers:      make(map[string]queue.Handler),
		pollInterval:  opts.PollInterval,
		maxConcurrent: opts.MaxConcurrent,
		inFlight:      make(map[string]struct{}),
	}
}

// RegisterHandler binds a handler to a job type. Register before Run.
func (p *Processor) RegisterHandler(jobType string, handler queue.Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Info("worker started",
		zap.Strings("types", p.types()),
		zap.Duration("poll_interval", p.pollInterval),
		zap.Int("max_concurrent", p.maxConcurrent),
	)
	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping, draining in-flight jobs", zap.Int("in_flight", p.InFlight()))
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// InFlight reports how many jobs are running.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// tick leases at most one job. Errors are logged, never returned.
func (p *Processor) tick(ctx context.Context) {
	if p.InFlight() >= p.maxConcurrent {
		return
	}
	job, err := p.queue.Dequeue(ctx, p.types()...)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("dequeue failed", zap.Error(err))
		}
		return
	}
	if job == nil {
		return
	}
	log := p.logger.With(zap.String("job_id", job.ID), zap.String("type", job.Type), zap.Int("attempts", job.Attempts))

	handler, ok := p.handlers[job.Type]
	if !ok {
		msg := fmt.Sprintf("No handler for job type: %s", job.Type)
		if err := p.queue.FailPermanently(ctx, job.ID, msg); err != nil {
			log.Error("fail job without handler", zap.Error(err))
		}
		log.Warn(msg)
		return
	}

	p.track(job.ID)
	p.wg.Add(1)
	// In-flight jobs finish with their own context so shutdown can drain them.
	jobCtx := context.WithoutCancel(ctx)
	go func(job models.Job) {
		defer p.wg.Done()
		defer p.untrack(job.ID)
		start := time.Now()
		if err := p.queue.ProcessJob(jobCtx, job, handler); err != nil {
			log.Warn("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
			return
		}
		log.Info("job completed", zap.Duration("elapsed", time.Since(start)))
	}(*job)
}

func (p *Processor) track(id string) {
	p.mu.Lock()
	p.inFlight[id] = struct{}{}
	p.mu.Unlock()
	telemetry.InFlightGauge.Inc()
}

func (p *Processor) untrack(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
	telemetry.InFlightGauge.Dec()
}

func (p *Processor) types() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

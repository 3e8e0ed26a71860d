package worker

import (
	"context"
	"fmt"

	"loyalty-notify/internal/models"
	"loyalty-notify/internal/participants"
	"loyalty-notify/internal/queue"
)

// PassResyncer is the participant API surface used by the resync handler.
type PassResyncer interface {
	GetProgram(ctx context.Context, programID string) (*participants.Program, error)
	ResyncPasses(ctx context.Context, programID string) (participants.ResyncResult, error)
}

// NewResyncPassesHandler handles bulk_resync_passes jobs.
func NewResyncPassesHandler(api PassResyncer) queue.Handler {
	return func(ctx context.Context, job models.Job) (any, error) {
		var p models.ResyncPassesPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return nil, err
		}
		program, err := api.GetProgram(ctx, p.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("load program %s: %w", p.ProgramID, err)
		}
		if program == nil {
			return nil, fmt.Errorf("program %s not found", p.ProgramID)
		}
		res, err := api.ResyncPasses(ctx, p.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("resync passes for %s: %w", p.ProgramID, err)
		}
		return res, nil
	}
}

// BufferFlusher flushes one generation of a notification buffer.
type BufferFlusher interface {
	FlushGeneration(ctx context.Context, key models.BufferKey, generation string) error
}

// NewFlushBufferHandler handles flush_buffer jobs created by the job scheduler.
func NewFlushBufferHandler(f BufferFlusher) queue.Handler {
	return func(ctx context.Context, job models.Job) (any, error) {
		var p models.FlushBufferPayload
		if err := models.DecodePayload(job, &p); err != nil {
			return nil, err
		}
		if err := f.FlushGeneration(ctx, p.Key(), p.Generation); err != nil {
			return nil, fmt.Errorf("flush %s: %w", p.Key(), err)
		}
		return nil, nil
	}
}

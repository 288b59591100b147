// Package worker runs the guardian notification job loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nikahlink/backend/internal/guardian"
	"github.com/nikahlink/backend/pkg/queue"
)

// Jobs is the queue surface the worker consumes. Satisfied by *queue.Queue.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// NotificationProcessor processes guardian notification jobs: resolve the
// oversight target, compose, deliver; failed deliveries are retried and
// eventually dead-lettered by the queue.
type NotificationProcessor struct {
	dispatcher *guardian.Dispatcher
	queue      Jobs
	logger     *zap.Logger
}

// NewNotificationProcessor creates a guardian notification processor.
func NewNotificationProcessor(dispatcher *guardian.Dispatcher, q Jobs, logger *zap.Logger) *NotificationProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationProcessor{dispatcher: dispatcher, queue: q, logger: logger}
}

// Process executes one guardian notification job.
func (p *NotificationProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeGuardianNotify {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.GuardianNotifyPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return p.dispatcher.Dispatch(ctx, guardian.NotificationFromPayload(payload))
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *NotificationProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("notification worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("notification worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.backoff(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.backoff(ctx)
			continue
		}
	}
}

// backoff waits out the retry interval, returning early on cancellation so a
// failing queue never delays shutdown.
func (p *NotificationProcessor) backoff(ctx context.Context) {
	t := time.NewTimer(queue.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/pkg/jobs"
)

type auditRepository interface {
	Create(ctx context.Context, event *models.AuditEvent) error
}

// AuditPublisher decouples audit-event recording from the auth flows.
// Publish enqueues onto an in-memory worker queue and returns
// immediately; a full buffer or a write failure is logged, never
// surfaced to the caller.
type AuditPublisher struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditPublisher builds the publisher and its backing queue.
func NewAuditPublisher(repo auditRepository, logger *zap.Logger, workers, bufferSize int) *AuditPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &AuditPublisher{logger: logger}

	handler := func(ctx context.Context, job jobs.Job) error {
		event, ok := job.Payload.(models.AuthEvent)
		if !ok {
			logger.Error("unexpected audit payload", zap.String("job_id", job.ID))
			return nil
		}

		switch event.Kind {
		case models.AuthEventLoginFailed, models.AuthEventInvalidToken, models.AuthEventAccountLocked:
			logger.Warn("auth_event",
				zap.String("username", event.Username),
				zap.String("kind", event.Kind),
				zap.String("message", event.Message),
				zap.String("source_ip", event.SourceIP))
		default:
			logger.Info("auth_event",
				zap.String("username", event.Username),
				zap.String("kind", event.Kind),
				zap.String("source_ip", event.SourceIP))
		}

		return repo.Create(ctx, &models.AuditEvent{
			Username: event.Username,
			Kind:     event.Kind,
			Message:  event.Message,
			SourceIP: event.SourceIP,
		})
	}

	p.queue = jobs.NewQueue("audit-events", handler, jobs.QueueConfig{
		Workers:    workers,
		BufferSize: bufferSize,
		Logger:     logger,
	})

	return p
}

// Start begins consuming queued events.
func (p *AuditPublisher) Start(ctx context.Context) {
	p.queue.Start(ctx)
}

// Stop drains the workers.
func (p *AuditPublisher) Stop() {
	p.queue.Stop()
}

// Publish enqueues an event without blocking the caller.
func (p *AuditPublisher) Publish(event models.AuthEvent) {
	ok := p.queue.TryEnqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    event.Kind,
		Payload: event,
	})
	if !ok {
		p.logger.Warn("audit event dropped", zap.String("kind", event.Kind), zap.String("username", event.Username))
	}
}

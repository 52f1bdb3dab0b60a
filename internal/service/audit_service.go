package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/export"
)

type auditReader interface {
	ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error)
}

// AuditService reads the audit trail for administrative review.
type AuditService struct {
	repo     auditReader
	exporter *export.CSVExporter
	logger   *zap.Logger
}

// NewAuditService constructs an AuditService instance.
func NewAuditService(repo auditReader, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{repo: repo, exporter: export.NewCSVExporter(), logger: logger}
}

// ListRecent returns the newest audit events up to limit.
func (s *AuditService) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	events, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit events")
	}
	return events, nil
}

// ExportCSV renders the newest audit events as a CSV document.
func (s *AuditService) ExportCSV(ctx context.Context, limit int) ([]byte, error) {
	events, err := s.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{
		Headers: []string{"created_at", "username", "kind", "message", "source_ip"},
	}
	for _, e := range events {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339),
			"username":   e.Username,
			"kind":       e.Kind,
			"message":    e.Message,
			"source_ip":  e.SourceIP,
		})
	}

	payload, err := s.exporter.Render(dataset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render audit export")
	}
	return payload, nil
}

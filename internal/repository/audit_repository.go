package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vivuchat/vivuchat-api/internal/models"
)

// AuditRepository persists authentication audit events.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new instance of AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create stores an audit event row.
func (r *AuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO audit_events (id, username, kind, message, source_ip, created_at) VALUES (:id, :username, :kind, :message, :source_ip, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("create audit event: %w", err)
	}
	return nil
}

// ListRecent returns the newest audit events up to limit.
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT id, username, kind, message, source_ip, created_at FROM audit_events ORDER BY created_at DESC LIMIT %d", limit)
	var events []models.AuditEvent
	if err := r.db.SelectContext(ctx, &events, query); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return events, nil
}

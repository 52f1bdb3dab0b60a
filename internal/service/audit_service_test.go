package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
)

type staticAuditReader struct {
	events []models.AuditEvent
}

func (r *staticAuditReader) ListRecent(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit < len(r.events) {
		return r.events[:limit], nil
	}
	return r.events, nil
}

func TestAuditServiceExportCSV(t *testing.T) {
	reader := &staticAuditReader{events: []models.AuditEvent{
		{Username: "alice", Kind: models.AuthEventLoginSuccess, Message: "login successful", SourceIP: "10.0.0.1", CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)},
		{Username: "bob", Kind: models.AuthEventLoginFailed, Message: "password mismatch", SourceIP: "10.0.0.2", CreatedAt: time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)},
	}}
	svc := NewAuditService(reader, zap.NewNop())

	payload, err := svc.ExportCSV(context.Background(), 100)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(payload)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "created_at,username,kind,message,source_ip", lines[0])
	assert.Contains(t, lines[1], "alice")
	assert.Contains(t, lines[1], "LOGIN_SUCCESS")
	assert.Contains(t, lines[2], "password mismatch")
}

func TestAuditServiceExportCSVEmpty(t *testing.T) {
	svc := NewAuditService(&staticAuditReader{}, zap.NewNop())

	payload, err := svc.ExportCSV(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "created_at,username,kind,message,source_ip", strings.TrimSpace(string(payload)))
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vivuchat/vivuchat-api/internal/models"
)

// ChatRepository provides database access for chats and messages.
type ChatRepository struct {
	db *sqlx.DB
}

// NewChatRepository creates a new instance of ChatRepository.
func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Create inserts a new chat.
func (r *ChatRepository) Create(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	chat.UpdatedAt = now

	const query = `INSERT INTO chats (id, user_id, title, model, created_at, updated_at) VALUES (:id, :user_id, :title, :model, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, chat); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// FindByID returns a chat by identifier.
func (r *ChatRepository) FindByID(ctx context.Context, id string) (*models.Chat, error) {
	const query = `SELECT id, user_id, title, model, created_at, updated_at FROM chats WHERE id = $1 LIMIT 1`
	var chat models.Chat
	if err := r.db.GetContext(ctx, &chat, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find chat by id: %w", err)
	}
	return &chat, nil
}

// ListByUser returns a page of the user's chats with total count.
func (r *ChatRepository) ListByUser(ctx context.Context, filter models.ChatFilter) ([]models.Chat, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT id, user_id, title, model, created_at, updated_at FROM chats WHERE user_id = $1 ORDER BY updated_at DESC LIMIT %d OFFSET %d", pageSize, offset)
	var chats []models.Chat
	if err := r.db.SelectContext(ctx, &chats, listQuery, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("list chats: %w", err)
	}

	const countQuery = `SELECT COUNT(*) FROM chats WHERE user_id = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("count chats: %w", err)
	}

	return chats, total, nil
}

// ListMessages returns a chat's messages in chronological order.
func (r *ChatRepository) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	const query = `SELECT id, chat_id, role, content, created_at FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`
	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, chatID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// AppendMessage adds a message and bumps the chat's updated_at.
func (r *ChatRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insert = `INSERT INTO messages (id, chat_id, role, content, created_at) VALUES (:id, :chat_id, :role, :content, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	const touch = `UPDATE chats SET updated_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, touch, msg.ChatID, msg.CreatedAt); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append message: %w", err)
	}
	return nil
}

// Delete removes a chat and its messages.
func (r *ChatRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM chats WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

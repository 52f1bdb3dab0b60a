package models

import "time"

// Chat groups the messages of one conversation with a model.
type Chat struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	Model     string    `db:"model" json:"model"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Message roles follow the completion API convention.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSystem    = "system"
)

// Message is a single chat turn.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ChatID    string    `db:"chat_id" json:"chat_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CreateChatRequest starts a new conversation.
type CreateChatRequest struct {
	Title string `json:"title" validate:"required,max=200"`
	Model string `json:"model" validate:"required"`
}

// AppendMessageRequest adds a turn to an existing conversation.
type AppendMessageRequest struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatWithMessages is the detail view of a conversation.
type ChatWithMessages struct {
	Chat
	Messages []Message `json:"messages"`
}

// ChatFilter pages through a user's conversations.
type ChatFilter struct {
	UserID   string
	Page     int
	PageSize int
}

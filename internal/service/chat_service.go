package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

type chatRepository interface {
	Create(ctx context.Context, chat *models.Chat) error
	FindByID(ctx context.Context, id string) (*models.Chat, error)
	ListByUser(ctx context.Context, filter models.ChatFilter) ([]models.Chat, int, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	Delete(ctx context.Context, id string) error
}

// ChatService provides conversation persistence with ownership checks.
type ChatService struct {
	repo      chatRepository
	validator *validator.Validate
	logger    *zap.Logger
}

// NewChatService constructs a ChatService instance.
func NewChatService(repo chatRepository, validate *validator.Validate, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &ChatService{repo: repo, validator: validate, logger: logger}
}

// Create starts a new conversation for the user.
func (s *ChatService) Create(ctx context.Context, userID string, req models.CreateChatRequest) (*models.Chat, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid chat payload")
	}

	chat := &models.Chat{
		UserID: userID,
		Title:  req.Title,
		Model:  req.Model,
	}
	if err := s.repo.Create(ctx, chat); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create chat")
	}
	return chat, nil
}

// List returns a page of the user's chats.
func (s *ChatService) List(ctx context.Context, filter models.ChatFilter) ([]models.Chat, *models.Pagination, error) {
	chats, total, err := s.repo.ListByUser(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list chats")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return chats, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// Get returns a chat with its messages, enforcing ownership.
func (s *ChatService) Get(ctx context.Context, userID, chatID string) (*models.ChatWithMessages, error) {
	chat, err := s.owned(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	messages, err := s.repo.ListMessages(ctx, chatID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load messages")
	}

	return &models.ChatWithMessages{Chat: *chat, Messages: messages}, nil
}

// Append adds a message to an owned chat.
func (s *ChatService) Append(ctx context.Context, userID, chatID string, req models.AppendMessageRequest) (*models.Message, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid message payload")
	}

	if _, err := s.owned(ctx, userID, chatID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ChatID:  chatID,
		Role:    req.Role,
		Content: req.Content,
	}
	if err := s.repo.AppendMessage(ctx, msg); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to append message")
	}
	return msg, nil
}

// Delete removes an owned chat and its messages.
func (s *ChatService) Delete(ctx context.Context, userID, chatID string) error {
	if _, err := s.owned(ctx, userID, chatID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, chatID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete chat")
	}
	return nil
}

func (s *ChatService) owned(ctx context.Context, userID, chatID string) (*models.Chat, error) {
	chat, err := s.repo.FindByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "chat not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load chat")
	}
	if chat.UserID != userID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "chat does not belong to user")
	}
	return chat, nil
}

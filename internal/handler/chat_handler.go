package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/service"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/response"
)

// ChatHandler exposes conversation endpoints including the streaming
// completion proxy.
type ChatHandler struct {
	chats  *service.ChatService
	ollama *service.OllamaService
	logger *zap.Logger
}

// NewChatHandler creates a new handler.
func NewChatHandler(chats *service.ChatService, ollama *service.OllamaService, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{chats: chats, ollama: ollama, logger: logger}
}

// Create godoc
// @Summary Create chat
// @Description Start a new conversation
// @Tags Chats
// @Accept json
// @Produce json
// @Param payload body models.CreateChatRequest true "Chat payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /chats [post]
func (h *ChatHandler) Create(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid chat payload"))
		return
	}

	chat, err := h.chats.Create(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, chat)
}

// List godoc
// @Summary List chats
// @Description List the caller's conversations
// @Tags Chats
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /chats [get]
func (h *ChatHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	filter := models.ChatFilter{UserID: claims.UserID}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	chats, pagination, err := h.chats.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, chats, pagination)
}

// Get godoc
// @Summary Get chat
// @Description Return a conversation with its messages
// @Tags Chats
// @Produce json
// @Param id path string true "Chat ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/{id} [get]
func (h *ChatHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	chat, err := h.chats.Get(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, chat, nil)
}

// Delete godoc
// @Summary Delete chat
// @Description Remove a conversation and its messages
// @Tags Chats
// @Param id path string true "Chat ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chats/{id} [delete]
func (h *ChatHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.chats.Delete(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Stream godoc
// @Summary Stream completion
// @Description Append a user message and stream the model reply as NDJSON
// @Tags Chats
// @Accept json
// @Produce json
// @Param id path string true "Chat ID"
// @Param payload body models.AppendMessageRequest true "Message payload"
// @Success 200 {string} string "NDJSON stream"
// @Failure 404 {object} response.Envelope
// @Router /chats/{id}/stream [post]
func (h *ChatHandler) Stream(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var payload struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "message content required"))
		return
	}

	chatID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.chats.Append(ctx, claims.UserID, chatID, models.AppendMessageRequest{
		Role:    models.MessageRoleUser,
		Content: payload.Content,
	}); err != nil {
		response.Error(c, err)
		return
	}

	// Reload to pick up the full history including the new turn.
	chat, err := h.chats.Get(ctx, claims.UserID, chatID)
	if err != nil {
		response.Error(c, err)
		return
	}

	req := models.OllamaChatRequest{Model: chat.Model}
	for _, msg := range chat.Messages {
		req.Messages = append(req.Messages, models.OllamaChatMessage{Role: msg.Role, Content: msg.Content})
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	reply, err := h.ollama.StreamChat(ctx, req, c.Writer)
	if err != nil {
		// Headers are already gone; log and salvage whatever was streamed.
		h.logger.Warn("completion stream failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	if reply != "" {
		if _, err := h.chats.Append(ctx, claims.UserID, chatID, models.AppendMessageRequest{
			Role:    models.MessageRoleAssistant,
			Content: reply,
		}); err != nil {
			h.logger.Warn("failed to persist assistant reply", zap.String("chat_id", chatID), zap.Error(err))
		}
	}
}

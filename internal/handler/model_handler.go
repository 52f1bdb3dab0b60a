package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/service"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/response"
)

// ModelHandler exposes model management endpoints backed by the
// completion backend.
type ModelHandler struct {
	service *service.OllamaService
}

// NewModelHandler creates a new handler.
func NewModelHandler(svc *service.OllamaService) *ModelHandler {
	return &ModelHandler{service: svc}
}

// List godoc
// @Summary List models
// @Description List models available on the completion backend
// @Tags Models
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /models [get]
func (h *ModelHandler) List(c *gin.Context) {
	list, err := h.service.ListModels(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, list, nil)
}

// Show godoc
// @Summary Show model
// @Description Return details for one model on the completion backend
// @Tags Models
// @Produce json
// @Param name path string true "Model name"
// @Success 200 {object} response.Envelope
// @Router /models/{name} [get]
func (h *ModelHandler) Show(c *gin.Context) {
	detail, err := h.service.ShowModel(c.Request.Context(), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// Pull godoc
// @Summary Pull model
// @Description Ask the backend to download a model
// @Tags Models
// @Accept json
// @Produce json
// @Param payload body models.OllamaPullRequest true "Pull payload"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /models/pull [post]
func (h *ModelHandler) Pull(c *gin.Context) {
	var req models.OllamaPullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid pull payload"))
		return
	}

	if err := h.service.PullModel(c.Request.Context(), req); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, gin.H{"message": "model pull started"}, nil)
}

// Delete godoc
// @Summary Delete model
// @Description Remove a model from the backend
// @Tags Models
// @Param name path string true "Model name"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /models/{name} [delete]
func (h *ModelHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteModel(c.Request.Context(), c.Param("name")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

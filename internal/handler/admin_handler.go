package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/service"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/response"
)

// AdminHandler exposes token administration and user management endpoints.
type AdminHandler struct {
	auth    *service.AuthService
	users   *service.UserService
	audit   *service.AuditService
	metrics *service.MetricsService
}

// NewAdminHandler creates a new handler.
func NewAdminHandler(auth *service.AuthService, users *service.UserService, audit *service.AuditService, metrics *service.MetricsService) *AdminHandler {
	return &AdminHandler{auth: auth, users: users, audit: audit, metrics: metrics}
}

// ListActiveTokens godoc
// @Summary List active refresh tokens
// @Description List every refresh token that is still usable
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /admin/tokens [get]
func (h *AdminHandler) ListActiveTokens(c *gin.Context) {
	tokens, err := h.auth.ListActiveTokens(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tokens, nil)
}

// RevokeToken godoc
// @Summary Revoke a refresh token
// @Description Explicitly invalidate a refresh token by value
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body models.RevokeTokenRequest true "Revoke payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /admin/tokens/revoke [post]
func (h *AdminHandler) RevokeToken(c *gin.Context) {
	var req models.RevokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}
	req.IP = c.ClientIP()

	res, err := h.auth.RevokeToken(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	if res.Success {
		h.count("revoke", "success")
	} else {
		h.count("revoke", "noop")
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// RevokeUserTokens godoc
// @Summary Revoke all tokens for a user
// @Description Bulk-revoke every refresh token of the named user
// @Tags Admin
// @Accept json
// @Produce json
// @Param username path string true "Username"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{username}/tokens [delete]
func (h *AdminHandler) RevokeUserTokens(c *gin.Context) {
	var payload struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a bare request falls back to the default reason.
	_ = c.ShouldBindJSON(&payload)

	res, err := h.auth.RevokeAllForUser(c.Request.Context(), c.Param("username"), payload.Reason, c.ClientIP())
	if err != nil {
		response.Error(c, err)
		return
	}

	h.count("revoke_all", "success")
	response.JSON(c, http.StatusOK, res, nil)
}

// PurgeTokens godoc
// @Summary Purge expired tokens
// @Description Delete refresh tokens past their expiry immediately
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/tokens/purge [post]
func (h *AdminHandler) PurgeTokens(c *gin.Context) {
	n, err := h.auth.PurgeExpiredTokens(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	if h.metrics != nil {
		h.metrics.CountPurgedTokens(n)
	}
	response.JSON(c, http.StatusOK, gin.H{"purged": n}, nil)
}

// ListUsers godoc
// @Summary List users
// @Description List users with filtering and pagination
// @Tags Admin
// @Produce json
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Param search query string false "Search"
// @Param active query bool false "Active filter"
// @Success 200 {object} response.Envelope
// @Router /admin/users [get]
func (h *AdminHandler) ListUsers(c *gin.Context) {
	filter := models.UserFilter{
		Search:    c.Query("search"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if raw := c.Query("active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.Active = &active
		}
	}

	users, pagination, err := h.users.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, users, pagination)
}

// UpdateUserStatus godoc
// @Summary Update user status
// @Description Activate, deactivate or lock an account
// @Tags Admin
// @Accept json
// @Produce json
// @Param id path string true "User ID"
// @Param payload body service.UserStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /admin/users/{id}/status [put]
func (h *AdminHandler) UpdateUserStatus(c *gin.Context) {
	var req service.UserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}

	res, err := h.users.UpdateStatus(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// ListAuditEvents godoc
// @Summary List audit events
// @Description Return the newest authentication audit events
// @Tags Admin
// @Produce json
// @Param limit query int false "Limit"
// @Success 200 {object} response.Envelope
// @Router /admin/audit [get]
func (h *AdminHandler) ListAuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.audit.ListRecent(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, nil)
}

// ExportAuditEvents godoc
// @Summary Export audit events
// @Description Download the newest authentication audit events as CSV
// @Tags Admin
// @Produce text/csv
// @Param limit query int false "Limit"
// @Success 200 {string} string "CSV document"
// @Router /admin/audit/export [get]
func (h *AdminHandler) ExportAuditEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	payload, err := h.audit.ExportCSV(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="audit-events.csv"`)
	c.Data(http.StatusOK, "text/csv", payload)
}

func (h *AdminHandler) count(operation, outcome string) {
	if h.metrics != nil {
		h.metrics.CountAuthOperation(operation, outcome)
	}
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/service"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/response"
)

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service *service.AuthService
	metrics *service.MetricsService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc *service.AuthService, metrics *service.MetricsService) *AuthHandler {
	return &AuthHandler{service: svc, metrics: metrics}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate user by username and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		h.count("login", "failure")
		response.Error(c, err)
		return
	}

	h.count("login", "success")
	response.JSON(c, http.StatusOK, res, nil)
}

// Register godoc
// @Summary Register account
// @Description Create a new user account
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Register payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid register payload"))
		return
	}
	req.IP = c.ClientIP()

	res, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	response.JSON(c, status, res, nil)
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange refresh token for a new token pair
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshTokenRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}
	req.IP = c.ClientIP()

	if h.metrics != nil {
		h.metrics.RotationStarted()
		defer h.metrics.RotationFinished()
	}

	res, err := h.service.Refresh(c.Request.Context(), req)
	if err != nil {
		h.count("refresh", "failure")
		response.Error(c, err)
		return
	}

	h.count("refresh", "success")
	response.JSON(c, http.StatusOK, res, nil)
}

// Logout godoc
// @Summary Logout user
// @Description Revoke every refresh token of the named user
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LogoutRequest true "Logout payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	var req models.LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid logout payload"))
		return
	}
	req.IP = c.ClientIP()

	res, err := h.service.Logout(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.count("logout", "success")
	response.JSON(c, http.StatusOK, res, nil)
}

// Revoke godoc
// @Summary Revoke refresh token
// @Description Explicitly invalidate a refresh token by value
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RevokeTokenRequest true "Revoke payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /auth/revoke [post]
func (h *AuthHandler) Revoke(c *gin.Context) {
	var req models.RevokeTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid revoke payload"))
		return
	}
	req.IP = c.ClientIP()

	res, err := h.service.RevokeToken(c.Request.Context(), req)
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

func (h *AuthHandler) count(operation, outcome string) {
	if h.metrics != nil {
		h.metrics.CountAuthOperation(operation, outcome)
	}
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

type userAdminRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error)
	UpdateStatus(ctx context.Context, id string, active bool, lockedUntil *time.Time) error
	UpdateProfile(ctx context.Context, user *models.User) error
}

type sessionRevoker interface {
	DeleteByUser(ctx context.Context, userID, reason string) (int64, error)
}

// UserStatusRequest updates an account's availability.
type UserStatusRequest struct {
	Active      bool       `json:"active"`
	LockedUntil *time.Time `json:"locked_until"`
}

// UpdateProfileRequest edits the caller's own profile.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"max=100"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// UserService covers profile editing and administrative user management.
type UserService struct {
	repo      userAdminRepository
	sessions  sessionRevoker
	validator *validator.Validate
	logger    *zap.Logger
}

// NewUserService constructs a UserService instance.
func NewUserService(repo userAdminRepository, sessions sessionRevoker, validate *validator.Validate, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	return &UserService{repo: repo, sessions: sessions, validator: validate, logger: logger}
}

// Get returns a user by id.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	return user, nil
}

// List returns users matching the filter with pagination metadata.
func (s *UserService) List(ctx context.Context, filter models.UserFilter) ([]models.User, *models.Pagination, error) {
	users, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list users")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return users, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// UpdateStatus activates, deactivates or locks an account. Deactivating
// also revokes the user's refresh tokens so open sessions die with the
// account.
func (s *UserService) UpdateStatus(ctx context.Context, id string, req UserStatusRequest) (*models.MessageResponse, error) {
	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStatus(ctx, user.ID, req.Active, req.LockedUntil); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update user status")
	}

	if !req.Active || (req.LockedUntil != nil && req.LockedUntil.After(time.Now().UTC())) {
		if _, err := s.sessions.DeleteByUser(ctx, user.ID, models.ReasonAdminAction); err != nil {
			s.logger.Warn("failed to revoke tokens on status change", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.logger.Info("user status updated", zap.String("user_id", user.ID), zap.Bool("active", req.Active))
	return &models.MessageResponse{Message: "User status updated", Success: true}, nil
}

// UpdateProfile edits the caller's own profile fields.
func (s *UserService) UpdateProfile(ctx context.Context, id string, req UpdateProfileRequest) (*models.User, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid profile payload")
	}

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	if req.Email != "" {
		user.Email = req.Email
	}

	if err := s.repo.UpdateProfile(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update profile")
	}
	return user, nil
}

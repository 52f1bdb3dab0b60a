package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RegisterRequest creates a new user account.
type RegisterRequest struct {
	Username    string   `json:"username" validate:"required,min=3,max=50"`
	Email       string   `json:"email" validate:"required,email"`
	Password    string   `json:"password" validate:"required,min=6"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
	IP          string   `json:"-"`
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	IP           string `json:"-"`
}

// LogoutRequest names the user whose sessions are terminated.
type LogoutRequest struct {
	Username string `json:"username" validate:"required"`
	IP       string `json:"-"`
}

// RevokeTokenRequest explicitly invalidates a refresh token.
type RevokeTokenRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason"`
	IP     string `json:"-"`
}

// JwtResponse returns the issued token pair and identity.
type JwtResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	Roles        []string `json:"roles"`
}

// MessageResponse is a generic acknowledgement payload.
type MessageResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

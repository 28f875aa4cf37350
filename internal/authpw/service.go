// Package authpw provides email/password authentication with verification.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"critique/api/internal/store"
	"critique/api/internal/util"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDeactivated = errors.New("account deactivated")
	ErrEmailNotVerified   = errors.New("email not verified")
	ErrTokenInvalid       = errors.New("invalid or expired token")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
)

const (
	verificationTTL = 24 * time.Hour
	resetTTL        = time.Hour
	minPasswordLen  = 8
)

// UserStore defines the storage interface for auth.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error
	VerifyUserEmail(ctx context.Context, token string) error
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetPasswordReset(ctx context.Context, token string) (string, error)
	MarkPasswordResetUsed(ctx context.Context, token string) error
}

// Service provides email/password authentication.
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters.
type SignUpRequest struct {
	Email    string
	Password string
	Name     string
}

// SignUpResponse contains sign-up result.
type SignUpResponse struct {
	UserID              string
	VerificationToken   string
	RequiresEmailVerify bool
}

// SignUp creates a new user account with an unverified email.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*SignUpResponse, error) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		return nil, errors.New("email, password, and name are required")
	}
	if len(req.Password) < minPasswordLen {
		return nil, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	verificationToken := util.NewToken()
	user := store.User{
		ID:                util.NewID("usr"),
		Name:              req.Name,
		Email:             req.Email,
		PasswordHash:      string(hash),
		Role:              "editor",
		IsEmailVerified:   false,
		VerificationToken: verificationToken,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if err := s.store.UpdateUserVerificationToken(ctx, user.ID, verificationToken, time.Now().Add(verificationTTL)); err != nil {
		return nil, fmt.Errorf("set verification expiry: %w", err)
	}

	return &SignUpResponse{
		UserID:              user.ID,
		VerificationToken:   verificationToken,
		RequiresEmailVerify: true,
	}, nil
}

// SignInRequest contains sign-in parameters.
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. The password is always checked before the
// verification state so an unverified response cannot be used to probe
// whether an address has an account.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" {
		return store.User{}, errors.New("email and password are required")
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if user.DeactivatedAt != nil {
		return store.User{}, ErrAccountDeactivated
	}
	if !user.IsEmailVerified {
		return store.User{}, ErrEmailNotVerified
	}
	return user, nil
}

// VerifyEmail verifies an email address using a token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if token == "" {
		return ErrTokenInvalid
	}
	if err := s.store.VerifyUserEmail(ctx, token); err != nil {
		return ErrTokenInvalid
	}
	return nil
}

// RequestPasswordReset creates a password reset token. The empty return for
// unknown addresses is deliberate: callers respond identically either way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", nil
	}

	token := util.NewToken()
	if err := s.store.CreatePasswordReset(ctx, user.ID, token, time.Now().Add(resetTTL)); err != nil {
		return "", fmt.Errorf("create password reset: %w", err)
	}
	return token, nil
}

// ResetPasswordRequest contains password reset parameters.
type ResetPasswordRequest struct {
	Token       string
	NewPassword string
}

// ResetPassword resets a user's password using a reset token.
func (s *Service) ResetPassword(ctx context.Context, req ResetPasswordRequest) error {
	if req.Token == "" || req.NewPassword == "" {
		return errors.New("token and new password are required")
	}
	if len(req.NewPassword) < minPasswordLen {
		return ErrWeakPassword
	}

	userID, err := s.store.GetPasswordReset(ctx, req.Token)
	if err != nil {
		return ErrTokenInvalid
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateUserPassword(ctx, userID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	// The password is already changed at this point; a failed mark leaves a
	// spent token that expires on its own.
	_ = s.store.MarkPasswordResetUsed(ctx, req.Token)
	return nil
}

package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"github.com/taskwatch/project/internal/platform/auth"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidUsername     = errors.New("username is required")
	ErrInvalidEmail        = errors.New("a valid email is required")
	ErrInvalidPassword     = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrRefreshTokenMissing = errors.New("refresh_token is required")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
}

type Service struct {
	Repo       Repository
	AuthToken  auth.Manager
	NewID      func() string
	RefreshTTL time.Duration
	Now        func() time.Time
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:       repo,
		AuthToken:  tokenManager,
		NewID:      nuid.Next,
		RefreshTTL: 30 * 24 * time.Hour,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateRegistration(username, email, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}
	if len(password) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *Service) Register(ctx context.Context, username, email, password string) (AuthResponse, error) {
	if err := validateRegistration(username, email, password); err != nil {
		return AuthResponse{}, err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}

	user := User{
		ID:           s.NewID(),
		Username:     normalizeUsername(username),
		Email:        normalizeEmail(email),
		PasswordHash: string(passwordHash),
		CreatedAt:    s.Now(),
	}
	if err := s.Repo.CreateUser(ctx, user); err != nil {
		return AuthResponse{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	user, err := s.Repo.FindUserByUsername(ctx, normalizeUsername(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return AuthResponse{}, ErrRefreshTokenMissing
	}

	stored, err := s.Repo.FindRefreshToken(ctx, hashRefreshToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}
	if s.Now().After(stored.ExpiresAt) {
		_ = s.Repo.DeleteRefreshToken(ctx, stored.Hash)
		return AuthResponse{}, ErrInvalidRefreshToken
	}

	user, err := s.Repo.FindUserByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidRefreshToken
		}
		return AuthResponse{}, err
	}

	// Rotate: the presented token is spent regardless of what follows.
	if err := s.Repo.DeleteRefreshToken(ctx, stored.Hash); err != nil {
		return AuthResponse{}, err
	}
	return s.issueTokens(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return ErrRefreshTokenMissing
	}
	return s.Repo.DeleteRefreshToken(ctx, hashRefreshToken(refreshToken))
}

func (s *Service) issueTokens(ctx context.Context, user User) (AuthResponse, error) {
	accessToken, err := s.AuthToken.Sign(user.ID, user.Username)
	if err != nil {
		return AuthResponse{}, err
	}

	refreshToken := s.NewID() + s.NewID()
	record := RefreshToken{
		Hash:      hashRefreshToken(refreshToken),
		UserID:    user.ID,
		ExpiresAt: s.Now().Add(s.RefreshTTL),
	}
	if err := s.Repo.StoreRefreshToken(ctx, record); err != nil {
		return AuthResponse{}, err
	}

	return AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
	}, nil
}

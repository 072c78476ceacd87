package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"souk-chat/internal/database"
	"souk-chat/internal/middleware"
	"souk-chat/internal/models"
)

// ErrSessionNotFound is returned by a RefreshStore for unknown or expired
// refresh tokens.
var ErrSessionNotFound = errors.New("session not found")

// Session is what a refresh token resolves to.
type Session struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// RefreshStore persists opaque refresh tokens. Take consumes the token so a
// refresh token can only be rotated once.
type RefreshStore interface {
	Save(ctx context.Context, token string, s Session, ttl time.Duration) error
	Take(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
}

type RedisRefreshStore struct {
	redis *redis.Client
}

func NewRedisRefreshStore(redisClient *redis.Client) *RedisRefreshStore {
	return &RedisRefreshStore{redis: redisClient}
}

func (s *RedisRefreshStore) Save(ctx context.Context, token string, sess Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, database.RefreshTokenKey(token), data, ttl).Err()
}

func (s *RedisRefreshStore) Take(ctx context.Context, token string) (*Session, error) {
	raw, err := s.redis.GetDel(ctx, database.RefreshTokenKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session: %w", err)
	}
	return &sess, nil
}

func (s *RedisRefreshStore) Delete(ctx context.Context, token string) error {
	return s.redis.Del(ctx, database.RefreshTokenKey(token)).Err()
}

type AuthService struct {
	store      RefreshStore
	jwt        *middleware.JWTAuth
	refreshTTL time.Duration
}

func NewAuthService(store RefreshStore, jwt *middleware.JWTAuth, refreshTTL time.Duration) *AuthService {
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &AuthService{store: store, jwt: jwt, refreshTTL: refreshTTL}
}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// IssueToken starts a guest session for the given user id.
func (s *AuthService) IssueToken(ctx context.Context, req models.TokenRequest) (*models.AuthTokens, error) {
	fieldErrors := make(map[string]string)

	userID := strings.TrimSpace(req.UserID)
	if !userIDPattern.MatchString(userID) {
		fieldErrors["user_id"] = "User ID must be 1-128 letters, digits or ._:@-"
	}
	if len(req.DisplayName) > 64 {
		fieldErrors["display_name"] = "Display name must be at most 64 characters"
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Fields: fieldErrors}
	}

	return s.issueTokens(ctx, Session{UserID: userID, DisplayName: strings.TrimSpace(req.DisplayName)})
}

// RefreshToken rotates a refresh token into a new token pair.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (*models.AuthTokens, error) {
	if refreshToken == "" {
		return nil, &ValidationError{Fields: map[string]string{"refresh_token": "Refresh token is required"}}
	}

	sess, err := s.store.Take(ctx, refreshToken)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, &UnauthorizedError{Message: "Invalid or expired refresh token. Please sign in again."}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	return s.issueTokens(ctx, *sess)
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.store.Delete(ctx, refreshToken)
}

func (s *AuthService) issueTokens(ctx context.Context, sess Session) (*models.AuthTokens, error) {
	accessToken, err := s.jwt.GenerateAccessToken(sess.UserID, sess.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}

	refreshToken, err := generateToken(32)
	if err != nil {
		return nil, err
	}

	if err := s.store.Save(ctx, refreshToken, sess, s.refreshTTL); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return &models.AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int(s.jwt.TTL / time.Second),
	}, nil
}

func generateToken(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/users"
)

// Service issues and validates session tokens and API keys.
type Service struct {
	db          *database.DB
	userService *users.Service
	jwtSecret   []byte
	jwtExpiry   time.Duration
	apiKeyPrefix string
	logger      *zap.Logger
}

// Config holds the parameters auth needs beyond the store and user service.
type Config struct {
	JWTSecret    string
	JWTExpiry    time.Duration
	APIKeyPrefix string
}

// NewService creates a new auth service.
func NewService(db *database.DB, userService *users.Service, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		db:           db,
		userService:  userService,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry,
		apiKeyPrefix: cfg.APIKeyPrefix,
		logger:       logger,
	}
}

// Claims is the JWT payload for a session token.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Session is what a successful login or signup hands back to the client.
type Session struct {
	Token     string      `json:"token"`
	User      *models.User `json:"user"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// Login authenticates an email/password pair and mints a session token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.userService.VerifyCredentials(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return s.issueSession(user)
}

func (s *Service) issueSession(user *models.User) (*Session, error) {
	expiresAt := time.Now().Add(s.jwtExpiry)

	claims := &Claims{
		UserID: user.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "sandboxd",
			Subject:   user.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Session{Token: signed, User: user, ExpiresAt: expiresAt}, nil
}

// ValidateJWT parses and verifies a session token, returning its owner.
func (s *Service) ValidateJWT(ctx context.Context, tokenString string) (*models.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, apperr.Auth("invalid or expired session token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apperr.Auth("invalid or expired session token")
	}

	user, err := s.db.GetUserByID(ctx, claims.UserID)
	if err == database.ErrNotFound {
		return nil, apperr.Auth("invalid or expired session token")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session user: %w", err)
	}
	return user, nil
}

// Authenticated is what the request context carries once a request has
// passed through the auth gate.
type Authenticated struct {
	UserID  string
	APIKeyID string // empty for JWT sessions
}

// ValidateAPIKey validates "<prefix>.<secret>" against stored keys sharing
// that prefix, comparing hashes in constant time, and returns the owner.
func (s *Service) ValidateAPIKey(ctx context.Context, rawKey string) (*models.User, string, error) {
	prefix, secret, ok := splitAPIKey(rawKey)
	if !ok {
		return nil, "", apperr.Auth("malformed API key")
	}

	candidates, err := s.db.FindAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up api key: %w", err)
	}

	secretHash := hashAPIKeySecret(secret)

	for _, k := range candidates {
		if subtle.ConstantTimeCompare([]byte(secretHash), []byte(k.HashedSecret)) == 1 {
			_ = s.db.TouchAPIKey(ctx, k.ID)

			user, err := s.db.GetUserByID(ctx, k.UserID)
			if err != nil {
				return nil, "", fmt.Errorf("failed to look up api key owner: %w", err)
			}
			return user, k.ID, nil
		}
	}

	return nil, "", apperr.Auth("invalid API key")
}

// CreatedAPIKey is handed back once; the secret is never stored or
// retrievable again.
type CreatedAPIKey struct {
	models.APIKey
	FullKey string `json:"key"`
}

// IssueAPIKey creates a new long-lived API key for a user.
func (s *Service) IssueAPIKey(ctx context.Context, userID, name string) (*CreatedAPIKey, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, fmt.Errorf("failed to generate api key secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	prefix := s.apiKeyPrefix + uuid.New().String()[:8]
	fullKey := prefix + "." + secret

	key := &models.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Prefix:    prefix,
		Name:      name,
		CreatedAt: time.Now(),
	}

	if err := s.db.CreateAPIKey(ctx, key, hashAPIKeySecret(secret)); err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	return &CreatedAPIKey{APIKey: *key, FullKey: fullKey}, nil
}

// ListAPIKeys lists a user's API keys (never their secrets).
func (s *Service) ListAPIKeys(ctx context.Context, userID string) ([]*models.APIKey, error) {
	return s.db.ListAPIKeys(ctx, userID)
}

// RevokeAPIKey revokes one of a user's API keys.
func (s *Service) RevokeAPIKey(ctx context.Context, id, userID string) error {
	if err := s.db.RevokeAPIKey(ctx, id, userID); err != nil {
		if err == database.ErrNotFound {
			return apperr.NotFound("api key not found")
		}
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

func hashAPIKeySecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func splitAPIKey(raw string) (prefix, secret string, ok bool) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '.' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

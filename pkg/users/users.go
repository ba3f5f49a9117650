package users

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

// Service handles account creation and credential verification.
type Service struct {
	db     *database.DB
	logger *zap.Logger
}

// NewService creates a new user service.
func NewService(db *database.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// SignUp creates a new user with a bcrypt-hashed password verifier.
func (s *Service) SignUp(ctx context.Context, email, password string) (*models.User, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}

	verifier, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &models.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: time.Now(),
	}

	if err := s.db.CreateUser(ctx, u, verifier); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperr.Conflict("a user with this email already exists")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user created", zap.String("user_id", u.ID))
	return u, nil
}

// VerifyCredentials checks an email/password pair and returns the matching
// user on success.
func (s *Service) VerifyCredentials(ctx context.Context, email, password string) (*models.User, error) {
	u, verifier, err := s.db.GetUserByEmail(ctx, email)
	if err == database.ErrNotFound {
		// Run the comparison against a dummy hash anyway so a missing
		// account and a wrong password take the same amount of time.
		_ = verifyPassword(dummyHash, password)
		return nil, apperr.Auth("invalid email or password")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if !verifyPassword(verifier, password) {
		return nil, apperr.Auth("invalid email or password")
	}

	return u, nil
}

// dummyHash is a bcrypt hash of an arbitrary fixed string, used only to
// keep VerifyCredentials' timing constant when the account doesn't exist.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

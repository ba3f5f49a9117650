package users

import (
	"github.com/sandboxplatform/controlplane/internal/apperr"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt work factor for new password verifiers.
	DefaultCost = 10

	minPasswordLen = 8
	maxPasswordLen = 128
)

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePassword enforces the password length bounds.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return apperr.Validation("password must be between 8 and 128 characters", nil)
	}
	return nil
}

package database

import (
	"errors"
	"strings"
)

// Store-level sentinels. Service packages translate these into the
// apperr taxonomy; the store itself stays free of HTTP concerns.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// IsUniqueViolation reports whether err looks like a uniqueness constraint
// violation, across both the postgres and sqlite drivers this Store
// supports. The two drivers surface distinct error strings, so this checks
// substrings rather than a typed error.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

package api

import (
	"strconv"

	"github.com/sandboxplatform/controlplane/internal/apperr"
)

func apperrValidationBody(err error) error {
	return apperr.Validation("invalid request body", err)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

type contextKey string

const authContextKey contextKey = "auth"

// Middleware authenticates each request via either a Bearer JWT session
// token or a Bearer API key, attaching the resolved user, the API key id
// (if any) and a per-request trace id to the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondUnauthorized(w, traceID, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondUnauthorized(w, traceID, "invalid authorization header format")
			return
		}
		token := parts[1]

		var user *models.User
		auth := Authenticated{}

		if u, err := s.ValidateJWT(r.Context(), token); err == nil {
			user = u
		} else if u, keyID, err := s.ValidateAPIKey(r.Context(), token); err == nil {
			user = u
			auth.APIKeyID = keyID
		} else {
			s.logger.Debug("authentication failed", zap.String("trace_id", traceID))
			s.respondUnauthorized(w, traceID, "invalid session token or API key")
			return
		}

		auth.UserID = user.ID
		ctx := context.WithValue(r.Context(), authContextKey, &requestAuth{Authenticated: auth, User: user, TraceID: traceID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestAuth struct {
	Authenticated
	User    *models.User
	TraceID string
}

// UserFromContext extracts the authenticated user from the request context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	ra, ok := ctx.Value(authContextKey).(*requestAuth)
	if !ok {
		return nil, false
	}
	return ra.User, true
}

// FromContext extracts the full authenticated-request info (user id, api
// key id if any, trace id) from the request context.
func FromContext(ctx context.Context) (Authenticated, string, bool) {
	ra, ok := ctx.Value(authContextKey).(*requestAuth)
	if !ok {
		return Authenticated{}, "", false
	}
	return ra.Authenticated, ra.TraceID, true
}

func (s *Service) respondUnauthorized(w http.ResponseWriter, traceID, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"code":    "UNAUTHORIZED",
			"message": message,
			"trace_id": traceID,
		},
	})
}

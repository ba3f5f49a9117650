// Package hub implements the Log & Terminal Hub (C6): per-sandbox
// WebSocket endpoints for live log fan-out and PTY multiplexing.
package hub

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/sandboxes"
)

// Hub owns one broker per sandbox with an active log viewer, and drives
// terminal sessions directly against the runtime.
type Hub struct {
	sandboxes *sandboxes.Service
	auth      *auth.Service
	db        *database.DB
	runtime   runtime.Adapter
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	brokers *brokerRegistry
}

// New creates a new hub. allowedOrigins empty means allow all (development).
func New(sandboxSvc *sandboxes.Service, authSvc *auth.Service, db *database.DB, rt runtime.Adapter, allowedOrigins []string, logger *zap.Logger) *Hub {
	h := &Hub{
		sandboxes: sandboxSvc,
		auth:      authSvc,
		db:        db,
		runtime:   rt,
		logger:    logger,
		brokers:   newBrokerRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}

	sandboxSvc.OnLogEvent(h.broadcastLogEvent)
	return h
}

// authenticate resolves the bearer credential from either the
// Authorization header or a "token" query parameter, per §4.6.
func (h *Hub) authenticate(r *http.Request) (userID string, ok bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
			token = authHeader[len(prefix):]
		}
	}
	if token == "" {
		return "", false
	}

	if user, err := h.auth.ValidateJWT(r.Context(), token); err == nil {
		return user.ID, true
	}
	if user, _, err := h.auth.ValidateAPIKey(r.Context(), token); err == nil {
		return user.ID, true
	}
	return "", false
}

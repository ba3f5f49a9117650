package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/hub"
)

// RouterConfig wires every handler and the auth middleware into one router.
type RouterConfig struct {
	Environments *EnvironmentHandler
	Sandboxes    *SandboxHandler
	Auth         *AuthHandler
	Audit        *AuditHandler
	Health       *HealthHandler
	Hub          *hub.Hub
	AuthService  *auth.Service
	RateLimiter  *RateLimiter
}

// NewRouter builds the HTTP router: unauthenticated routes, authenticated
// REST routes behind the auth middleware, and the two WebSocket routes the
// Hub serves directly.
func NewRouter(cfg *RouterConfig) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", cfg.Health.Check).Methods("GET")
	r.HandleFunc("/health/ready", cfg.Health.Ready).Methods("GET")
	r.HandleFunc("/health/live", cfg.Health.Live).Methods("GET")
	r.HandleFunc("/auth/signup", cfg.RateLimiter.AuthAttemptMiddleware(cfg.Auth.SignUp)).Methods("POST")
	r.HandleFunc("/auth/login", cfg.RateLimiter.AuthAttemptMiddleware(cfg.Auth.Login)).Methods("POST")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(cfg.AuthService.Middleware)
	api.Use(cfg.RateLimiter.Middleware)

	api.HandleFunc("/api-keys", cfg.Auth.CreateAPIKey).Methods("POST")
	api.HandleFunc("/api-keys", cfg.Auth.ListAPIKeys).Methods("GET")
	api.HandleFunc("/api-keys/{id}", cfg.Auth.RevokeAPIKey).Methods("DELETE")

	api.HandleFunc("/environments", cfg.Environments.Create).Methods("POST")
	api.HandleFunc("/environments", cfg.Environments.List).Methods("GET")
	api.HandleFunc("/environments/{id}", cfg.Environments.Get).Methods("GET")
	api.HandleFunc("/environments/{id}", cfg.Environments.Update).Methods("PUT")
	api.HandleFunc("/environments/{id}", cfg.Environments.Delete).Methods("DELETE")
	api.HandleFunc("/environments/{id}/secrets", cfg.Environments.SetSecret).Methods("POST")
	api.HandleFunc("/environments/{id}/secrets/{key}", cfg.Environments.DeleteSecret).Methods("DELETE")

	api.Handle("/sandboxes", cfg.RateLimiter.SandboxCreateMiddleware(http.HandlerFunc(cfg.Sandboxes.Create))).Methods("POST")
	api.HandleFunc("/sandboxes", cfg.Sandboxes.List).Methods("GET")
	api.HandleFunc("/sandboxes/{id}", cfg.Sandboxes.Get).Methods("GET")
	api.HandleFunc("/sandboxes/{id}", cfg.Sandboxes.Destroy).Methods("DELETE")
	api.HandleFunc("/sandboxes/{id}/logs", cfg.Sandboxes.Logs).Methods("GET")
	api.HandleFunc("/sandboxes/{id}/metrics", cfg.Sandboxes.Metrics).Methods("GET")
	api.HandleFunc("/sandboxes/{id}/start", cfg.Sandboxes.Start).Methods("POST")
	api.HandleFunc("/sandboxes/{id}/stop", cfg.Sandboxes.Stop).Methods("POST")
	api.HandleFunc("/sandboxes/{id}/restart", cfg.Sandboxes.Restart).Methods("POST")
	api.HandleFunc("/sandboxes/{id}/replicate", cfg.Sandboxes.Replicate).Methods("POST")
	api.HandleFunc("/sandboxes/{id}/exec", cfg.Sandboxes.Exec).Methods("POST")

	api.HandleFunc("/audit", cfg.Audit.List).Methods("GET")

	r.HandleFunc("/ws/sandboxes/{id}/logs", cfg.Hub.ServeLogs).Methods("GET")
	r.HandleFunc("/ws/sandboxes/{id}/terminal", cfg.Hub.ServeTerminal).Methods("GET")

	return r
}

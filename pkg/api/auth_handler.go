package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/users"
)

// AuthHandler serves signup, login, and API key management.
type AuthHandler struct {
	auth   *auth.Service
	users  *users.Service
	audit  *AuditRecorder
	logger *zap.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authSvc *auth.Service, userSvc *users.Service, audit *AuditRecorder, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: authSvc, users: userSvc, audit: audit, logger: logger}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp handles POST /auth/signup.
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	user, err := h.users.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "user.signup", "user", user.ID, nil)
	respondJSON(w, http.StatusCreated, user)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, session.User.ID, "user.login", "user", session.User.ID, nil)
	respondJSON(w, http.StatusOK, session)
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

// CreateAPIKey handles POST /api/v1/api-keys.
func (h *AuthHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}
	if req.Name == "" {
		respondError(w, h.logger, apperr.Validation("name is required", nil))
		return
	}

	key, err := h.auth.IssueAPIKey(r.Context(), user.ID, req.Name)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "apikey.create", "api_key", key.ID, map[string]string{"name": key.Name})
	respondJSON(w, http.StatusCreated, key)
}

// ListAPIKeys handles GET /api/v1/api-keys.
func (h *AuthHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	keys, err := h.auth.ListAPIKeys(r.Context(), user.ID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, keys)
}

// RevokeAPIKey handles DELETE /api/v1/api-keys/{id}.
func (h *AuthHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.auth.RevokeAPIKey(r.Context(), id, user.ID); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "apikey.revoke", "api_key", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

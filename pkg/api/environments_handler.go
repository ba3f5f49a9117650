package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/environments"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

// EnvironmentHandler serves the Environment Service's HTTP surface.
type EnvironmentHandler struct {
	envs   *environments.Service
	audit  *AuditRecorder
	logger *zap.Logger
}

// NewEnvironmentHandler creates a new environment handler.
func NewEnvironmentHandler(envs *environments.Service, audit *AuditRecorder, logger *zap.Logger) *EnvironmentHandler {
	return &EnvironmentHandler{envs: envs, audit: audit, logger: logger}
}

type createEnvironmentRequest struct {
	Name       string               `json:"name"`
	Image      string               `json:"image"`
	Dockerfile string               `json:"dockerfile"`
	BuildFiles map[string]string    `json:"build_files"`
	Command    []string             `json:"command"`
	CPU        float64              `json:"cpu"`
	MemoryMB   int                  `json:"memory_mb"`
	Ports      []models.PortMapping `json:"ports"`
	Env        map[string]string    `json:"env"`
	Mounts     []string             `json:"mounts"`
}

// Create handles POST /environments.
func (h *EnvironmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req createEnvironmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	env, version, err := h.envs.Create(r.Context(), user.ID, environments.Spec{
		Name:       req.Name,
		Image:      req.Image,
		Dockerfile: req.Dockerfile,
		BuildFiles: req.BuildFiles,
		Command:    req.Command,
		CPU:        req.CPU,
		MemoryMB:   req.MemoryMB,
		Ports:      req.Ports,
		Env:        req.Env,
		Mounts:     req.Mounts,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "environment.create", "environment", env.ID, nil)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"environment": env, "version": version})
}

type patchEnvironmentRequest struct {
	Image      *string              `json:"image"`
	Dockerfile *string              `json:"dockerfile"`
	BuildFiles map[string]string    `json:"build_files"`
	Command    []string             `json:"command"`
	CPU        *float64             `json:"cpu"`
	MemoryMB   *int                 `json:"memory_mb"`
	Ports      []models.PortMapping `json:"ports"`
	Env        map[string]string    `json:"env"`
	Mounts     []string             `json:"mounts"`
}

// Update handles PUT /environments/{id}, appending a new version.
func (h *EnvironmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req patchEnvironmentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	version, err := h.envs.Update(r.Context(), user.ID, id, environments.Patch{
		Image:      req.Image,
		Dockerfile: req.Dockerfile,
		BuildFiles: req.BuildFiles,
		Command:    req.Command,
		CPU:        req.CPU,
		MemoryMB:   req.MemoryMB,
		Ports:      req.Ports,
		Env:        req.Env,
		Mounts:     req.Mounts,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "environment.update", "environment", id, map[string]string{"version": itoa(version.Version)})
	respondJSON(w, http.StatusOK, version)
}

// Get handles GET /environments/{id}.
func (h *EnvironmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	env, secrets, err := h.envs.Get(r.Context(), user.ID, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"environment": env, "secrets": secrets})
}

// List handles GET /environments.
func (h *EnvironmentHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	envs, err := h.envs.List(r.Context(), user.ID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, envs)
}

// Delete handles DELETE /environments/{id}.
func (h *EnvironmentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.envs.Delete(r.Context(), user.ID, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "environment.delete", "environment", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

type setSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetSecret handles POST /environments/{id}/secrets.
func (h *EnvironmentHandler) SetSecret(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	vars := mux.Vars(r)

	var req setSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	if err := h.envs.SetSecret(r.Context(), user.ID, vars["id"], req.Key, req.Value); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "environment.secret.set", "environment", vars["id"], map[string]string{"key": req.Key})
	w.WriteHeader(http.StatusNoContent)
}

// DeleteSecret handles DELETE /environments/{id}/secrets/{key}.
func (h *EnvironmentHandler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	vars := mux.Vars(r)

	if err := h.envs.DeleteSecret(r.Context(), user.ID, vars["id"], vars["key"]); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "environment.secret.delete", "environment", vars["id"], map[string]string{"key": vars["key"]})
	w.WriteHeader(http.StatusNoContent)
}

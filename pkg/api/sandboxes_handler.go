package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/sandboxes"
)

// SandboxHandler serves the Sandbox Service's HTTP surface.
type SandboxHandler struct {
	sandboxes *sandboxes.Service
	audit     *AuditRecorder
	logger    *zap.Logger
}

// NewSandboxHandler creates a new sandbox handler.
func NewSandboxHandler(svc *sandboxes.Service, audit *AuditRecorder, logger *zap.Logger) *SandboxHandler {
	return &SandboxHandler{sandboxes: svc, audit: audit, logger: logger}
}

type createSandboxRequest struct {
	EnvironmentID string               `json:"environment_id"`
	VersionID     string               `json:"version_id"`
	Name          string               `json:"name"`
	Ports         []models.PortMapping `json:"ports"`
	Env           map[string]string    `json:"env"`
	TTLSeconds    int                  `json:"ttl_seconds"`
}

// Create handles POST /sandboxes.
func (h *SandboxHandler) Create(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req createSandboxRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	sb, err := h.sandboxes.Create(r.Context(), user.ID, sandboxes.CreateSpec{
		EnvironmentID: req.EnvironmentID,
		VersionID:     req.VersionID,
		Name:          req.Name,
		Ports:         req.Ports,
		Env:           req.Env,
		TTLSeconds:    req.TTLSeconds,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "sandbox.create", "sandbox", sb.ID, nil)
	respondJSON(w, http.StatusCreated, sb)
}

// Get handles GET /sandboxes/{id}.
func (h *SandboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	sb, err := h.sandboxes.Get(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, sb)
}

// List handles GET /sandboxes.
func (h *SandboxHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	q := r.URL.Query()

	list, err := h.sandboxes.List(r.Context(), user.ID, models.Status(q.Get("status")), q.Get("environment_id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

// Logs handles GET /sandboxes/{id}/logs.
func (h *SandboxHandler) Logs(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := h.sandboxes.GetLogs(r.Context(), user.ID, mux.Vars(r)["id"], tail)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// Metrics handles GET /sandboxes/{id}/metrics.
func (h *SandboxHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	m, err := h.sandboxes.Metrics(r.Context(), user.ID, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// Start handles POST /sandboxes/{id}/start.
func (h *SandboxHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "sandbox.start", h.sandboxes.Start)
}

// Stop handles POST /sandboxes/{id}/stop.
func (h *SandboxHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "sandbox.stop", h.sandboxes.Stop)
}

// Restart handles POST /sandboxes/{id}/restart.
func (h *SandboxHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "sandbox.restart", h.sandboxes.Restart)
}

func (h *SandboxHandler) transition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, userID, id string) (*models.Sandbox, error)) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	sb, err := fn(r.Context(), user.ID, id)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, action, "sandbox", id, nil)
	respondJSON(w, http.StatusOK, sb)
}

// Destroy handles DELETE /sandboxes/{id}.
func (h *SandboxHandler) Destroy(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	if _, err := h.sandboxes.Destroy(r.Context(), user.ID, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "sandbox.destroy", "sandbox", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

type replicateRequest struct {
	Name  string               `json:"name"`
	Ports []models.PortMapping `json:"ports"`
}

// Replicate handles POST /sandboxes/{id}/replicate.
func (h *SandboxHandler) Replicate(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req replicateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	sb, err := h.sandboxes.Replicate(r.Context(), user.ID, id, sandboxes.ReplicateSpec{Name: req.Name, Ports: req.Ports})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "sandbox.replicate", "sandbox", sb.ID, map[string]string{"source_id": id})
	respondJSON(w, http.StatusCreated, sb)
}

type execRequest struct {
	Argv []string `json:"argv"`
}

// Exec handles POST /sandboxes/{id}/exec.
func (h *SandboxHandler) Exec(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, apperrValidationBody(err))
		return
	}

	exitCode, output, err := h.sandboxes.ExecBatch(r.Context(), user.ID, id, req.Argv)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r, user.ID, "sandbox.exec", "sandbox", id, nil)
	respondJSON(w, http.StatusOK, map[string]interface{}{"exit_code": exitCode, "output": output})
}

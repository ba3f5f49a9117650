package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/auth"
	"github.com/sandboxplatform/controlplane/pkg/database"
)

// AuditHandler serves a user's own audit trail.
type AuditHandler struct {
	db     *database.DB
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(db *database.DB, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{db: db, logger: logger}
}

// List handles GET /audit.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := h.db.ListAudit(r.Context(), user.ID, limit, offset)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

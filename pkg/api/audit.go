package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

// AuditRecorder writes append-only audit entries. Failures are logged but
// never surfaced to the caller: an audit write is never allowed to fail
// the request it describes.
type AuditRecorder struct {
	db     *database.DB
	logger *zap.Logger
}

// NewAuditRecorder creates a new audit recorder.
func NewAuditRecorder(db *database.DB, logger *zap.Logger) *AuditRecorder {
	return &AuditRecorder{db: db, logger: logger}
}

// Record persists one audit entry for the given request, best-effort.
func (a *AuditRecorder) Record(r *http.Request, userID, action, resourceType, resourceID string, metadata map[string]string) {
	entry := &models.AuditEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		ClientIP:     clientIP(r),
		ClientAgent:  r.UserAgent(),
		CreatedAt:    time.Now(),
	}

	if err := a.db.InsertAudit(r.Context(), entry); err != nil {
		a.logger.Warn("failed to record audit entry",
			zap.String("action", action), zap.String("resource_id", resourceID), zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

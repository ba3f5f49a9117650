package sandboxes

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

// Sync implements sync(sandbox_id): inspects the runtime and aligns the
// row, per §4.5's Status Reconciliation rules.
func (s *Service) Sync(ctx context.Context, sandboxID string) (*models.Sandbox, error) {
	sb, err := s.db.GetSandboxByID(ctx, sandboxID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.ContainerRef == "" {
		return sb, nil
	}

	inspect, err := s.runtime.Inspect(ctx, sb.ContainerRef)
	if err != nil {
		return sb, nil // runtime unavailable: leave the row as-is, don't propagate
	}

	var status models.Status
	var phase models.Phase
	var stoppedAt *time.Time

	switch {
	case inspect == nil:
		status, phase = models.StatusError, models.PhaseFailed
	case inspect.Running:
		status, phase = models.StatusRunning, models.PhaseHealthy
	case inspect.Status == "exited":
		status, phase = models.StatusStopped, models.PhaseStopped
		now := time.Now()
		stoppedAt = &now
	case inspect.Status == "dead":
		status, phase = models.StatusError, models.PhaseFailed
	default:
		return sb, nil
	}

	if status == sb.Status && phase == sb.Phase {
		return sb, nil
	}

	return s.db.UpdateSandboxTransition(ctx, sandboxID, func(sb *models.Sandbox) error {
		sb.Status = status
		sb.Phase = phase
		if stoppedAt != nil {
			sb.StoppedAt = stoppedAt
		}
		return nil
	})
}

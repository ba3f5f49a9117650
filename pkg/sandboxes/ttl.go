package sandboxes

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
)

// SweepExpired implements the TTL Sweeper body (§4.5/§8): for each
// sandbox past its expires_at and not already terminal, best-effort stop
// and remove the container, then mark it expired. Errors are logged, not
// raised; the next sweep retries.
func (s *Service) SweepExpired(ctx context.Context) {
	expiring, err := s.db.ListExpiring(ctx)
	if err != nil {
		s.logger.Error("ttl sweep: failed to list expiring sandboxes", zap.Error(err))
		return
	}

	for _, sb := range expiring {
		s.expireOne(ctx, sb)
	}
}

func (s *Service) expireOne(ctx context.Context, sb *models.Sandbox) {
	s.collectors.stop(sb.ID)

	if sb.ContainerRef != "" {
		if err := s.runtime.Stop(ctx, sb.ContainerRef, stopGraceSeconds); err != nil {
			s.logger.Warn("ttl sweep: failed to stop container", zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
		if err := s.runtime.Remove(ctx, sb.ContainerRef, true); err != nil {
			s.logger.Warn("ttl sweep: failed to remove container", zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}

	now := time.Now()
	_, err := s.db.UpdateSandboxTransition(ctx, sb.ID, func(sb *models.Sandbox) error {
		sb.Status = models.StatusExpired
		sb.Phase = models.PhaseStopped
		sb.StoppedAt = &now
		return nil
	})
	if err != nil {
		s.logger.Error("ttl sweep: failed to mark sandbox expired", zap.String("sandbox_id", sb.ID), zap.Error(err))
		return
	}

	s.logger.Info("sandbox expired by ttl sweep", zap.String("sandbox_id", sb.ID))
}

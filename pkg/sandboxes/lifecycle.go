package sandboxes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
)

const restartGraceSeconds = 10

// Start implements start: valid from stopped; cross-state calls on an
// already-running sandbox are no-ops that return the current row.
func (s *Service) Start(ctx context.Context, userID, id string) (*models.Sandbox, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status == models.StatusRunning {
		return sb, nil
	}
	if sb.Status != models.StatusStopped || sb.ContainerRef == "" {
		return nil, apperr.SandboxErr("sandbox has no container to start")
	}

	if err := s.runtime.Start(ctx, sb.ContainerRef); err != nil {
		return nil, apperr.RuntimeUnavailable("failed to start container", err)
	}

	now := time.Now()
	updated, err := s.db.UpdateSandboxTransition(ctx, id, func(sb *models.Sandbox) error {
		sb.Status = models.StatusRunning
		sb.Phase = models.PhaseHealthy
		sb.StartedAt = &now
		sb.StoppedAt = nil
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record start: %w", err)
	}

	s.collectors.start(s, id, updated.ContainerRef)
	s.logger.Info("sandbox started", zap.String("sandbox_id", id))
	return updated, nil
}

// Stop implements stop: valid from running; cross-state calls on an
// already-stopped sandbox are no-ops.
func (s *Service) Stop(ctx context.Context, userID, id string) (*models.Sandbox, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status != models.StatusRunning {
		return sb, nil
	}

	s.collectors.stop(id)

	if sb.ContainerRef != "" {
		if err := s.runtime.Stop(ctx, sb.ContainerRef, stopGraceSeconds); err != nil {
			return nil, apperr.RuntimeUnavailable("failed to stop container", err)
		}
	}

	now := time.Now()
	updated, err := s.db.UpdateSandboxTransition(ctx, id, func(sb *models.Sandbox) error {
		sb.Status = models.StatusStopped
		sb.Phase = models.PhaseStopped
		sb.StoppedAt = &now
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record stop: %w", err)
	}

	s.logger.Info("sandbox stopped", zap.String("sandbox_id", id))
	return updated, nil
}

// Restart implements restart: valid from running; re-stamps started_at.
func (s *Service) Restart(ctx context.Context, userID, id string) (*models.Sandbox, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status != models.StatusRunning || sb.ContainerRef == "" {
		return sb, nil
	}

	if err := s.runtime.Restart(ctx, sb.ContainerRef, restartGraceSeconds); err != nil {
		return nil, apperr.RuntimeUnavailable("failed to restart container", err)
	}

	now := time.Now()
	updated, err := s.db.UpdateSandboxTransition(ctx, id, func(sb *models.Sandbox) error {
		sb.StartedAt = &now
		sb.Status = models.StatusRunning
		sb.Phase = models.PhaseHealthy
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record restart: %w", err)
	}

	s.logger.Info("sandbox restarted", zap.String("sandbox_id", id))
	return updated, nil
}

// Destroy implements destroy: removes the container (best-effort) and
// hard-deletes the row, cascading to its logs. Concurrent destroys
// deduplicate via the store-level delete's affected-row count.
func (s *Service) Destroy(ctx context.Context, userID, id string) (bool, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get sandbox: %w", err)
	}

	s.collectors.stop(id)

	if sb.ContainerRef != "" {
		if err := s.runtime.Remove(ctx, sb.ContainerRef, true); err != nil {
			s.logger.Warn("failed to remove container during destroy", zap.String("sandbox_id", id), zap.Error(err))
		}
	}

	existed, err := s.db.DeleteSandbox(ctx, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete sandbox: %w", err)
	}

	s.logger.Info("sandbox destroyed", zap.String("sandbox_id", id))
	return existed, nil
}

// ReplicateSpec overrides for a replica; zero values fall back to the
// original's.
type ReplicateSpec struct {
	Name  string
	Ports []models.PortMapping
}

// Replicate implements replicate per §4.5: derive a new name, allocate
// fresh host ports by probing if none were supplied, then delegate to
// Create so the full provisioning pipeline runs again.
func (s *Service) Replicate(ctx context.Context, userID, id string, spec ReplicateSpec) (*models.Sandbox, error) {
	orig, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-replica-%s", orig.Name, randHex(2))
	}

	ports := spec.Ports
	if ports == nil {
		ports, err = allocateFreePorts(orig.Ports)
		if err != nil {
			return nil, err
		}
	}

	return s.Create(ctx, userID, CreateSpec{
		EnvironmentID: orig.EnvironmentID,
		VersionID:     orig.EnvironmentVersionID,
		Name:          name,
		Ports:         ports,
	})
}

// allocateFreePorts probes local availability starting at orig.host + 1
// for each mapping, per §4.5's Replicate and §9's host-port race note.
func allocateFreePorts(orig []models.PortMapping) ([]models.PortMapping, error) {
	out := make([]models.PortMapping, len(orig))
	for i, p := range orig {
		host, err := firstFreePort(p.Host + 1)
		if err != nil {
			return nil, apperr.Conflict(fmt.Sprintf("no free host port available above %d", p.Host))
		}
		out[i] = models.PortMapping{Container: p.Container, Host: host}
	}
	return out, nil
}

func firstFreePort(start int) (int, error) {
	for port := start; port < start+100 && port <= 65535; port++ {
		addr := net.JoinHostPort("", strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			_ = ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found within 100 attempts starting at %d", start)
}

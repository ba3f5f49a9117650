package sandboxes

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
)

// spawnProvisioner enqueues the async provisioner task for a sandbox id,
// guarded by the provisioner registry so idempotent creates never run two
// provisioners for the same id. overrideEnv is the caller-supplied env
// override from create_sandbox.
func (s *Service) spawnProvisioner(sandboxID string, overrideEnv map[string]string) {
	if !s.provisioners.tryAcquire(sandboxID) {
		return
	}
	go func() {
		defer s.provisioners.release(sandboxID)
		// The provisioner outlives the HTTP request; it gets its own
		// background context rather than the caller's.
		s.provision(context.Background(), sandboxID, overrideEnv)
	}()
}

func (s *Service) provision(ctx context.Context, sandboxID string, overrideEnv map[string]string) {
	sb, err := s.db.GetSandboxByID(ctx, sandboxID)
	if err != nil {
		s.logger.Error("provisioner: failed to reload sandbox", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return
	}

	version, err := s.envs.GetVersion(ctx, sb.EnvironmentVersionID)
	if err != nil {
		s.failSandbox(ctx, sandboxID, "failed to load environment version")
		return
	}

	secrets, err := s.envs.DecryptSecrets(ctx, version.ID)
	if err != nil {
		s.failSandbox(ctx, sandboxID, "failed to decrypt secrets")
		return
	}

	env := mergeEnv(version.Env, secrets, overrideEnv, sandboxID)

	ports := make([]runtime.PortBinding, len(sb.Ports))
	for i, p := range sb.Ports {
		ports[i] = runtime.PortBinding{Container: p.Container, Host: p.Host}
	}

	spec := runtime.ContainerSpec{
		Name:     "sandbox-" + sandboxID,
		Image:    version.Image,
		Command:  version.Command,
		Env:      env,
		Ports:    ports,
		CPU:      version.CPU,
		MemoryMB: version.MemoryMB,
		Labels: map[string]string{
			runtime.PlatformLabel: "true",
			"sandbox-id":          sandboxID,
			"user-id":             sb.UserID,
		},
	}

	progress := s.throttledProgress(sandboxID)

	deadline := time.Now().Add(healthWaitBudget)

	if err := s.runtime.EnsureImage(ctx, spec.Image, progress); err != nil {
		s.failSandbox(ctx, sandboxID, fmt.Sprintf("failed to pull image: %v", err))
		return
	}

	containerRef, err := s.runtime.CreateContainer(ctx, spec)
	if err != nil {
		s.failSandbox(ctx, sandboxID, fmt.Sprintf("failed to create container: %v", err))
		return
	}

	if _, err := s.db.UpdateSandboxTransition(ctx, sandboxID, func(sb *models.Sandbox) error {
		sb.ContainerRef = containerRef
		sb.Status = models.StatusPending
		sb.Phase = models.PhaseStarting
		return nil
	}); err != nil {
		s.logger.Error("provisioner: failed to record container ref", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return
	}

	if err := s.runtime.Start(ctx, containerRef); err != nil {
		s.failSandbox(ctx, sandboxID, fmt.Sprintf("failed to start container: %v", err))
		return
	}

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	healthy, err := s.runtime.WaitRunning(ctx, containerRef, remaining)
	if err != nil || !healthy {
		s.failSandbox(ctx, sandboxID, "container did not reach running state within the health-wait budget")
		return
	}

	now := time.Now()
	if _, err := s.db.UpdateSandboxTransition(ctx, sandboxID, func(sb *models.Sandbox) error {
		sb.Status = models.StatusRunning
		sb.Phase = models.PhaseHealthy
		sb.StartedAt = &now
		sb.ProvisionProgress = 100
		sb.ProvisionStatusText = "running"
		return nil
	}); err != nil {
		s.logger.Error("provisioner: failed to record running state", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return
	}

	s.logger.Info("sandbox provisioned", zap.String("sandbox_id", sandboxID))
	s.collectors.start(s, sandboxID, containerRef)
}

func (s *Service) failSandbox(ctx context.Context, sandboxID, reason string) {
	s.logger.Warn("provisioner failed", zap.String("sandbox_id", sandboxID), zap.String("reason", reason))
	_, err := s.db.UpdateSandboxTransition(ctx, sandboxID, func(sb *models.Sandbox) error {
		sb.Status = models.StatusError
		sb.Phase = models.PhaseFailed
		sb.ProvisionStatusText = reason
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record provisioning failure", zap.String("sandbox_id", sandboxID), zap.Error(err))
	}
}

// throttledProgress returns a ProgressFunc that only writes to the store
// when the percentage advances by at least progressThreshold, or on
// completion, per §4.5 step 3.
func (s *Service) throttledProgress(sandboxID string) runtime.ProgressFunc {
	last := -progressThreshold
	return func(percent int, status string) {
		if percent-last < progressThreshold && percent < 100 {
			return
		}
		last = percent
		ctx := context.Background()
		_, err := s.db.UpdateSandboxTransition(ctx, sandboxID, func(sb *models.Sandbox) error {
			sb.ProvisionProgress = percent
			sb.ProvisionStatusText = status
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to write provisioning progress", zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}
}

// mergeEnv computes version.env ⊕ decrypted_secrets ⊕ override.env ⊕
// {SANDBOX_ID: id}, right-biased, per §4.5 step 6.
func mergeEnv(versionEnv, secrets, override map[string]string, sandboxID string) []string {
	merged := make(map[string]string, len(versionEnv)+len(secrets)+len(override)+1)
	for k, v := range versionEnv {
		merged[k] = v
	}
	for k, v := range secrets {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	merged["SANDBOX_ID"] = sandboxID

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

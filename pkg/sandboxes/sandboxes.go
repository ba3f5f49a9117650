// Package sandboxes implements the Sandbox Service (C5): the lifecycle
// state machine, quota and idempotency enforcement, asynchronous
// provisioning, log ingestion, TTL sweep, replication, and status
// reconciliation with the runtime.
package sandboxes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/environments"
	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/runtime"
	"github.com/sandboxplatform/controlplane/pkg/validator"
)

const maxActiveSandboxesPerUser = 10

// progressThreshold is the minimum percent delta that triggers a
// provisioning progress write, per §4.5 step 3.
const progressThreshold = 5

// healthWaitBudget is the shared image-pull + start health-wait budget.
const healthWaitBudget = 30 * time.Second

// stopGraceSeconds is the grace period given to a running container on stop.
const stopGraceSeconds = 10

// Service is the Sandbox Service (C5).
type Service struct {
	db       *database.DB
	runtime  runtime.Adapter
	envs     *environments.Service
	logger   *zap.Logger
	maxActive int

	collectors *collectorRegistry
	provisioners *provisionerRegistry

	onLogEvent func(sandboxID string, entry *models.SandboxLog)
}

// NewService creates a new sandbox service.
func NewService(db *database.DB, rt runtime.Adapter, envs *environments.Service, maxActive int, logger *zap.Logger) *Service {
	if maxActive <= 0 {
		maxActive = maxActiveSandboxesPerUser
	}
	return &Service{
		db:           db,
		runtime:      rt,
		envs:         envs,
		maxActive:    maxActive,
		logger:       logger,
		collectors:   newCollectorRegistry(),
		provisioners: newProvisionerRegistry(),
	}
}

// CreateSpec is the caller-supplied shape for create_sandbox.
type CreateSpec struct {
	EnvironmentID string
	VersionID     string // optional; defaults to the environment's current version
	Name          string // optional; defaults to "{env.name}-{8 hex}"
	Ports         []models.PortMapping // optional override
	Env           map[string]string    // optional override, right-biased over version/secrets
	TTLSeconds    int                  // optional
}

// Create implements create_sandbox per §4.5: quota check, idempotent
// lookup, row insert, and async provisioner enqueue.
func (s *Service) Create(ctx context.Context, userID string, spec CreateSpec) (*models.Sandbox, error) {
	if spec.TTLSeconds > 0 {
		if err := validator.ValidateTTLSeconds(spec.TTLSeconds); err != nil {
			return nil, err
		}
	}

	active, err := s.db.CountActiveSandboxes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active sandboxes: %w", err)
	}
	if active >= s.maxActive {
		return nil, apperr.Quota(fmt.Sprintf("user already has the maximum of %d active sandboxes", s.maxActive))
	}

	env, err := s.envs.GetOwned(ctx, userID, spec.EnvironmentID)
	if err != nil {
		return nil, err
	}

	var version *models.EnvironmentVersion
	if spec.VersionID != "" {
		version, err = s.envs.GetVersion(ctx, spec.VersionID)
	} else {
		version, err = s.envs.GetCurrentVersion(ctx, env.ID)
	}
	if err != nil {
		return nil, err
	}
	if version.EnvironmentID != env.ID {
		return nil, apperr.NotFound("environment version not found")
	}

	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", env.Name, randHex(4))
	}

	// Idempotency: a prior row with this key wins, no new work.
	if existing, err := s.db.GetSandboxByName(ctx, userID, env.ID, name); err == nil {
		return existing, nil
	} else if err != database.ErrNotFound {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	ports := spec.Ports
	if ports == nil {
		ports = version.Ports
	}

	now := time.Now()
	sb := &models.Sandbox{
		ID:                   uuid.New().String(),
		UserID:               userID,
		EnvironmentID:        env.ID,
		EnvironmentVersionID: version.ID,
		Name:                 name,
		Status:               models.StatusPending,
		Phase:                models.PhaseCreating,
		Ports:                ports,
		CreatedAt:            now,
		ProvisionProgress:    0,
		ProvisionStatusText:  "",
	}
	if spec.TTLSeconds > 0 {
		expires := now.Add(time.Duration(spec.TTLSeconds) * time.Second)
		sb.ExpiresAt = &expires
	}

	if err := s.db.CreateSandbox(ctx, sb); err != nil {
		if err == database.ErrConflict {
			// Lost the insert race; the winner already exists.
			winner, err2 := s.db.GetSandboxByName(ctx, userID, env.ID, name)
			if err2 != nil {
				return nil, fmt.Errorf("failed to load idempotency winner: %w", err2)
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}

	s.spawnProvisioner(sb.ID, spec.Env)

	s.logger.Info("sandbox created", zap.String("sandbox_id", sb.ID), zap.String("user_id", userID))
	return sb, nil
}

// Get fetches a sandbox scoped to its owner, self-healing via sync first.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Sandbox, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status == models.StatusRunning {
		if synced, err := s.Sync(ctx, sb.ID); err == nil {
			return synced, nil
		}
	}
	return sb, nil
}

// List lists a user's sandboxes, optionally filtered.
func (s *Service) List(ctx context.Context, userID string, status models.Status, environmentID string) ([]*models.Sandbox, error) {
	sbs, err := s.db.ListSandboxes(ctx, userID, status, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandboxes: %w", err)
	}
	return sbs, nil
}

// GetLogs returns the bounded recent log tail for a sandbox.
func (s *Service) GetLogs(ctx context.Context, userID, id string, tail int) ([]*models.SandboxLog, error) {
	if _, err := s.db.GetSandbox(ctx, id, userID); err != nil {
		if err == database.ErrNotFound {
			return nil, apperr.NotFound("sandbox not found")
		}
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	logs, err := s.db.ListRecentLogs(ctx, id, tail)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox logs: %w", err)
	}
	return logs, nil
}

// Metrics returns a one-shot stats sample for a running sandbox.
func (s *Service) Metrics(ctx context.Context, userID, id string) (*runtime.ContainerMetrics, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status != models.StatusRunning || sb.ContainerRef == "" {
		return nil, apperr.NoContainer("sandbox has no running container")
	}

	metrics, err := s.runtime.Stats(ctx, sb.ContainerRef)
	if err != nil {
		return nil, apperr.MetricsUnavailable("failed to sample container metrics", err)
	}
	return metrics, nil
}

// ExecBatch runs a one-shot command in a running sandbox's container.
func (s *Service) ExecBatch(ctx context.Context, userID, id string, argv []string) (int, string, error) {
	sb, err := s.db.GetSandbox(ctx, id, userID)
	if err == database.ErrNotFound {
		return 0, "", apperr.NotFound("sandbox not found")
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to get sandbox: %w", err)
	}
	if sb.Status != models.StatusRunning || sb.ContainerRef == "" {
		return 0, "", apperr.NotRunning("sandbox is not running")
	}

	exitCode, output, err := s.runtime.ExecBatch(ctx, sb.ContainerRef, argv)
	if err != nil {
		return 0, "", apperr.SandboxErr(fmt.Sprintf("exec failed: %v", err))
	}
	return exitCode, output, nil
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// provisionerRegistry prevents double-spawn of a provisioner for the
// same sandbox id, per §4.5/§9.
type provisionerRegistry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newProvisionerRegistry() *provisionerRegistry {
	return &provisionerRegistry{active: make(map[string]struct{})}
}

func (r *provisionerRegistry) tryAcquire(sandboxID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sandboxID]; ok {
		return false
	}
	r.active[sandboxID] = struct{}{}
	return true
}

func (r *provisionerRegistry) release(sandboxID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sandboxID)
}

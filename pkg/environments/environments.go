// Package environments implements the Environment Service: creating,
// versioning, and managing the immutable templates sandboxes are built
// from.
package environments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandboxplatform/controlplane/internal/apperr"
	"github.com/sandboxplatform/controlplane/pkg/database"
	"github.com/sandboxplatform/controlplane/pkg/models"
	"github.com/sandboxplatform/controlplane/pkg/secrets"
	"github.com/sandboxplatform/controlplane/pkg/validator"
)

const maxEnvironmentsPerUser = 5

// Service is the Environment Service (C4).
type Service struct {
	db     *database.DB
	vault  *secrets.Vault
	logger *zap.Logger
	maxPerUser int
}

// NewService creates a new environment service.
func NewService(db *database.DB, vault *secrets.Vault, maxPerUser int, logger *zap.Logger) *Service {
	if maxPerUser <= 0 {
		maxPerUser = maxEnvironmentsPerUser
	}
	return &Service{db: db, vault: vault, maxPerUser: maxPerUser, logger: logger}
}

// Spec is the caller-supplied shape for create/update; exactly one of
// Image/Dockerfile must be set.
type Spec struct {
	Name       string
	Image      string
	Dockerfile string
	BuildFiles map[string]string
	Command    []string
	CPU        float64
	MemoryMB   int
	Ports      []models.PortMapping
	Env        map[string]string
	Mounts     []string
}

func (s Spec) validate() error {
	if err := validator.ValidateName(s.Name); err != nil {
		return err
	}
	if (s.Image == "") == (s.Dockerfile == "") {
		return apperr.Validation("exactly one of image or dockerfile must be set", nil)
	}
	if s.Image != "" {
		if err := validator.ValidateImage(s.Image); err != nil {
			return err
		}
	}
	if err := validator.ValidateCPU(s.CPU); err != nil {
		return err
	}
	if err := validator.ValidateMemoryMB(s.MemoryMB); err != nil {
		return err
	}
	ports := make([]validator.PortSpec, len(s.Ports))
	for i, p := range s.Ports {
		ports[i] = validator.PortSpec{Container: p.Container, Host: p.Host}
	}
	return validator.ValidatePorts(ports)
}

// Create validates quota and input, then inserts the environment and its
// first version atomically, per §4.4.
func (s *Service) Create(ctx context.Context, userID string, spec Spec) (*models.Environment, *models.EnvironmentVersion, error) {
	if err := spec.validate(); err != nil {
		return nil, nil, err
	}

	count, err := s.db.CountEnvironments(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count environments: %w", err)
	}
	if count >= s.maxPerUser {
		return nil, nil, apperr.Quota(fmt.Sprintf("user already owns the maximum of %d environments", s.maxPerUser))
	}

	now := time.Now()
	env := &models.Environment{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      spec.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	version := &models.EnvironmentVersion{
		ID:               uuid.New().String(),
		EnvironmentID:    env.ID,
		Version:          1,
		Image:            spec.Image,
		Dockerfile:       spec.Dockerfile,
		BuildFiles:       spec.BuildFiles,
		Command:          spec.Command,
		CPU:              spec.CPU,
		MemoryMB:         spec.MemoryMB,
		Ports:            spec.Ports,
		Env:              spec.Env,
		SecretsEncrypted: map[string]string{},
		Mounts:           spec.Mounts,
		CreatedAt:        now,
	}

	if err := s.db.CreateEnvironmentWithFirstVersion(ctx, env, version); err != nil {
		if err == database.ErrConflict {
			return nil, nil, apperr.Conflict("an environment with this name already exists")
		}
		return nil, nil, fmt.Errorf("failed to create environment: %w", err)
	}

	s.logger.Info("environment created", zap.String("environment_id", env.ID), zap.String("user_id", userID))
	return env, version, nil
}

// Patch carries only the fields an update may change; nil/zero means
// "carry over from the current version".
type Patch struct {
	Image      *string
	Dockerfile *string
	BuildFiles map[string]string
	Command    []string
	CPU        *float64
	MemoryMB   *int
	Ports      []models.PortMapping
	Env        map[string]string
	Mounts     []string
}

// Update appends a new immutable version built from the current one plus
// the patch, and flips current_version_id, per §4.4. Never mutates a
// prior version.
func (s *Service) Update(ctx context.Context, userID, environmentID string, patch Patch) (*models.EnvironmentVersion, error) {
	next, err := s.db.AppendVersion(ctx, environmentID, userID, func(current *models.EnvironmentVersion) (*models.EnvironmentVersion, error) {
		v := &models.EnvironmentVersion{
			ID:               uuid.New().String(),
			EnvironmentID:    environmentID,
			Version:          current.Version + 1,
			Image:            current.Image,
			Dockerfile:       current.Dockerfile,
			BuildFiles:       current.BuildFiles,
			Command:          current.Command,
			CPU:              current.CPU,
			MemoryMB:         current.MemoryMB,
			Ports:            current.Ports,
			Env:              current.Env,
			SecretsEncrypted: current.SecretsEncrypted,
			Mounts:           current.Mounts,
			CreatedAt:        time.Now(),
		}

		if patch.Image != nil {
			v.Image = *patch.Image
			v.Dockerfile = ""
		}
		if patch.Dockerfile != nil {
			v.Dockerfile = *patch.Dockerfile
			v.Image = ""
		}
		if patch.BuildFiles != nil {
			v.BuildFiles = patch.BuildFiles
		}
		if patch.Command != nil {
			v.Command = patch.Command
		}
		if patch.CPU != nil {
			v.CPU = *patch.CPU
		}
		if patch.MemoryMB != nil {
			v.MemoryMB = *patch.MemoryMB
		}
		if patch.Ports != nil {
			v.Ports = patch.Ports
		}
		if patch.Env != nil {
			v.Env = patch.Env
		}
		if patch.Mounts != nil {
			v.Mounts = patch.Mounts
		}

		if (v.Image == "") == (v.Dockerfile == "") {
			return nil, apperr.Validation("exactly one of image or dockerfile must be set", nil)
		}
		if v.Image != "" {
			if err := validator.ValidateImage(v.Image); err != nil {
				return nil, err
			}
		}
		if err := validator.ValidateCPU(v.CPU); err != nil {
			return nil, err
		}
		if err := validator.ValidateMemoryMB(v.MemoryMB); err != nil {
			return nil, err
		}
		ports := make([]validator.PortSpec, len(v.Ports))
		for i, p := range v.Ports {
			ports[i] = validator.PortSpec{Container: p.Container, Host: p.Host}
		}
		if err := validator.ValidatePorts(ports); err != nil {
			return nil, err
		}

		return v, nil
	})
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("environment not found")
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("environment version appended", zap.String("environment_id", environmentID), zap.Int("version", next.Version))
	return next, nil
}

// Get fetches an environment scoped to its owner, with redacted secrets.
func (s *Service) Get(ctx context.Context, userID, id string) (*models.Environment, []models.SecretRef, error) {
	env, err := s.db.GetEnvironment(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, nil, apperr.NotFound("environment not found")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get environment: %w", err)
	}

	refs, err := s.redactedSecrets(ctx, env.CurrentVersionID)
	if err != nil {
		return nil, nil, err
	}
	return env, refs, nil
}

func (s *Service) redactedSecrets(ctx context.Context, versionID string) ([]models.SecretRef, error) {
	if versionID == "" {
		return nil, nil
	}
	v, err := s.db.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load current version: %w", err)
	}
	refs := make([]models.SecretRef, 0, len(v.SecretsEncrypted))
	for k := range v.SecretsEncrypted {
		refs = append(refs, models.SecretRef{Key: k, Redacted: true})
	}
	return refs, nil
}

// List lists a user's environments.
func (s *Service) List(ctx context.Context, userID string) ([]*models.Environment, error) {
	envs, err := s.db.ListEnvironments(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	return envs, nil
}

// Delete deletes an environment, cascading to its versions. The caller
// (the API layer, via the Sandbox Service) is responsible for ensuring no
// live sandboxes block deletion, per §4.4/§7.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.db.DeleteEnvironment(ctx, id, userID); err != nil {
		if err == database.ErrNotFound {
			return apperr.NotFound("environment not found")
		}
		return fmt.Errorf("failed to delete environment: %w", err)
	}
	return nil
}

// SetSecret validates the key, encrypts the value, and mutates it onto
// the current version's secrets map in place (see DESIGN.md's Open
// Question decision).
func (s *Service) SetSecret(ctx context.Context, userID, environmentID, key, value string) error {
	if err := validator.ValidateSecretKey(key); err != nil {
		return err
	}

	ciphertext, err := s.vault.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	err = s.db.UpdateSecretsOnCurrentVersion(ctx, environmentID, userID, func(secrets map[string]string) map[string]string {
		if secrets == nil {
			secrets = map[string]string{}
		}
		secrets[key] = ciphertext
		return secrets
	})
	if err == database.ErrNotFound {
		return apperr.NotFound("environment not found")
	}
	return err
}

// DeleteSecret removes a key from the current version's secrets map.
func (s *Service) DeleteSecret(ctx context.Context, userID, environmentID, key string) error {
	err := s.db.UpdateSecretsOnCurrentVersion(ctx, environmentID, userID, func(secrets map[string]string) map[string]string {
		delete(secrets, key)
		return secrets
	})
	if err == database.ErrNotFound {
		return apperr.NotFound("environment not found")
	}
	return err
}

// DecryptSecrets decrypts every secret on a version, for the Sandbox
// Service's provisioner. The sole consumer of plaintext outside this
// package and the vault itself.
func (s *Service) DecryptSecrets(ctx context.Context, versionID string) (map[string]string, error) {
	v, err := s.db.GetVersion(ctx, versionID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("environment version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return s.vault.DecryptAll(v.SecretsEncrypted)
}

// GetVersion fetches a specific version by id, for the Sandbox Service.
func (s *Service) GetVersion(ctx context.Context, versionID string) (*models.EnvironmentVersion, error) {
	v, err := s.db.GetVersion(ctx, versionID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("environment version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load version: %w", err)
	}
	return v, nil
}

// GetCurrentVersion fetches an environment's current version, for the
// Sandbox Service.
func (s *Service) GetCurrentVersion(ctx context.Context, environmentID string) (*models.EnvironmentVersion, error) {
	v, err := s.db.GetCurrentVersion(ctx, environmentID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("environment has no current version")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current version: %w", err)
	}
	return v, nil
}

// GetOwned fetches an environment scoped to its owner without the secret
// redaction step, for internal callers.
func (s *Service) GetOwned(ctx context.Context, userID, id string) (*models.Environment, error) {
	env, err := s.db.GetEnvironment(ctx, id, userID)
	if err == database.ErrNotFound {
		return nil, apperr.NotFound("environment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

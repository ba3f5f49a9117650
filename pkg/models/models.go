// Package models holds the shared data-transfer types exchanged between the
// service packages, the store, and the HTTP layer.
package models

import "time"

// User owns every downstream resource.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is a long-lived credential. The plaintext secret is never stored;
// only HashedSecret (sha256 hex) is.
type APIKey struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Prefix       string     `json:"prefix"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// PortMapping binds a container port to a host port.
type PortMapping struct {
	Container int `json:"container"`
	Host      int `json:"host"`
}

// SecretRef is what a Version's secret map looks like once redacted for any
// API response: the value never appears.
type SecretRef struct {
	Key      string `json:"key"`
	Redacted bool   `json:"redacted"`
}

// Environment is a named, user-owned template with a linear history of
// immutable versions.
type Environment struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	CurrentVersionID string    `json:"current_version_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// EnvironmentVersion is an immutable snapshot of everything needed to create
// a container from an Environment. SecretsEncrypted maps secret key to
// ciphertext; it is the one field this implementation allows to mutate in
// place on the *current* version (see DESIGN.md's Open Question decision).
type EnvironmentVersion struct {
	ID               string            `json:"id"`
	EnvironmentID    string            `json:"environment_id"`
	Version          int               `json:"version"`
	Image            string            `json:"image,omitempty"`
	Dockerfile       string            `json:"dockerfile,omitempty"`
	BuildFiles       map[string]string `json:"build_files,omitempty"`
	Command          []string          `json:"command,omitempty"`
	CPU              float64           `json:"cpu"`
	MemoryMB         int               `json:"memory_mb"`
	Ports            []PortMapping     `json:"ports,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	SecretsEncrypted map[string]string `json:"-"`
	Mounts           []string          `json:"mounts,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Status is the coarse, user-visible sandbox state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
	StatusExpired Status = "expired"
)

// Phase is the finer provisioning sub-state orthogonal to Status.
type Phase string

const (
	PhaseCreating Phase = "creating"
	PhaseStarting Phase = "starting"
	PhaseHealthy  Phase = "healthy"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

// Sandbox is a concrete container instance derived from one environment
// version, with lifecycle state.
type Sandbox struct {
	ID                  string        `json:"id"`
	UserID              string        `json:"user_id"`
	EnvironmentID       string        `json:"environment_id"`
	EnvironmentVersionID string       `json:"environment_version_id"`
	Name                string        `json:"name"`
	ContainerRef        string        `json:"container_ref,omitempty"`
	Status              Status        `json:"status"`
	Phase               Phase         `json:"phase"`
	Ports               []PortMapping `json:"ports,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	StoppedAt           *time.Time    `json:"stopped_at,omitempty"`
	ExpiresAt           *time.Time    `json:"expires_at,omitempty"`
	ProvisionProgress   int           `json:"provision_progress"`
	ProvisionStatusText string        `json:"provision_status_text"`
}

// LogStream identifies which stream a SandboxLog entry came from.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// SandboxLog is one persisted log line for a sandbox.
type SandboxLog struct {
	ID        string    `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Stream    LogStream `json:"stream"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ClientIP     string            `json:"client_ip,omitempty"`
	ClientAgent  string            `json:"client_agent,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

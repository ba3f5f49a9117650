// Package validator checks user-supplied environment and sandbox fields
// against the bounds the control plane enforces before anything reaches
// the runtime.
package validator

import (
	"fmt"
	"regexp"

	"github.com/sandboxplatform/controlplane/internal/apperr"
)

var (
	imageRegex = regexp.MustCompile(`(?i)^[a-z0-9][a-z0-9._\-/]*(:[\w][\w.\-]*)?$`)
	nameRegex  = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)
	secretKeyRegex = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)
)

const (
	minCPU = 0.25
	maxCPU = 4.0

	minMemoryMB = 128
	maxMemoryMB = 2048

	minPort = 1
	maxPort = 65535
	minHostPort = 1024
	maxPortsPerVersion = 10

	minSecretKeyLen = 1
	maxSecretKeyLen = 100

	minTTLSeconds = 60
	maxTTLSeconds = 604800

	minImageLen = 1
	maxImageLen = 500
)

// ValidateName checks an environment or sandbox name.
func ValidateName(name string) error {
	if name == "" {
		return apperr.Validation("name is required", nil)
	}
	if len(name) > 63 {
		return apperr.Validation("name must be 63 characters or less", nil)
	}
	if !nameRegex.MatchString(name) {
		return apperr.Validation("name must be lowercase alphanumeric with hyphens", nil)
	}
	return nil
}

// ValidateImage checks an image reference.
func ValidateImage(image string) error {
	if len(image) < minImageLen || len(image) > maxImageLen {
		return apperr.Validation(fmt.Sprintf("image must be between %d and %d characters", minImageLen, maxImageLen), nil)
	}
	if !imageRegex.MatchString(image) {
		return apperr.Validation("image is not a well-formed image reference", nil)
	}
	return nil
}

// ValidateCPU checks a fractional CPU allocation.
func ValidateCPU(cpu float64) error {
	if cpu < minCPU || cpu > maxCPU {
		return apperr.Validation(fmt.Sprintf("cpu must be between %.2f and %.2f", minCPU, maxCPU), nil)
	}
	return nil
}

// ValidateMemoryMB checks a memory allocation in megabytes.
func ValidateMemoryMB(mb int) error {
	if mb < minMemoryMB || mb > maxMemoryMB {
		return apperr.Validation(fmt.Sprintf("memory_mb must be between %d and %d", minMemoryMB, maxMemoryMB), nil)
	}
	return nil
}

// ValidatePorts checks a version's port list: each container port must be
// in range, each host port (if set) must land in the unprivileged range,
// and the list may not exceed the per-version cap.
func ValidatePorts(ports []PortSpec) error {
	if len(ports) > maxPortsPerVersion {
		return apperr.Validation(fmt.Sprintf("a version may declare at most %d ports", maxPortsPerVersion), nil)
	}
	for _, p := range ports {
		if p.Container < minPort || p.Container > maxPort {
			return apperr.Validation("container port must be between 1 and 65535", nil)
		}
		if p.Host != 0 && (p.Host < minHostPort || p.Host > maxPort) {
			return apperr.Validation("host port must be between 1024 and 65535", nil)
		}
	}
	return nil
}

// PortSpec is the minimal shape ValidatePorts needs, kept independent of
// the models package so this validator has no import cycle with it.
type PortSpec struct {
	Container int
	Host      int
}

// ValidateSecretKey checks a secret's name.
func ValidateSecretKey(key string) error {
	if len(key) < minSecretKeyLen || len(key) > maxSecretKeyLen {
		return apperr.Validation(fmt.Sprintf("secret key must be between %d and %d characters", minSecretKeyLen, maxSecretKeyLen), nil)
	}
	if !secretKeyRegex.MatchString(key) {
		return apperr.Validation("secret key must be uppercase alphanumeric with underscores, starting with a letter or underscore", nil)
	}
	return nil
}

// ValidateTTLSeconds checks a sandbox TTL.
func ValidateTTLSeconds(ttl int) error {
	if ttl < minTTLSeconds || ttl > maxTTLSeconds {
		return apperr.Validation(fmt.Sprintf("ttl_seconds must be between %d and %d", minTTLSeconds, maxTTLSeconds), nil)
	}
	return nil
}

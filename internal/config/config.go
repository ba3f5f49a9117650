package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Docker    DockerConfig    `yaml:"docker"`
	Auth      AuthConfig      `yaml:"auth"`
	Secrets   SecretsConfig   `yaml:"secrets"`
	Quotas    QuotaConfig     `yaml:"quotas"`
	TTL       TTLConfig       `yaml:"ttl"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	LogLevel       string   `yaml:"log_level"`
	Environment    string   `yaml:"environment"` // "development" or "production"
	CORSOrigins    []string `yaml:"cors_origins"`
	ShutdownBudget int      `yaml:"shutdown_budget_seconds"`
}

// StoreConfig holds persistence connection configuration.
type StoreConfig struct {
	DSN  string `yaml:"dsn"`  // postgres DSN; if empty, SQLite is used
	Path string `yaml:"path"` // sqlite file path
}

// DockerConfig holds container runtime connection configuration.
type DockerConfig struct {
	Host              string `yaml:"host"` // e.g. unix:///var/run/docker.sock
	DefaultCPU        string `yaml:"default_cpu"`
	DefaultMemoryMB   int    `yaml:"default_memory_mb"`
	HealthWaitSeconds int    `yaml:"health_wait_seconds"`
}

// AuthConfig holds token signing configuration.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTExpiry     string `yaml:"jwt_expiry"`
	APIKeyPrefix  string `yaml:"api_key_prefix"`
}

// SecretsConfig holds the vault master key configuration.
type SecretsConfig struct {
	MasterKeyBase64 string `yaml:"master_key_base64"`
}

// QuotaConfig holds per-tenant resource limits.
type QuotaConfig struct {
	MaxEnvironmentsPerUser int `yaml:"max_environments_per_user"`
	MaxSandboxesPerUser    int `yaml:"max_sandboxes_per_user"`
}

// TTLConfig holds sweeper timing.
type TTLConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	MinSeconds           int `yaml:"min_seconds"`
	MaxSeconds           int `yaml:"max_seconds"`
}

// RetentionConfig holds background-cleanup timing.
type RetentionConfig struct {
	LogDays                int `yaml:"log_days"`
	AuditDays              int `yaml:"audit_days"`
	MaxLogEntriesPerSandbox int `yaml:"max_log_entries_per_sandbox"`
	CleanupIntervalHours   int `yaml:"cleanup_interval_hours"`
}

// RateLimitConfig holds the abuse-prevention budgets.
type RateLimitConfig struct {
	RequestsPerMinute       int `yaml:"requests_per_minute"`
	SandboxCreatesPerMinute int `yaml:"sandbox_creates_per_minute"`
	AuthAttemptsPer15Min    int `yaml:"auth_attempts_per_15_min"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.Server.Port = 8080
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.LogLevel = "info"
	cfg.Server.Environment = "development"
	cfg.Server.ShutdownBudget = 30

	cfg.Store.Path = "./sandboxplatform.db"

	cfg.Docker.Host = "unix:///var/run/docker.sock"
	cfg.Docker.DefaultCPU = "2"
	cfg.Docker.DefaultMemoryMB = 512
	cfg.Docker.HealthWaitSeconds = 30

	cfg.Auth.JWTExpiry = "24h"
	cfg.Auth.APIKeyPrefix = "sk_live_"

	cfg.Quotas.MaxEnvironmentsPerUser = 5
	cfg.Quotas.MaxSandboxesPerUser = 10

	cfg.TTL.SweepIntervalSeconds = 60
	cfg.TTL.MinSeconds = 60
	cfg.TTL.MaxSeconds = 604800

	cfg.Retention.LogDays = 7
	cfg.Retention.AuditDays = 90
	cfg.Retention.MaxLogEntriesPerSandbox = 10000
	cfg.Retention.CleanupIntervalHours = 24

	cfg.RateLimit.RequestsPerMinute = 100
	cfg.RateLimit.SandboxCreatesPerMinute = 10
	cfg.RateLimit.AuthAttemptsPer15Min = 20
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("SANDBOXD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SANDBOXD_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SANDBOXD_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("SANDBOXD_ENVIRONMENT"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("SANDBOXD_DB_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("SANDBOXD_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("SANDBOXD_DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("SANDBOXD_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SANDBOXD_API_KEY_PREFIX"); v != "" {
		cfg.Auth.APIKeyPrefix = v
	}
	if v := os.Getenv("SANDBOXD_SECRETS_MASTER_KEY"); v != "" {
		cfg.Secrets.MasterKeyBase64 = v
	}
	if v := os.Getenv("SANDBOXD_MAX_ENVIRONMENTS_PER_USER"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Quotas.MaxEnvironmentsPerUser = val
		}
	}
	if v := os.Getenv("SANDBOXD_MAX_SANDBOXES_PER_USER"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.Quotas.MaxSandboxesPerUser = val
		}
	}
	if v := os.Getenv("SANDBOXD_TTL_SWEEP_INTERVAL_SECONDS"); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			cfg.TTL.SweepIntervalSeconds = val
		}
	}
}

// validate checks if the configuration is valid. The secrets master key and
// JWT secret are allowed to be empty only outside production: in production
// the process must fail closed rather than fall back to a generated or
// hardcoded value.
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	if cfg.Quotas.MaxSandboxesPerUser < 1 {
		return fmt.Errorf("max sandboxes per user must be positive")
	}

	if cfg.TTL.MaxSeconds < cfg.TTL.MinSeconds {
		return fmt.Errorf("ttl max seconds cannot be less than min seconds")
	}

	if cfg.Server.Environment == "production" {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("jwt secret is required in production")
		}
		if cfg.Secrets.MasterKeyBase64 == "" {
			return fmt.Errorf("secrets master key is required in production")
		}
	}

	return nil
}

// IsProduction reports whether the process is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

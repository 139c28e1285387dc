// Package config provides environment-based configuration for the hub fleet master.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the hub fleet master.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Authentication
	JWTSecret string
	JWTExpiry time.Duration
	// NodeTokenExpiry is the lifetime of tokens issued to hubs at registration.
	NodeTokenExpiry time.Duration

	// Server configuration
	APIPort  int
	GRPCPort int
	APIHost  string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	Fleet    FleetConfig
	Rollout  RolloutConfig
	Redis    RedisConfig
	Etcd     EtcdConfig
	Delivery DeliveryConfig
}

// FleetConfig holds liveness and command queue settings.
type FleetConfig struct {
	// LivenessWindow is how long a node may stay silent before it is unreachable.
	LivenessWindow time.Duration
	// LivenessSweepInterval is how often the liveness sweep runs.
	LivenessSweepInterval time.Duration
	// CommandSweepInterval is how often expired commands are collected.
	CommandSweepInterval time.Duration
	// DefaultCommandTTL applies when an enqueue request omits a ttl.
	DefaultCommandTTL time.Duration
}

// RolloutConfig holds rollout monitor settings.
type RolloutConfig struct {
	PollInterval   time.Duration
	MaxPollRetries int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// CommitDeadline is how long a deployment may stay pending before the
	// rollout monitor fails it as orphaned.
	CommitDeadline time.Duration
	// BatchSize caps how many due deployments one poll cycle handles.
	BatchSize int
}

// RedisConfig enables cross-replica command wake-ups. Empty URL disables it.
type RedisConfig struct {
	URL string
}

// EtcdConfig enables mesh address lookups. No endpoints disables it.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	KeyPrefix   string
}

// DeliveryConfig describes the external GitOps bridge.
type DeliveryConfig struct {
	// Endpoint is the base URL of the bridge. Empty means no controller is configured.
	Endpoint string
	Token    string
	Timeout  time.Duration
	// RepoURL is the fleet GitOps repository written into descriptors.
	RepoURL        string
	TargetRevision string
	Namespace      string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := load(getEnv("JWT_SECRET", ""))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return load(getEnv("JWT_SECRET", "development-secret-key-min-32-chars"))
}

func load(jwtSecret string) *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/hubfleet?sslmode=disable"),
		JWTSecret:       jwtSecret,
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		NodeTokenExpiry: getDurationEnv("NODE_TOKEN_EXPIRY", 365*24*time.Hour),
		APIPort:         getIntEnv("API_PORT", 8080),
		GRPCPort:        getIntEnv("GRPC_PORT", 9090),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Fleet: FleetConfig{
			LivenessWindow:        getDurationEnv("FLEET_LIVENESS_WINDOW", 5*time.Minute),
			LivenessSweepInterval: getDurationEnv("FLEET_LIVENESS_SWEEP_INTERVAL", 30*time.Second),
			CommandSweepInterval:  getDurationEnv("FLEET_COMMAND_SWEEP_INTERVAL", 30*time.Second),
			DefaultCommandTTL:     getDurationEnv("FLEET_DEFAULT_COMMAND_TTL", 15*time.Minute),
		},
		Rollout: RolloutConfig{
			PollInterval:   getDurationEnv("ROLLOUT_POLL_INTERVAL", 15*time.Second),
			MaxPollRetries: getIntEnv("ROLLOUT_MAX_POLL_RETRIES", 20),
			BackoffBase:    getDurationEnv("ROLLOUT_BACKOFF_BASE", 5*time.Second),
			BackoffMax:     getDurationEnv("ROLLOUT_BACKOFF_MAX", 5*time.Minute),
			CommitDeadline: getDurationEnv("ROLLOUT_COMMIT_DEADLINE", 10*time.Minute),
			BatchSize:      getIntEnv("ROLLOUT_BATCH_SIZE", 100),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Etcd: EtcdConfig{
			Endpoints:   getListEnv("ETCD_ENDPOINTS"),
			DialTimeout: getDurationEnv("ETCD_DIAL_TIMEOUT", 5*time.Second),
			KeyPrefix:   getEnv("ETCD_MESH_PREFIX", "/hubfleet/v1/mesh/"),
		},
		Delivery: DeliveryConfig{
			Endpoint:       getEnv("DELIVERY_ENDPOINT", ""),
			Token:          getEnv("DELIVERY_TOKEN", ""),
			Timeout:        getDurationEnv("DELIVERY_TIMEOUT", 30*time.Second),
			RepoURL:        getEnv("DELIVERY_REPO_URL", "https://git.example.internal/fleet/packages.git"),
			TargetRevision: getEnv("DELIVERY_TARGET_REVISION", "main"),
			Namespace:      getEnv("DELIVERY_NAMESPACE", "hub-services"),
		},
	}
}

// Validate checks that required configuration values are set and that the
// fleet timing values are usable.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if err := c.Fleet.Validate(); err != nil {
		return err
	}
	return c.Rollout.Validate()
}

// Validate checks the liveness and command sweep settings.
func (f FleetConfig) Validate() error {
	if f.LivenessWindow <= 0 {
		return fmt.Errorf("FLEET_LIVENESS_WINDOW must be positive, got %s", f.LivenessWindow)
	}
	if f.LivenessSweepInterval <= 0 {
		return fmt.Errorf("FLEET_LIVENESS_SWEEP_INTERVAL must be positive, got %s", f.LivenessSweepInterval)
	}
	if f.LivenessSweepInterval > f.LivenessWindow {
		return fmt.Errorf("FLEET_LIVENESS_SWEEP_INTERVAL (%s) must not exceed FLEET_LIVENESS_WINDOW (%s)",
			f.LivenessSweepInterval, f.LivenessWindow)
	}
	if f.CommandSweepInterval <= 0 {
		return fmt.Errorf("FLEET_COMMAND_SWEEP_INTERVAL must be positive, got %s", f.CommandSweepInterval)
	}
	if f.DefaultCommandTTL < 0 {
		return fmt.Errorf("FLEET_DEFAULT_COMMAND_TTL must not be negative, got %s", f.DefaultCommandTTL)
	}
	return nil
}

// Validate checks the rollout polling settings.
func (r RolloutConfig) Validate() error {
	if r.PollInterval <= 0 {
		return fmt.Errorf("ROLLOUT_POLL_INTERVAL must be positive, got %s", r.PollInterval)
	}
	if r.MaxPollRetries < 1 {
		return fmt.Errorf("ROLLOUT_MAX_POLL_RETRIES must be at least 1, got %d", r.MaxPollRetries)
	}
	if r.BackoffBase <= 0 {
		return fmt.Errorf("ROLLOUT_BACKOFF_BASE must be positive, got %s", r.BackoffBase)
	}
	if r.BackoffMax < r.BackoffBase {
		return fmt.Errorf("ROLLOUT_BACKOFF_MAX (%s) must be at least ROLLOUT_BACKOFF_BASE (%s)",
			r.BackoffMax, r.BackoffBase)
	}
	if r.CommitDeadline <= 0 {
		return fmt.Errorf("ROLLOUT_COMMIT_DEADLINE must be positive, got %s", r.CommitDeadline)
	}
	return nil
}

// APIAddr returns the listen address of the HTTP API.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// GRPCAddr returns the listen address of the gRPC health server.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.GRPCPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	// DataDir is the root for everything durable: the registry file and
	// one data directory per agent.
	DataDir string

	// RunnerBin is the path to the agent-runner binary seeded into each
	// agent data directory. Empty means "next to the server executable".
	RunnerBin string

	DockerImage   string
	DockerNetwork string

	// BasePort is the first host port probed when allocating a port for a
	// new container.
	BasePort int

	StartupTimeout  time.Duration
	StopGracePeriod time.Duration
	IdleTimeout     time.Duration
	SweepInterval   time.Duration

	// EngineTimeout bounds a single /chat call to a container. Agent turns
	// can be slow, so this is generous.
	EngineTimeout time.Duration

	QueueCapacity int

	// CredentialAllowlist is the fixed set of environment variable names
	// that may be forwarded into agent containers. Nothing else from the
	// host environment crosses the container boundary.
	CredentialAllowlist []string
}

// DefaultCredentialAllowlist is always forwarded when present in the host
// environment. EXTRA_CREDENTIAL_VARS appends to it.
var DefaultCredentialAllowlist = []string{
	"AWS_PROFILE",
	"AWS_REGION",
	"AWS_DEFAULT_REGION",
	"ANTHROPIC_API_KEY",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		FrontendURL:     getEnv("FRONTEND_URL", ""),
		DataDir:         getEnv("DATA_DIR", "./data"),
		RunnerBin:       getEnv("RUNNER_BIN", ""),
		DockerImage:     getEnv("DOCKER_IMAGE", "agent-runner:latest"),
		DockerNetwork:   getEnv("DOCKER_NETWORK", "containerized-agents"),
		BasePort:        getEnvInt("BASE_PORT", 9000),
		StartupTimeout:  getEnvDuration("STARTUP_TIMEOUT", 60*time.Second),
		StopGracePeriod: getEnvDuration("STOP_GRACE_PERIOD", 10*time.Second),
		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 30*time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
		EngineTimeout:   getEnvDuration("ENGINE_TIMEOUT", 10*time.Minute),
		QueueCapacity:   getEnvInt("QUEUE_CAPACITY", 256),
	}

	cfg.CredentialAllowlist = append([]string{}, DefaultCredentialAllowlist...)
	if extra := getEnv("EXTRA_CREDENTIAL_VARS", ""); extra != "" {
		for _, name := range strings.Split(extra, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.CredentialAllowlist = append(cfg.CredentialAllowlist, name)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.DockerImage == "" {
		return fmt.Errorf("DOCKER_IMAGE cannot be empty")
	}
	if c.DockerNetwork == "" {
		return fmt.Errorf("DOCKER_NETWORK cannot be empty")
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		return fmt.Errorf("BASE_PORT must be a valid port, got %d", c.BasePort)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("IDLE_TIMEOUT must be > 0")
	}
	return nil
}

// RegistryPath returns the path of the durable task registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.json")
}

// AgentsDir returns the directory holding per-agent data directories.
func (c *Config) AgentsDir() string {
	return filepath.Join(c.DataDir, "agents")
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// Package config builds the typed settings record for the control plane
// and the executor. The recognized env-var surface is a closed set;
// options are read once at startup and the Config is passed by reference.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// BackendKind selects the container backend adapter.
type BackendKind string

const (
	BackendLocal   BackendKind = "local"
	BackendCluster BackendKind = "cluster"
)

// Config is the control-plane settings record.
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	ControlPlaneURL string
	InternalToken   string

	DefaultTimeoutSeconds int
	MaxTimeoutSeconds     int

	IdleThresholdMinutes   int // -1 disables idle reap
	MaxLifetimeHours       int // -1 disables lifetime reap
	CleanupIntervalSeconds int
	ReadinessTimeoutSecs   int

	Backend          BackendKind
	ContainerdSocket string
	KubeNamespace    string

	WorkspacePath string
	ExecutorPort  int
	DisableBwrap  bool

	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	DataDir  string
	LogLevel string
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", "0.0.0.0:8080")
	v.SetDefault("CONTROL_PLANE_URL", "http://localhost:8080")
	v.SetDefault("DEFAULT_TIMEOUT", 300)
	v.SetDefault("MAX_TIMEOUT", 3600)
	v.SetDefault("IDLE_THRESHOLD_MINUTES", 30)
	v.SetDefault("MAX_LIFETIME_HOURS", 6)
	v.SetDefault("CLEANUP_INTERVAL_SECONDS", 300)
	v.SetDefault("READINESS_TIMEOUT_SECONDS", 30)
	v.SetDefault("BACKEND", string(BackendLocal))
	v.SetDefault("CONTAINERD_SOCKET", "")
	v.SetDefault("KUBE_NAMESPACE", "burrow")
	v.SetDefault("WORKSPACE_PATH", "/workspace")
	v.SetDefault("EXECUTOR_PORT", 8089)
	// Sandboxes run the bwrap jail unless explicitly opted out
	v.SetDefault("DISABLE_BWRAP", false)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("DATA_DIR", "./burrow-data")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		ListenAddr:             v.GetString("LISTEN_ADDR"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		ControlPlaneURL:        strings.TrimSuffix(v.GetString("CONTROL_PLANE_URL"), "/"),
		InternalToken:          v.GetString("INTERNAL_API_TOKEN"),
		DefaultTimeoutSeconds:  v.GetInt("DEFAULT_TIMEOUT"),
		MaxTimeoutSeconds:      v.GetInt("MAX_TIMEOUT"),
		IdleThresholdMinutes:   v.GetInt("IDLE_THRESHOLD_MINUTES"),
		MaxLifetimeHours:       v.GetInt("MAX_LIFETIME_HOURS"),
		CleanupIntervalSeconds: v.GetInt("CLEANUP_INTERVAL_SECONDS"),
		ReadinessTimeoutSecs:   v.GetInt("READINESS_TIMEOUT_SECONDS"),
		Backend:                BackendKind(v.GetString("BACKEND")),
		ContainerdSocket:       v.GetString("CONTAINERD_SOCKET"),
		KubeNamespace:          v.GetString("KUBE_NAMESPACE"),
		WorkspacePath:          v.GetString("WORKSPACE_PATH"),
		ExecutorPort:           v.GetInt("EXECUTOR_PORT"),
		DisableBwrap:           v.GetBool("DISABLE_BWRAP"),
		S3Endpoint:             v.GetString("S3_ENDPOINT"),
		S3Bucket:               v.GetString("S3_BUCKET"),
		S3Region:               v.GetString("S3_REGION"),
		S3AccessKey:            v.GetString("S3_ACCESS_KEY"),
		S3SecretKey:            v.GetString("S3_SECRET_KEY"),
		DataDir:                v.GetString("DATA_DIR"),
		LogLevel:               v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.DefaultTimeoutSeconds < 1 || c.DefaultTimeoutSeconds > c.MaxTimeoutSeconds {
		return fmt.Errorf("DEFAULT_TIMEOUT must be in 1..MAX_TIMEOUT, got %d", c.DefaultTimeoutSeconds)
	}
	if c.MaxTimeoutSeconds < 1 || c.MaxTimeoutSeconds > 3600 {
		return fmt.Errorf("MAX_TIMEOUT must be in 1..3600, got %d", c.MaxTimeoutSeconds)
	}
	if c.IdleThresholdMinutes < -1 || c.IdleThresholdMinutes == 0 {
		return fmt.Errorf("IDLE_THRESHOLD_MINUTES must be positive or -1, got %d", c.IdleThresholdMinutes)
	}
	if c.MaxLifetimeHours < -1 || c.MaxLifetimeHours == 0 {
		return fmt.Errorf("MAX_LIFETIME_HOURS must be positive or -1, got %d", c.MaxLifetimeHours)
	}
	if c.CleanupIntervalSeconds < 1 {
		return fmt.Errorf("CLEANUP_INTERVAL_SECONDS must be positive, got %d", c.CleanupIntervalSeconds)
	}
	if c.Backend != BackendLocal && c.Backend != BackendCluster {
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendLocal, BackendCluster, c.Backend)
	}
	if c.ExecutorPort < 1 || c.ExecutorPort > 65535 {
		return fmt.Errorf("EXECUTOR_PORT out of range: %d", c.ExecutorPort)
	}
	return nil
}

// IdleReapEnabled reports whether idle reaping is on (sentinel -1 off).
func (c *Config) IdleReapEnabled() bool { return c.IdleThresholdMinutes != -1 }

// LifetimeReapEnabled reports whether lifetime reaping is on.
func (c *Config) LifetimeReapEnabled() bool { return c.MaxLifetimeHours != -1 }

// UsePostgres reports whether the external store is selected.
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

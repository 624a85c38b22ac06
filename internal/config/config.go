// Package config holds OPERATOR-LEVEL configuration for a Harrier installation.
//
// This is infrastructure config set by whoever deploys Harrier, NOT per-request
// state. Set via env vars (HARRIER_*) or config file (harrier.config.yaml).
// Provider API keys are read from the environment at startup (a .env file is
// honored for quickstart setups); they never appear in this struct or in the
// config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the HARRIER_ prefix
// (e.g. "data_dir" → HARRIER_DATA_DIR) and to a YAML field in
// harrier.config.yaml.
const (
	KeyDataDir        = "data_dir"
	KeyOllamaBaseURL  = "ollama_base_url"
	KeyRegistryPath   = "registry_path"
	KeyCacheTTLHours  = "cache_ttl_hours"
	KeyDedupeTTLMins  = "dedupe_ttl_minutes"
	KeyWorkerCount    = "worker_count"
	KeyRetentionDays  = "retention_days"
	KeyMaxHops        = "max_hops"
	KeyNotifyWebhook  = "notify_webhook_url"
	KeyListenAddr     = "listen_addr"
	KeyFlushPeriodMin = "metrics_flush_minutes"
	KeyPolicyPath     = "policy_path"
	KeyGlobalRPM      = "global_rpm"
	KeyPerClientRPM   = "per_client_rpm"
)

// Defaults.
const (
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultCacheTTLHours = 24
	DefaultDedupeTTLMins = 60
	DefaultWorkerCount   = 2
	DefaultRetentionDays = 30
	DefaultMaxHops       = 3
	DefaultListenAddr    = ":8740"
	DefaultFlushMinutes  = 5
)

// Config holds resolved operator-level configuration for a Harrier process.
type Config struct {
	DataDir          string        // Base directory for all state (~/.harrier)
	OllamaBaseURL    string        // Ollama API endpoint (free-local tier)
	RegistryPath     string        // Capability registry YAML (optional)
	CacheTTL         time.Duration // Response cache entry lifetime
	DedupeTTL        time.Duration // Dedupe record lifetime
	WorkerCount      int           // Concurrent queue workers
	RetentionDays    int           // Terminal task retention before sweep
	MaxHops          int           // Provider fallback chain hop limit
	NotifyWebhookURL string        // Fire-and-forget outcome webhook (optional)
	ListenAddr       string        // HTTP API listen address
	FlushPeriod      time.Duration // Metrics rollup flush period
	PolicyPath       string        // Admission policy YAML (optional)
	GlobalRPM        int           // API requests/minute across all clients (0 = unlimited)
	PerClientRPM     int           // API requests/minute per client (0 = unlimited)
}

// TasksDBPath returns the full path to the task queue SQLite database.
func (c *Config) TasksDBPath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}

// CacheDBPath returns the full path to the response cache SQLite database.
func (c *Config) CacheDBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// GuardDBPath returns the full path to the dedupe/metrics SQLite database.
func (c *Config) GuardDBPath() string {
	return filepath.Join(c.DataDir, "guard.db")
}

// FeedbackDBPath returns the full path to the feedback SQLite database.
func (c *Config) FeedbackDBPath() string {
	return filepath.Join(c.DataDir, "feedback.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("HARRIER")
	viper.AutomaticEnv()
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyCacheTTLHours, DefaultCacheTTLHours)
	viper.SetDefault(KeyDedupeTTLMins, DefaultDedupeTTLMins)
	viper.SetDefault(KeyWorkerCount, DefaultWorkerCount)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	viper.SetDefault(KeyMaxHops, DefaultMaxHops)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyFlushPeriodMin, DefaultFlushMinutes)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		OllamaBaseURL:    viper.GetString(KeyOllamaBaseURL),
		RegistryPath:     viper.GetString(KeyRegistryPath),
		CacheTTL:         time.Duration(viper.GetInt(KeyCacheTTLHours)) * time.Hour,
		DedupeTTL:        time.Duration(viper.GetInt(KeyDedupeTTLMins)) * time.Minute,
		WorkerCount:      viper.GetInt(KeyWorkerCount),
		RetentionDays:    viper.GetInt(KeyRetentionDays),
		MaxHops:          viper.GetInt(KeyMaxHops),
		NotifyWebhookURL: viper.GetString(KeyNotifyWebhook),
		ListenAddr:       viper.GetString(KeyListenAddr),
		FlushPeriod:      time.Duration(viper.GetInt(KeyFlushPeriodMin)) * time.Minute,
		PolicyPath:       viper.GetString(KeyPolicyPath),
		GlobalRPM:        viper.GetInt(KeyGlobalRPM),
		PerClientRPM:     viper.GetInt(KeyPerClientRPM),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".harrier"
	}
	return filepath.Join(home, ".harrier")
}

func (c *Config) validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl_hours must be positive")
	}
	if c.DedupeTTL <= 0 {
		return fmt.Errorf("dedupe_ttl_minutes must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive")
	}
	if c.MaxHops <= 0 {
		return fmt.Errorf("max_hops must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	return nil
}

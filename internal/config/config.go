// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CaptureConfig for the capture process. The capture process has no
// network settings at all; its only peer is the local channel.
type CaptureConfig struct {
	DataDir           string        `yaml:"data_dir"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	PasswordManagers  []string      `yaml:"password_managers"` // extra bundle IDs beyond built-ins
}

// IntelligenceConfig for the intelligence process.
type IntelligenceConfig struct {
	BackendURL        string        `yaml:"backend_url"`
	DataDir           string        `yaml:"data_dir"`
	Hostname          string        `yaml:"hostname"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BufferCapBytes    int64         `yaml:"buffer_cap_bytes"`
	BatchMaxRecords   int           `yaml:"batch_max_records"`
	BatchMaxAge       time.Duration `yaml:"batch_max_age"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RetryWindow       time.Duration `yaml:"retry_window"`
	UploadPoll        time.Duration `yaml:"upload_poll"`
	ScrubPasses       int           `yaml:"scrub_passes"`
	ManifestPath      string        `yaml:"manifest_path"`
	ManifestSigPath   string        `yaml:"manifest_sig_path"`
	ManifestKeyPath   string        `yaml:"manifest_key_path"`
	ReverifyInterval  time.Duration `yaml:"reverify_interval"` // 0 disables periodic re-verification
	TLSSkipVerify     bool          `yaml:"tls_skip_verify"`
	EnrollmentToken   string        `yaml:"-"` // from env only
	APIToken          string        `yaml:"-"` // from env only
}

// DefaultDataDir is used when data_dir is unset.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kmflow-agent"
	}
	return filepath.Join(home, ".kmflow-agent")
}

// LoadCaptureConfig loads capture config from YAML file with env overrides.
func LoadCaptureConfig(path string) (*CaptureConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg CaptureConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if dir := os.Getenv("KMFLOW_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *CaptureConfig) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.AggregateInterval <= 0 {
		c.AggregateInterval = 10 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 2 * time.Minute
	}
}

// LoadIntelligenceConfig loads intelligence config from YAML file with env
// overrides. Secrets come from env or the stored secret file, never YAML.
func LoadIntelligenceConfig(path string) (*IntelligenceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg IntelligenceConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Env overrides
	if url := os.Getenv("KMFLOW_BACKEND_URL"); url != "" {
		cfg.BackendURL = url
	}
	if dir := os.Getenv("KMFLOW_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if hostname := os.Getenv("KMFLOW_HOSTNAME"); hostname != "" {
		cfg.Hostname = hostname
	}
	cfg.EnrollmentToken = os.Getenv("KMFLOW_ENROLLMENT_TOKEN")
	cfg.APIToken = os.Getenv("KMFLOW_API_TOKEN")

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *IntelligenceConfig) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.BufferCapBytes <= 0 {
		c.BufferCapBytes = 100 << 20 // ~1-3 days of typical activity
	}
	if c.BatchMaxRecords <= 0 {
		c.BatchMaxRecords = 500
	}
	if c.BatchMaxAge <= 0 {
		c.BatchMaxAge = time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 15 * time.Minute
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = 7 * 24 * time.Hour
	}
	if c.UploadPoll <= 0 {
		c.UploadPoll = 5 * time.Second
	}
	if c.ScrubPasses <= 0 {
		c.ScrubPasses = 2
	}
}

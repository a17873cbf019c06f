package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sho7650/media-offline/internal/retry"
)

// Config represents the complete application configuration
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Cache    CacheConfig    `yaml:"cache"`
	Download DownloadConfig `yaml:"download"`
	Retry    RetryConfig    `yaml:"retry"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StorageConfig locates the two SQLite stores and the bytes they own
type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	OfflineDB string `yaml:"offline_db"`
	MediaDir  string `yaml:"media_dir"`
	CacheDB   string `yaml:"cache_db"`
	CacheDir  string `yaml:"cache_dir"`
}

// CacheConfig represents the streaming cache budget
type CacheConfig struct {
	MaxSizeBytes  int64  `yaml:"max_size_bytes"`
	PruneInterval string `yaml:"prune_interval"`
}

// DownloadConfig represents offline download settings
type DownloadConfig struct {
	Workers        int    `yaml:"workers"`
	ChunkSize      int    `yaml:"chunk_size"`
	RequestTimeout string `yaml:"request_timeout"`
	UserAgent      string `yaml:"user_agent"`
}

// RetryConfig holds one retry rule per transient error class
type RetryConfig struct {
	Response ClassRetryConfig `yaml:"response"`
	Network  ClassRetryConfig `yaml:"network"`
	Timeout  ClassRetryConfig `yaml:"timeout"`
}

// ClassRetryConfig represents exponential backoff for one error class
type ClassRetryConfig struct {
	Base        string `yaml:"base"`
	Max         string `yaml:"max"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// LoggingConfig represents logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigChangeEvent represents a configuration change event
type ConfigChangeEvent struct {
	Type   string
	Path   string
	Error  string
	Config *Config
}

// Default returns the configuration used for every field a file leaves out
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Cache: CacheConfig{
			MaxSizeBytes:  512 << 20,
			PruneInterval: "5m",
		},
		Download: DownloadConfig{
			Workers:        4,
			ChunkSize:      1 << 20,
			RequestTimeout: "30s",
			UserAgent:      "media-offline/1.0",
		},
		Retry: RetryConfig{
			Response: ClassRetryConfig{Base: "500ms", Max: "16s", MaxAttempts: 3},
			Network:  ClassRetryConfig{Base: "1s", Max: "32s", MaxAttempts: 5},
			Timeout:  ClassRetryConfig{Base: "2s", Max: "64s", MaxAttempts: 5},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve fills the store paths left empty from DataDir
func (s *StorageConfig) Resolve() {
	if s.OfflineDB == "" {
		s.OfflineDB = filepath.Join(s.DataDir, "offline.db")
	}
	if s.MediaDir == "" {
		s.MediaDir = filepath.Join(s.DataDir, "media")
	}
	if s.CacheDB == "" {
		s.CacheDB = filepath.Join(s.DataDir, "cache.db")
	}
	if s.CacheDir == "" {
		s.CacheDir = filepath.Join(s.DataDir, "cache")
	}
}

// Validate checks if StorageConfig is valid
func (s *StorageConfig) Validate() error {
	if s.DataDir == "" && (s.OfflineDB == "" || s.MediaDir == "" || s.CacheDB == "" || s.CacheDir == "") {
		return fmt.Errorf("data_dir cannot be empty unless every store path is set")
	}
	if s.OfflineDB != "" && s.OfflineDB == s.CacheDB {
		return fmt.Errorf("offline_db and cache_db must be different files")
	}
	return nil
}

// Validate checks if CacheConfig is valid
func (c *CacheConfig) Validate() error {
	if c.MaxSizeBytes < 0 {
		return fmt.Errorf("cache max_size_bytes cannot be negative, got: %d", c.MaxSizeBytes)
	}
	if _, err := parseDuration(c.PruneInterval); err != nil {
		return fmt.Errorf("invalid prune_interval format: %w", err)
	}
	return nil
}

// PruneEvery returns the background prune period, zero when disabled
func (c *CacheConfig) PruneEvery() time.Duration {
	d, _ := parseDuration(c.PruneInterval)
	return d
}

// Validate checks if DownloadConfig is valid
func (d *DownloadConfig) Validate() error {
	if d.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got: %d", d.Workers)
	}
	if d.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be greater than 0, got: %d", d.ChunkSize)
	}
	if _, err := parseDuration(d.RequestTimeout); err != nil {
		return fmt.Errorf("invalid request_timeout format: %w", err)
	}
	return nil
}

// Timeout returns the response header timeout, zero when unlimited
func (d *DownloadConfig) Timeout() time.Duration {
	t, _ := parseDuration(d.RequestTimeout)
	return t
}

// Validate checks if RetryConfig is valid
func (r *RetryConfig) Validate() error {
	classes := []struct {
		name string
		rule ClassRetryConfig
	}{
		{"response", r.Response},
		{"network", r.Network},
		{"timeout", r.Timeout},
	}
	for _, class := range classes {
		if err := class.rule.Validate(); err != nil {
			return fmt.Errorf("%s retry: %w", class.name, err)
		}
	}
	return nil
}

// Validate checks if ClassRetryConfig is valid
func (c *ClassRetryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative, got: %d", c.MaxAttempts)
	}
	base, err := parseDuration(c.Base)
	if err != nil {
		return fmt.Errorf("invalid base format: %w", err)
	}
	maxDelay, err := parseDuration(c.Max)
	if err != nil {
		return fmt.Errorf("invalid max format: %w", err)
	}
	if maxDelay > 0 && maxDelay < base {
		return fmt.Errorf("max %s is shorter than base %s", c.Max, c.Base)
	}
	return nil
}

// Managers builds the per-class retry decisions
func (r *RetryConfig) Managers() retry.Managers {
	return retry.Managers{
		Response: r.Response.manager(),
		Network:  r.Network.manager(),
		Timeout:  r.Timeout.manager(),
	}
}

func (c ClassRetryConfig) manager() *retry.ErrorManager {
	base, _ := parseDuration(c.Base)
	maxDelay, _ := parseDuration(c.Max)
	return retry.NewErrorManager(c.MaxAttempts, retry.StandardPolicy{Base: base, Max: maxDelay})
}

// Validate checks if LoggingConfig is valid
func (l *LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be 'debug', 'info', 'warn' or 'error', got: %s", l.Level)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging format must be 'text' or 'json', got: %s", l.Format)
	}
	return nil
}

// parseDuration treats an empty string as zero
func parseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration cannot be negative: %s", value)
	}
	return d, nil
}

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is how long a file must stay quiet before it is reloaded
const DefaultDebounce = 100 * time.Millisecond

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ConfigManager handles configuration loading, validation, and hot reload
type ConfigManager struct {
	currentConfig *Config
	mutex         sync.RWMutex
	watchers      map[string]chan ConfigChangeEvent
	debounce      time.Duration
	logger        *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigManager{
		watchers: make(map[string]chan ConfigChangeEvent),
		debounce: DefaultDebounce,
		logger:   logger.With("component", "config"),
	}
}

// SetLogger replaces the logger used for reload reporting. Call it before
// WatchForChanges.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.logger = logger.With("component", "config")
}

// LoadFromFile loads configuration from a YAML file. Fields the file
// leaves out keep their Default values.
func (cm *ConfigManager) LoadFromFile(ctx context.Context, filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := cm.Parse(ctx, data)
	if err != nil {
		return nil, err
	}

	cm.mutex.Lock()
	cm.currentConfig = config
	cm.mutex.Unlock()

	return config, nil
}

// Parse decodes and validates YAML configuration without storing it
func (cm *ConfigManager) Parse(ctx context.Context, data []byte) (*Config, error) {
	content := cm.substituteEnvVars(string(data))

	config := Default()
	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cm.ValidateConfig(ctx, config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	config.Storage.Resolve()
	return config, nil
}

// ValidateConfig validates the entire configuration
func (cm *ConfigManager) ValidateConfig(ctx context.Context, config *Config) error {
	if err := config.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config validation failed: %w", err)
	}
	if err := config.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config validation failed: %w", err)
	}
	if err := config.Download.Validate(); err != nil {
		return fmt.Errorf("download config validation failed: %w", err)
	}
	if err := config.Retry.Validate(); err != nil {
		return fmt.Errorf("retry config validation failed: %w", err)
	}
	if err := config.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	return nil
}

// GetCurrentConfig returns the currently loaded configuration
func (cm *ConfigManager) GetCurrentConfig() *Config {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.currentConfig
}

// WatchForChanges reloads filePath whenever it changes and reports each
// outcome on changeChan. A rejected file keeps the previous configuration.
// Watching stops when ctx is done.
func (cm *ConfigManager) WatchForChanges(ctx context.Context, filePath string, changeChan chan ConfigChangeEvent) error {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to add watch path %s: %w", filepath.Dir(absPath), err)
	}

	cm.mutex.Lock()
	cm.watchers[filePath] = changeChan
	cm.mutex.Unlock()

	go cm.watchFile(ctx, watcher, filePath, absPath)
	return nil
}

// watchFile runs the fsnotify loop for one configuration file
func (cm *ConfigManager) watchFile(ctx context.Context, watcher *fsnotify.Watcher, filePath, absPath string) {
	defer func() {
		if err := watcher.Close(); err != nil {
			cm.logger.Warn("failed to close config watcher", "path", filePath, "error", err)
		}
		cm.mutex.Lock()
		delete(cm.watchers, filePath)
		cm.mutex.Unlock()
	}()

	var debouncer *time.Timer
	defer func() {
		if debouncer != nil {
			debouncer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debouncer != nil {
				debouncer.Stop()
			}
			debouncer = time.AfterFunc(cm.debounce, func() {
				if ctx.Err() == nil {
					cm.handleConfigChange(ctx, filePath)
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			cm.logger.Warn("config watcher error", "path", filePath, "error", err)
		}
	}
}

// handleConfigChange processes configuration file changes
func (cm *ConfigManager) handleConfigChange(ctx context.Context, filePath string) {
	cm.mutex.RLock()
	changeChan, exists := cm.watchers[filePath]
	cm.mutex.RUnlock()

	if !exists {
		return
	}

	newConfig, err := cm.LoadFromFile(ctx, filePath)
	if err != nil {
		cm.logger.Warn("rejected configuration change", "path", filePath, "error", err)
		select {
		case changeChan <- ConfigChangeEvent{
			Type:  "config_error",
			Path:  filePath,
			Error: err.Error(),
		}:
		default:
		}
		return
	}

	cm.logger.Info("configuration reloaded", "path", filePath)
	select {
	case changeChan <- ConfigChangeEvent{
		Type:   "config_updated",
		Path:   filePath,
		Config: newConfig,
	}:
	default:
	}
}

// substituteEnvVars replaces ${VAR} patterns with environment variables
func (cm *ConfigManager) substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := match[2 : len(match)-1]

		if value := os.Getenv(varName); value != "" {
			return value
		}

		// Unset variables stay visible in the result
		return match
	})
}

// Package config provides configuration management for hotpatch, including
// loading configuration with precedence, environment variable overrides,
// and get/set/list operations for configuration values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

const (
	EnvPrefix            = "HOTPATCH"
	HomeDirName          = ".hotpatch"
	ProjectConfigName    = "hotpatch.yaml"
	DefaultDataDir       = "data"
	DefaultComponentsDir = "components"
	DefaultReadyAfterMs  = 500
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

func ValidLogLevels() map[LogLevel]struct{} {
	return map[LogLevel]struct{}{
		LogLevelDebug: {},
		LogLevelInfo:  {},
		LogLevelWarn:  {},
		LogLevelError: {},
		LogLevelFatal: {},
	}
}

func IsValidLogLevel(level LogLevel) bool {
	_, ok := ValidLogLevels()[level]
	return ok
}

type LogFormat string

const (
	LogFormatPretty LogFormat = "pretty"
	LogFormatJSON   LogFormat = "json"
)

func ValidLogFormats() map[LogFormat]struct{} {
	return map[LogFormat]struct{}{
		LogFormatPretty: {},
		LogFormatJSON:   {},
	}
}

func IsValidLogFormat(format LogFormat) bool {
	_, ok := ValidLogFormats()[format]
	return ok
}

// HotpatchConfig is the configuration of the injector and the simulated
// host it runs against.
type HotpatchConfig struct {
	ComponentID     string    `yaml:"component_id,omitempty" mapstructure:"component_id"`           // id of the injector component
	EngineBinary    string    `yaml:"engine_binary,omitempty" mapstructure:"engine_binary"`         // file name of the engine binary inside the component directory
	HostExecutable  string    `yaml:"host_executable,omitempty" mapstructure:"host_executable"`     // host executable relaunched on restart
	DataDir         string    `yaml:"data_dir,omitempty" mapstructure:"data_dir"`                   // the host's data directory
	ComponentsDir   string    `yaml:"components_dir,omitempty" mapstructure:"components_dir"`       // directory scanned for components
	PollIntervalMs  int       `yaml:"poll_interval_ms,omitempty" mapstructure:"poll_interval_ms"`   // readiness poll interval
	BlockIntervalMs int       `yaml:"block_interval_ms,omitempty" mapstructure:"block_interval_ms"` // core context re-check interval while a notification shows
	ReadyAfterMs    int       `yaml:"ready_after_ms,omitempty" mapstructure:"ready_after_ms"`       // simulated host start-up time
	LogFormat       LogFormat `yaml:"log_format,omitempty" mapstructure:"log_format"`               // "pretty" or "json"
	LogLevel        string    `yaml:"log_level,omitempty" mapstructure:"log_level"`                 // "debug", "info", "warn", "error", "fatal"
}

// PollInterval returns PollIntervalMs as a duration.
func (cfg *HotpatchConfig) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalMs) * time.Millisecond
}

// BlockInterval returns BlockIntervalMs as a duration.
func (cfg *HotpatchConfig) BlockInterval() time.Duration {
	return time.Duration(cfg.BlockIntervalMs) * time.Millisecond
}

// ReadyAfter returns ReadyAfterMs as a duration.
func (cfg *HotpatchConfig) ReadyAfter() time.Duration {
	return time.Duration(cfg.ReadyAfterMs) * time.Millisecond
}

// SetComponentsDir sets the components directory, resolving it to an
// absolute path.
func (cfg *HotpatchConfig) SetComponentsDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("components directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve components directory path: %w", err)
	}
	cfg.ComponentsDir = abs
	return nil
}

// ConfigValue represents a configuration value with its source
type ConfigValue struct {
	Value  any
	Source string // "env", "project", "user", or "default"
}

// GetHomeDir returns the hotpatch home directory (~/.hotpatch)
func GetHomeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, HomeDirName), nil
}

// GetUserConfigPath returns the path to the user-specific config file (~/.hotpatch/config.yaml)
func GetUserConfigPath() (string, error) {
	home, err := GetHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.yaml"), nil
}

// GetProjectConfigPath returns the path to the project-specific config file (./hotpatch.yaml)
// relative to the current working directory
func GetProjectConfigPath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return filepath.Join(cwd, ProjectConfigName), nil
}

// setupViper configures Viper with defaults, config file locations, and environment variables
// If configPath is provided (non-empty), loads from that specific path instead of using precedence
func setupViper(configPath string) error {
	viper.Reset()
	setViperDefaults()
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	// Otherwise use precedence: user config first, then project config
	userPath, userErr := GetUserConfigPath()
	if userErr == nil {
		if _, userStatErr := os.Stat(userPath); userStatErr == nil {
			viper.SetConfigFile(userPath)
			if userReadErr := viper.ReadInConfig(); userReadErr != nil {
				zap.L().Debug("Failed to read user config file", zap.String("path", userPath), zap.Error(userReadErr))
			}
		}
	}

	projectPath, projectErr := GetProjectConfigPath()
	if projectErr == nil {
		if _, projectStatErr := os.Stat(projectPath); projectStatErr == nil {
			viper.SetConfigFile(projectPath)
			if projectReadErr := viper.MergeInConfig(); projectReadErr != nil {
				zap.L().Debug("Failed to merge project config file", zap.String("path", projectPath), zap.Error(projectReadErr))
			}
		}
	}

	return nil
}

// setViperDefaults sets default values in Viper
func setViperDefaults() {
	viper.SetDefault("component_id", core.ComponentID)
	viper.SetDefault("engine_binary", core.EngineBinaryName)
	viper.SetDefault("host_executable", core.HostExecutableName)
	viper.SetDefault("data_dir", DefaultDataDir)
	viper.SetDefault("components_dir", DefaultComponentsDir)
	viper.SetDefault("poll_interval_ms", core.DefaultPollIntervalMs)
	viper.SetDefault("block_interval_ms", core.DefaultBlockIntervalMs)
	viper.SetDefault("ready_after_ms", DefaultReadyAfterMs)
	viper.SetDefault("log_format", "json")
	viper.SetDefault("log_level", "info")
}

// LoadConfig loads configuration with precedence: project config > user config > defaults
// Environment variables override config file values
// If configPath is provided, loads from that specific path instead
func LoadConfig(configPath string) (*HotpatchConfig, error) {
	if err := setupViper(configPath); err != nil {
		return nil, err
	}

	cfg := &HotpatchConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var configFileDir string
	if configPath != "" {
		configFileDir = filepath.Dir(configPath)
	} else if projectPath, err := GetProjectConfigPath(); err == nil {
		if _, err := os.Stat(projectPath); err == nil {
			configFileDir = filepath.Dir(projectPath)
		}
	}

	if err := postProcessConfig(cfg, configFileDir); err != nil {
		return nil, err
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// postProcessConfig resolves relative directories against the directory of
// the config file, or the working directory when there is none.
func postProcessConfig(cfg *HotpatchConfig, configFileDir string) error {
	resolve := func(dir string) string {
		if dir == "" || filepath.IsAbs(dir) || configFileDir == "" {
			return dir
		}
		return filepath.Clean(filepath.Join(configFileDir, dir))
	}

	if cfg.ComponentsDir != "" {
		if err := cfg.SetComponentsDir(resolve(cfg.ComponentsDir)); err != nil {
			return fmt.Errorf("failed to set components directory: %w", err)
		}
	}

	if cfg.DataDir != "" {
		abs, err := filepath.Abs(resolve(cfg.DataDir))
		if err != nil {
			return fmt.Errorf("failed to resolve data directory path: %w", err)
		}
		cfg.DataDir = abs
	}

	return nil
}

// validateConfig validates the configuration
func validateConfig(cfg *HotpatchConfig) error {
	if cfg.ComponentID == "" {
		return fmt.Errorf("component_id cannot be empty (was explicitly set to empty string)")
	}
	if cfg.EngineBinary == "" {
		return fmt.Errorf("engine_binary cannot be empty (was explicitly set to empty string)")
	}
	if cfg.HostExecutable == "" {
		return fmt.Errorf("host_executable cannot be empty (was explicitly set to empty string)")
	}
	if cfg.ComponentsDir == "" {
		return fmt.Errorf("components_dir cannot be empty (was explicitly set to empty string)")
	}
	if cfg.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1, got %d", cfg.PollIntervalMs)
	}
	if cfg.BlockIntervalMs < 1 {
		return fmt.Errorf("block_interval_ms must be at least 1, got %d", cfg.BlockIntervalMs)
	}
	if cfg.ReadyAfterMs < 0 {
		return fmt.Errorf("ready_after_ms cannot be negative, got %d", cfg.ReadyAfterMs)
	}

	if cfg.LogFormat != "" && !IsValidLogFormat(cfg.LogFormat) {
		return fmt.Errorf("log_format must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogFormats()), cfg.LogFormat)
	}
	if cfg.LogLevel != "" && !IsValidLogLevel(LogLevel(cfg.LogLevel)) {
		return fmt.Errorf("log_level must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogLevels()), cfg.LogLevel)
	}

	return nil
}

// getValueSource determines the source of a config value
func getValueSource(key string) string {
	envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if os.Getenv(envKey) != "" {
		return "env"
	}

	if projectPath, err := GetProjectConfigPath(); err == nil && fileHasKey(projectPath, key) {
		return "project"
	}

	if userPath, err := GetUserConfigPath(); err == nil && fileHasKey(userPath, key) {
		return "user"
	}

	return "default"
}

// fileHasKey reports whether the config file at path sets key.
func fileHasKey(path, key string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return false
	}
	return v.IsSet(key)
}

// GetConfigValue retrieves a configuration value by key, checking environment variables first
// Returns the value and its source ("env", "project", "user", or "default")
func GetConfigValue(key string) (*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	value := viper.Get(key)
	if value == nil {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}

	return &ConfigValue{Value: value, Source: getValueSource(key)}, nil
}

// SetConfigValue sets a configuration value and saves it to the project
// config when one exists, otherwise to the user config.
func SetConfigValue(key, value string) error {
	if err := setupViper(""); err != nil {
		return err
	}
	if viper.Get(key) == nil {
		return fmt.Errorf("unknown config key: %s", key)
	}

	var configPath string
	if projectPath, err := GetProjectConfigPath(); err == nil {
		if _, statErr := os.Stat(projectPath); statErr == nil {
			configPath = projectPath
		}
	}

	if configPath == "" {
		userPath, err := GetUserConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get user config path: %w", err)
		}
		// #nosec G301 -- config directory permissions 0755 are acceptable for user config directory
		if err := os.MkdirAll(filepath.Dir(userPath), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		configPath = userPath
	}

	settings := make(map[string]any)
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
		if settings == nil {
			settings = make(map[string]any)
		}
	}
	settings[key] = typedValue(value)

	// Validate the result before writing it
	probe := viper.New()
	for k, v := range settings {
		probe.Set(k, v)
	}
	cfg := &HotpatchConfig{}
	if err := probe.Unmarshal(cfg); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if err := validateKey(key, cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// #nosec G306 -- config file permissions 0644 are acceptable for user config files
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// typedValue keeps numbers as numbers in the written YAML.
func typedValue(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}

// validateKey validates the single field of cfg that key sets.
func validateKey(key string, cfg *HotpatchConfig) error {
	switch key {
	case "log_format":
		if !IsValidLogFormat(cfg.LogFormat) {
			return fmt.Errorf("log_format must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogFormats()), cfg.LogFormat)
		}
	case "log_level":
		if !IsValidLogLevel(LogLevel(cfg.LogLevel)) {
			return fmt.Errorf("log_level must be one of: %s, got '%s'", core.JoinMapKeys(ValidLogLevels()), cfg.LogLevel)
		}
	case "poll_interval_ms":
		if cfg.PollIntervalMs < 1 {
			return fmt.Errorf("poll_interval_ms must be at least 1, got %d", cfg.PollIntervalMs)
		}
	case "block_interval_ms":
		if cfg.BlockIntervalMs < 1 {
			return fmt.Errorf("block_interval_ms must be at least 1, got %d", cfg.BlockIntervalMs)
		}
	case "ready_after_ms":
		if cfg.ReadyAfterMs < 0 {
			return fmt.Errorf("ready_after_ms cannot be negative, got %d", cfg.ReadyAfterMs)
		}
	}
	return nil
}

// ListConfig returns all configuration keys and values with their sources
func ListConfig() (map[string]*ConfigValue, error) {
	if err := setupViper(""); err != nil {
		return nil, err
	}

	result := make(map[string]*ConfigValue)
	for key, value := range viper.AllSettings() {
		if _, ok := value.(map[string]any); ok {
			continue
		}
		result[key] = &ConfigValue{Value: value, Source: getValueSource(key)}
	}

	return result, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dorcha-inc/hotpatch/internal/core"
)

const invalidValue = "invalid"

// isolate points HOME and the working directory at fresh temp directories so
// no real config file is picked up. It returns the working directory.
func isolate(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	wd := t.TempDir()
	t.Chdir(wd)
	// Resolve symlinks (macOS /var -> /private/var) so path comparisons hold
	resolved, err := os.Getwd()
	require.NoError(t, err)
	return resolved
}

func writeProjectConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ProjectConfigName)
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeUserConfig(t *testing.T, content string) string {
	t.Helper()
	path, err := GetUserConfigPath()
	require.NoError(t, err)
	// #nosec G301 -- test directory permissions are acceptable for temporary test files
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	wd := isolate(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, core.ComponentID, cfg.ComponentID)
	assert.Equal(t, core.EngineBinaryName, cfg.EngineBinary)
	assert.Equal(t, core.HostExecutableName, cfg.HostExecutable)
	assert.Equal(t, filepath.Join(wd, DefaultComponentsDir), cfg.ComponentsDir)
	assert.Equal(t, filepath.Join(wd, DefaultDataDir), cfg.DataDir)
	assert.Equal(t, 20*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 20*time.Millisecond, cfg.BlockInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.ReadyAfter())
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_WithProjectConfig(t *testing.T) {
	wd := isolate(t)
	writeProjectConfig(t, wd, "components_dir: ./mods\nready_after_ms: 0\n")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "mods"), cfg.ComponentsDir)
	assert.Equal(t, time.Duration(0), cfg.ReadyAfter())
}

func TestLoadConfig_WithSpecificPath(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "custom.yaml")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(configPath, []byte("poll_interval_ms: 50\ncomponents_dir: comps\ndata_dir: /abs/data\n"), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, filepath.Join(dir, "comps"), cfg.ComponentsDir)
	assert.Equal(t, "/abs/data", cfg.DataDir)
}

func TestLoadConfig_ProjectConfigPrecedence(t *testing.T) {
	wd := isolate(t)
	writeUserConfig(t, "poll_interval_ms: 70\nblock_interval_ms: 30\n")
	writeProjectConfig(t, wd, "poll_interval_ms: 40\n")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.PollIntervalMs, "project config wins")
	assert.Equal(t, 30, cfg.BlockIntervalMs, "user config still applies")
}

func TestLoadConfig_EnvironmentVariableOverride(t *testing.T) {
	wd := isolate(t)
	writeProjectConfig(t, wd, "poll_interval_ms: 40\n")
	t.Setenv("HOTPATCH_POLL_INTERVAL_MS", "90")
	t.Setenv("HOTPATCH_COMPONENT_ID", "custom-injector")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 90, cfg.PollIntervalMs)
	assert.Equal(t, "custom-injector", cfg.ComponentID)
}

func TestLoadConfig_InvalidConfigFile(t *testing.T) {
	isolate(t)
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	// #nosec G306 -- test file permissions are acceptable for temporary test files
	require.NoError(t, os.WriteFile(path, []byte("poll_interval_ms: [\n"), 0644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_ExplicitEmptyValues(t *testing.T) {
	wd := isolate(t)
	writeProjectConfig(t, wd, "component_id: \"\"\n")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "component_id cannot be empty")
}

func TestValidateConfig(t *testing.T) {
	valid := func() *HotpatchConfig {
		return &HotpatchConfig{
			ComponentID:     core.ComponentID,
			EngineBinary:    core.EngineBinaryName,
			HostExecutable:  core.HostExecutableName,
			ComponentsDir:   "/components",
			PollIntervalMs:  20,
			BlockIntervalMs: 20,
			ReadyAfterMs:    0,
			LogFormat:       LogFormatPretty,
			LogLevel:        "debug",
		}
	}
	require.NoError(t, validateConfig(valid()))

	tests := []struct {
		name   string
		mutate func(cfg *HotpatchConfig)
		want   string
	}{
		{"empty engine binary", func(cfg *HotpatchConfig) { cfg.EngineBinary = "" }, "engine_binary"},
		{"empty host executable", func(cfg *HotpatchConfig) { cfg.HostExecutable = "" }, "host_executable"},
		{"empty components dir", func(cfg *HotpatchConfig) { cfg.ComponentsDir = "" }, "components_dir"},
		{"zero poll interval", func(cfg *HotpatchConfig) { cfg.PollIntervalMs = 0 }, "poll_interval_ms"},
		{"zero block interval", func(cfg *HotpatchConfig) { cfg.BlockIntervalMs = 0 }, "block_interval_ms"},
		{"negative ready after", func(cfg *HotpatchConfig) { cfg.ReadyAfterMs = -1 }, "ready_after_ms"},
		{"bad log format", func(cfg *HotpatchConfig) { cfg.LogFormat = invalidValue }, "log_format must be one of: json, pretty"},
		{"bad log level", func(cfg *HotpatchConfig) { cfg.LogLevel = invalidValue }, "log_level must be one of"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSetComponentsDir(t *testing.T) {
	wd := isolate(t)
	cfg := &HotpatchConfig{}
	require.NoError(t, cfg.SetComponentsDir("mods"))
	assert.Equal(t, filepath.Join(wd, "mods"), cfg.ComponentsDir)
	assert.Error(t, cfg.SetComponentsDir(""))
}

func TestGetConfigValue(t *testing.T) {
	wd := isolate(t)
	writeProjectConfig(t, wd, "poll_interval_ms: 40\n")
	writeUserConfig(t, "engine_binary: engine.dll\n")
	t.Setenv("HOTPATCH_LOG_LEVEL", "debug")

	value, err := GetConfigValue("poll_interval_ms")
	require.NoError(t, err)
	assert.Equal(t, 40, value.Value)
	assert.Equal(t, "project", value.Source)

	value, err = GetConfigValue("engine_binary")
	require.NoError(t, err)
	assert.Equal(t, "engine.dll", value.Value)
	assert.Equal(t, "user", value.Source)

	value, err = GetConfigValue("log_level")
	require.NoError(t, err)
	assert.Equal(t, "debug", value.Value)
	assert.Equal(t, "env", value.Source)

	value, err = GetConfigValue("host_executable")
	require.NoError(t, err)
	assert.Equal(t, core.HostExecutableName, value.Value)
	assert.Equal(t, "default", value.Source)
}

func TestGetConfigValue_UnknownKey(t *testing.T) {
	isolate(t)
	_, err := GetConfigValue("does_not_exist")
	assert.Error(t, err)
}

func TestSetConfigValue_ProjectConfig(t *testing.T) {
	wd := isolate(t)
	path := writeProjectConfig(t, wd, "component_id: mine\n")

	require.NoError(t, SetConfigValue("poll_interval_ms", "35"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var settings map[string]any
	require.NoError(t, yaml.Unmarshal(data, &settings))
	assert.Equal(t, 35, settings["poll_interval_ms"])
	assert.Equal(t, "mine", settings["component_id"], "other fields are preserved")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 35, cfg.PollIntervalMs)
}

func TestSetConfigValue_UserConfig(t *testing.T) {
	isolate(t)
	require.NoError(t, SetConfigValue("log_format", "pretty"))

	value, err := GetConfigValue("log_format")
	require.NoError(t, err)
	assert.Equal(t, "pretty", value.Value)
	assert.Equal(t, "user", value.Source)
}

func TestSetConfigValue_Invalid(t *testing.T) {
	isolate(t)
	assert.Error(t, SetConfigValue("nope", "1"))
	assert.Error(t, SetConfigValue("log_format", invalidValue))
	assert.Error(t, SetConfigValue("log_level", invalidValue))
	assert.Error(t, SetConfigValue("poll_interval_ms", "0"))
	assert.Error(t, SetConfigValue("ready_after_ms", "-5"))
	assert.Error(t, SetConfigValue("block_interval_ms", "soon"))

	path, err := GetUserConfigPath()
	require.NoError(t, err)
	assert.False(t, core.FileExists(path), "nothing is written for rejected values")
}

func TestListConfig(t *testing.T) {
	wd := isolate(t)
	writeProjectConfig(t, wd, "ready_after_ms: 10\n")

	values, err := ListConfig()
	require.NoError(t, err)

	for _, key := range []string{
		"component_id", "engine_binary", "host_executable", "data_dir", "components_dir",
		"poll_interval_ms", "block_interval_ms", "ready_after_ms", "log_format", "log_level",
	} {
		assert.Contains(t, values, key)
	}
	assert.Equal(t, "project", values["ready_after_ms"].Source)
	assert.Equal(t, "default", values["component_id"].Source)
}

func TestGetProjectConfigPath(t *testing.T) {
	wd := isolate(t)
	path, err := GetProjectConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, ProjectConfigName), path)
}

func TestGetUserConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path, err := GetUserConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, HomeDirName, "config.yaml"), path)
}

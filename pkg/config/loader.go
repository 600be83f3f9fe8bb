package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/albertocavalcante/buildfs/internal/log"
)

// ConfigFileName is the name of the project-level config file.
const ConfigFileName = "buildfs.toml"

// ConfigDirName is the name of the project-level config and state directory.
const ConfigDirName = ".buildfs"

// GlobalConfigDir is the name of the global config directory inside user's config.
const GlobalConfigDir = "buildfs"

// LoadFrom loads configuration from all layers in order of precedence:
//  1. Built-in defaults
//  2. Global user config (~/.config/buildfs/config.toml)
//  3. Project config (.buildfs/config.toml or buildfs.toml), searched from dir upward
//  4. Environment variables (BUILDFS_*)
//
// CLI flags are applied separately after LoadFrom returns. It also returns
// the workspace root: the directory holding the project config, else
// the nearest workspace marker, else dir itself.
func LoadFrom(dir string) (*Config, string) {
	cfg := NewConfig()

	// Layer 2: Global user config
	if globalCfg := loadGlobalConfig(); globalCfg != nil {
		cfg.Merge(globalCfg)
	}

	// Layer 3: Project config from specified directory
	projectCfg, root := loadProjectConfigFrom(dir)
	if projectCfg != nil {
		cfg.Merge(projectCfg)
	}

	// Layer 4: Environment variables
	applyEnvironmentVariables(cfg)

	return cfg, root
}

// loadGlobalConfig loads the global user configuration from ~/.config/buildfs/config.toml.
func loadGlobalConfig() *Config {
	path := GetGlobalConfigPath()
	if path == "" {
		return nil
	}
	return loadConfigFile(path)
}

// loadProjectConfigFrom looks for project configuration starting from the
// given directory and walking up to the workspace root.
func loadProjectConfigFrom(dir string) (*Config, string) {
	current := dir
	for {
		for _, path := range GetProjectConfigPaths(current) {
			if cfg := loadConfigFile(path); cfg != nil {
				return cfg, current
			}
		}

		// Stop at filesystem root or git/bazel workspace root
		if isWorkspaceRoot(current) {
			return nil, current
		}

		parent := filepath.Dir(current)
		if parent == current {
			return nil, dir
		}
		current = parent
	}
}

// isWorkspaceRoot checks if the directory is a workspace root.
func isWorkspaceRoot(dir string) bool {
	markers := []string{".git", "WORKSPACE", "MODULE.bazel", "settings.gradle", "settings.gradle.kts", "pom.xml", "go.mod"}
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// loadConfigFile loads a configuration from a TOML file. A file that exists
// but does not parse is reported and skipped.
func loadConfigFile(path string) *Config {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		log.Warn("ignoring invalid config file", "path", path, "error", err)
		return nil
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Debug("unknown config keys", "path", path, "keys", undecoded)
	}

	return &cfg
}

// applyEnvironmentVariables applies BUILDFS_* environment variables to the config.
func applyEnvironmentVariables(cfg *Config) {
	applyBoolEnv("BUILDFS_ALWAYS_SCAN", &cfg.Tracker.AlwaysScan)
	applyBoolEnv("BUILDFS_VERIFY_CONTENT", &cfg.Tracker.VerifyContent)
	if v := os.Getenv("BUILDFS_STATE_DIR"); v != "" {
		cfg.Tracker.StateDir = v
	}
	if v := os.Getenv("BUILDFS_IGNORE_DIRS"); v != "" {
		cfg.Tracker.IgnoreDirs = append(cfg.Tracker.IgnoreDirs, splitAndTrim(v)...)
	}

	// BUILDFS_BUILD_COMMAND: whitespace-separated command line
	if v := os.Getenv("BUILDFS_BUILD_COMMAND"); v != "" {
		cfg.Build.Command = strings.Fields(v)
	}
	applyIntEnv("BUILDFS_MAX_ROUNDS", &cfg.Build.MaxRounds)

	applyIntEnv("BUILDFS_WATCH_DEBOUNCE_MS", &cfg.Watch.DebounceMS)
	applyBoolEnv("BUILDFS_BUILD_ON_CHANGE", &cfg.Watch.BuildOnChange)
}

// splitAndTrim splits a comma-separated string and trims whitespace.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// applyBoolEnv applies a boolean environment variable to a pointer.
func applyBoolEnv(envVar string, target **bool) {
	if v := os.Getenv(envVar); v != "" {
		v = strings.ToLower(v)
		if v == "true" || v == "1" || v == "yes" {
			t := true
			*target = &t
		} else if v == "false" || v == "0" || v == "no" {
			f := false
			*target = &f
		}
	}
}

// applyIntEnv applies a positive integer environment variable.
func applyIntEnv(envVar string, target *int) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Warn("ignoring invalid environment variable", "name", envVar, "value", v)
		return
	}
	*target = n
}

// GetGlobalConfigPath returns the path to the global config file.
func GetGlobalConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, GlobalConfigDir, "config.toml")
}

// GetProjectConfigPaths returns potential project config paths for a given directory.
func GetProjectConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, ConfigDirName, "config.toml"),
		filepath.Join(dir, ConfigFileName),
	}
}

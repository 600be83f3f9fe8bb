// Package config provides configuration management for buildfs.
// It supports multi-layer configuration with precedence:
//  1. Built-in defaults (lowest priority)
//  2. Global user config (~/.config/buildfs/config.toml)
//  3. Project config (.buildfs/config.toml or buildfs.toml)
//  4. Environment variables (BUILDFS_*)
//  5. CLI flags (highest priority)
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/albertocavalcante/buildfs/pkg/roots"
)

// Config is the main configuration struct for buildfs.
type Config struct {
	// Tracker configures dirty-state tracking.
	Tracker TrackerConfig `toml:"tracker"`

	// Build configures the compiler invoked by `buildfs build`.
	Build BuildConfig `toml:"build"`

	// Watch configures `buildfs watch`.
	Watch WatchConfig `toml:"watch"`

	// Targets declares the build targets. When empty, targets are detected
	// from conventional source layouts.
	Targets []TargetConfig `toml:"targets"`

	// Chunks groups targets compiled together.
	Chunks []ChunkConfig `toml:"chunks"`
}

// TrackerConfig holds dirty-tracking settings.
type TrackerConfig struct {
	// AlwaysScan rescans every target on each build instead of once per process.
	AlwaysScan *bool `toml:"always_scan"`

	// VerifyContent hashes files whose modification time changed, so a touch
	// without an edit does not make a file dirty.
	VerifyContent *bool `toml:"verify_content"`

	// StateDir overrides where stamps are stored (default <workspace>/.buildfs/stamps).
	StateDir string `toml:"state_dir"`

	// IgnoreDirs lists extra directory name prefixes never scanned or watched.
	IgnoreDirs []string `toml:"ignore_dirs"`
}

// BuildConfig holds compiler settings.
type BuildConfig struct {
	// Command is the compiler command line; the round's files are appended.
	Command []string `toml:"command"`

	// MaxRounds bounds the compilation rounds of one chunk.
	MaxRounds int `toml:"max_rounds"`
}

// WatchConfig holds watch mode settings.
type WatchConfig struct {
	// DebounceMS is how long to wait for more changes before acting.
	DebounceMS int `toml:"debounce_ms"`

	// BuildOnChange runs a build after each debounced batch of changes.
	BuildOnChange *bool `toml:"build_on_change"`
}

// TargetConfig declares one build target.
type TargetConfig struct {
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind"`
	Languages      []string `toml:"languages"`
	Excludes       []string `toml:"excludes"`
	Roots          []string `toml:"roots"`
	GeneratedRoots []string `toml:"generated_roots"`
}

// ChunkConfig lists targets (by name or name:kind) compiled together.
type ChunkConfig struct {
	Targets []string `toml:"targets"`
}

// NewConfig creates a new Config with built-in defaults.
func NewConfig() *Config {
	falseVal := false
	return &Config{
		Tracker: TrackerConfig{
			AlwaysScan:    &falseVal,
			VerifyContent: &falseVal,
		},
		Build: BuildConfig{
			MaxRounds: 10,
		},
		Watch: WatchConfig{
			DebounceMS:    500,
			BuildOnChange: &falseVal,
		},
	}
}

// AlwaysScan reports whether every build rescans all targets.
func (c *Config) AlwaysScan() bool {
	return c.Tracker.AlwaysScan != nil && *c.Tracker.AlwaysScan
}

// VerifyContent reports whether content hashes back up modification times.
func (c *Config) VerifyContent() bool {
	return c.Tracker.VerifyContent != nil && *c.Tracker.VerifyContent
}

// BuildOnChange reports whether watch mode builds after each batch.
func (c *Config) BuildOnChange() bool {
	return c.Watch.BuildOnChange != nil && *c.Watch.BuildOnChange
}

// Debounce returns the watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMS) * time.Millisecond
}

// StateDir returns the stamp directory for a workspace. `buildfs clean`
// removes it, so the default is a subdirectory of the config directory.
func (c *Config) StateDir(workspace string) string {
	switch {
	case c.Tracker.StateDir == "":
		return filepath.Join(workspace, ConfigDirName, "stamps")
	case filepath.IsAbs(c.Tracker.StateDir):
		return c.Tracker.StateDir
	default:
		return filepath.Join(workspace, c.Tracker.StateDir)
	}
}

// TargetSpecs converts the declared targets for roots.NewIndex.
func (c *Config) TargetSpecs() ([]roots.TargetSpec, error) {
	specs := make([]roots.TargetSpec, 0, len(c.Targets))
	for i, t := range c.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("targets[%d]: name is required", i)
		}
		kind := roots.Kind(t.Kind)
		switch kind {
		case "":
			kind = roots.KindProduction
		case roots.KindProduction, roots.KindTest:
		default:
			return nil, fmt.Errorf("target %s: unknown kind %q", t.Name, t.Kind)
		}

		spec := roots.TargetSpec{
			Name:      t.Name,
			Kind:      kind,
			Languages: t.Languages,
			Excludes:  t.Excludes,
		}
		for _, dir := range t.Roots {
			spec.Roots = append(spec.Roots, roots.RootSpec{Dir: dir})
		}
		for _, dir := range t.GeneratedRoots {
			spec.Roots = append(spec.Roots, roots.RootSpec{Dir: dir, Generated: true})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ChunkNames returns the declared chunks as lists of target names.
func (c *Config) ChunkNames() [][]string {
	out := make([][]string, 0, len(c.Chunks))
	for _, ch := range c.Chunks {
		out = append(out, ch.Targets)
	}
	return out
}

// Merge merges another config into this one (other takes precedence).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Merge tracker config
	if other.Tracker.AlwaysScan != nil {
		c.Tracker.AlwaysScan = other.Tracker.AlwaysScan
	}
	if other.Tracker.VerifyContent != nil {
		c.Tracker.VerifyContent = other.Tracker.VerifyContent
	}
	if other.Tracker.StateDir != "" {
		c.Tracker.StateDir = other.Tracker.StateDir
	}
	if len(other.Tracker.IgnoreDirs) > 0 {
		c.Tracker.IgnoreDirs = append(c.Tracker.IgnoreDirs, other.Tracker.IgnoreDirs...)
	}

	// Merge build config
	if len(other.Build.Command) > 0 {
		c.Build.Command = other.Build.Command
	}
	if other.Build.MaxRounds > 0 {
		c.Build.MaxRounds = other.Build.MaxRounds
	}

	// Merge watch config
	if other.Watch.DebounceMS > 0 {
		c.Watch.DebounceMS = other.Watch.DebounceMS
	}
	if other.Watch.BuildOnChange != nil {
		c.Watch.BuildOnChange = other.Watch.BuildOnChange
	}

	// Targets and chunks describe one workspace; a layer declaring any replaces them.
	if len(other.Targets) > 0 {
		c.Targets = other.Targets
	}
	if len(other.Chunks) > 0 {
		c.Chunks = other.Chunks
	}
}

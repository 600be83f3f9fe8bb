package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/albertocavalcante/buildfs/cmd/buildfs/internal/detect"
	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/internal/telemetry"
	"github.com/albertocavalcante/buildfs/pkg/config"
	"github.com/albertocavalcante/buildfs/pkg/fsstate"
	"github.com/albertocavalcante/buildfs/pkg/roots"
	"github.com/albertocavalcante/buildfs/pkg/scan"
	"github.com/albertocavalcante/buildfs/pkg/stamps"
)

// session is everything one command needs to work on a workspace.
type session struct {
	cfg      *config.Config
	root     string
	detected bool
	index    *roots.Index
	state    *fsstate.BuildFSState
	store    *stamps.FileStore
	scanner  *scan.Scanner
}

// openSession loads configuration and target layout for the workspace
// containing the working directory.
func openSession() (*session, error) {
	wd, err := workingDir()
	if err != nil {
		return nil, err
	}
	wd, err = filepath.Abs(wd)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", wd, err)
	}

	cfg, root := config.LoadFrom(wd)
	s := &session{cfg: cfg, root: root}

	targets := cfg.Targets
	if len(targets) == 0 {
		targets, err = detect.Targets(root, cfg.Tracker.IgnoreDirs)
		if err != nil {
			return nil, fmt.Errorf("failed to detect targets: %w", err)
		}
		cfg.Targets = targets
		s.detected = true
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no targets in %s: declare [[targets]] in %s", root, config.ConfigFileName)
	}

	specs, err := cfg.TargetSpecs()
	if err != nil {
		return nil, err
	}
	s.index, err = roots.NewIndex(root, specs, cfg.ChunkNames())
	if err != nil {
		return nil, err
	}

	s.store = stamps.NewFileStore(root,
		stamps.WithDir(cfg.StateDir(root)),
		stamps.WithContentHash(cfg.VerifyContent()))
	s.state = fsstate.New(
		fsstate.WithAlwaysScan(cfg.AlwaysScan()),
		fsstate.WithMeter(telemetry.Meter("")))
	s.scanner = scan.New(s.index, s.state, s.store, scan.Config{IgnoreDirs: cfg.Tracker.IgnoreDirs})

	log.Component("cli").Debug("session opened",
		"root", root, "targets", len(s.index.Targets()), "detected", s.detected)
	return s, nil
}

// resolveTargets maps command arguments to targets. An argument is either a
// target ID (name:kind) or a name selecting every kind of that name. No
// arguments selects all targets.
func (s *session) resolveTargets(args []string) ([]*roots.Target, error) {
	if len(args) == 0 {
		return nil, nil
	}
	var out []*roots.Target
	for _, arg := range args {
		if strings.Contains(arg, ":") {
			t, ok := s.index.Target(arg)
			if !ok {
				return nil, fmt.Errorf("unknown target %s", arg)
			}
			out = append(out, t)
			continue
		}
		found := false
		for _, t := range s.index.Targets() {
			if t.Name == arg {
				out = append(out, t)
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown target %s", arg)
		}
	}
	return out, nil
}

// rel shortens a path for display.
func (s *session) rel(path string) string {
	if r, err := filepath.Rel(s.root, path); err == nil && !strings.HasPrefix(r, "..") {
		return filepath.ToSlash(r)
	}
	return path
}

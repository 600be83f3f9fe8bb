// Package scan establishes the baseline dirty state of build targets by
// walking their source roots and comparing every file against its stored stamp.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albertocavalcante/buildfs/internal/langs"
	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/pkg/fsstate"
	"github.com/albertocavalcante/buildfs/pkg/roots"
	"github.com/albertocavalcante/buildfs/pkg/stamps"
)

// Config configures the scanner.
type Config struct {
	IgnoreDirs  []string // Additional directory prefixes to skip
	Parallelism int      // Targets scanned concurrently; 0 = GOMAXPROCS
}

// Result summarizes the scan of one target.
type Result struct {
	Target  *roots.Target
	Files   int      // source files seen
	Dirty   []string // files marked dirty, sorted
	Deleted []string // stamped files no longer on disk, sorted
	Elapsed time.Duration
}

// Scanner walks target roots and feeds a BuildFSState.
type Scanner struct {
	index  *roots.Index
	state  *fsstate.BuildFSState
	store  stamps.Store
	config Config
}

// New creates a scanner.
func New(index *roots.Index, state *fsstate.BuildFSState, store stamps.Store, cfg Config) *Scanner {
	return &Scanner{index: index, state: state, store: store, config: cfg}
}

// Scan scans every target whose initial scan has not been performed yet (all
// of them in always-scan mode). Targets are scanned in parallel. Results are
// returned in target declaration order.
func (s *Scanner) Scan(ctx context.Context, cctx *fsstate.CompileContext) ([]*Result, error) {
	var pending []*roots.Target
	for _, t := range s.index.Targets() {
		if s.state.MarkInitialScanPerformed(t) {
			pending = append(pending, t)
		}
	}
	return s.scanAll(ctx, cctx, pending)
}

// Rescan scans the given targets unconditionally.
func (s *Scanner) Rescan(ctx context.Context, cctx *fsstate.CompileContext, targets ...*roots.Target) ([]*Result, error) {
	for _, t := range targets {
		s.state.MarkInitialScanPerformed(t)
	}
	return s.scanAll(ctx, cctx, targets)
}

func (s *Scanner) scanAll(ctx context.Context, cctx *fsstate.CompileContext, targets []*roots.Target) ([]*Result, error) {
	limit := s.config.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}

	results := make([]*Result, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, t := range targets {
		g.Go(func() error {
			res, err := s.ScanTarget(gctx, cctx, t)
			if err != nil {
				return fmt.Errorf("scan %s: %w", t.ID(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ScanTarget walks the roots of one target. Files without an up-to-date stamp
// are marked dirty; stamped files that disappeared are registered as deleted.
// Their stamps stay until a build hands the deletion to the compiler, so a
// failed build leaves them to be found again by the next scan.
func (s *Scanner) ScanTarget(ctx context.Context, cctx *fsstate.CompileContext, target *roots.Target) (*Result, error) {
	start := time.Now()
	res := &Result{Target: target}
	seen := make(map[string]struct{})

	for _, root := range s.index.RootsOf(target) {
		err := s.walkRoot(ctx, root, func(path string, info fs.FileInfo) error {
			seen[path] = struct{}{}
			res.Files++

			ok, err := s.store.IsUpToDate(path, target, info.ModTime().UnixNano(), info.Size())
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			if _, err := s.state.MarkDirty(cctx, path, root, s.store); err != nil {
				return err
			}
			res.Dirty = append(res.Dirty, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	stamped, err := s.store.Files(target)
	if err != nil {
		return nil, err
	}
	for _, path := range stamped {
		if _, ok := seen[path]; ok {
			continue
		}
		if err := s.state.RegisterDeleted(target, path, nil); err != nil {
			return nil, err
		}
		res.Deleted = append(res.Deleted, path)
	}

	slices.Sort(res.Dirty)
	res.Elapsed = time.Since(start)
	log.Component("scan").Info("target scanned",
		"target", target.ID(), "files", res.Files, "dirty", len(res.Dirty),
		"deleted", len(res.Deleted), "elapsed", res.Elapsed)
	return res, nil
}

// walkRoot calls fn for every file under root accepted by its filter.
func (s *Scanner) walkRoot(ctx context.Context, root *roots.Root, fn func(string, fs.FileInfo) error) error {
	filter := root.Filter()
	err := filepath.WalkDir(root.RootDir(), func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			if path == root.RootDir() && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}

		if d.IsDir() {
			if path != root.RootDir() && langs.IsIgnoredDir(d.Name(), s.config.IgnoreDirs) {
				return filepath.SkipDir
			}
			return nil
		}

		if !filter.Accept(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(path, info)
	})
	if errors.Is(err, filepath.SkipDir) {
		return nil
	}
	return err
}

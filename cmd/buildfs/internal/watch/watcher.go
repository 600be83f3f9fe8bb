package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/albertocavalcante/buildfs/internal/langs"
	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/pkg/fsstate"
	"github.com/albertocavalcante/buildfs/pkg/roots"
	"github.com/albertocavalcante/buildfs/pkg/stamps"
	"github.com/albertocavalcante/buildfs/pkg/util"
)

// DefaultDebounce is used when Config.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// ErrWatchLimitReached is returned when the OS watch limit is exceeded.
var ErrWatchLimitReached = errors.New("filesystem watch limit reached")

// BuildFunc builds after a batch of changes and returns the number of
// compiled files.
type BuildFunc func(ctx context.Context, changed []string) (int, error)

// Config configures the watcher.
type Config struct {
	Index      *roots.Index
	State      *fsstate.BuildFSState
	Store      stamps.Store
	IgnoreDirs []string
	Debounce   time.Duration
	Build      BuildFunc // nil only tracks changes
	Output     LoggerConfig
}

// Watcher turns filesystem events into dirty marks and deletions on a
// BuildFSState.
type Watcher struct {
	config    Config
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	logger    *Logger
	watched   map[string]struct{}
	rootDirs  []string

	ctx context.Context

	// buildMu prevents concurrent builds.
	buildMu sync.Mutex
}

// New creates a watcher and registers watches for the workspace and every
// source root.
func New(cfg Config) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		config:    cfg,
		fsWatcher: fsWatcher,
		logger:    NewLogger(cfg.Output),
		watched:   make(map[string]struct{}),
	}
	for _, r := range cfg.Index.Roots() {
		w.rootDirs = append(w.rootDirs, r.RootDir())
	}

	if err := w.addRecursive(cfg.Index.Workspace(), false); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch workspace: %w", err)
	}
	// Roots outside the workspace.
	for _, dir := range w.rootDirs {
		if _, ok := w.watched[dir]; ok || !isDir(dir) {
			continue
		}
		if err := w.addRecursive(dir, false); err != nil {
			_ = fsWatcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is cancelled. Pending changes are flushed
// into the state before returning; no build is started after cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	window := w.config.Debounce
	if window <= 0 {
		window = DefaultDebounce
	}
	w.ctx = ctx
	w.debouncer = NewDebouncer(window, w.handleBatch)
	defer w.debouncer.Stop()

	w.logger.Ready(len(w.watched), len(w.config.Index.Targets()), w.config.Index.Workspace())

	for {
		select {
		case <-ctx.Done():
			// Report after a build in progress finishes.
			w.buildMu.Lock()
			w.logger.Shutdown()
			w.buildMu.Unlock()
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err)
		}
	}
}

// Logger returns the session logger.
func (w *Watcher) Logger() *Logger {
	return w.logger
}

// Close closes the watcher and releases resources.
func (w *Watcher) Close() error {
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

// addRecursive watches dir and its subdirectories. With mark, files found
// along the way are marked dirty; they may have been written before the
// watch on their directory existed.
func (w *Watcher) addRecursive(dir string, mark bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				log.Component("watch").Debug("permission denied", "path", path)
				return nil
			}
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			w.logger.Error(fmt.Errorf("walk error at %s: %w", path, err))
			return nil
		}

		if !d.IsDir() {
			if mark {
				w.markDirty(path)
			}
			return nil
		}
		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}

		if err := w.fsWatcher.Add(path); err != nil {
			if isWatchLimitError(err) {
				return fmt.Errorf("%w at %s: %v\n"+
					"Increase limit with: sudo sysctl fs.inotify.max_user_watches=524288",
					ErrWatchLimitReached, path, err)
			}
			log.Component("watch").Debug("failed to watch directory", "path", path, "error", err)
			return nil
		}
		w.watched[path] = struct{}{}
		return nil
	})
}

// ignored reports whether a directory is skipped. Directories leading to a
// source root are always watched, so generated roots under build output
// directories are seen.
func (w *Watcher) ignored(path string) bool {
	for _, root := range w.rootDirs {
		if root == path || isUnder(root, path) {
			return false
		}
	}
	return langs.IsIgnoredDir(filepath.Base(path), w.config.IgnoreDirs)
}

// isWatchLimitError checks if an error is due to inotify watch limits.
func isWatchLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "no space left on device") ||
		strings.Contains(errStr, "too many open files")
}

// handleEvent applies a single filesystem event to the state.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	switch {
	case event.Has(fsnotify.Create):
		if isDir(path) {
			if w.ignored(path) {
				return
			}
			if err := w.addRecursive(path, true); err != nil {
				w.logger.Error(fmt.Errorf("failed to watch new directory %s: %w", path, err))
			}
			return
		}
		w.markDirty(path)

	case event.Has(fsnotify.Write):
		w.markDirty(path)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename also produces a Create for the new name.
		delete(w.watched, path)
		w.markDeleted(path)
	}
	// Chmod events are ignored.
}

// markDirty marks a file under every root accepting it.
func (w *Watcher) markDirty(path string) {
	rs := w.config.Index.RootsFor(path)
	if len(rs) == 0 {
		return
	}
	for _, r := range rs {
		if _, err := w.config.State.MarkDirtyOnEvent(nil, path, r, w.config.Store); err != nil {
			w.logger.Error(fmt.Errorf("failed to mark %s: %w", path, err))
			return
		}
	}
	w.logger.FileChanged(path, ChangeDirty)
	w.debouncer.Add(path)
}

// markDeleted registers the removal of a file, or of every known file below
// a removed or renamed directory. Stamps are kept until a build hands the
// deletion to the compiler.
func (w *Watcher) markDeleted(path string) {
	owners := make(map[*roots.Target]bool)
	for _, r := range w.config.Index.Roots() {
		if r.Contains(path) || isUnder(r.RootDir(), path) || r.RootDir() == path {
			owners[r.Owner()] = true
		}
	}

	removed := make(map[string]bool)
	register := func(t *roots.Target, f string) {
		if f != path && !isUnder(f, path) {
			return
		}
		if err := w.config.State.RegisterDeleted(t, f, nil); err != nil {
			w.logger.Error(err)
			return
		}
		removed[f] = true
	}

	for _, t := range w.config.Index.Targets() {
		if !owners[t] {
			continue
		}
		files, err := w.config.Store.Files(t)
		if err != nil {
			w.logger.Error(err)
			continue
		}
		for _, f := range files {
			register(t, f)
		}
		// Dirty files never compiled have no stamp.
		for _, dirty := range w.config.State.SourcesToRecompile(nil, t) {
			for _, f := range dirty {
				register(t, f)
			}
		}
	}

	for _, f := range util.SortedKeys(removed) {
		w.logger.FileChanged(f, ChangeDeleted)
		w.debouncer.Add(f)
	}
}

// handleBatch runs when the debouncer flushes.
func (w *Watcher) handleBatch(paths []string) {
	if w.config.Build == nil || w.ctx == nil || w.ctx.Err() != nil {
		return
	}

	w.buildMu.Lock()
	defer w.buildMu.Unlock()
	if w.ctx.Err() != nil {
		return
	}

	w.logger.Building(paths)
	start := time.Now()
	compiled, err := w.config.Build(w.ctx, paths)
	if err != nil {
		w.logger.Error(fmt.Errorf("build failed: %w", err))
		return
	}
	w.logger.Built(compiled, time.Since(start))
}

// isUnder reports whether path lies strictly below dir.
func isUnder(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

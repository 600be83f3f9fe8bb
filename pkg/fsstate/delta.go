package fsstate

import (
	"cmp"
	"sync"

	"github.com/albertocavalcante/buildfs/pkg/util"
)

// FilesDelta records, per root, the files pending recompilation of one target,
// plus the paths deleted since the last build.
type FilesDelta struct {
	mu        sync.Mutex
	recompile map[RootDescriptor]map[string]struct{}
	deleted   map[string]struct{}
}

// NewFilesDelta creates an empty delta.
func NewFilesDelta() *FilesDelta {
	return &FilesDelta{
		recompile: make(map[RootDescriptor]map[string]struct{}),
		deleted:   make(map[string]struct{}),
	}
}

// MarkRecompile adds file to the dirty set of root. It reports whether the
// file was not already marked.
func (d *FilesDelta) MarkRecompile(root RootDescriptor, file string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markLocked(root, file)
}

func (d *FilesDelta) markLocked(root RootDescriptor, file string) bool {
	delete(d.deleted, file)
	files, ok := d.recompile[root]
	if !ok {
		files = make(map[string]struct{})
		d.recompile[root] = files
	}
	if _, ok := files[file]; ok {
		return false
	}
	files[file] = struct{}{}
	return true
}

// MarkRecompileIfNotDeleted marks file only if it still exists on disk.
// It reports whether the file exists and is now marked.
func (d *FilesDelta) MarkRecompileIfNotDeleted(root RootDescriptor, file string, stat StatFunc) (bool, error) {
	_, exists, err := stat(file)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	d.MarkRecompile(root, file)
	return true, nil
}

// ClearRecompile removes and returns the dirty set of root, or nil when none
// is tracked. Files marked after the call land in a fresh set.
func (d *FilesDelta) ClearRecompile(root RootDescriptor) map[string]struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	files, ok := d.recompile[root]
	if !ok {
		return nil
	}
	delete(d.recompile, root)
	return files
}

// IsMarkedRecompile reports whether file is dirty under root.
func (d *FilesDelta) IsMarkedRecompile(root RootDescriptor, file string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.recompile[root][file]
	return ok
}

// SourcesToRecompile returns a snapshot of the dirty files, sorted per root.
// Roots with an empty set are omitted.
func (d *FilesDelta) SourcesToRecompile() map[RootDescriptor][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(nil)
}

// snapshotLocked copies the dirty sets, keeping only roots accepted by keep.
func (d *FilesDelta) snapshotLocked(keep func(RootDescriptor) bool) map[RootDescriptor][]string {
	out := make(map[RootDescriptor][]string, len(d.recompile))
	for root, files := range d.recompile {
		if len(files) == 0 || (keep != nil && !keep(root)) {
			continue
		}
		out[root] = util.SortedKeys(files)
	}
	return out
}

// HasChanges reports whether any file is dirty or deleted.
func (d *FilesDelta) HasChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.deleted) > 0 {
		return true
	}
	for _, files := range d.recompile {
		if len(files) > 0 {
			return true
		}
	}
	return false
}

// AddDeleted records a path removed from disk. The path is dropped from every
// dirty set since there is nothing left to compile.
func (d *FilesDelta) AddDeleted(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, files := range d.recompile {
		delete(files, path)
	}
	d.deleted[path] = struct{}{}
}

// DeletedPaths returns the recorded deleted paths, sorted.
func (d *FilesDelta) DeletedPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return util.SortedKeys(d.deleted)
}

// ClearDeletedPaths returns and forgets the recorded deleted paths.
func (d *FilesDelta) ClearDeletedPaths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	paths := util.SortedKeys(d.deleted)
	d.deleted = make(map[string]struct{})
	return paths
}

// sortedRoots orders roots by directory, then target, for deterministic walks.
func sortedRoots(m map[RootDescriptor][]string) []RootDescriptor {
	return util.SortedKeysFunc(m, func(a, b RootDescriptor) int {
		return cmp.Or(
			cmp.Compare(a.RootDir(), b.RootDir()),
			cmp.Compare(a.Target().ID(), b.Target().ID()),
		)
	})
}

package stamps

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/albertocavalcante/buildfs/pkg/fsstate"
	"github.com/albertocavalcante/buildfs/pkg/util"
)

const (
	// StateDir is the directory name for buildfs state files.
	StateDir = ".buildfs"

	// stampsDir holds one JSON file per target inside StateDir.
	stampsDir = "stamps"
)

// ErrVersionUnsupported is returned when a stamp file was written by a newer format.
var ErrVersionUnsupported = errors.New("unsupported stamp file version")

// Store is a timestamp store that can also enumerate, persist and reset its stamps.
type Store interface {
	fsstate.TimestampStore

	// Files lists the files of target that have a stamp, sorted.
	Files(target fsstate.BuildTarget) ([]string, error)

	// IsUpToDate reports whether the stamp of file matches its current state.
	IsUpToDate(file string, target fsstate.BuildTarget, modTime, size int64) (bool, error)

	// Flush persists pending changes.
	Flush() error

	// Clear drops every stamp.
	Clear() error
}

// MemoryStore keeps stamps in memory only.
type MemoryStore struct {
	mu     sync.RWMutex
	stamps map[string]map[string]int64 // target ID -> file -> mtime
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stamps: make(map[string]map[string]int64)}
}

// SaveStamp implements fsstate.TimestampStore.
func (m *MemoryStore) SaveStamp(file string, target fsstate.BuildTarget, stamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.stamps[target.ID()]
	if !ok {
		files = make(map[string]int64)
		m.stamps[target.ID()] = files
	}
	files[file] = stamp
	return nil
}

// RemoveStamp implements fsstate.TimestampStore.
func (m *MemoryStore) RemoveStamp(file string, target fsstate.BuildTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stamps[target.ID()], file)
	return nil
}

// Stamp implements fsstate.TimestampStore.
func (m *MemoryStore) Stamp(file string, target fsstate.BuildTarget) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stamp, ok := m.stamps[target.ID()][file]
	return stamp, ok, nil
}

// Files implements Store.
func (m *MemoryStore) Files(target fsstate.BuildTarget) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return util.SortedKeys(m.stamps[target.ID()]), nil
}

// IsUpToDate implements Store. Only modification times are compared.
func (m *MemoryStore) IsUpToDate(file string, target fsstate.BuildTarget, modTime, _ int64) (bool, error) {
	stamp, ok, _ := m.Stamp(file, target)
	return ok && stamp == modTime, nil
}

// Flush implements Store; there is nothing to persist.
func (m *MemoryStore) Flush() error { return nil }

// Clear implements Store.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamps = make(map[string]map[string]int64)
	return nil
}

// FileStore persists stamps as one JSON file per target under
// <workspace>/.buildfs/stamps. Targets are loaded lazily and written by Flush.
type FileStore struct {
	dir         string
	contentHash bool

	mu      sync.Mutex
	targets map[string]*TargetIndex
	dirty   map[string]bool
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithContentHash records size and xxHash64 of each file on SaveStamp, so a
// file whose modification time changed without a content change is still up to date.
func WithContentHash(enabled bool) FileStoreOption {
	return func(s *FileStore) {
		s.contentHash = enabled
	}
}

// WithDir overrides the stamp directory (default <workspace>/.buildfs/stamps).
func WithDir(dir string) FileStoreOption {
	return func(s *FileStore) {
		s.dir = dir
	}
}

// NewFileStore creates a store rooted in the given workspace.
func NewFileStore(workspaceRoot string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{
		dir:     filepath.Join(workspaceRoot, StateDir, stampsDir),
		targets: make(map[string]*TargetIndex),
		dirty:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory holding the stamp files.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) pathFor(targetID string) string {
	return filepath.Join(s.dir, targetKey(targetID)+".json")
}

// indexLocked returns the loaded index of a target. Caller must hold s.mu.
func (s *FileStore) indexLocked(targetID string) (*TargetIndex, error) {
	if idx, ok := s.targets[targetID]; ok {
		return idx, nil
	}
	idx, err := s.load(targetID)
	if err != nil {
		return nil, err
	}
	s.targets[targetID] = idx
	return idx, nil
}

// load reads a target's stamp file. A missing file yields an empty index.
func (s *FileStore) load(targetID string) (*TargetIndex, error) {
	data, err := os.ReadFile(s.pathFor(targetID))
	if errors.Is(err, fs.ErrNotExist) {
		return NewTargetIndex(targetID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stamp file: %w", err)
	}

	var idx TargetIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse stamp file: %w", err)
	}
	if idx.Version > IndexVersion {
		return nil, fmt.Errorf("stamp file version %d is newer than supported version %d: %w",
			idx.Version, IndexVersion, ErrVersionUnsupported)
	}
	if idx.Target != targetID {
		// Hash collision or a hand-edited file; start over rather than mixing targets.
		return NewTargetIndex(targetID), nil
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*Entry)
	}
	return &idx, nil
}

// SaveStamp implements fsstate.TimestampStore.
func (s *FileStore) SaveStamp(file string, target fsstate.BuildTarget, stamp int64) error {
	entry := &Entry{Path: file, ModTime: stamp}
	if s.contentHash {
		info, err := os.Stat(file)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", file, err)
		}
		hash, err := HashFile(file)
		if err != nil {
			return err
		}
		entry.Size = info.Size()
		entry.Hash = hash
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(target.ID())
	if err != nil {
		return err
	}
	idx.Add(entry)
	s.dirty[target.ID()] = true
	return nil
}

// RemoveStamp implements fsstate.TimestampStore.
func (s *FileStore) RemoveStamp(file string, target fsstate.BuildTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(target.ID())
	if err != nil {
		return err
	}
	if idx.Remove(file) {
		s.dirty[target.ID()] = true
	}
	return nil
}

// Stamp implements fsstate.TimestampStore.
func (s *FileStore) Stamp(file string, target fsstate.BuildTarget) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(target.ID())
	if err != nil {
		return 0, false, err
	}
	e, ok := idx.Get(file)
	if !ok {
		return 0, false, nil
	}
	return e.ModTime, true, nil
}

// Files implements Store.
func (s *FileStore) Files(target fsstate.BuildTarget) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.indexLocked(target.ID())
	if err != nil {
		return nil, err
	}
	return util.SortedKeys(idx.Entries), nil
}

// IsUpToDate implements Store. Matching modification time is enough; with
// content hashing on, a changed time with unchanged size and hash also counts
// and the stored time is refreshed.
func (s *FileStore) IsUpToDate(file string, target fsstate.BuildTarget, modTime, size int64) (bool, error) {
	s.mu.Lock()
	idx, err := s.indexLocked(target.ID())
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	e, ok := idx.Get(file)
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	stored := *e
	s.mu.Unlock()

	if stored.ModTime == modTime {
		return true, nil
	}
	if !s.contentHash || stored.Hash == "" || stored.Size != size {
		return false, nil
	}

	// Lazy hashing: only files whose time moved are read.
	hash, err := HashFile(file)
	if err != nil {
		return false, nil
	}
	if hash != stored.Hash {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := idx.Get(file); ok && e.Hash == hash {
		e.ModTime = modTime
		s.dirty[target.ID()] = true
	}
	return true, nil
}

// Flush writes every modified target index to disk atomically.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.dirty) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create stamp directory: %w", err)
	}

	for _, id := range util.SortedKeys(s.dirty) {
		idx := s.targets[id]
		idx.UpdatedAt = time.Now()
		idx.Version = IndexVersion
		if err := writeAtomic(s.pathFor(id), idx); err != nil {
			return err
		}
		delete(s.dirty, id)
	}
	return nil
}

// writeAtomic marshals v and renames a temp file over path.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stamps: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp stamp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename stamp file: %w", err)
	}
	return nil
}

// Exists returns true if any stamp file has been written.
func (s *FileStore) Exists() bool {
	entries, err := os.ReadDir(s.dir)
	return err == nil && len(entries) > 0
}

// Clear removes every stamp, on disk and in memory.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = make(map[string]*TargetIndex)
	s.dirty = make(map[string]bool)
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove stamp directory: %w", err)
	}
	return nil
}

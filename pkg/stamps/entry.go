// Package stamps persists the last-known-good modification time of every
// source file, per build target.
package stamps

import "time"

// IndexVersion is the current version of the stamp file format.
const IndexVersion = 1

// Entry is the stamp of one file.
type Entry struct {
	Path    string `json:"path"`
	ModTime int64  `json:"mtime_ns"`       // UnixNano
	Size    int64  `json:"size,omitempty"` // set when content hashing is on
	Hash    string `json:"hash,omitempty"` // xxHash64 hex
}

// TargetIndex holds the stamps of one target.
type TargetIndex struct {
	Version   int               `json:"version"`
	Target    string            `json:"target"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   map[string]*Entry `json:"entries"`
}

// NewTargetIndex creates an empty index for a target.
func NewTargetIndex(target string) *TargetIndex {
	return &TargetIndex{
		Version:   IndexVersion,
		Target:    target,
		UpdatedAt: time.Now(),
		Entries:   make(map[string]*Entry),
	}
}

// Add adds or replaces an entry.
func (idx *TargetIndex) Add(e *Entry) {
	if idx == nil || e == nil {
		return
	}
	if idx.Entries == nil {
		idx.Entries = make(map[string]*Entry)
	}
	idx.Entries[e.Path] = e
}

// Get retrieves an entry by path.
func (idx *TargetIndex) Get(path string) (*Entry, bool) {
	if idx == nil || idx.Entries == nil {
		return nil, false
	}
	e, ok := idx.Entries[path]
	return e, ok
}

// Remove deletes an entry. It reports whether the entry existed.
func (idx *TargetIndex) Remove(path string) bool {
	if idx == nil || idx.Entries == nil {
		return false
	}
	if _, ok := idx.Entries[path]; !ok {
		return false
	}
	delete(idx.Entries, path)
	return true
}

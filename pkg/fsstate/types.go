// Package fsstate tracks which source files must be recompiled, per build target,
// across incremental build rounds.
//
// A BuildFSState owns one FilesDelta per target. Change notifications and the
// initial filesystem scan mark files dirty; the build driver asks for the dirty
// set of a target (or, inside a multi-round chunk build, for the files that
// became dirty during the previous round), compiles them, and then confirms the
// files up to date with MarkAllUpToDate. Files edited after the compilation
// started are never confirmed.
//
// Targets and root descriptors are used as map keys, so implementations must be
// comparable (pointer types or comparable structs).
package fsstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// BuildTarget identifies a unit of compilation output, e.g. a module's
// production sources.
type BuildTarget interface {
	ID() string
}

// RootDescriptor identifies a source root under a target.
type RootDescriptor interface {
	Target() BuildTarget
	RootDir() string
}

// FileFilter decides whether a file under a root takes part in the build.
type FileFilter interface {
	Accept(path string) bool
}

// FilterFunc adapts a function to FileFilter.
type FilterFunc func(path string) bool

// Accept implements FileFilter.
func (f FilterFunc) Accept(path string) bool { return f(path) }

// HasFilter is implemented by roots that restrict the files they contain.
// Roots without it accept every file.
type HasFilter interface {
	Filter() FileFilter
}

// HasGenerated is implemented by roots holding generated sources. Generated
// files are written by the compiler itself, so they skip the modification race check.
type HasGenerated interface {
	Generated() bool
}

// TimestampStore persists the last-known-good modification time of a file
// for a target.
type TimestampStore interface {
	SaveStamp(file string, target BuildTarget, stamp int64) error
	RemoveStamp(file string, target BuildTarget) error
	Stamp(file string, target BuildTarget) (int64, bool, error)
}

// CompileScope tells whether a file of a target is part of the current compilation.
type CompileScope interface {
	IsAffected(target BuildTarget, file string) bool
}

// ScopeFunc adapts a function to CompileScope.
type ScopeFunc func(target BuildTarget, file string) bool

// IsAffected implements CompileScope.
func (f ScopeFunc) IsAffected(target BuildTarget, file string) bool { return f(target, file) }

// AllFiles is a scope affecting every file of every target.
var AllFiles CompileScope = ScopeFunc(func(BuildTarget, string) bool { return true })

// Targets returns a scope affecting every file of the given targets.
func Targets(targets ...BuildTarget) CompileScope {
	set := make(map[BuildTarget]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return ScopeFunc(func(target BuildTarget, _ string) bool {
		_, ok := set[target]
		return ok
	})
}

// FileProcessor is called for each file to recompile. Returning false stops the walk.
type FileProcessor func(target BuildTarget, file string, root RootDescriptor) (bool, error)

// Chunk is a set of targets compiled together.
type Chunk interface {
	Targets() []BuildTarget
}

// StatFunc reports the modification time (UnixNano) of a file and whether it exists.
type StatFunc func(path string) (modTime int64, exists bool, err error)

// OSStat stats files on the local filesystem.
func OSStat(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.ModTime().UnixNano(), true, nil
}

// filterOf returns the filter of a root, or nil when the root accepts everything.
func filterOf(root RootDescriptor) FileFilter {
	if hf, ok := root.(HasFilter); ok {
		return hf.Filter()
	}
	return nil
}

func accepts(root RootDescriptor, file string) bool {
	f := filterOf(root)
	return f == nil || f.Accept(file)
}

func isGenerated(root RootDescriptor) bool {
	g, ok := root.(HasGenerated)
	return ok && g.Generated()
}

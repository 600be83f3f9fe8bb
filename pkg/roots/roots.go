// Package roots describes build targets, their source roots and the filters
// deciding which files under a root are sources.
package roots

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/albertocavalcante/buildfs/internal/langs"
	"github.com/albertocavalcante/buildfs/pkg/fsstate"
)

// Kind distinguishes production from test targets.
type Kind string

const (
	KindProduction Kind = "production"
	KindTest       Kind = "test"
)

// Target is a named compilation unit. Targets are compared by pointer and
// must be obtained from an Index.
type Target struct {
	Name string
	Kind Kind
}

// ID implements fsstate.BuildTarget.
func (t *Target) ID() string {
	return t.Name + ":" + string(t.Kind)
}

func (t *Target) String() string {
	return t.ID()
}

// Root is a source directory of a target.
type Root struct {
	target    *Target
	dir       string // absolute, cleaned
	generated bool
	filter    *Filter
}

// Target implements fsstate.RootDescriptor.
func (r *Root) Target() fsstate.BuildTarget {
	return r.target
}

// Owner returns the concrete target of the root.
func (r *Root) Owner() *Target {
	return r.target
}

// RootDir implements fsstate.RootDescriptor.
func (r *Root) RootDir() string {
	return r.dir
}

// Filter implements fsstate.HasFilter.
func (r *Root) Filter() fsstate.FileFilter {
	return r.filter
}

// Generated implements fsstate.HasGenerated.
func (r *Root) Generated() bool {
	return r.generated
}

// Contains reports whether path lies under the root directory.
func (r *Root) Contains(path string) bool {
	rel, err := filepath.Rel(r.dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Filter accepts files with a known extension that match no exclude pattern.
// Patterns are doublestar globs matched against the slash-separated path
// relative to the root.
type Filter struct {
	dir        string
	extensions map[string]bool
	excludes   []string
}

// NewFilter creates a filter for files under dir.
func NewFilter(dir string, languages, excludes []string) (*Filter, error) {
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	return &Filter{
		dir:        dir,
		extensions: langs.ExtensionSet(languages),
		excludes:   excludes,
	}, nil
}

// Accept implements fsstate.FileFilter.
func (f *Filter) Accept(path string) bool {
	if !f.extensions[filepath.Ext(path)] {
		return false
	}
	rel, err := filepath.Rel(f.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") {
		return false
	}
	for _, pattern := range f.excludes {
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return false
		}
	}
	return true
}

// Chunk is a group of targets compiled together.
type Chunk struct {
	targets []*Target
}

// NewChunk creates a chunk of the given targets.
func NewChunk(targets ...*Target) *Chunk {
	return &Chunk{targets: targets}
}

// Targets implements fsstate.Chunk.
func (c *Chunk) Targets() []fsstate.BuildTarget {
	out := make([]fsstate.BuildTarget, len(c.targets))
	for i, t := range c.targets {
		out[i] = t
	}
	return out
}

// Members returns the concrete targets of the chunk.
func (c *Chunk) Members() []*Target {
	return c.targets
}

// Name joins the member names, for logs.
func (c *Chunk) Name() string {
	names := make([]string, len(c.targets))
	for i, t := range c.targets {
		names[i] = t.ID()
	}
	return strings.Join(names, ",")
}

// sortRoots orders roots by directory.
func sortRoots(rs []*Root) {
	slices.SortFunc(rs, func(a, b *Root) int {
		return cmp.Compare(a.dir, b.dir)
	})
}

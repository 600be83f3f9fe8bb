package roots

import (
	"fmt"
	"path/filepath"
	"slices"
)

// RootSpec describes one root when building an Index.
type RootSpec struct {
	Dir       string
	Generated bool
}

// TargetSpec describes one target when building an Index.
type TargetSpec struct {
	Name      string
	Kind      Kind
	Roots     []RootSpec
	Languages []string
	Excludes  []string
}

// Index is the set of targets and roots of a workspace. It is immutable once
// built and safe for concurrent use.
type Index struct {
	workspace string
	targets   []*Target
	byID      map[string]*Target
	roots     map[*Target][]*Root
	all       []*Root
	chunks    []*Chunk
}

// NewIndex builds an index. Relative root directories are resolved against
// workspace. chunks lists groups of target names compiled together; targets
// not named in any chunk get a chunk of their own.
func NewIndex(workspace string, specs []TargetSpec, chunks [][]string) (*Index, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	idx := &Index{
		workspace: ws,
		byID:      make(map[string]*Target),
		roots:     make(map[*Target][]*Root),
	}
	byName := make(map[string][]*Target)

	for _, spec := range specs {
		kind := spec.Kind
		if kind == "" {
			kind = KindProduction
		}
		t := &Target{Name: spec.Name, Kind: kind}
		if _, dup := idx.byID[t.ID()]; dup {
			return nil, fmt.Errorf("duplicate target %s", t.ID())
		}
		idx.byID[t.ID()] = t
		idx.targets = append(idx.targets, t)
		byName[spec.Name] = append(byName[spec.Name], t)

		for _, rs := range spec.Roots {
			dir := rs.Dir
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(ws, dir)
			}
			dir = filepath.Clean(dir)
			filter, err := NewFilter(dir, spec.Languages, spec.Excludes)
			if err != nil {
				return nil, fmt.Errorf("target %s: %w", t.ID(), err)
			}
			r := &Root{target: t, dir: dir, generated: rs.Generated, filter: filter}
			idx.roots[t] = append(idx.roots[t], r)
			idx.all = append(idx.all, r)
		}
		sortRoots(idx.roots[t])
	}
	sortRoots(idx.all)

	chunked := make(map[*Target]bool)
	for _, names := range chunks {
		var members []*Target
		for _, name := range names {
			ts, ok := byName[name]
			if !ok {
				if t, ok := idx.byID[name]; ok {
					ts = []*Target{t}
				} else {
					return nil, fmt.Errorf("chunk references unknown target %q", name)
				}
			}
			for _, t := range ts {
				if chunked[t] {
					return nil, fmt.Errorf("target %s is in more than one chunk", t.ID())
				}
				chunked[t] = true
				members = append(members, t)
			}
		}
		if len(members) > 0 {
			idx.chunks = append(idx.chunks, NewChunk(members...))
		}
	}
	for _, t := range idx.targets {
		if !chunked[t] {
			idx.chunks = append(idx.chunks, NewChunk(t))
		}
	}
	return idx, nil
}

// Workspace returns the absolute workspace directory.
func (idx *Index) Workspace() string {
	return idx.workspace
}

// Targets returns all targets in declaration order.
func (idx *Index) Targets() []*Target {
	return idx.targets
}

// Target looks a target up by ID ("name:kind").
func (idx *Index) Target(id string) (*Target, bool) {
	t, ok := idx.byID[id]
	return t, ok
}

// RootsOf returns the roots of a target sorted by directory.
func (idx *Index) RootsOf(t *Target) []*Root {
	return idx.roots[t]
}

// Roots returns every root sorted by directory.
func (idx *Index) Roots() []*Root {
	return idx.all
}

// Chunks returns the chunks in build order.
func (idx *Index) Chunks() []*Chunk {
	return idx.chunks
}

// RootsFor returns the roots containing path whose filter accepts it. Nested
// roots may yield more than one.
func (idx *Index) RootsFor(path string) []*Root {
	var out []*Root
	for _, r := range idx.all {
		if r.Contains(path) && r.filter.Accept(path) {
			out = append(out, r)
		}
	}
	return out
}

// RootsUnder returns the roots containing path regardless of filters, which
// is what deletion handling needs.
func (idx *Index) RootsUnder(path string) []*Root {
	return slices.DeleteFunc(slices.Clone(idx.all), func(r *Root) bool {
		return !r.Contains(path)
	})
}

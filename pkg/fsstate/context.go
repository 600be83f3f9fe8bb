package fsstate

import (
	"sync"
	"time"
)

// CompileContext carries the per-invocation state a BuildFSState needs while a
// chunk is being built: the compile scope, the compilation start stamp, the
// targets of the chunk under compilation and the two round deltas.
type CompileContext struct {
	scope CompileScope
	start int64

	mu           sync.Mutex
	chunkTargets map[BuildTarget]struct{}
	currentRound *FilesDelta
	lastRound    *FilesDelta
}

// ContextOption configures a CompileContext.
type ContextOption func(*CompileContext)

// WithCompilationStart overrides the compilation start stamp (UnixNano).
func WithCompilationStart(stamp int64) ContextOption {
	return func(c *CompileContext) {
		c.start = stamp
	}
}

// NewCompileContext creates a context for one build invocation. The
// compilation start stamp is taken now unless overridden. A nil scope affects
// every file.
func NewCompileContext(scope CompileScope, opts ...ContextOption) *CompileContext {
	if scope == nil {
		scope = AllFiles
	}
	c := &CompileContext{
		scope: scope,
		start: time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scope returns the compile scope.
func (c *CompileContext) Scope() CompileScope {
	return c.scope
}

// CompilationStart returns the compilation start stamp (UnixNano).
func (c *CompileContext) CompilationStart() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start
}

// SetCompilationStart moves the compilation start stamp, e.g. before each round.
func (c *CompileContext) SetCompilationStart(stamp int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = stamp
}

// InChunk reports whether target belongs to the chunk being built.
func (c *CompileContext) InChunk(target BuildTarget) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chunkTargets[target]
	return ok
}

func (c *CompileContext) roundDeltas() (current, last *FilesDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRound, c.lastRound
}

// currentRoundFor returns the current round delta when target is in the chunk.
func (c *CompileContext) currentRoundFor(target BuildTarget) *FilesDelta {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentRound == nil {
		return nil
	}
	if _, ok := c.chunkTargets[target]; !ok {
		return nil
	}
	return c.currentRound
}

func (c *CompileContext) startChunk(targets []BuildTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkTargets = make(map[BuildTarget]struct{}, len(targets))
	for _, t := range targets {
		c.chunkTargets[t] = struct{}{}
	}
	c.currentRound = NewFilesDelta()
	c.lastRound = nil
}

// rotate makes the current round the last one. It reports false when no chunk
// was started on this context.
func (c *CompileContext) rotate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chunkTargets == nil {
		return false
	}
	current := c.currentRound
	if current == nil {
		current = NewFilesDelta()
	}
	c.lastRound = current
	c.currentRound = NewFilesDelta()
	return true
}

func (c *CompileContext) clearRounds() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRound = nil
	c.lastRound = nil
}

func (c *CompileContext) clearChunk() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkTargets = nil
}

func (c *CompileContext) hasChunk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkTargets != nil
}

package fsstate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/pkg/util"
)

// BuildFSState owns the dirty-file state of every build target.
type BuildFSState struct {
	alwaysScan bool
	stat       StatFunc
	now        func() time.Time

	mu          sync.Mutex
	deltas      map[BuildTarget]*FilesDelta
	initialScan map[BuildTarget]struct{}
	eventStamps map[string]int64
	contexts    map[*CompileContext]struct{}

	markedDirty  metric.Int64Counter
	confirmed    metric.Int64Counter
	raceDetected metric.Int64Counter
}

// Option configures a BuildFSState.
type Option func(*options)

type options struct {
	alwaysScan bool
	stat       StatFunc
	now        func() time.Time
	meter      metric.Meter
}

// WithAlwaysScan makes MarkInitialScanPerformed always report that a scan is needed.
func WithAlwaysScan(always bool) Option {
	return func(o *options) {
		o.alwaysScan = always
	}
}

// WithStat replaces the filesystem stat used for modification times and existence checks.
func WithStat(stat StatFunc) Option {
	return func(o *options) {
		o.stat = stat
	}
}

// WithClock replaces the clock used for event registration stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMeter records dirty/confirm/race counters on the given meter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}

// New creates an empty state.
func New(opts ...Option) *BuildFSState {
	o := options{
		stat:  OSStat,
		now:   time.Now,
		meter: noop.NewMeterProvider().Meter("fsstate"),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &BuildFSState{
		alwaysScan:  o.alwaysScan,
		stat:        o.stat,
		now:         o.now,
		deltas:      make(map[BuildTarget]*FilesDelta),
		initialScan: make(map[BuildTarget]struct{}),
		eventStamps: make(map[string]int64),
		contexts:    make(map[*CompileContext]struct{}),
	}
	s.markedDirty = counter(o.meter, "buildfs.files.marked_dirty", "Files newly marked for recompilation")
	s.confirmed = counter(o.meter, "buildfs.files.confirmed", "Files confirmed up to date")
	s.raceDetected = counter(o.meter, "buildfs.files.race_detected", "Files modified after compilation start")
	return s
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{file}"))
	if err != nil {
		log.Component("fsstate").Warn("failed to create counter", "name", name, "error", err)
		c, _ = noop.NewMeterProvider().Meter("fsstate").Int64Counter(name)
	}
	return c
}

func (s *BuildFSState) count(c metric.Int64Counter, target BuildTarget, n int64) {
	if n == 0 {
		return
	}
	c.Add(context.Background(), n, metric.WithAttributes(attribute.String("target", target.ID())))
}

// AlwaysScan reports whether the state is configured to rescan on every build.
func (s *BuildFSState) AlwaysScan() bool {
	return s.alwaysScan
}

// MarkInitialScanPerformed records that the baseline scan of target is done.
// It returns true the first time it is called for target, telling the caller a
// full scan is required. In always-scan mode it returns true without recording anything.
func (s *BuildFSState) MarkInitialScanPerformed(target BuildTarget) bool {
	if s.alwaysScan {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.initialScan[target]; ok {
		return false
	}
	s.initialScan[target] = struct{}{}
	return true
}

// IsInitialScanPerformed reports whether the baseline scan of target was recorded.
func (s *BuildFSState) IsInitialScanPerformed(target BuildTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.initialScan[target]
	return ok
}

// delta returns the delta of target, creating it on first use.
func (s *BuildFSState) delta(target BuildTarget) *FilesDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deltas[target]
	if !ok {
		d = NewFilesDelta()
		s.deltas[target] = d
	}
	return d
}

// lookup returns the delta of target without creating it.
func (s *BuildFSState) lookup(target BuildTarget) *FilesDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltas[target]
}

// SourcesToRecompile returns the dirty files of target grouped by root. Inside
// a multi-round chunk build, after the first round, only the files that became
// dirty during the previous round are returned. cctx may be nil.
func (s *BuildFSState) SourcesToRecompile(cctx *CompileContext, target BuildTarget) map[RootDescriptor][]string {
	if cctx != nil {
		if _, last := cctx.roundDeltas(); last != nil {
			last.mu.Lock()
			defer last.mu.Unlock()
			return last.snapshotLocked(func(root RootDescriptor) bool {
				return root.Target() == target
			})
		}
	}
	d := s.lookup(target)
	if d == nil {
		return map[RootDescriptor][]string{}
	}
	return d.SourcesToRecompile()
}

// IsMarkedForRecompilation reports whether file is dirty under root, using the
// last round delta when one is active.
func (s *BuildFSState) IsMarkedForRecompilation(cctx *CompileContext, root RootDescriptor, file string) bool {
	if cctx != nil {
		if _, last := cctx.roundDeltas(); last != nil {
			return last.IsMarkedRecompile(root, file)
		}
	}
	d := s.lookup(root.Target())
	return d != nil && d.IsMarkedRecompile(root, file)
}

// HasWorkToDo reports whether target has dirty or deleted files.
func (s *BuildFSState) HasWorkToDo(target BuildTarget) bool {
	d := s.lookup(target)
	return d != nil && d.HasChanges()
}

// MarkDirty marks file dirty under root. When a chunk containing the root's
// target is being built on cctx, the file is also recorded in the current round
// delta so the next round picks it up. Any stored stamp is removed. It reports
// whether the file was newly marked. cctx and stamps may be nil.
func (s *BuildFSState) MarkDirty(cctx *CompileContext, file string, root RootDescriptor, stamps TimestampStore) (bool, error) {
	return s.markDirty(cctx, file, root, stamps, false)
}

// MarkDirtyOnEvent is MarkDirty for change notifications. The time of the
// event is remembered so a file reported changed while a compilation is
// running is never confirmed up to date by that compilation.
func (s *BuildFSState) MarkDirtyOnEvent(cctx *CompileContext, file string, root RootDescriptor, stamps TimestampStore) (bool, error) {
	return s.markDirty(cctx, file, root, stamps, true)
}

func (s *BuildFSState) markDirty(cctx *CompileContext, file string, root RootDescriptor, stamps TimestampStore, event bool) (bool, error) {
	target := root.Target()
	if cctx != nil {
		if round := cctx.currentRoundFor(target); round != nil {
			round.MarkRecompile(root, file)
		}
	}
	added := s.delta(target).MarkRecompile(root, file)
	if event {
		s.mu.Lock()
		s.eventStamps[file] = s.now().UnixNano()
		s.mu.Unlock()
	}
	if added {
		s.count(s.markedDirty, target, 1)
		log.Trace("marked dirty", "component", "fsstate", "target", target.ID(), "file", file)
	}
	if stamps != nil {
		if err := stamps.RemoveStamp(file, target); err != nil {
			return added, fmt.Errorf("failed to remove stamp for %s: %w", file, err)
		}
	}
	return added, nil
}

// MarkDirtyIfNotDeleted marks file dirty only if it still exists on disk. It
// reports whether a mark happened; only then is the round delta updated and
// the stored stamp removed.
func (s *BuildFSState) MarkDirtyIfNotDeleted(cctx *CompileContext, file string, root RootDescriptor, stamps TimestampStore) (bool, error) {
	target := root.Target()
	marked, err := s.delta(target).MarkRecompileIfNotDeleted(root, file, s.stat)
	if err != nil || !marked {
		return false, err
	}
	if cctx != nil {
		if round := cctx.currentRoundFor(target); round != nil {
			round.MarkRecompile(root, file)
		}
	}
	if stamps != nil {
		if err := stamps.RemoveStamp(file, target); err != nil {
			return true, fmt.Errorf("failed to remove stamp for %s: %w", file, err)
		}
	}
	return true, nil
}

// RegisterDeleted records that file of target was removed from disk and drops its stamp.
func (s *BuildFSState) RegisterDeleted(target BuildTarget, file string, stamps TimestampStore) error {
	s.delta(target).AddDeleted(file)
	s.mu.Lock()
	delete(s.eventStamps, file)
	s.mu.Unlock()
	if stamps != nil {
		if err := stamps.RemoveStamp(file, target); err != nil {
			return fmt.Errorf("failed to remove stamp for %s: %w", file, err)
		}
	}
	return nil
}

// DeletedPaths returns the deleted files recorded for target.
func (s *BuildFSState) DeletedPaths(target BuildTarget) []string {
	d := s.lookup(target)
	if d == nil {
		return nil
	}
	return d.DeletedPaths()
}

// ClearDeletedPaths returns and forgets the deleted files recorded for target.
func (s *BuildFSState) ClearDeletedPaths(target BuildTarget) []string {
	d := s.lookup(target)
	if d == nil {
		return nil
	}
	return d.ClearDeletedPaths()
}

// ClearRecompile drops the dirty set of root without confirming anything.
func (s *BuildFSState) ClearRecompile(root RootDescriptor) {
	if d := s.lookup(root.Target()); d != nil {
		d.ClearRecompile(root)
	}
}

// MarkAllUpToDate confirms the dirty files of root after a successful compile.
//
// For each file accepted by the root filter and affected by the compile scope,
// the current modification time is saved as its stamp, unless the file was
// modified (or reported changed) after the compilation started, in which case
// it stays dirty. Files rejected by the filter lose their stamp and leave the
// dirty set. Files outside the scope stay dirty. It reports whether at least
// one file was confirmed.
//
// On a stat or store error the unprocessed files are marked dirty again before
// the error is returned.
func (s *BuildFSState) MarkAllUpToDate(cctx *CompileContext, root RootDescriptor, stamps TimestampStore) (bool, error) {
	target := root.Target()
	delta := s.delta(target)
	files := delta.ClearRecompile(root)
	if files == nil {
		return false, nil
	}

	scope := AllFiles
	start := s.now().UnixNano()
	if cctx != nil {
		scope = cctx.Scope()
		start = cctx.CompilationStart()
	}
	filter := filterOf(root)
	generated := isGenerated(root)

	paths := util.SortedKeys(files)
	var confirmed, raced int64
	defer func() {
		s.count(s.confirmed, target, confirmed)
		s.count(s.raceDetected, target, raced)
	}()

	fail := func(i int, err error) (bool, error) {
		for _, file := range paths[i:] {
			delta.MarkRecompile(root, file)
		}
		return confirmed > 0, err
	}

	for i, file := range paths {
		if filter != nil && !filter.Accept(file) {
			s.forgetEventStamp(file)
			if stamps != nil {
				if err := stamps.RemoveStamp(file, target); err != nil {
					return fail(i, fmt.Errorf("failed to remove stamp for %s: %w", file, err))
				}
			}
			continue
		}
		if !scope.IsAffected(target, file) {
			delta.MarkRecompile(root, file)
			continue
		}

		modTime, exists, err := s.stat(file)
		if err != nil {
			return fail(i, err)
		}
		if !exists {
			s.forgetEventStamp(file)
			if stamps != nil {
				if err := stamps.RemoveStamp(file, target); err != nil {
					return fail(i, fmt.Errorf("failed to remove stamp for %s: %w", file, err))
				}
			}
			continue
		}

		if !generated && (modTime > start || s.eventStamp(file) > start) {
			delta.MarkRecompile(root, file)
			raced++
			log.Debug("file changed during compilation, keeping dirty",
				"component", "fsstate", "target", target.ID(), "file", file)
			continue
		}

		if stamps != nil {
			if err := stamps.SaveStamp(file, target, modTime); err != nil {
				return fail(i, fmt.Errorf("failed to save stamp for %s: %w", file, err))
			}
		}
		s.forgetEventStamp(file)
		confirmed++
	}
	return confirmed > 0, nil
}

func (s *BuildFSState) eventStamp(file string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventStamps[file]
}

func (s *BuildFSState) forgetEventStamp(file string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.eventStamps, file)
}

// ProcessFilesToRecompile calls processor for every dirty file of target that
// is affected by the compile scope and accepted by its root filter, in root
// then path order. It returns false when processor asked to stop.
//
// The dirty set is snapshotted before the walk; marks made concurrently (or by
// processor itself) do not disturb the walk and are seen by the next call.
func (s *BuildFSState) ProcessFilesToRecompile(cctx *CompileContext, target BuildTarget, processor FileProcessor) (bool, error) {
	data := s.SourcesToRecompile(cctx, target)
	scope := AllFiles
	if cctx != nil {
		scope = cctx.Scope()
	}
	for _, root := range sortedRoots(data) {
		for _, file := range data[root] {
			if !scope.IsAffected(target, file) || !accepts(root, file) {
				continue
			}
			ok, err := processor(target, file, root)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// BeforeChunkBuildStart records the targets of chunk on cctx and starts a
// fresh current round delta.
func (s *BuildFSState) BeforeChunkBuildStart(cctx *CompileContext, chunk Chunk) {
	targets := chunk.Targets()
	cctx.startChunk(targets)
	s.mu.Lock()
	s.contexts[cctx] = struct{}{}
	s.mu.Unlock()
	log.Debug("chunk build started", "component", "fsstate", "targets", len(targets))
}

// BeforeNextRoundStart makes the current round delta of cctx the last one and
// installs an empty current delta. Without a prior BeforeChunkBuildStart it
// does nothing.
func (s *BuildFSState) BeforeNextRoundStart(cctx *CompileContext, chunk Chunk) {
	if !cctx.rotate() {
		log.Debug("round rotation ignored, no chunk started", "component", "fsstate")
		return
	}
	log.Debug("next round started", "component", "fsstate", "targets", len(chunk.Targets()))
}

// ClearContextRoundData drops both round deltas of cctx.
func (s *BuildFSState) ClearContextRoundData(cctx *CompileContext) {
	cctx.clearRounds()
	s.forgetContext(cctx)
}

// ClearContextChunk drops the chunk targets recorded on cctx.
func (s *BuildFSState) ClearContextChunk(cctx *CompileContext) {
	cctx.clearChunk()
	s.forgetContext(cctx)
}

func (s *BuildFSState) forgetContext(cctx *CompileContext) {
	current, last := cctx.roundDeltas()
	if current != nil || last != nil || cctx.hasChunk() {
		return
	}
	s.mu.Lock()
	delete(s.contexts, cctx)
	s.mu.Unlock()
}

// ClearAll resets every target to its never-scanned state and detaches all
// contexts this state has seen.
func (s *BuildFSState) ClearAll() {
	s.mu.Lock()
	contexts := slices.Collect(maps.Keys(s.contexts))
	s.deltas = make(map[BuildTarget]*FilesDelta)
	s.initialScan = make(map[BuildTarget]struct{})
	s.eventStamps = make(map[string]int64)
	s.contexts = make(map[*CompileContext]struct{})
	s.mu.Unlock()

	for _, cctx := range contexts {
		cctx.clearRounds()
		cctx.clearChunk()
	}
	log.Debug("state cleared", "component", "fsstate", "contexts", len(contexts))
}

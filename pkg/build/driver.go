// Package build drives chunk compilations over a BuildFSState: it collects
// the dirty files of each chunk, runs the compiler round by round until no
// round produces new dirty files, then confirms the compiled files up to date.
package build

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/internal/telemetry"
	"github.com/albertocavalcante/buildfs/pkg/fsstate"
	"github.com/albertocavalcante/buildfs/pkg/roots"
	"github.com/albertocavalcante/buildfs/pkg/stamps"
)

// DefaultMaxRounds bounds the rounds of one chunk build.
const DefaultMaxRounds = 10

// ErrTooManyRounds is returned when a chunk keeps producing dirty files.
var ErrTooManyRounds = errors.New("too many compilation rounds")

// Options configures a Driver.
type Options struct {
	MaxRounds int
	// Now is the clock used for compilation start stamps.
	Now func() time.Time
}

// Driver builds chunks.
type Driver struct {
	index    *roots.Index
	state    *fsstate.BuildFSState
	store    stamps.Store
	compiler Compiler
	opts     Options
}

// NewDriver creates a driver.
func NewDriver(index *roots.Index, state *fsstate.BuildFSState, store stamps.Store, compiler Compiler, opts Options) *Driver {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{index: index, state: state, store: store, compiler: compiler, opts: opts}
}

// ChunkReport summarizes one chunk build.
type ChunkReport struct {
	Chunk     string
	Rounds    int
	Compiled  int  // files handed to the compiler over all rounds
	Confirmed bool // at least one file was confirmed up to date
}

// Report summarizes a build.
type Report struct {
	Chunks []ChunkReport
}

// Compiled returns the total number of files compiled.
func (r *Report) Compiled() int {
	n := 0
	for _, c := range r.Chunks {
		n += c.Compiled
	}
	return n
}

// Build compiles every chunk with at least one target in scope. A nil scope
// builds everything. Stamps are flushed even when a chunk fails.
func (d *Driver) Build(ctx context.Context, scope fsstate.CompileScope, targets ...*roots.Target) (report *Report, err error) {
	report = &Report{}
	defer func() {
		if ferr := d.store.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("failed to flush stamps: %w", ferr)
		}
	}()

	for _, chunk := range d.chunksFor(targets) {
		cctx := fsstate.NewCompileContext(scope, fsstate.WithCompilationStart(d.opts.Now().UnixNano()))
		cr, err := d.BuildChunk(ctx, cctx, chunk)
		report.Chunks = append(report.Chunks, cr)
		if err != nil {
			return report, fmt.Errorf("chunk %s: %w", chunk.Name(), err)
		}
	}
	return report, nil
}

// chunksFor returns the chunks containing any of targets, or all chunks.
func (d *Driver) chunksFor(targets []*roots.Target) []*roots.Chunk {
	if len(targets) == 0 {
		return d.index.Chunks()
	}
	want := make(map[*roots.Target]bool, len(targets))
	for _, t := range targets {
		want[t] = true
	}
	var out []*roots.Chunk
	for _, c := range d.index.Chunks() {
		for _, t := range c.Members() {
			if want[t] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// BuildChunk runs the rounds of one chunk on cctx and confirms the compiled
// files when every round succeeded.
func (d *Driver) BuildChunk(ctx context.Context, cctx *fsstate.CompileContext, chunk *roots.Chunk) (ChunkReport, error) {
	report := ChunkReport{Chunk: chunk.Name()}
	logger := log.Component("build").With("chunk", chunk.Name())

	ctx, span := telemetry.Tracer("github.com/albertocavalcante/buildfs/build").Start(ctx, "build.chunk")
	defer span.End()
	span.SetAttributes(attribute.String("buildfs.chunk", chunk.Name()))

	d.state.BeforeChunkBuildStart(cctx, chunk)
	defer func() {
		d.state.ClearContextRoundData(cctx)
		d.state.ClearContextChunk(cctx)
	}()

	// Deleted paths handed to the compiler go back to the state unless the
	// whole chunk succeeds.
	var handed map[*roots.Target][]string
	built := false
	defer func() {
		if !built {
			d.restoreDeleted(handed)
		}
	}()

	for round := 1; ; round++ {
		if round > d.opts.MaxRounds {
			span.SetStatus(codes.Error, ErrTooManyRounds.Error())
			return report, fmt.Errorf("%w (%d)", ErrTooManyRounds, d.opts.MaxRounds)
		}

		req, deleted, err := d.collect(cctx, chunk, round)
		if err != nil {
			return report, err
		}
		if round == 1 {
			handed = deleted
		}
		if len(req.Files) == 0 && len(req.Deleted) == 0 {
			break
		}

		logger.Info("compiling", "round", round, "files", len(req.Files), "deleted", len(req.Deleted))
		resp, err := d.compile(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		report.Rounds = round
		report.Compiled += len(req.Files)

		more, err := d.markRequested(cctx, chunk, resp)
		if err != nil {
			return report, err
		}
		if !more {
			break
		}
		d.state.BeforeNextRoundStart(cctx, chunk)
	}

	if report.Rounds == 0 {
		built = true
		logger.Debug("chunk up to date")
		return report, nil
	}

	for _, t := range chunk.Members() {
		for _, root := range d.index.RootsOf(t) {
			ok, err := d.state.MarkAllUpToDate(cctx, root, d.store)
			if err != nil {
				return report, err
			}
			report.Confirmed = report.Confirmed || ok
		}
	}
	if err := d.forgetDeleted(handed); err != nil {
		return report, err
	}
	built = true
	span.SetAttributes(attribute.Int("buildfs.rounds", report.Rounds), attribute.Int("buildfs.compiled", report.Compiled))
	logger.Info("chunk built", "rounds", report.Rounds, "compiled", report.Compiled)
	return report, nil
}

// collect gathers the files of one round. Deleted paths are only handed over
// in the first round; they are also returned per target.
func (d *Driver) collect(cctx *fsstate.CompileContext, chunk *roots.Chunk, round int) (*Request, map[*roots.Target][]string, error) {
	req := &Request{Chunk: chunk, Round: round}
	deleted := make(map[*roots.Target][]string)
	for _, t := range chunk.Members() {
		if round == 1 {
			if paths := d.state.ClearDeletedPaths(t); len(paths) > 0 {
				deleted[t] = paths
				req.Deleted = append(req.Deleted, paths...)
			}
		}
		_, err := d.state.ProcessFilesToRecompile(cctx, t, func(_ fsstate.BuildTarget, file string, root fsstate.RootDescriptor) (bool, error) {
			r, ok := root.(*roots.Root)
			if !ok {
				return false, fmt.Errorf("unexpected root type %T", root)
			}
			req.Files = append(req.Files, SourceFile{Target: t, Root: r, Path: file})
			return true, nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return req, deleted, nil
}

func (d *Driver) compile(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := telemetry.Tracer("github.com/albertocavalcante/buildfs/build").Start(ctx, "build.round")
	defer span.End()
	span.SetAttributes(attribute.Int("buildfs.round", req.Round), attribute.Int("buildfs.files", len(req.Files)))

	resp, err := d.compiler.Compile(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &Response{}
	}
	return resp, nil
}

// markRequested marks the files the compiler asked for under the chunk's
// roots. It reports whether another round is needed.
func (d *Driver) markRequested(cctx *fsstate.CompileContext, chunk *roots.Chunk, resp *Response) (bool, error) {
	members := make(map[*roots.Target]bool)
	for _, t := range chunk.Members() {
		members[t] = true
	}

	more := false
	for _, path := range resp.Dirty {
		for _, root := range d.index.RootsFor(path) {
			if !members[root.Owner()] {
				continue
			}
			if _, err := d.state.MarkDirty(cctx, path, root, d.store); err != nil {
				return false, err
			}
			more = true
		}
	}
	return more, nil
}

// restoreDeleted re-registers deleted paths handed to a failed build. Their
// stamps were kept, so a later process finds them again too.
func (d *Driver) restoreDeleted(handed map[*roots.Target][]string) {
	for t, paths := range handed {
		for _, path := range paths {
			_ = d.state.RegisterDeleted(t, path, nil)
		}
	}
}

// forgetDeleted drops the stamps of deleted paths once the compiler has
// processed them.
func (d *Driver) forgetDeleted(handed map[*roots.Target][]string) error {
	for t, paths := range handed {
		for _, path := range paths {
			if err := d.store.RemoveStamp(path, t); err != nil {
				return fmt.Errorf("failed to remove stamp for %s: %w", path, err)
			}
		}
	}
	return nil
}

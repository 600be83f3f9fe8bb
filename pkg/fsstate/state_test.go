package fsstate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMarkInitialScanPerformed(t *testing.T) {
	f := newFixture()

	assert.False(t, f.state.IsInitialScanPerformed(f.t1))
	assert.True(t, f.state.MarkInitialScanPerformed(f.t1), "first call requires a scan")
	assert.False(t, f.state.MarkInitialScanPerformed(f.t1), "second call must not")
	assert.True(t, f.state.IsInitialScanPerformed(f.t1))
	assert.True(t, f.state.MarkInitialScanPerformed(f.t2), "flags are per target")
}

func TestMarkInitialScanPerformedAlwaysScan(t *testing.T) {
	f := newFixture(WithAlwaysScan(true))

	assert.True(t, f.state.AlwaysScan())
	assert.True(t, f.state.MarkInitialScanPerformed(f.t1))
	assert.True(t, f.state.MarkInitialScanPerformed(f.t1))
	assert.False(t, f.state.IsInitialScanPerformed(f.t1), "flag is not recorded in always-scan mode")
}

func TestDirtyFilesPersistUntilConfirmed(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"

	added, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, added)

	for range 3 {
		assert.Equal(t, map[RootDescriptor][]string{f.r1: {file}}, f.state.SourcesToRecompile(nil, f.t1))

		var seen []string
		ok, err := f.state.ProcessFilesToRecompile(nil, f.t1, func(_ BuildTarget, file string, _ RootDescriptor) (bool, error) {
			seen = append(seen, file)
			return true, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{file}, seen)
	}
	assert.True(t, f.state.HasWorkToDo(f.t1))
	assert.False(t, f.state.HasWorkToDo(f.t2))
}

func TestMarkDirtyRemovesStamp(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"
	require.NoError(t, f.stamps.SaveStamp(file, f.t1, 42))

	_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
	require.NoError(t, err)

	_, ok, _ := f.stamps.Stamp(file, f.t1)
	assert.False(t, ok)

	added, err := f.state.MarkDirty(nil, file, f.r1, nil)
	require.NoError(t, err)
	assert.False(t, added, "already dirty")
}

func TestMarkAllUpToDateConfirms(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"
	f.fs.touch(file, 1_000)

	_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
	require.NoError(t, err)
	assert.Equal(t, map[RootDescriptor][]string{f.r1: {file}}, f.state.SourcesToRecompile(nil, f.t1))

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)

	stamp, found, _ := f.stamps.Stamp(file, f.t1)
	assert.True(t, found)
	assert.Equal(t, int64(1_000), stamp)
	assert.NotContains(t, f.state.SourcesToRecompile(cctx, f.t1), RootDescriptor(f.r1))
	assert.False(t, f.state.HasWorkToDo(f.t1))
}

func TestMarkAllUpToDateNothingDirty(t *testing.T) {
	f := newFixture()

	ok, err := f.state.MarkAllUpToDate(nil, f.r1, f.stamps)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkAllUpToDateRaceGuard(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"
	f.fs.touch(file, 3_000)

	_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
	require.NoError(t, err)

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, f.state.IsMarkedForRecompilation(nil, f.r1, file))
	_, found, _ := f.stamps.Stamp(file, f.t1)
	assert.False(t, found, "no stamp may be persisted for a file edited during compilation")
}

func TestMarkAllUpToDateEventRace(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"
	f.fs.touch(file, 1_000)

	// Reported changed at 2500 while the compilation started at 2000, even
	// though the recorded mtime is older.
	f.now = 2_500
	_, err := f.state.MarkDirtyOnEvent(nil, file, f.r1, f.stamps)
	require.NoError(t, err)

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, f.state.IsMarkedForRecompilation(nil, f.r1, file))

	// The next compilation starts after the event and confirms it.
	cctx.SetCompilationStart(3_000)
	ok, err = f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkAllUpToDateGeneratedSkipsRaceGuard(t *testing.T) {
	f := newFixture()
	gen := &testRoot{target: f.t1, dir: "/ws/app/gen", generated: true}
	file := "/ws/app/gen/Gen.java"
	f.fs.touch(file, 5_000)

	_, err := f.state.MarkDirty(nil, file, gen, f.stamps)
	require.NoError(t, err)

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, gen, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.state.IsMarkedForRecompilation(nil, gen, file))
}

func TestMarkAllUpToDateFilterRejection(t *testing.T) {
	f := newFixture()
	f.r1.filter = FilterFunc(func(path string) bool { return strings.HasSuffix(path, ".java") })
	kept := "/ws/app/src/A.java"
	rejected := "/ws/app/src/notes.txt"
	f.fs.touch(kept, 1_000)
	f.fs.touch(rejected, 1_000)
	require.NoError(t, f.stamps.SaveStamp(rejected, f.t1, 500))

	// Mark through the delta directly so the stale stamp survives until
	// MarkAllUpToDate runs.
	f.state.delta(f.t1).MarkRecompile(f.r1, kept)
	f.state.delta(f.t1).MarkRecompile(f.r1, rejected)

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, _ := f.stamps.Stamp(rejected, f.t1)
	assert.False(t, found)
	assert.Contains(t, f.stamps.removed, rejected)
	assert.False(t, f.state.IsMarkedForRecompilation(nil, f.r1, rejected))
	assert.Empty(t, f.state.SourcesToRecompile(nil, f.t1))
}

func TestMarkAllUpToDateScopeKeepsUnaffected(t *testing.T) {
	f := newFixture()
	in := "/ws/app/src/In.java"
	out := "/ws/app/src/Out.java"
	f.fs.touch(in, 1_000)
	f.fs.touch(out, 1_000)
	for _, file := range []string{in, out} {
		_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
		require.NoError(t, err)
	}

	scope := ScopeFunc(func(_ BuildTarget, file string) bool { return file == in })
	cctx := NewCompileContext(scope, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, map[RootDescriptor][]string{f.r1: {out}}, f.state.SourcesToRecompile(nil, f.t1))
	_, found, _ := f.stamps.Stamp(out, f.t1)
	assert.False(t, found)
}

func TestMarkAllUpToDateVanishedFile(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"

	_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
	require.NoError(t, err)
	require.NoError(t, f.stamps.SaveStamp(file, f.t1, 1))

	ok, err := f.state.MarkAllUpToDate(NewCompileContext(nil, WithCompilationStart(2_000)), f.r1, f.stamps)
	require.NoError(t, err)
	assert.False(t, ok)
	_, found, _ := f.stamps.Stamp(file, f.t1)
	assert.False(t, found)
	assert.False(t, f.state.HasWorkToDo(f.t1))
}

func TestMarkAllUpToDateForgetsEventStamps(t *testing.T) {
	f := newFixture()
	f.r1.filter = FilterFunc(func(path string) bool { return strings.HasSuffix(path, ".java") })
	rejected := "/ws/app/src/notes.txt"
	vanished := "/ws/app/src/Gone.java"
	f.fs.touch(rejected, 1_000)

	for _, file := range []string{rejected, vanished} {
		f.state.delta(f.t1).MarkRecompile(f.r1, file)
		f.state.mu.Lock()
		f.state.eventStamps[file] = 1_500
		f.state.mu.Unlock()
	}

	_, err := f.state.MarkAllUpToDate(NewCompileContext(nil, WithCompilationStart(2_000)), f.r1, f.stamps)
	require.NoError(t, err)

	assert.Zero(t, f.state.eventStamp(rejected))
	assert.Zero(t, f.state.eventStamp(vanished))
	f.state.mu.Lock()
	assert.Empty(t, f.state.eventStamps)
	f.state.mu.Unlock()
}

func TestMarkAllUpToDateErrorsKeepFilesDirty(t *testing.T) {
	f := newFixture()
	files := []string{"/ws/app/src/A.java", "/ws/app/src/B.java", "/ws/app/src/C.java"}
	for _, file := range files {
		f.fs.touch(file, 1_000)
		_, err := f.state.MarkDirty(nil, file, f.r1, f.stamps)
		require.NoError(t, err)
	}
	f.fs.fail["/ws/app/src/B.java"] = true

	cctx := NewCompileContext(AllFiles, WithCompilationStart(2_000))
	ok, err := f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	assert.ErrorIs(t, err, errStat)
	assert.True(t, ok, "A.java was confirmed before the failure")
	assert.Equal(t, map[RootDescriptor][]string{f.r1: files[1:]}, f.state.SourcesToRecompile(nil, f.t1))

	delete(f.fs.fail, "/ws/app/src/B.java")
	f.stamps.saveErr = errors.New("disk full")
	_, err = f.state.MarkAllUpToDate(cctx, f.r1, f.stamps)
	require.Error(t, err)
	assert.Equal(t, map[RootDescriptor][]string{f.r1: files[1:]}, f.state.SourcesToRecompile(nil, f.t1))
}

func TestMarkDirtyIfNotDeleted(t *testing.T) {
	f := newFixture()
	present := "/ws/app/src/A.java"
	missing := "/ws/app/src/Gone.java"
	f.fs.touch(present, 1)

	cctx := NewCompileContext(nil)
	f.state.BeforeChunkBuildStart(cctx, testChunk{f.t1})

	ok, err := f.state.MarkDirtyIfNotDeleted(cctx, missing, f.r1, f.stamps)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.state.MarkDirtyIfNotDeleted(cctx, present, f.r1, f.stamps)
	require.NoError(t, err)
	assert.True(t, ok)

	f.state.BeforeNextRoundStart(cctx, testChunk{f.t1})
	assert.Equal(t, map[RootDescriptor][]string{f.r1: {present}}, f.state.SourcesToRecompile(cctx, f.t1))
	assert.Equal(t, []string{present}, f.stamps.removed)
}

func TestRoundRotation(t *testing.T) {
	f := newFixture()
	chunk := testChunk{f.t1}
	cctx := NewCompileContext(nil)

	history := "/ws/app/src/Old.java"
	_, err := f.state.MarkDirty(cctx, history, f.r1, nil)
	require.NoError(t, err)

	f.state.BeforeChunkBuildStart(cctx, chunk)
	assert.True(t, cctx.InChunk(f.t1))
	assert.False(t, cctx.InChunk(f.t2))

	// Round 1 sees the whole target.
	assert.Equal(t, []string{history}, f.state.SourcesToRecompile(cctx, f.t1)[f.r1])

	rounds := [][]string{
		{"/ws/app/src/Gen1.java"},
		{"/ws/app/src/Gen2.java", "/ws/app/src/Gen3.java"},
		{},
	}
	for i, marks := range rounds {
		for _, file := range marks {
			_, err := f.state.MarkDirty(cctx, file, f.r1, nil)
			require.NoError(t, err)
		}
		f.state.BeforeNextRoundStart(cctx, chunk)

		got := f.state.SourcesToRecompile(cctx, f.t1)
		if len(marks) == 0 {
			assert.Empty(t, got, "round %d", i+2)
			continue
		}
		assert.Equal(t, map[RootDescriptor][]string{f.r1: marks}, got, "round %d", i+2)
	}

	// The target keeps its full history until confirmed.
	assert.Len(t, f.state.SourcesToRecompile(nil, f.t1)[f.r1], 4)
}

func TestRoundDeltaIgnoresTargetsOutsideChunk(t *testing.T) {
	f := newFixture()
	cctx := NewCompileContext(nil)
	f.state.BeforeChunkBuildStart(cctx, testChunk{f.t1})

	_, err := f.state.MarkDirty(cctx, "/ws/lib/src/L.java", f.r2, nil)
	require.NoError(t, err)
	f.state.BeforeNextRoundStart(cctx, testChunk{f.t1})

	assert.Empty(t, f.state.SourcesToRecompile(cctx, f.t2), "last round delta holds nothing for t2")
	assert.True(t, f.state.HasWorkToDo(f.t2))
}

func TestRoundDeltaFilteredByTarget(t *testing.T) {
	f := newFixture()
	chunk := testChunk{f.t1, f.t2}
	cctx := NewCompileContext(nil)
	f.state.BeforeChunkBuildStart(cctx, chunk)

	_, err := f.state.MarkDirty(cctx, "/ws/app/src/A.java", f.r1, nil)
	require.NoError(t, err)
	_, err = f.state.MarkDirty(cctx, "/ws/lib/src/L.java", f.r2, nil)
	require.NoError(t, err)
	f.state.BeforeNextRoundStart(cctx, chunk)

	assert.Equal(t, map[RootDescriptor][]string{f.r1: {"/ws/app/src/A.java"}}, f.state.SourcesToRecompile(cctx, f.t1))
	assert.Equal(t, map[RootDescriptor][]string{f.r2: {"/ws/lib/src/L.java"}}, f.state.SourcesToRecompile(cctx, f.t2))
}

func TestBeforeNextRoundStartWithoutChunkIsInert(t *testing.T) {
	f := newFixture()
	cctx := NewCompileContext(nil)
	_, err := f.state.MarkDirty(cctx, "/ws/app/src/A.java", f.r1, nil)
	require.NoError(t, err)

	f.state.BeforeNextRoundStart(cctx, testChunk{f.t1})
	f.state.BeforeNextRoundStart(cctx, testChunk{f.t1})

	assert.Equal(t, map[RootDescriptor][]string{f.r1: {"/ws/app/src/A.java"}}, f.state.SourcesToRecompile(cctx, f.t1))
}

func TestClearContextIsIdempotent(t *testing.T) {
	f := newFixture()
	chunk := testChunk{f.t1}
	cctx := NewCompileContext(nil)
	f.state.BeforeChunkBuildStart(cctx, chunk)
	f.state.BeforeNextRoundStart(cctx, chunk)

	for range 2 {
		f.state.ClearContextRoundData(cctx)
		f.state.ClearContextChunk(cctx)
	}
	assert.False(t, cctx.InChunk(f.t1))

	_, err := f.state.MarkDirty(cctx, "/ws/app/src/A.java", f.r1, nil)
	require.NoError(t, err)
	assert.Len(t, f.state.SourcesToRecompile(cctx, f.t1), 1, "falls back to the target delta")

	f.state.mu.Lock()
	assert.Empty(t, f.state.contexts)
	f.state.mu.Unlock()
}

func TestClearAll(t *testing.T) {
	f := newFixture()
	cctx := NewCompileContext(nil)
	f.state.BeforeChunkBuildStart(cctx, testChunk{f.t1})

	for _, tc := range []struct {
		root *testRoot
		file string
	}{
		{f.r1, "/ws/app/src/A.java"},
		{f.r1, "/ws/app/src/B.java"},
		{f.r2, "/ws/lib/src/L.java"},
	} {
		_, err := f.state.MarkDirty(cctx, tc.file, tc.root, nil)
		require.NoError(t, err)
	}
	require.NoError(t, f.state.RegisterDeleted(f.t2, "/ws/lib/src/Old.java", nil))
	f.state.MarkInitialScanPerformed(f.t1)
	f.state.MarkInitialScanPerformed(f.t2)
	f.state.BeforeNextRoundStart(cctx, testChunk{f.t1})

	f.state.ClearAll()

	for _, target := range []BuildTarget{f.t1, f.t2} {
		assert.Empty(t, f.state.SourcesToRecompile(cctx, target))
		assert.Empty(t, f.state.DeletedPaths(target))
		assert.True(t, f.state.MarkInitialScanPerformed(target))
	}
	assert.False(t, cctx.InChunk(f.t1), "contexts are detached")
}

func TestProcessFilesToRecompile(t *testing.T) {
	f := newFixture()
	r0 := &testRoot{target: f.t1, dir: "/ws/app/aaa"}
	f.r1.filter = FilterFunc(func(path string) bool { return !strings.HasSuffix(path, ".txt") })
	for _, m := range []struct {
		root *testRoot
		file string
	}{
		{f.r1, "/ws/app/src/B.java"},
		{f.r1, "/ws/app/src/A.java"},
		{f.r1, "/ws/app/src/skip.txt"},
		{f.r1, "/ws/app/src/Out.java"},
		{r0, "/ws/app/aaa/Z.java"},
	} {
		_, err := f.state.MarkDirty(nil, m.file, m.root, nil)
		require.NoError(t, err)
	}
	scope := ScopeFunc(func(_ BuildTarget, file string) bool { return !strings.HasSuffix(file, "Out.java") })
	cctx := NewCompileContext(scope)

	t.Run("walks roots then files in order", func(t *testing.T) {
		var seen []string
		ok, err := f.state.ProcessFilesToRecompile(cctx, f.t1, func(target BuildTarget, file string, root RootDescriptor) (bool, error) {
			assert.Equal(t, BuildTarget(f.t1), target)
			seen = append(seen, file)
			return true, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{"/ws/app/aaa/Z.java", "/ws/app/src/A.java", "/ws/app/src/B.java"}, seen)
	})

	t.Run("stop halts the walk", func(t *testing.T) {
		calls := 0
		ok, err := f.state.ProcessFilesToRecompile(cctx, f.t1, func(BuildTarget, string, RootDescriptor) (bool, error) {
			calls++
			return calls < 2, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 2, calls)
		assert.Len(t, f.state.SourcesToRecompile(nil, f.t1)[f.r1], 4, "stopping does not mutate the dirty set")
	})

	t.Run("processor error", func(t *testing.T) {
		boom := errors.New("boom")
		ok, err := f.state.ProcessFilesToRecompile(cctx, f.t1, func(BuildTarget, string, RootDescriptor) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, ok)
	})

	t.Run("marks made by the processor land in the next walk", func(t *testing.T) {
		var first []string
		_, err := f.state.ProcessFilesToRecompile(cctx, f.t1, func(_ BuildTarget, file string, root RootDescriptor) (bool, error) {
			first = append(first, file)
			_, err := f.state.MarkDirty(cctx, "/ws/app/src/New.java", f.r1, nil)
			return true, err
		})
		require.NoError(t, err)
		assert.NotContains(t, first, "/ws/app/src/New.java")
		assert.True(t, f.state.IsMarkedForRecompilation(cctx, f.r1, "/ws/app/src/New.java"))
	})
}

func TestConcurrentMarkAndProcess(t *testing.T) {
	f := newFixture()
	cctx := NewCompileContext(nil)
	chunk := testChunk{f.t1}
	f.state.BeforeChunkBuildStart(cctx, chunk)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				_, err := f.state.MarkDirtyOnEvent(cctx, pathN(w*1000+i), f.r1, f.stamps)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			_, err := f.state.ProcessFilesToRecompile(cctx, f.t1, func(BuildTarget, string, RootDescriptor) (bool, error) {
				return true, nil
			})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Len(t, f.state.SourcesToRecompile(nil, f.t1)[f.r1], 800)
	f.state.BeforeNextRoundStart(cctx, chunk)
	assert.Len(t, f.state.SourcesToRecompile(cctx, f.t1)[f.r1], 800, "every mark reached the round delta")
}

func TestRegisterDeleted(t *testing.T) {
	f := newFixture()
	file := "/ws/app/src/A.java"
	require.NoError(t, f.stamps.SaveStamp(file, f.t1, 1))
	_, err := f.state.MarkDirty(nil, file, f.r1, nil)
	require.NoError(t, err)

	require.NoError(t, f.state.RegisterDeleted(f.t1, file, f.stamps))
	assert.False(t, f.state.IsMarkedForRecompilation(nil, f.r1, file))
	assert.Equal(t, []string{file}, f.state.DeletedPaths(f.t1))
	assert.True(t, f.state.HasWorkToDo(f.t1))

	assert.Equal(t, []string{file}, f.state.ClearDeletedPaths(f.t1))
	assert.Empty(t, f.state.ClearDeletedPaths(f.t1))
	assert.Nil(t, f.state.ClearDeletedPaths(f.t2))
}

func TestCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture(WithMeter(provider.Meter("test")))
	f.fs.touch("/ws/app/src/A.java", 1_000)
	f.fs.touch("/ws/app/src/B.java", 9_000)
	for _, file := range []string{"/ws/app/src/A.java", "/ws/app/src/B.java"} {
		_, err := f.state.MarkDirty(nil, file, f.r1, nil)
		require.NoError(t, err)
	}
	_, err := f.state.MarkAllUpToDate(NewCompileContext(nil, WithCompilationStart(2_000)), f.r1, nil)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, m.Name)
			for _, dp := range sum.DataPoints {
				got[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{
		"buildfs.files.marked_dirty":  2,
		"buildfs.files.confirmed":     1,
		"buildfs.files.race_detected": 1,
	}, got)
}

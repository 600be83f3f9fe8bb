package fsstate

import (
	"errors"
	"sync"
	"time"
)

type testTarget struct{ name string }

func (t *testTarget) ID() string { return t.name }

type testRoot struct {
	target    *testTarget
	dir       string
	filter    FileFilter
	generated bool
}

func (r *testRoot) Target() BuildTarget { return r.target }
func (r *testRoot) RootDir() string     { return r.dir }
func (r *testRoot) Generated() bool     { return r.generated }

func (r *testRoot) Filter() FileFilter {
	if r.filter == nil {
		return FilterFunc(func(string) bool { return true })
	}
	return r.filter
}

type testChunk []BuildTarget

func (c testChunk) Targets() []BuildTarget { return c }

type stampKey struct {
	file   string
	target string
}

// memStamps is a TimestampStore that can be told to fail.
type memStamps struct {
	mu      sync.Mutex
	stamps  map[stampKey]int64
	removed []string
	saveErr error
}

func newMemStamps() *memStamps {
	return &memStamps{stamps: make(map[stampKey]int64)}
}

func (m *memStamps) SaveStamp(file string, target BuildTarget, stamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.stamps[stampKey{file, target.ID()}] = stamp
	return nil
}

func (m *memStamps) RemoveStamp(file string, target BuildTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stamps, stampKey{file, target.ID()})
	m.removed = append(m.removed, file)
	return nil
}

func (m *memStamps) Stamp(file string, target BuildTarget) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stamps[stampKey{file, target.ID()}]
	return s, ok, nil
}

// fakeFS is a StatFunc backed by a map of modification times.
type fakeFS struct {
	mu    sync.Mutex
	mtime map[string]int64
	fail  map[string]bool
}

func newFakeFS() *fakeFS {
	return &fakeFS{mtime: make(map[string]int64), fail: make(map[string]bool)}
}

func (f *fakeFS) touch(path string, mtime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtime[path] = mtime
}

func (f *fakeFS) remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mtime, path)
}

var errStat = errors.New("stat failed")

func (f *fakeFS) stat(path string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[path] {
		return 0, false, errStat
	}
	m, ok := f.mtime[path]
	return m, ok, nil
}

type fixture struct {
	state  *BuildFSState
	fs     *fakeFS
	stamps *memStamps
	t1, t2 *testTarget
	r1, r2 *testRoot
	now    int64
}

func newFixture(opts ...Option) *fixture {
	f := &fixture{
		fs:     newFakeFS(),
		stamps: newMemStamps(),
		t1:     &testTarget{name: "app:production"},
		t2:     &testTarget{name: "lib:production"},
		now:    1_000,
	}
	f.r1 = &testRoot{target: f.t1, dir: "/ws/app/src"}
	f.r2 = &testRoot{target: f.t2, dir: "/ws/lib/src"}
	opts = append([]Option{
		WithStat(f.fs.stat),
		WithClock(func() time.Time { return time.Unix(0, f.now) }),
	}, opts...)
	f.state = New(opts...)
	return f
}

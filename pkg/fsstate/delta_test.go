package fsstate

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesDeltaMarkRecompileIdempotent(t *testing.T) {
	d := NewFilesDelta()
	root := &testRoot{target: &testTarget{name: "t"}, dir: "/src"}

	assert.True(t, d.MarkRecompile(root, "/src/A.java"))
	once := d.SourcesToRecompile()
	assert.False(t, d.MarkRecompile(root, "/src/A.java"))
	assert.Equal(t, once, d.SourcesToRecompile())
}

func TestFilesDeltaClearRecompile(t *testing.T) {
	d := NewFilesDelta()
	root := &testRoot{target: &testTarget{name: "t"}, dir: "/src"}

	assert.Nil(t, d.ClearRecompile(root))

	d.MarkRecompile(root, "/src/A.java")
	files := d.ClearRecompile(root)
	assert.Len(t, files, 1)
	assert.Empty(t, d.SourcesToRecompile())
	assert.False(t, d.HasChanges())
}

func TestFilesDeltaMarkRecompileIfNotDeleted(t *testing.T) {
	fs := newFakeFS()
	fs.touch("/src/A.java", 1)
	d := NewFilesDelta()
	root := &testRoot{target: &testTarget{name: "t"}, dir: "/src"}

	ok, err := d.MarkRecompileIfNotDeleted(root, "/src/A.java", fs.stat)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.MarkRecompileIfNotDeleted(root, "/src/Gone.java", fs.stat)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, d.IsMarkedRecompile(root, "/src/Gone.java"))

	fs.fail["/src/B.java"] = true
	_, err = d.MarkRecompileIfNotDeleted(root, "/src/B.java", fs.stat)
	assert.ErrorIs(t, err, errStat)
}

func TestFilesDeltaDeleted(t *testing.T) {
	d := NewFilesDelta()
	root := &testRoot{target: &testTarget{name: "t"}, dir: "/src"}

	d.MarkRecompile(root, "/src/A.java")
	d.AddDeleted("/src/A.java")
	assert.False(t, d.IsMarkedRecompile(root, "/src/A.java"))
	assert.Equal(t, []string{"/src/A.java"}, d.DeletedPaths())
	assert.True(t, d.HasChanges())

	// Re-creating the file revives it.
	d.MarkRecompile(root, "/src/A.java")
	assert.Empty(t, d.DeletedPaths())

	d.AddDeleted("/src/B.java")
	d.AddDeleted("/src/C.java")
	assert.Equal(t, []string{"/src/B.java", "/src/C.java"}, d.ClearDeletedPaths())
	assert.Empty(t, d.DeletedPaths())
}

func TestFilesDeltaSnapshotOmitsEmptyRoots(t *testing.T) {
	d := NewFilesDelta()
	target := &testTarget{name: "t"}
	r1 := &testRoot{target: target, dir: "/a"}
	r2 := &testRoot{target: target, dir: "/b"}

	d.MarkRecompile(r1, "/a/X.java")
	d.MarkRecompile(r2, "/b/Y.java")
	d.AddDeleted("/b/Y.java")

	got := d.SourcesToRecompile()
	assert.Equal(t, map[RootDescriptor][]string{r1: {"/a/X.java"}}, got)
}

func TestFilesDeltaConcurrentMarks(t *testing.T) {
	d := NewFilesDelta()
	root := &testRoot{target: &testTarget{name: "t"}, dir: "/src"}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				d.MarkRecompile(root, pathN(i*100+j))
				_ = d.SourcesToRecompile()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, d.SourcesToRecompile()[root], 800)
}

func TestSortedRoots(t *testing.T) {
	ta := &testTarget{name: "a"}
	tb := &testTarget{name: "b"}
	r1 := &testRoot{target: tb, dir: "/x"}
	r2 := &testRoot{target: ta, dir: "/x"}
	r3 := &testRoot{target: ta, dir: "/a"}

	got := sortedRoots(map[RootDescriptor][]string{r1: nil, r2: nil, r3: nil})
	assert.Equal(t, []RootDescriptor{r3, r2, r1}, got)
}

func pathN(n int) string {
	return fmt.Sprintf("/src/F%04d.java", n)
}

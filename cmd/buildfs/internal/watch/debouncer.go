// Package watch keeps the dirty state of a workspace current from
// filesystem events and optionally builds after each burst of changes.
package watch

import (
	"sync"
	"time"

	"github.com/albertocavalcante/buildfs/pkg/util"
)

// MaxPending is the number of distinct pending paths that forces an
// immediate flush, bounding memory during mass file creation.
const MaxPending = 1000

// Debouncer coalesces rapid change events into batches. A batch is flushed
// once the window passes without new events (IDE autosave, formatter runs
// and checkouts all touch many files at once).
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	window  time.Duration
	onFlush func(paths []string)
	stopped bool
}

// NewDebouncer creates a debouncer. onFlush receives the sorted pending
// paths; it is never called while the debouncer's lock is held.
func NewDebouncer(window time.Duration, onFlush func(paths []string)) *Debouncer {
	return &Debouncer{
		pending: make(map[string]struct{}),
		window:  window,
		onFlush: onFlush,
	}
}

// Add records a changed path and restarts the window.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending[path] = struct{}{}

	if len(d.pending) >= MaxPending {
		paths := d.takeLocked()
		d.mu.Unlock()
		d.deliver(paths)
		return
	}

	// A timer that already fired may have a flush queued; it finds an
	// empty or fresh batch and behaves accordingly.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.FlushNow)
	d.mu.Unlock()
}

// FlushNow delivers pending paths without waiting for the window.
func (d *Debouncer) FlushNow() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	paths := d.takeLocked()
	d.mu.Unlock()
	d.deliver(paths)
}

// Stop stops the debouncer, delivering whatever is still pending. Later
// calls to Add are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	paths := d.takeLocked()
	d.mu.Unlock()
	d.deliver(paths)
}

// PendingCount returns the number of paths waiting to be flushed.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// takeLocked stops the timer and empties the batch. Caller must hold d.mu.
func (d *Debouncer) takeLocked() []string {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.pending) == 0 {
		return nil
	}
	paths := util.SortedKeys(d.pending)
	d.pending = make(map[string]struct{})
	return paths
}

func (d *Debouncer) deliver(paths []string) {
	if len(paths) > 0 && d.onFlush != nil {
		d.onFlush(paths)
	}
}

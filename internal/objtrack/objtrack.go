// Package objtrack keeps allocation metadata for live objects, keyed by
// heap handle.
package objtrack

import (
	"slices"
	"sync"
	"time"

	"github.com/coral-mesh/memprof/internal/heap"
)

// Object is what is known about one allocation.
type Object struct {
	Handle heap.Handle
	File   string
	Line   int
	Size   uint64
	Time   time.Time
}

// Tracker maps handles to objects. Handles are reused by the host once an
// object is freed, so a new record for a handle replaces the old one
// entirely. Safe for use from any thread.
type Tracker struct {
	mu      sync.Mutex
	objects map[heap.Handle]Object
	now     func() time.Time
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		objects: make(map[heap.Handle]Object),
		now:     time.Now,
	}
}

// Record stores the allocation site of h, replacing anything recorded for
// it before.
func (t *Tracker) Record(h heap.Handle, file string, line int) {
	t.RecordObject(Object{Handle: h, File: file, Line: line})
}

// RecordObject stores obj, replacing anything recorded for its handle. A
// zero Time is set to the current time.
func (t *Tracker) RecordObject(obj Object) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obj.Time.IsZero() {
		obj.Time = t.now()
	}
	t.objects[obj.Handle] = obj
}

// Forget drops h. Forgetting an unknown handle does nothing.
func (t *Tracker) Forget(h heap.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, h)
}

// Lookup returns the object recorded for h.
func (t *Tracker) Lookup(h heap.Handle) (Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	return obj, ok
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// Reset forgets everything.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.objects)
}

// Snapshot returns every tracked object sorted by handle.
func (t *Tracker) Snapshot() []Object {
	t.mu.Lock()
	out := make([]Object, 0, len(t.objects))
	for _, obj := range t.objects {
		out = append(out, obj)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Object) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		}
		return 0
	})
	return out
}

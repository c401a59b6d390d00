// Package heap walks the interpreter's segmented object heap.
//
// The heap is an array of heap slots, each describing one segment: a base
// pointer to a run of fixed-size object slots and the number of slots in
// it. The walker reads that array from live memory on every scan and steps
// through each segment at a stride of the object slot size, yielding the
// slots a caller-supplied predicate considers live.
package heap

import (
	"errors"
	"fmt"
	"iter"

	"github.com/coral-mesh/memprof/internal/mem"
	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/safe"
)

// maxSegments bounds heaps_used; anything larger means the layout is wrong.
const maxSegments = 1 << 20

var (
	// ErrLayoutUnavailable is returned when the heap layout could not be
	// resolved. Nothing is read in that case.
	ErrLayoutUnavailable = errors.New("heap layout unavailable")

	// ErrCorrupt is returned when the segment table holds implausible
	// values.
	ErrCorrupt = errors.New("heap segment table corrupt")
)

// Handle is the address of an object slot.
type Handle uintptr

func (h Handle) String() string {
	return fmt.Sprintf("%#x", uintptr(h))
}

// Segment is one contiguous run of object slots.
type Segment struct {
	Base     uintptr
	SlotSize uintptr
	Limit    int
}

// Layout locates the segment table in memory.
type Layout struct {
	// Heaps is the address of the global holding the segment table pointer.
	Heaps uint64
	// HeapsUsed is the address of the int counting used segments.
	HeapsUsed uint64

	SizeofHeapsSlot uint64
	OffsetSlot      uint64
	OffsetLimit     uint64

	// SlotSize is the size of one object slot.
	SlotSize uint64

	PointerSize int
}

// Valid reports whether every field is resolved and usable.
func (l Layout) Valid() bool {
	for _, v := range []uint64{l.Heaps, l.HeapsUsed, l.SizeofHeapsSlot, l.OffsetSlot, l.OffsetLimit, l.SlotSize} {
		if v == resolver.Unresolved {
			return false
		}
	}
	return l.SizeofHeapsSlot != 0 && l.SlotSize != 0 && (l.PointerSize == 4 || l.PointerSize == 8)
}

// LivePredicate classifies a slot. An error stops the scan.
type LivePredicate func(h Handle) (bool, error)

// Walker reads segments from memory according to a layout.
type Walker struct {
	layout Layout
	ok     bool
	r      mem.Reader
}

// NewWalker returns a walker. If ok is false, or the layout is not valid,
// every operation fails with ErrLayoutUnavailable.
func NewWalker(layout Layout, ok bool, r mem.Reader) *Walker {
	return &Walker{layout: layout, ok: ok && layout.Valid(), r: r}
}

// Available reports whether the walker can scan.
func (w *Walker) Available() bool {
	return w.ok
}

// Segments reads the current segment table.
func (w *Walker) Segments() ([]Segment, error) {
	if !w.ok {
		return nil, ErrLayoutUnavailable
	}
	l := w.layout

	table, err := mem.ReadWord(w.r, uintptr(l.Heaps), l.PointerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment table pointer: %w", err)
	}
	used, err := mem.ReadInt32(w.r, uintptr(l.HeapsUsed))
	if err != nil {
		return nil, fmt.Errorf("failed to read segment count: %w", err)
	}
	if used < 0 || used > maxSegments {
		return nil, fmt.Errorf("%w: %d segments in use", ErrCorrupt, used)
	}
	if used > 0 && table == 0 {
		return nil, fmt.Errorf("%w: %d segments but no table", ErrCorrupt, used)
	}

	segs := make([]Segment, 0, used)
	for i := range uint64(used) {
		slot, ok := safe.Uint64ToUintptr(table + i*l.SizeofHeapsSlot)
		if !ok {
			return nil, fmt.Errorf("%w: segment %d slot outside the address space", ErrCorrupt, i)
		}

		base, err := mem.ReadWord(w.r, slot+uintptr(l.OffsetSlot), l.PointerSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %d base: %w", i, err)
		}
		limit, err := mem.ReadInt32(w.r, slot+uintptr(l.OffsetLimit))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment %d limit: %w", i, err)
		}
		if limit < 0 {
			return nil, fmt.Errorf("%w: segment %d has limit %d", ErrCorrupt, i, limit)
		}

		segBase, ok := safe.Uint64ToUintptr(base)
		if !ok {
			return nil, fmt.Errorf("%w: segment %d base %#x outside the address space", ErrCorrupt, i, base)
		}

		segs = append(segs, Segment{Base: segBase, SlotSize: uintptr(l.SlotSize), Limit: int(limit)})
	}

	return segs, nil
}

// Scan returns a sequence of the live handles currently on the heap. The
// segment table is re-read each time the sequence is iterated, so two
// iterations see the memory as it is at that moment. A read error is
// yielded once and ends the sequence.
func (w *Walker) Scan(live LivePredicate) (iter.Seq2[Handle, error], error) {
	if !w.ok {
		return nil, ErrLayoutUnavailable
	}

	return func(yield func(Handle, error) bool) {
		segs, err := w.Segments()
		if err != nil {
			yield(0, err)
			return
		}
		for h, err := range ScanSegments(segs, live) {
			if !yield(h, err) {
				return
			}
		}
	}, nil
}

// ScanSegments steps through each segment from base to limit and yields
// the slots live accepts.
func ScanSegments(segs []Segment, live LivePredicate) iter.Seq2[Handle, error] {
	return func(yield func(Handle, error) bool) {
		for _, seg := range segs {
			for i := range seg.Limit {
				h := Handle(seg.Base + uintptr(i)*seg.SlotSize)
				ok, err := live(h)
				if err != nil {
					yield(h, err)
					return
				}
				if ok && !yield(h, nil) {
					return
				}
			}
		}
	}
}

// Collect drains a scan into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Handle, error]) ([]Handle, error) {
	var out []Handle
	for h, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, h)
	}
	return out, nil
}

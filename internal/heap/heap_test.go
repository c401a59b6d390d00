package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/mem"
	"github.com/coral-mesh/memprof/internal/mem/memtest"
	"github.com/coral-mesh/memprof/internal/resolver"
)

const (
	heapsAddr     = 0x1000
	heapsUsedAddr = 0x1008
	tableAddr     = 0x2000
	slotSize      = 40
)

var testLayout = Layout{
	Heaps:           heapsAddr,
	HeapsUsed:       heapsUsedAddr,
	SizeofHeapsSlot: 24,
	OffsetSlot:      8,
	OffsetLimit:     16,
	SlotSize:        slotSize,
	PointerSize:     8,
}

// fakeHeap maps a two-segment heap; live slots have a non-zero first word.
func fakeHeap(t *testing.T) *memtest.Sparse {
	t.Helper()
	m := memtest.New()
	m.Map(heapsAddr, 16)
	m.Map(tableAddr, 2*24)

	segments := []struct {
		base  uintptr
		limit int
		live  []int
	}{
		{base: 0x10000, limit: 4, live: []int{0, 2, 3}},
		{base: 0x20000, limit: 3, live: []int{1}},
	}

	m.PutUint64(heapsAddr, tableAddr)
	m.PutUint32(heapsUsedAddr, uint32(len(segments)))
	for i, seg := range segments {
		slot := uintptr(tableAddr + i*24)
		m.PutUint64(slot+8, uint64(seg.base))
		m.PutUint32(slot+16, uint32(seg.limit))

		m.Map(seg.base, seg.limit*slotSize)
		for _, n := range seg.live {
			m.PutUint64(seg.base+uintptr(n*slotSize), 0x22)
		}
	}
	return m
}

func flagsNonZero(r mem.Reader) LivePredicate {
	return func(h Handle) (bool, error) {
		flags, err := mem.ReadWord(r, uintptr(h), 8)
		if err != nil {
			return false, err
		}
		return flags != 0, nil
	}
}

func TestWalker_Segments(t *testing.T) {
	m := fakeHeap(t)
	w := NewWalker(testLayout, true, m)
	require.True(t, w.Available())

	segs, err := w.Segments()
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Base: 0x10000, SlotSize: slotSize, Limit: 4},
		{Base: 0x20000, SlotSize: slotSize, Limit: 3},
	}, segs)
}

func TestWalker_ScanIsRestartable(t *testing.T) {
	m := fakeHeap(t)
	w := NewWalker(testLayout, true, m)

	seq, err := w.Scan(flagsNonZero(m))
	require.NoError(t, err)

	first, err := Collect(seq)
	require.NoError(t, err)
	second, err := Collect(seq)
	require.NoError(t, err)

	want := []Handle{0x10000, 0x10000 + 2*slotSize, 0x10000 + 3*slotSize, 0x20000 + slotSize}
	assert.Equal(t, want, first)
	assert.Equal(t, first, second, "unchanged memory must give identical sequences")
}

func TestWalker_ScanReadsCurrentMemory(t *testing.T) {
	m := fakeHeap(t)
	w := NewWalker(testLayout, true, m)

	seq, err := w.Scan(flagsNonZero(m))
	require.NoError(t, err)

	before, err := Collect(seq)
	require.NoError(t, err)

	m.PutUint64(0x10000, 0)            // object freed
	m.PutUint64(0x20000+2*slotSize, 1) // object allocated

	after, err := Collect(seq)
	require.NoError(t, err)

	assert.Len(t, after, len(before))
	assert.NotContains(t, after, Handle(0x10000))
	assert.Contains(t, after, Handle(0x20000+2*slotSize))
}

func TestWalker_UnresolvedLayout(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		ok     bool
	}{
		{name: "not ok", layout: testLayout, ok: false},
		{name: "unresolved offset", layout: func() Layout {
			l := testLayout
			l.OffsetLimit = resolver.Unresolved
			return l
		}(), ok: true},
		{name: "zero slot size", layout: func() Layout {
			l := testLayout
			l.SlotSize = 0
			return l
		}(), ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// An empty address space: any read would fault.
			m := memtest.New()
			w := NewWalker(tt.layout, tt.ok, m)
			assert.False(t, w.Available())

			seq, err := w.Scan(flagsNonZero(m))
			assert.ErrorIs(t, err, ErrLayoutUnavailable)
			assert.Nil(t, seq)

			_, err = w.Segments()
			assert.ErrorIs(t, err, ErrLayoutUnavailable)
		})
	}
}

func TestWalker_ReadErrorEndsSequence(t *testing.T) {
	m := fakeHeap(t)
	// Point the second segment at unmapped memory.
	m.PutUint64(tableAddr+24+8, 0x900000)

	seq, err := NewWalker(testLayout, true, m).Scan(flagsNonZero(m))
	require.NoError(t, err)

	got, err := Collect(seq)
	assert.ErrorIs(t, err, mem.ErrFault)
	assert.Len(t, got, 3, "live handles before the fault are still yielded")
}

func TestWalker_CorruptTable(t *testing.T) {
	m := fakeHeap(t)
	m.PutUint32(heapsUsedAddr, 0xffffffff)

	_, err := NewWalker(testLayout, true, m).Segments()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestScanSegments(t *testing.T) {
	all := func(Handle) (bool, error) { return true, nil }

	got, err := Collect(ScanSegments(nil, all))
	require.NoError(t, err)
	assert.Empty(t, got)

	segs := []Segment{{Base: 0x100, SlotSize: 0x10, Limit: 3}, {Base: 0x400, SlotSize: 0x10, Limit: 0}}
	got, err = Collect(ScanSegments(segs, all))
	require.NoError(t, err)
	assert.Equal(t, []Handle{0x100, 0x110, 0x120}, got)

	var first []Handle
	for h := range ScanSegments(segs, all) {
		first = append(first, h)
		break
	}
	assert.Equal(t, []Handle{0x100}, first)
}

func TestHandleString(t *testing.T) {
	assert.Equal(t, "0x7f00", Handle(0x7f00).String())
}

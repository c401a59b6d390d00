package objects

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/mem/memtest"
	"github.com/coral-mesh/memprof/internal/objtrack"
	"github.com/coral-mesh/memprof/internal/tracer"
)

const (
	segBase  = 0x10000
	slotSize = 40
)

var layout = heap.Layout{
	Heaps:           0x1000,
	HeapsUsed:       0x1008,
	SizeofHeapsSlot: 24,
	OffsetSlot:      8,
	OffsetLimit:     16,
	SlotSize:        slotSize,
	PointerSize:     8,
}

// oneSegmentHeap maps a heap of five slots, of which 0, 1 and 4 are live.
func oneSegmentHeap() *memtest.Sparse {
	m := memtest.New()
	m.Map(0x1000, 16)
	m.Map(0x2000, 24)
	m.PutUint64(0x1000, 0x2000)
	m.PutUint32(0x1008, 1)
	m.PutUint64(0x2000+8, segBase)
	m.PutUint32(0x2000+16, 5)

	m.Map(segBase, 5*slotSize)
	for _, i := range []int{0, 1, 4} {
		m.PutUint64(uintptr(segBase+i*slotSize), 0x0c)
	}
	return m
}

func newTracer(t *testing.T, m *memtest.Sparse, ok bool, filter string) (*Tracer, *objtrack.Tracker) {
	t.Helper()
	tracker := objtrack.New()

	var f *Filter
	if filter != "" {
		var err error
		f, err = CompileFilter(filter)
		require.NoError(t, err)
	}

	return New(Config{
		Walker:      heap.NewWalker(layout, ok, m),
		Tracker:     tracker,
		Memory:      m,
		PointerSize: 8,
		SlotSize:    slotSize,
		Filter:      f,
	}, zerolog.Nop()), tracker
}

func TestDump_JoinsTracker(t *testing.T) {
	m := oneSegmentHeap()
	tr, tracker := newTracer(t, m, true, "")

	tracker.RecordObject(objtrack.Object{Handle: segBase, File: "app/models/user.rb", Line: 12, Size: 96})
	tracker.Record(segBase+4*slotSize, "lib/cache.rb", 3)
	tracker.Record(segBase+2*slotSize, "freed.rb", 1) // slot is free, not reported

	doc := tracer.NewDocument()
	require.NoError(t, tr.Dump(doc.Section(ID)))

	payload, ok := doc.Payload(ID)
	require.True(t, ok)
	assert.Equal(t, []Record{
		{Handle: segBase, File: "app/models/user.rb", Line: 12, Size: 96},
		{Handle: segBase + slotSize, Size: slotSize},
		{Handle: segBase + 4*slotSize, File: "lib/cache.rb", Line: 3, Size: slotSize},
	}, payload)
}

func TestDump_Filter(t *testing.T) {
	m := oneSegmentHeap()
	tr, tracker := newTracer(t, m, true, `file.startsWith("app/") || size > 50`)

	tracker.Record(segBase, "app/a.rb", 1)
	tracker.RecordObject(objtrack.Object{Handle: segBase + slotSize, File: "lib/b.rb", Size: 64})
	tracker.Record(segBase+4*slotSize, "lib/c.rb", 1)

	records, err := tr.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, heap.Handle(segBase), records[0].Handle)
	assert.Equal(t, heap.Handle(segBase+slotSize), records[1].Handle)
}

func TestDump_LayoutUnavailable(t *testing.T) {
	tr, _ := newTracer(t, memtest.New(), false, "")

	err := tr.Dump(tracer.NewDocument().Section(ID))
	assert.ErrorIs(t, err, heap.ErrLayoutUnavailable)
}

func TestDump_EmptyHeap(t *testing.T) {
	m := memtest.New()
	m.Map(0x1000, 16)
	m.PutUint32(0x1008, 0)
	tr, _ := newTracer(t, m, true, "")

	records, err := tr.Records()
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestLifecycleNoops(t *testing.T) {
	tr, _ := newTracer(t, memtest.New(), false, "")
	assert.Equal(t, "objects", tr.ID())
	assert.NoError(t, tr.Start())
	assert.NoError(t, tr.Start())
	assert.NoError(t, tr.Stop())
	assert.NoError(t, tr.Reset())
}

func TestCompileFilter(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		rec     Record
		want    bool
		wantErr string
	}{
		{name: "file prefix", expr: `file.startsWith("app/")`, rec: Record{File: "app/x.rb"}, want: true},
		{name: "line range", expr: `line >= 10 && line < 20`, rec: Record{Line: 9}, want: false},
		{name: "handle", expr: `handle == 4096u`, rec: Record{Handle: 0x1000}, want: true},
		{name: "not bool", expr: `line + 1`, wantErr: "not bool"},
		{name: "syntax", expr: `file ==`, wantErr: "invalid filter"},
		{name: "unknown variable", expr: `klass == "String"`, wantErr: "invalid filter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expr, f.String())

			got, err := f.Match(tt.rec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

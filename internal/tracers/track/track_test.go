package track

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/mem/memtest"
	"github.com/coral-mesh/memprof/internal/objtrack"
	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/tracer"
	"github.com/coral-mesh/memprof/internal/tracers"
	"github.com/coral-mesh/memprof/internal/tramp"
)

var prologue = []byte{0x55, 0x48, 0x89, 0xe5, 0x53, 0x48, 0x83, 0xec, 0x28, 0x48, 0x8b, 0x47, 0x08, 0x90, 0x90}

const (
	newobjAddr = 0x400000
	sweepAddr  = 0x401000
)

type fixture struct {
	mem     *memtest.Sparse
	engine  *tramp.Engine
	tracker *objtrack.Tracker
	tracer  *Tracer
	code    map[uintptr][]byte
}

func newFixture(t *testing.T, interceptors tracers.Interceptors) *fixture {
	t.Helper()
	f := &fixture{mem: memtest.New(), tracker: objtrack.New(), code: map[uintptr][]byte{}}
	for _, addr := range []uintptr{newobjAddr, sweepAddr} {
		code := append(append([]byte{}, prologue...), bytes.Repeat([]byte{0xcc}, 49)...)
		f.mem.MapBytes(addr, code)
		f.code[addr] = code
	}
	f.engine = tramp.NewEngine(f.mem, tramp.AMD64, zerolog.Nop())

	f.tracer = New(Config{
		Engine:  f.engine,
		Tracker: f.tracker,
		NewObject: resolver.Symbol{
			Name: "rb_newobj", Address: newobjAddr, Size: 64, Source: resolver.SourceExported,
		},
		Free: resolver.Symbol{
			Name: "add_freelist", Address: sweepAddr, Size: 64,
			Source: resolver.SourceHeuristic, FoldedInto: "gc_sweep",
		},
		Interceptors: interceptors,
	}, zerolog.Nop())
	return f
}

var allInterceptors = tracers.Interceptors{"rb_newobj": 0x9000, "add_freelist": 0x9100}

func TestStart_HooksAllocatorAndFreePath(t *testing.T) {
	f := newFixture(t, allInterceptors)

	require.NoError(t, f.tracer.Start())
	assert.True(t, f.tracer.Enabled())
	assert.True(t, f.engine.Installed(newobjAddr))
	assert.True(t, f.engine.Installed(sweepAddr))

	// Idempotent.
	writes := f.mem.Writes()
	require.NoError(t, f.tracer.Start())
	assert.Equal(t, writes, f.mem.Writes())
	assert.Len(t, f.engine.Trampolines(), 2)

	orig := f.tracer.Original(f.tracer.cfg.Free)
	require.NotZero(t, orig)
	assert.Equal(t, prologue[:14], f.mem.Bytes(orig, 14))

	require.NoError(t, f.tracer.Stop())
	assert.False(t, f.tracer.Enabled())
	for addr, code := range f.code {
		assert.Equal(t, code, f.mem.Bytes(addr, 64))
	}

	require.NoError(t, f.tracer.Start())
	assert.True(t, f.engine.Installed(sweepAddr))
	assert.Len(t, f.engine.Trampolines(), 2, "restart reuses the trampolines")
}

func TestStart_MissingInterceptor(t *testing.T) {
	f := newFixture(t, tracers.Interceptors{"rb_newobj": 0x9000})

	err := f.tracer.Start()
	require.ErrorIs(t, err, tracers.ErrNoInterceptor)
	assert.False(t, f.tracer.Enabled())
	assert.False(t, f.engine.Installed(newobjAddr), "partial hooks are rolled back")
	assert.Equal(t, f.code[newobjAddr], f.mem.Bytes(newobjAddr, 64))
}

func TestRecording(t *testing.T) {
	f := newFixture(t, allInterceptors)

	f.tracer.OnNewObject(0x7000, "ignored.rb", 1, 40)
	assert.Zero(t, f.tracker.Len(), "nothing recorded before start")

	require.NoError(t, f.tracer.Start())
	f.tracer.OnNewObject(0x7000, "app/a.rb", 10, 40)
	f.tracer.OnNewObject(0x7028, "app/a.rb", 10, 40)
	f.tracer.OnNewObject(0x7050, "app/b.rb", 5, 200)
	f.tracer.OnNewObject(0x7078, "app/b.rb", 6, 40)
	f.tracer.OnFree(0x7078)

	doc := tracer.NewDocument()
	require.NoError(t, f.tracer.Dump(doc.Section(ID)))
	payload, _ := doc.Payload(ID)
	assert.Equal(t, []Site{
		{File: "app/a.rb", Line: 10, Count: 2, Bytes: 80},
		{File: "app/b.rb", Line: 5, Count: 1, Bytes: 200},
	}, payload)

	f.tracer.OnFree(0x7000)
	_, ok := f.tracker.Lookup(heap.Handle(0x7000))
	assert.False(t, ok)

	require.NoError(t, f.tracer.Reset())
	assert.Empty(t, f.tracer.Sites())
}

func TestStop_ForgetsTrackedObjects(t *testing.T) {
	f := newFixture(t, allInterceptors)

	require.NoError(t, f.tracer.Start())
	f.tracer.OnNewObject(0x7000, "a.rb", 1, 40)
	require.Equal(t, 1, f.tracker.Len())

	require.NoError(t, f.tracer.Stop())
	assert.False(t, f.engine.Installed(sweepAddr))
	assert.Zero(t, f.tracker.Len(), "frees go unobserved while stopped")

	// The slot is freed and reused while stopped, then tracking resumes.
	f.tracer.OnNewObject(0x7000, "late.rb", 9, 40)
	require.NoError(t, f.tracer.Start())
	_, ok := f.tracker.Lookup(heap.Handle(0x7000))
	assert.False(t, ok, "a reused slot never inherits the old site")

	f.tracer.OnNewObject(0x7000, "b.rb", 2, 40)
	obj, ok := f.tracker.Lookup(heap.Handle(0x7000))
	require.True(t, ok)
	assert.Equal(t, "b.rb", obj.File)
	assert.Equal(t, 2, obj.Line)
}

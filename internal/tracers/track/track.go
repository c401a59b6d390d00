// Package track is the allocation-site tracer. It hooks the object
// allocator and the free path; the host binding reports each allocation
// and free through OnNewObject and OnFree while tracking is on.
package track

import (
	"cmp"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/objtrack"
	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/tracer"
	"github.com/coral-mesh/memprof/internal/tracers"
	"github.com/coral-mesh/memprof/internal/tramp"
)

// ID is the tracer id and dump section name.
const ID = "track"

// Site aggregates the live objects allocated at one source line.
type Site struct {
	File  string `json:"file"`
	Line  int    `json:"line"`
	Count int    `json:"count"`
	Bytes uint64 `json:"bytes"`
}

// Config wires the tracer to the process.
type Config struct {
	Engine  *tramp.Engine
	Tracker *objtrack.Tracker

	// NewObject is the allocator, Free the function that returns a slot
	// to the free list (possibly folded into its caller).
	NewObject resolver.Symbol
	Free      resolver.Symbol

	Interceptors tracers.Interceptors
}

// Tracer records allocation sites.
type Tracer struct {
	cfg    Config
	logger zerolog.Logger

	enabled atomic.Bool

	mu    sync.Mutex
	hooks []*tramp.Trampoline
}

var _ tracer.Tracer = (*Tracer)(nil)

// New creates the tracer. Nothing is hooked until Start.
func New(cfg Config, logger zerolog.Logger) *Tracer {
	return &Tracer{
		cfg:    cfg,
		logger: logger.With().Str("component", "tracer-track").Logger(),
	}
}

func (t *Tracer) ID() string { return ID }

// Start hooks the allocator and the free path and turns recording on.
// Calling it again while running does nothing.
func (t *Tracer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var hooks []*tramp.Trampoline
	for _, sym := range []resolver.Symbol{t.cfg.NewObject, t.cfg.Free} {
		tr, err := tracers.Hook(t.cfg.Engine, sym, t.cfg.Interceptors)
		if err != nil {
			return errors.Join(err, tracers.Unhook(t.cfg.Engine, hooks))
		}
		hooks = append(hooks, tr)
	}

	t.hooks = hooks
	if !t.enabled.Swap(true) {
		t.logger.Info().Str("free_hook", t.cfg.Free.PatchTarget()).Msg("Allocation tracking started")
	}
	return nil
}

// Stop turns recording off, removes the hooks and forgets every tracked
// object: frees are not observed while stopped.
func (t *Tracer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled.Store(false)
	err := tracers.Unhook(t.cfg.Engine, t.hooks)
	t.cfg.Tracker.Reset()
	return err
}

// Reset forgets every tracked object.
func (t *Tracer) Reset() error {
	t.cfg.Tracker.Reset()
	return nil
}

// Enabled reports whether allocations are being recorded.
func (t *Tracer) Enabled() bool {
	return t.enabled.Load()
}

// Original returns the entry that runs the unhooked version of the
// function hooked for sym, or 0 if it is not hooked.
func (t *Tracer) Original(sym resolver.Symbol) uintptr {
	tr, ok := t.cfg.Engine.Lookup(uintptr(sym.Address))
	if !ok {
		return 0
	}
	return tr.Original()
}

// OnNewObject records an allocation. Called from the allocator hook on
// arbitrary host threads.
func (t *Tracer) OnNewObject(h heap.Handle, file string, line int, size uint64) {
	if !t.enabled.Load() {
		return
	}
	t.cfg.Tracker.RecordObject(objtrack.Object{Handle: h, File: file, Line: line, Size: size})
}

// OnFree drops a freed object. It applies even when recording is off.
func (t *Tracer) OnFree(h heap.Handle) {
	t.cfg.Tracker.Forget(h)
}

// Dump puts the per-site aggregates, largest count first, into s.
func (t *Tracer) Dump(s tracer.Section) error {
	return s.Put(t.Sites())
}

// Sites aggregates the tracked objects by allocation site.
func (t *Tracer) Sites() []Site {
	type key struct {
		file string
		line int
	}
	byKey := make(map[key]*Site)
	for _, obj := range t.cfg.Tracker.Snapshot() {
		k := key{obj.File, obj.Line}
		s, ok := byKey[k]
		if !ok {
			s = &Site{File: obj.File, Line: obj.Line}
			byKey[k] = s
		}
		s.Count++
		s.Bytes += obj.Size
	}

	sites := make([]Site, 0, len(byKey))
	for _, s := range byKey {
		sites = append(sites, *s)
	}
	slices.SortFunc(sites, func(a, b Site) int {
		return cmp.Or(
			cmp.Compare(b.Count, a.Count),
			cmp.Compare(a.File, b.File),
			cmp.Compare(a.Line, b.Line),
		)
	})
	return sites
}

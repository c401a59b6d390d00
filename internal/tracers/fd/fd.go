// Package fd is the file-descriptor tracer: it hooks read and counts
// reads and bytes per descriptor.
package fd

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/tracer"
	"github.com/coral-mesh/memprof/internal/tracers"
	"github.com/coral-mesh/memprof/internal/tramp"
)

// ID is the tracer id and dump section name.
const ID = "fd"

// FDStat is the activity on one descriptor.
type FDStat struct {
	FD    int    `json:"fd"`
	Reads int    `json:"reads"`
	Bytes uint64 `json:"bytes"`
}

// Config wires the tracer to the process.
type Config struct {
	Engine       *tramp.Engine
	Read         resolver.Symbol
	Interceptors tracers.Interceptors
}

// Tracer counts reads per descriptor.
type Tracer struct {
	cfg    Config
	logger zerolog.Logger

	enabled atomic.Bool
	hook    *tramp.Trampoline

	mu    sync.Mutex
	stats map[int]*FDStat
}

var _ tracer.Tracer = (*Tracer)(nil)

// New creates the tracer.
func New(cfg Config, logger zerolog.Logger) *Tracer {
	return &Tracer{
		cfg:    cfg,
		logger: logger.With().Str("component", "tracer-fd").Logger(),
		stats:  make(map[int]*FDStat),
	}
}

func (t *Tracer) ID() string { return ID }

// Start hooks read once; later calls only re-enable counting.
func (t *Tracer) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	hook, err := tracers.Hook(t.cfg.Engine, t.cfg.Read, t.cfg.Interceptors)
	if err != nil {
		return err
	}
	t.hook = hook
	t.enabled.Store(true)
	return nil
}

// Stop removes the hook.
func (t *Tracer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled.Store(false)
	if t.hook == nil {
		return nil
	}
	return t.cfg.Engine.Uninstall(t.hook)
}

// Reset clears the counters.
func (t *Tracer) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.stats)
	return nil
}

// Original returns the entry of the unhooked read, or 0.
func (t *Tracer) Original() uintptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hook == nil {
		return 0
	}
	return t.hook.Original()
}

// OnRead counts one read of n bytes on fd. Failed reads (n < 0) count as
// a read of zero bytes.
func (t *Tracer) OnRead(fd int, n int) {
	if !t.enabled.Load() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[fd]
	if !ok {
		s = &FDStat{FD: fd}
		t.stats[fd] = s
	}
	s.Reads++
	if n > 0 {
		s.Bytes += uint64(n)
	}
}

// Stats returns the counters sorted by descriptor.
func (t *Tracer) Stats() []FDStat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]FDStat, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FD < out[j].FD })
	return out
}

// Dump puts the counters into s.
func (t *Tracer) Dump(s tracer.Section) error {
	return s.Put(t.Stats())
}

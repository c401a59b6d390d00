// Package objects is the heap-walking tracer: a dump lists every live
// object on the interpreter heap with the allocation site recorded for it.
package objects

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/mem"
	"github.com/coral-mesh/memprof/internal/objtrack"
	"github.com/coral-mesh/memprof/internal/tracer"
)

// ID is the tracer id and dump section name.
const ID = "objects"

// Record is one live object.
type Record struct {
	Handle heap.Handle `json:"handle"`
	File   string      `json:"file,omitempty"`
	Line   int         `json:"line,omitempty"`
	Size   uint64      `json:"size"`
}

// Config wires the tracer to the process.
type Config struct {
	Walker  *heap.Walker
	Tracker *objtrack.Tracker
	Memory  mem.Reader

	PointerSize int
	// SlotSize is reported for objects the tracker has no size for.
	SlotSize uint64

	// Filter is optional.
	Filter *Filter
}

// Tracer dumps the live heap.
type Tracer struct {
	cfg    Config
	logger zerolog.Logger
}

var _ tracer.Tracer = (*Tracer)(nil)

// New creates the tracer.
func New(cfg Config, logger zerolog.Logger) *Tracer {
	return &Tracer{
		cfg:    cfg,
		logger: logger.With().Str("component", "tracer-objects").Logger(),
	}
}

// LiveFlags treats a slot as live when its first word, the object flags,
// is non-zero. Freed slots have their flags cleared.
func LiveFlags(r mem.Reader, ptrSize int) heap.LivePredicate {
	return func(h heap.Handle) (bool, error) {
		flags, err := mem.ReadWord(r, uintptr(h), ptrSize)
		if err != nil {
			return false, err
		}
		return flags != 0, nil
	}
}

func (t *Tracer) ID() string { return ID }

// Start, Stop and Reset have nothing to do: the heap is read live.
func (t *Tracer) Start() error { return nil }

func (t *Tracer) Stop() error { return nil }

func (t *Tracer) Reset() error { return nil }

// Dump puts the live records into s.
func (t *Tracer) Dump(s tracer.Section) error {
	records, err := t.Records()
	if err != nil {
		return err
	}
	return s.Put(records)
}

// Records walks the heap now and joins each live object with the tracker.
func (t *Tracer) Records() ([]Record, error) {
	seq, err := t.cfg.Walker.Scan(LiveFlags(t.cfg.Memory, t.cfg.PointerSize))
	if err != nil {
		return nil, err
	}

	records := []Record{}
	for h, err := range seq {
		if err != nil {
			return nil, fmt.Errorf("heap scan: %w", err)
		}

		rec := Record{Handle: h, Size: t.cfg.SlotSize}
		if t.cfg.Tracker != nil {
			if obj, ok := t.cfg.Tracker.Lookup(h); ok {
				rec.File, rec.Line = obj.File, obj.Line
				if obj.Size != 0 {
					rec.Size = obj.Size
				}
			}
		}

		if t.cfg.Filter != nil {
			ok, err := t.cfg.Filter.Match(rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		records = append(records, rec)
	}

	t.logger.Debug().Int("records", len(records)).Msg("Walked heap")
	return records, nil
}

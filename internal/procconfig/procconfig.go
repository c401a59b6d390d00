// Package procconfig builds the process configuration: every interpreter
// address, size and member offset the rest of memprof needs, resolved once
// at attach time and read-only afterwards.
//
// Fields are described by struct tags and filled by reflection:
//
//	sym:"name"          a function or global, stored as resolver.Symbol
//	size:"type"         sizeof(type)
//	offset:"type.field" offsetof(type, field)
//
// Every field starts as the unresolved sentinel and is only overwritten by
// a resolved value, so a field is never a guess.
package procconfig

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/resolver"
)

// ProcessConfig is the resolved view of the host interpreter.
type ProcessConfig struct {
	Description string
	Flags       string
	PageSize    int
	PointerSize int

	// Object allocation and the free path.
	RbNewobj         resolver.Symbol `sym:"rb_newobj"`
	AddFreelist      resolver.Symbol `sym:"add_freelist"`
	FinalizeList     resolver.Symbol `sym:"finalize_list"`
	RbGCForceRecycle resolver.Symbol `sym:"rb_gc_force_recycle"`
	Classname        resolver.Symbol `sym:"classname"`

	// Marking and block lifecycle.
	BmMark                 resolver.Symbol `sym:"bm_mark"`
	BlkFree                resolver.Symbol `sym:"blk_free"`
	ThreadMark             resolver.Symbol `sym:"thread_mark"`
	RbMarkTableAddFilename resolver.Symbol `sym:"rb_mark_table_add_filename"`

	// I/O.
	Read resolver.Symbol `sym:"read"`

	// Heap globals.
	Heaps          resolver.Symbol `sym:"heaps"`
	HeapsUsed      resolver.Symbol `sym:"heaps_used"`
	Freelist       resolver.Symbol `sym:"freelist"`
	FinalizerTable resolver.Symbol `sym:"finalizer_table"`

	SizeofRVALUE         uint64 `size:"RVALUE"`
	SizeofHeapsSlot      uint64 `size:"heaps_slot"`
	OffsetHeapsSlotSlot  uint64 `offset:"heaps_slot.slot"`
	OffsetHeapsSlotLimit uint64 `offset:"heaps_slot.limit"`

	SizeofBLOCK           uint64 `size:"BLOCK"`
	OffsetBLOCKBody       uint64 `offset:"BLOCK.body"`
	OffsetBLOCKVar        uint64 `offset:"BLOCK.var"`
	OffsetBLOCKCref       uint64 `offset:"BLOCK.cref"`
	OffsetBLOCKSelf       uint64 `offset:"BLOCK.self"`
	OffsetBLOCKKlass      uint64 `offset:"BLOCK.klass"`
	OffsetBLOCKScope      uint64 `offset:"BLOCK.scope"`
	OffsetBLOCKDynaVars   uint64 `offset:"BLOCK.dyna_vars"`
	OffsetBLOCKOrigThread uint64 `offset:"BLOCK.orig_thread"`
	OffsetBLOCKWrapper    uint64 `offset:"BLOCK.wrapper"`
	OffsetBLOCKBlockObj   uint64 `offset:"BLOCK.block_obj"`
	OffsetBLOCKPrev       uint64 `offset:"BLOCK.prev"`
	OffsetMETHODKlass     uint64 `offset:"METHOD.klass"`
	OffsetMETHODRklass    uint64 `offset:"METHOD.rklass"`
	OffsetMETHODRecv      uint64 `offset:"METHOD.recv"`
	OffsetMETHODID        uint64 `offset:"METHOD.id"`
	OffsetMETHODOid       uint64 `offset:"METHOD.oid"`
	OffsetMETHODBody      uint64 `offset:"METHOD.body"`
}

// Options are the derived constants that do not come from the resolver.
type Options struct {
	Description string
	Flags       string
	PageSize    int
	PointerSize int
}

// Entry is the outcome for one tagged field.
type Entry struct {
	Field  string
	Name   string
	Kind   resolver.Kind
	Value  uint64
	Size   uint64
	Source resolver.Source
	Folded string
	Err    error
}

// Resolved reports whether the entry holds a real value.
func (e Entry) Resolved() bool {
	return e.Err == nil && e.Value != resolver.Unresolved
}

// Report lists every field in declaration order with its outcome.
type Report struct {
	Entries []Entry
}

// Unresolved returns the names that no strategy could resolve.
func (r *Report) Unresolved() []string {
	var names []string
	for _, e := range r.Entries {
		if !e.Resolved() {
			names = append(names, e.Name)
		}
	}
	return names
}

// Err joins every resolution error, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, e := range r.Entries {
		if e.Err != nil {
			errs = append(errs, e.Err)
		}
	}
	return errors.Join(errs...)
}

// New returns a configuration with every resolvable field set to the
// unresolved sentinel.
func New(opts Options) *ProcessConfig {
	cfg := &ProcessConfig{
		Description: opts.Description,
		Flags:       opts.Flags,
		PageSize:    opts.PageSize,
		PointerSize: opts.PointerSize,
	}
	if cfg.PointerSize == 0 {
		cfg.PointerSize = 8
	}

	_ = walkFields(cfg, func(f field) error {
		switch f.kind {
		case resolver.KindSymbol:
			f.value.Set(reflect.ValueOf(resolver.UnresolvedSymbol(f.name)))
		default:
			f.value.SetUint(resolver.Unresolved)
		}
		return nil
	})
	return cfg
}

// Build resolves every tagged field through r. Resolution failures do not
// fail the build; they are listed in the report and the field keeps the
// sentinel.
func Build(r *resolver.Resolver, opts Options, logger zerolog.Logger) (*ProcessConfig, *Report) {
	logger = logger.With().Str("component", "procconfig").Logger()
	cfg := New(opts)
	report := &Report{}

	_ = walkFields(cfg, func(f field) error {
		entry := Entry{Field: f.goName, Name: f.name, Kind: f.kind, Value: resolver.Unresolved}

		switch f.kind {
		case resolver.KindSymbol:
			sym, err := r.ResolveSymbol(f.name)
			entry.Err = err
			if err == nil {
				f.value.Set(reflect.ValueOf(sym))
				entry.Value, entry.Size = sym.Address, sym.Size
				entry.Source, entry.Folded = sym.Source, sym.FoldedInto
			}

		case resolver.KindType:
			size, src, err := r.ResolveTypeSize(f.name)
			entry.Err = err
			if err == nil {
				f.value.SetUint(size)
				entry.Value, entry.Source = size, src
			}

		case resolver.KindMember:
			typ, member, _ := strings.Cut(f.name, ".")
			off, src, err := r.ResolveMemberOffset(typ, member)
			entry.Err = err
			if err == nil {
				f.value.SetUint(off)
				entry.Value, entry.Source = off, src
			}
		}

		report.Entries = append(report.Entries, entry)
		return nil
	})

	logger.Debug().
		Int("fields", len(report.Entries)).
		Int("unresolved", len(report.Unresolved())).
		Msg("Built process configuration")

	return cfg, report
}

// field is one tagged struct field.
type field struct {
	goName string
	name   string
	kind   resolver.Kind
	value  reflect.Value
}

var symbolType = reflect.TypeOf(resolver.Symbol{})

func walkFields(cfg *ProcessConfig, fn func(field) error) error {
	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		f := field{goName: sf.Name, value: v.Field(i)}

		switch {
		case sf.Tag.Get("sym") != "":
			if sf.Type != symbolType {
				return fmt.Errorf("field %s: sym tag on %s", sf.Name, sf.Type)
			}
			f.name, f.kind = sf.Tag.Get("sym"), resolver.KindSymbol
		case sf.Tag.Get("size") != "":
			f.name, f.kind = sf.Tag.Get("size"), resolver.KindType
		case sf.Tag.Get("offset") != "":
			f.name, f.kind = sf.Tag.Get("offset"), resolver.KindMember
		default:
			continue
		}

		if f.kind != resolver.KindSymbol && sf.Type.Kind() != reflect.Uint64 {
			return fmt.Errorf("field %s: %s tag on %s", sf.Name, f.kind, sf.Type)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// HeapLayout returns the heap walker layout and whether every primitive
// it needs was resolved.
func (c *ProcessConfig) HeapLayout() (heap.Layout, bool) {
	layout := heap.Layout{
		Heaps:           c.Heaps.Address,
		HeapsUsed:       c.HeapsUsed.Address,
		SizeofHeapsSlot: c.SizeofHeapsSlot,
		OffsetSlot:      c.OffsetHeapsSlotSlot,
		OffsetLimit:     c.OffsetHeapsSlotLimit,
		SlotSize:        c.SizeofRVALUE,
		PointerSize:     c.PointerSize,
	}
	return layout, layout.Valid()
}

// Degraded reports whether heap dumps are unavailable and which heap
// primitives are missing.
func (c *ProcessConfig) Degraded() (bool, []string) {
	var missing []string
	check := func(name string, v uint64) {
		if v == resolver.Unresolved {
			missing = append(missing, name)
		}
	}
	check("heaps", c.Heaps.Address)
	check("heaps_used", c.HeapsUsed.Address)
	check("sizeof(heaps_slot)", c.SizeofHeapsSlot)
	check("heaps_slot.slot", c.OffsetHeapsSlotSlot)
	check("heaps_slot.limit", c.OffsetHeapsSlotLimit)
	check("sizeof(RVALUE)", c.SizeofRVALUE)
	return len(missing) > 0, missing
}

// MissingCritical returns the primitives without which memprof cannot work
// at all. When add_freelist was inlined, the functions around the free
// path must be known with their sizes as well.
func (c *ProcessConfig) MissingCritical() []string {
	var missing []string

	if !c.AddFreelist.Resolved() {
		missing = append(missing, "add_freelist")
	}
	if !c.Classname.Resolved() {
		missing = append(missing, "classname")
	}

	if c.AddFreelist.FoldedInto != "" {
		if c.AddFreelist.Size == 0 || c.AddFreelist.Size == resolver.Unresolved {
			missing = append(missing, c.AddFreelist.FoldedInto+" size")
		}
		for _, sym := range []resolver.Symbol{c.FinalizeList, c.RbGCForceRecycle} {
			switch {
			case !sym.Resolved():
				missing = append(missing, sym.Name)
			case sym.Size == 0 || sym.Size == resolver.Unresolved:
				missing = append(missing, sym.Name+" size")
			}
		}
		if !c.Freelist.Resolved() {
			missing = append(missing, "freelist")
		}
	}

	return missing
}

// Package tracer defines the tracer lifecycle and the registry that
// drives it.
//
// Tracers are registered in a setup phase and then receive lifecycle
// events in registration order. A failing or panicking tracer never stops
// the others; every failure is collected into one BroadcastError.
package tracer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Event is a lifecycle event.
type Event int

const (
	EventStart Event = iota
	EventStop
	EventReset
	EventDump
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventReset:
		return "reset"
	case EventDump:
		return "dump"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Tracer is a pluggable instrumentation unit. Start must be idempotent:
// it is called again whenever tracking is re-enabled.
type Tracer interface {
	ID() string
	Start() error
	Stop() error
	Reset() error
	// Dump writes the tracer's payload to its own section.
	Dump(s Section) error
}

// Sink receives a dump. The registry opens one section per tracer.
type Sink interface {
	Section(name string) Section
}

// Section is the part of a dump that belongs to one tracer.
type Section interface {
	Put(payload any) error
}

var (
	// ErrDuplicateID is returned when registering a second tracer with
	// an id already in use.
	ErrDuplicateID = errors.New("duplicate tracer id")

	// ErrSealed is returned by Register once events have been broadcast.
	ErrSealed = errors.New("registry sealed")

	// ErrNoSink is returned when dumping without a sink.
	ErrNoSink = errors.New("dump requires a sink")

	// ErrPanic wraps a panic recovered from a tracer callback.
	ErrPanic = errors.New("tracer panicked")
)

// RegistryError reports a rejected registration.
type RegistryError struct {
	ID  string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("register tracer %q: %v", e.ID, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// TracerError is the failure of one tracer callback.
type TracerError struct {
	ID    string
	Event Event
	Err   error
}

func (e *TracerError) Error() string {
	return fmt.Sprintf("tracer %s %s: %v", e.ID, e.Event, e.Err)
}

func (e *TracerError) Unwrap() error {
	return e.Err
}

// BroadcastError collects the failures of one broadcast, in registration
// order.
type BroadcastError struct {
	Event  Event
	Errors []*TracerError
}

func (e *BroadcastError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, te := range e.Errors {
		msgs[i] = te.Error()
	}
	return fmt.Sprintf("%s: %d tracer(s) failed: %s", e.Event, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *BroadcastError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, te := range e.Errors {
		errs[i] = te
	}
	return errs
}

// Failed returns the ids of the tracers that failed.
func (e *BroadcastError) Failed() []string {
	ids := make([]string, len(e.Errors))
	for i, te := range e.Errors {
		ids[i] = te.ID
	}
	return ids
}

// Registry holds tracers in registration order.
type Registry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	tracers []Tracer
	ids     map[string]struct{}
	sealed  atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "tracer-registry").Logger(),
		ids:    make(map[string]struct{}),
	}
}

// Register appends t. It fails on duplicate ids and after the registry
// has been sealed.
func (r *Registry) Register(t Tracer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if r.sealed.Load() {
		return &RegistryError{ID: id, Err: ErrSealed}
	}
	if _, dup := r.ids[id]; dup {
		return &RegistryError{ID: id, Err: ErrDuplicateID}
	}

	r.ids[id] = struct{}{}
	r.tracers = append(r.tracers, t)
	r.logger.Debug().Str("tracer", id).Int("position", len(r.tracers)).Msg("Registered tracer")
	return nil
}

// Seal ends the setup phase. It is implied by the first Broadcast.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether registration has ended.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Tracers returns the registered tracers in order.
func (r *Registry) Tracers() []Tracer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tracer(nil), r.tracers...)
}

// Lookup returns the tracer registered under id.
func (r *Registry) Lookup(id string) (Tracer, bool) {
	for _, t := range r.Tracers() {
		if t.ID() == id {
			return t, true
		}
	}
	return nil, false
}

// Broadcast delivers ev to every tracer in registration order. For
// EventDump each tracer gets a section of sink named after its id. The
// result is nil or a *BroadcastError.
func (r *Registry) Broadcast(ev Event, sink Sink) error {
	if ev == EventDump && sink == nil {
		return ErrNoSink
	}
	if !r.sealed.Load() {
		r.Seal()
	}

	// Sealed: the slice no longer changes, no lock needed.
	var failed []*TracerError
	for _, t := range r.tracers {
		if err := deliver(t, ev, sink); err != nil {
			te := &TracerError{ID: t.ID(), Event: ev, Err: err}
			r.logger.Warn().Err(err).Str("tracer", te.ID).Stringer("event", ev).Msg("Tracer callback failed")
			failed = append(failed, te)
		}
	}

	if len(failed) > 0 {
		return &BroadcastError{Event: ev, Errors: failed}
	}
	return nil
}

func deliver(t Tracer, ev Event, sink Sink) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()

	switch ev {
	case EventStart:
		return t.Start()
	case EventStop:
		return t.Stop()
	case EventReset:
		return t.Reset()
	case EventDump:
		return t.Dump(sink.Section(t.ID()))
	default:
		return fmt.Errorf("unknown event %d", int(ev))
	}
}

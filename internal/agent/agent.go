// Package agent is the process-lifetime entry point of memprof. Attach
// resolves the host interpreter, builds the process configuration, sets up
// the trampoline engine and the tracers, and starts them. The host binding
// then drives tracking and dumps through the Agent.
package agent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/export"
	"github.com/coral-mesh/memprof/internal/heap"
	"github.com/coral-mesh/memprof/internal/hostinfo"
	"github.com/coral-mesh/memprof/internal/mem"
	"github.com/coral-mesh/memprof/internal/objtrack"
	"github.com/coral-mesh/memprof/internal/procconfig"
	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/sys/proc"
	"github.com/coral-mesh/memprof/internal/tracer"
	"github.com/coral-mesh/memprof/internal/tracers"
	"github.com/coral-mesh/memprof/internal/tracers/fd"
	"github.com/coral-mesh/memprof/internal/tracers/objects"
	"github.com/coral-mesh/memprof/internal/tracers/track"
	"github.com/coral-mesh/memprof/internal/tramp"
)

// DefaultTracers are registered when Options.Tracers is empty.
var DefaultTracers = []string{objects.ID, track.ID, fd.ID}

// Options configure an Agent. Zero values select the live process.
type Options struct {
	Logger zerolog.Logger

	// Stderr receives the fatal diagnostic; defaults to os.Stderr.
	Stderr io.Writer
	// Exit is called with ExitSoftware when critical primitives are
	// missing; defaults to os.Exit.
	Exit func(code int)

	// Memory is the address space to patch and walk; defaults to the
	// current process.
	Memory mem.Memory
	// Arch defaults to the native architecture.
	Arch *tramp.Arch

	// MapsPath defaults to proc.SelfMapsPath.
	MapsPath string
	// Binary is the host executable; defaults to the running executable.
	Binary string
	// Description and Flags identify the host build, as RUBY_DESCRIPTION
	// and CFLAGS do. An empty description is derived from the binary.
	Description string
	Flags       string
	// ProfilesPath is an extra build profile file.
	ProfilesPath string

	// Strategies replaces the strategies built from the process images.
	// The selected build profile is always appended as the last strategy.
	Strategies []resolver.Strategy

	// Tracers lists the tracer ids to register, in dump order.
	Tracers []string
	// Filter is a CEL expression selecting heap records in dumps.
	Filter string
	// Interceptors are the native hook functions of the host binding.
	Interceptors tracers.Interceptors
}

type state int

const (
	stateNew state = iota
	stateAttached
	stateDetached
)

// Agent owns everything memprof sets up in the host process.
type Agent struct {
	opts   Options
	logger zerolog.Logger

	attachOnce sync.Once
	attachErr  error

	mu       sync.RWMutex
	state    state
	session  string
	info     *hostinfo.Info
	config   *procconfig.ProcessConfig
	report   *procconfig.Report
	images   io.Closer
	memory   mem.Memory
	engine   *tramp.Engine
	registry *tracer.Registry
	tracker  *objtrack.Tracker

	objects *objects.Tracer
	track   *track.Tracer
	fd      *fd.Tracer

	degraded bool
	missing  []string
}

// New creates an agent. Nothing touches the process until Attach.
func New(opts Options) *Agent {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.MapsPath == "" {
		opts.MapsPath = proc.SelfMapsPath
	}
	if len(opts.Tracers) == 0 {
		opts.Tracers = DefaultTracers
	}

	return &Agent{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "agent").Logger(),
	}
}

// Attach sets memprof up in the process. Only the first call does any
// work; later calls return its result. If critical primitives cannot be
// resolved the diagnostic is printed and Options.Exit is called.
//
// A non-nil *tracer.BroadcastError means the agent is attached but some
// tracers failed to start.
func (a *Agent) Attach() error {
	a.attachOnce.Do(func() {
		a.attachErr = a.attach()
	})
	return a.attachErr
}

func (a *Agent) attach() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	binary := a.opts.Binary
	if binary == "" {
		exe, err := proc.SelfExe()
		if err != nil {
			return fmt.Errorf("failed to locate host binary: %w", err)
		}
		binary = exe
	}

	info, err := hostinfo.Collect(binary, a.opts.Description, a.opts.Flags)
	if err != nil {
		return fmt.Errorf("failed to collect host info: %w", err)
	}
	a.info = info
	a.logger.Debug().
		Str("host", info.String()).
		Str("fingerprint", info.Fingerprint).
		Str("kernel", info.Kernel).
		Msg("Collected host info")

	profiles, err := resolver.LoadProfiles(a.opts.ProfilesPath)
	if err != nil {
		return err
	}
	profile := resolver.SelectProfile(profiles, resolver.Host{
		Description: info.Description,
		Arch:        info.Arch,
		Fingerprint: info.Fingerprint,
	})
	if profile != nil {
		a.logger.Debug().Str("profile", profile.Name).Msg("Selected build profile")
	}

	r, ptrSize, err := a.openResolver(profile)
	if err != nil {
		return err
	}

	if a.memory = a.opts.Memory; a.memory == nil {
		if a.memory, err = mem.Self(); err != nil {
			a.closeImages()
			return err
		}
	}

	a.config, a.report = procconfig.Build(r, procconfig.Options{
		Description: info.Description,
		Flags:       info.Flags,
		PageSize:    a.memory.PageSize(),
		PointerSize: ptrSize,
	}, a.logger)

	if missing := a.config.MissingCritical(); len(missing) > 0 {
		a.logger.Error().Strs("missing", missing).Str("host", info.Description).Msg("Critical primitives unresolved")
		Diagnose(a.opts.Stderr, missing, a.report, info)
		a.closeImages()
		a.opts.Exit(ExitSoftware)
		return fmt.Errorf("%w: %s", ErrCritical, strings.Join(missing, ", "))
	}

	if a.degraded, a.missing = a.config.Degraded(); a.degraded {
		a.logger.Warn().Strs("missing", a.missing).Msg("Heap layout unresolved, heap dumps unavailable")
	}

	arch := a.opts.Arch
	if arch == nil {
		if arch, err = tramp.Native(); err != nil {
			a.closeImages()
			return err
		}
	}
	a.engine = tramp.NewEngine(a.memory, arch, a.logger)

	if err := a.registerTracers(); err != nil {
		a.closeImages()
		return err
	}

	a.session = uuid.NewString()
	a.logger = a.logger.With().Str("session", a.session).Logger()
	a.state = stateAttached

	a.logger.Info().
		Str("host", info.Description).
		Str("binary", info.Binary).
		Int32("pid", info.Process.PID).
		Str("process", info.Process.Name).
		Str("cmdline", info.Process.Cmdline).
		Strs("tracers", a.opts.Tracers).
		Bool("degraded", a.degraded).
		Msg("Attached")

	return a.registry.Broadcast(tracer.EventStart, nil)
}

func (a *Agent) openResolver(profile *resolver.Profile) (*resolver.Resolver, int, error) {
	ptrSize := strconv.IntSize / 8

	if a.opts.Strategies != nil {
		strategies := append(slices.Clone(a.opts.Strategies), resolver.StaticOverride{Profile: profile})
		return resolver.New(a.logger, strategies...), ptrSize, nil
	}

	r, closer, err := resolver.OpenProcess(resolver.ProcessConfig{
		MapsPath: a.opts.MapsPath,
		Binary:   a.opts.Binary,
		Profile:  profile,
	}, a.logger)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open host images: %w", err)
	}
	a.images = closer

	if imgs, ok := closer.(resolver.Images); ok && imgs.Main() != nil {
		ptrSize = imgs.Main().PointerSize()
	}
	return r, ptrSize, nil
}

func (a *Agent) registerTracers() error {
	a.registry = tracer.NewRegistry(a.logger)
	a.tracker = objtrack.New()

	var filter *objects.Filter
	if a.opts.Filter != "" {
		var err error
		if filter, err = objects.CompileFilter(a.opts.Filter); err != nil {
			return err
		}
	}

	layout, ok := a.config.HeapLayout()

	for _, id := range a.opts.Tracers {
		var t tracer.Tracer
		switch id {
		case objects.ID:
			a.objects = objects.New(objects.Config{
				Walker:      heap.NewWalker(layout, ok, a.memory),
				Tracker:     a.tracker,
				Memory:      a.memory,
				PointerSize: a.config.PointerSize,
				SlotSize:    a.config.SizeofRVALUE,
				Filter:      filter,
			}, a.logger)
			t = a.objects
		case track.ID:
			a.track = track.New(track.Config{
				Engine:       a.engine,
				Tracker:      a.tracker,
				NewObject:    a.config.RbNewobj,
				Free:         a.config.AddFreelist,
				Interceptors: a.opts.Interceptors,
			}, a.logger)
			t = a.track
		case fd.ID:
			a.fd = fd.New(fd.Config{
				Engine:       a.engine,
				Read:         a.config.Read,
				Interceptors: a.opts.Interceptors,
			}, a.logger)
			t = a.fd
		default:
			return fmt.Errorf("unknown tracer %q", id)
		}

		if err := a.registry.Register(t); err != nil {
			return err
		}
	}

	a.registry.Seal()
	return nil
}

func (a *Agent) closeImages() {
	if a.images == nil {
		return
	}
	if err := a.images.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to close host images")
	}
	a.images = nil
}

// check returns a *TrackingError unless the agent is attached. Callers
// hold a.mu.
func (a *Agent) check(op string) error {
	switch a.state {
	case stateNew:
		return &TrackingError{Op: op, Err: ErrNotAttached}
	case stateDetached:
		return &TrackingError{Op: op, Err: ErrDetached}
	}
	return nil
}

func (a *Agent) broadcast(op string, ev tracer.Event, sink tracer.Sink) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.check(op); err != nil {
		return err
	}
	return a.registry.Broadcast(ev, sink)
}

// BeginTracking starts every tracer again, installing any hooks removed by
// StopTracking.
func (a *Agent) BeginTracking() error {
	return a.broadcast("begin tracking", tracer.EventStart, nil)
}

// StopTracking stops every tracer.
func (a *Agent) StopTracking() error {
	return a.broadcast("stop tracking", tracer.EventStop, nil)
}

// Reset clears the state of every tracer.
func (a *Agent) Reset() error {
	return a.broadcast("reset", tracer.EventReset, nil)
}

// Dump writes one section per tracer, in registration order, into sink.
func (a *Agent) Dump(sink tracer.Sink) error {
	return a.broadcast("dump", tracer.EventDump, sink)
}

// DumpDocument dumps into a new document. The document holds the sections
// of the tracers that succeeded even when err is non-nil.
func (a *Agent) DumpDocument() (*tracer.Document, error) {
	doc := tracer.NewDocument()
	err := a.Dump(doc)
	return doc, err
}

// DumpProfile writes the live heap records as a pprof profile.
func (a *Agent) DumpProfile(w io.Writer) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if err := a.check("dump profile"); err != nil {
		return err
	}
	if a.objects == nil {
		return fmt.Errorf("dump profile: %s %w", objects.ID, ErrTracerDisabled)
	}

	records, err := a.objects.Records()
	if err != nil {
		return fmt.Errorf("dump profile: %w", err)
	}
	return export.WriteProfile(w, records, export.Options{
		Session:     a.session,
		Description: a.info.Description,
		Process:     a.info.Process.String(),
		Time:        time.Now(),
	})
}

// Detach stops every tracer and removes every hook. The agent cannot be
// attached again.
func (a *Agent) Detach() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check("detach"); err != nil {
		return err
	}

	var errs []error
	if err := a.registry.Broadcast(tracer.EventStop, nil); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	a.closeImages()
	a.state = stateDetached

	a.logger.Info().Msg("Detached")
	return errors.Join(errs...)
}

// Degraded reports whether heap dumps are unavailable and which heap
// primitives are missing.
func (a *Agent) Degraded() (bool, []string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.degraded, slices.Clone(a.missing)
}

// Session is the id of this attach, empty before Attach.
func (a *Agent) Session() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// Host returns what was collected about the host, nil before Attach.
func (a *Agent) Host() *hostinfo.Info {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.info
}

// Config returns the process configuration, nil before Attach.
func (a *Agent) Config() *procconfig.ProcessConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.config
}

// Track returns the allocation tracker for the binding's allocator and free
// hooks, or nil when it is not enabled.
func (a *Agent) Track() *track.Tracer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.track
}

// FD returns the read tracer for the binding's read hook, or nil when it
// is not enabled.
func (a *Agent) FD() *fd.Tracer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fd
}

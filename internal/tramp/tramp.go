// Package tramp installs and removes inline hooks on machine code.
//
// Install overwrites the first instructions of a target function with an
// absolute jump to an interceptor. The overwritten instructions are copied
// into a stub followed by a jump back to the rest of the target, so the
// interceptor can still run the original function through Original().
//
// All code writes go through one engine-wide mutex held for the capture,
// the stub write and the redirect write. A failed install leaves the target
// byte-identical to what it was.
//
// Reentrancy: calls through Original() run the relocated prologue and jump
// past the patch, so they never reach the interceptor again. A recursive
// call of the target from anywhere else goes through the patch and reaches
// the interceptor as usual; interceptors must tolerate that.
package tramp

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/mem"
	"github.com/coral-mesh/memprof/internal/resolver"
)

// Target is the code to hook.
type Target struct {
	Name    string
	Address uintptr
	// Size of the target function; 0 or resolver.Unresolved when unknown.
	Size uint64
}

// TargetFromSymbol hooks the function a resolved symbol points at.
func TargetFromSymbol(sym resolver.Symbol) Target {
	return Target{Name: sym.PatchTarget(), Address: uintptr(sym.Address), Size: sym.Size}
}

func (t Target) String() string {
	if t.Name == "" {
		return fmt.Sprintf("%#x", t.Address)
	}
	return fmt.Sprintf("%s at %#x", t.Name, t.Address)
}

func (t Target) sizeKnown() bool {
	return t.Size != 0 && t.Size != resolver.Unresolved
}

// Trampoline is one hook. Its state only changes through the engine that
// created it.
type Trampoline struct {
	Target      Target
	Interceptor uintptr

	engine    *Engine
	saved     []byte
	stub      uintptr
	installed bool
}

// Original returns the entry of the stub that runs the original function.
func (t *Trampoline) Original() uintptr {
	return t.stub
}

// Saved returns a copy of the original bytes replaced by the patch.
func (t *Trampoline) Saved() []byte {
	return slices.Clone(t.saved)
}

// Installed reports whether the patch is currently in place.
func (t *Trampoline) Installed() bool {
	t.engine.mu.Lock()
	defer t.engine.mu.Unlock()
	return t.installed
}

// Engine owns every trampoline in the process.
type Engine struct {
	logger zerolog.Logger
	mem    mem.Memory
	arch   *Arch

	mu    sync.Mutex
	table map[uintptr]*Trampoline
	order []*Trampoline
}

// NewEngine creates an engine that patches m using arch.
func NewEngine(m mem.Memory, arch *Arch, logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "tramp").Str("arch", arch.Name).Logger(),
		mem:    m,
		arch:   arch,
		table:  make(map[uintptr]*Trampoline),
	}
}

// Arch returns the architecture the engine patches for.
func (e *Engine) Arch() *Arch {
	return e.arch
}

// Install hooks target so that calls reach interceptor. If target already
// has an uninstalled trampoline it is re-enabled with the new interceptor.
func (e *Engine) Install(target Target, interceptor uintptr) (*Trampoline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fail := func(err error) (*Trampoline, error) {
		return nil, &PatchError{Op: "install", Target: target, Err: err}
	}

	if target.Address == 0 || interceptor == 0 {
		return fail(ErrInvalidTarget)
	}
	if target.Address%uintptr(e.arch.Align) != 0 {
		return fail(ErrMisaligned)
	}

	if t, ok := e.table[target.Address]; ok {
		if t.installed {
			return fail(ErrAlreadyInstalled)
		}
		if other := e.overlapping(target.Address, len(t.saved)); other != nil {
			return fail(fmt.Errorf("%w: %s", ErrOverlap, other.Target))
		}
		prev := t.Interceptor
		t.Interceptor = interceptor
		if err := e.patch(t); err != nil {
			t.Interceptor = prev
			return fail(err)
		}
		return t, nil
	}

	if other := e.overlapping(target.Address, e.arch.PatchSize); other != nil {
		return fail(fmt.Errorf("%w: %s", ErrOverlap, other.Target))
	}
	if target.sizeKnown() && target.Size < uint64(e.arch.PatchSize) {
		return fail(fmt.Errorf("%w: %d < %d bytes", ErrRegionTooSmall, target.Size, e.arch.PatchSize))
	}

	code, err := e.readPrologue(target)
	if err != nil {
		return fail(err)
	}
	n, err := e.arch.Capture(code)
	if err != nil {
		return fail(err)
	}
	if target.sizeKnown() && uint64(n) > target.Size {
		return fail(fmt.Errorf("%w: prologue of %d bytes crosses the end of a %d byte function",
			ErrRegionTooSmall, n, target.Size))
	}
	// The redirect is padded to the captured length, which may reach
	// further than the jump itself.
	if other := e.overlapping(target.Address, n); other != nil {
		return fail(fmt.Errorf("%w: %s", ErrOverlap, other.Target))
	}

	t := &Trampoline{
		Target:      target,
		Interceptor: interceptor,
		engine:      e,
		saved:       slices.Clone(code[:n]),
	}

	// The stub is written before the target, so there is never a window
	// in which the interceptor could call an incomplete Original().
	stub := append(slices.Clone(t.saved), e.arch.Jump(uint64(target.Address)+uint64(n))...)
	t.stub, err = e.mem.AllocExec(len(stub))
	if err != nil {
		return fail(fmt.Errorf("failed to allocate stub: %w", err))
	}
	if err := e.mem.Write(t.stub, stub); err != nil {
		return fail(fmt.Errorf("failed to write stub: %w", err))
	}

	if err := e.patch(t); err != nil {
		return fail(err)
	}

	e.table[target.Address] = t
	e.order = append(e.order, t)

	e.logger.Debug().
		Str("target", target.Name).
		Uint64("address", uint64(target.Address)).
		Int("captured", n).
		Uint64("original", uint64(t.stub)).
		Msg("Installed trampoline")

	return t, nil
}

// Uninstall restores the original bytes of t. It is a no-op if t is not
// installed.
func (e *Engine) Uninstall(t *Trampoline) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uninstall(t)
}

func (e *Engine) uninstall(t *Trampoline) error {
	if t == nil || !t.installed {
		return nil
	}
	if err := e.mem.Write(t.Target.Address, t.saved); err != nil {
		return &PatchError{Op: "uninstall", Target: t.Target, Err: err}
	}
	t.installed = false

	e.logger.Debug().Str("target", t.Target.Name).Msg("Uninstalled trampoline")
	return nil
}

// Enable re-installs a trampoline that was uninstalled.
func (e *Engine) Enable(t *Trampoline) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t.installed {
		return &PatchError{Op: "enable", Target: t.Target, Err: ErrAlreadyInstalled}
	}
	if other := e.overlapping(t.Target.Address, len(t.saved)); other != nil {
		return &PatchError{Op: "enable", Target: t.Target, Err: fmt.Errorf("%w: %s", ErrOverlap, other.Target)}
	}
	if err := e.patch(t); err != nil {
		return &PatchError{Op: "enable", Target: t.Target, Err: err}
	}
	return nil
}

// Lookup returns the trampoline created for addr, installed or not.
func (e *Engine) Lookup(addr uintptr) (*Trampoline, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.table[addr]
	return t, ok
}

// Installed reports whether a hook is currently in place at addr.
func (e *Engine) Installed(addr uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.table[addr]
	return ok && t.installed
}

// Trampolines returns every trampoline in creation order.
func (e *Engine) Trampolines() []*Trampoline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

// Close uninstalls every trampoline, newest first, and reports all
// failures. Stubs stay mapped because a thread may still be inside one.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, t := range slices.Backward(e.order) {
		if err := e.uninstall(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Verify checks that the code at t's target matches its installed state.
func (e *Engine) Verify(t *Trampoline) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := make([]byte, len(t.saved))
	if err := e.mem.Read(t.Target.Address, cur); err != nil {
		return err
	}
	want := t.saved
	if t.installed {
		want = e.arch.Redirect(uint64(t.Interceptor), len(t.saved))
	}
	if !bytes.Equal(cur, want) {
		return fmt.Errorf("code at %s does not match installed=%t", t.Target, t.installed)
	}
	return nil
}

// patch writes the redirect for t. If the write fails the saved bytes are
// put back so the target is never left half patched.
func (e *Engine) patch(t *Trampoline) error {
	redirect := e.arch.Redirect(uint64(t.Interceptor), len(t.saved))
	if err := e.mem.Write(t.Target.Address, redirect); err != nil {
		if rerr := e.mem.Write(t.Target.Address, t.saved); rerr != nil {
			return fmt.Errorf("failed to write redirect: %w (restore failed: %v)", err, rerr)
		}
		return fmt.Errorf("failed to write redirect: %w", err)
	}
	t.installed = true
	return nil
}

// readPrologue reads enough of the target to capture whole instructions.
func (e *Engine) readPrologue(target Target) ([]byte, error) {
	buf := make([]byte, e.arch.PatchSize+maxInstLen)
	if err := e.mem.Read(target.Address, buf); err == nil {
		return buf, nil
	}

	// The function may end right at the end of its mapping.
	buf = buf[:e.arch.PatchSize]
	if err := e.mem.Read(target.Address, buf); err != nil {
		return nil, fmt.Errorf("failed to read prologue: %w", err)
	}
	return buf, nil
}

// overlapping returns the installed trampoline whose patched region
// intersects the size bytes written at addr.
func (e *Engine) overlapping(addr uintptr, size int) *Trampoline {
	end := addr + uintptr(size)
	for _, t := range e.order {
		if !t.installed {
			continue
		}
		tEnd := t.Target.Address + uintptr(len(t.saved))
		if addr < tEnd && t.Target.Address < end {
			return t
		}
	}
	return nil
}

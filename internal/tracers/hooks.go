// Package tracers holds what the individual tracers share: hooking a
// resolved function with the interceptor the host binding supplies.
package tracers

import (
	"errors"
	"fmt"

	"github.com/coral-mesh/memprof/internal/resolver"
	"github.com/coral-mesh/memprof/internal/tramp"
)

// ErrNoInterceptor is returned when the binding supplied no interceptor
// for a function a tracer hooks.
var ErrNoInterceptor = errors.New("no interceptor")

// Interceptors maps a hooked symbol name to the address of the native
// function that replaces it.
type Interceptors map[string]uintptr

// Hook installs the interceptor for sym, or re-enables the trampoline left
// by an earlier call. Calling it on an installed hook does nothing.
func Hook(engine *tramp.Engine, sym resolver.Symbol, interceptors Interceptors) (*tramp.Trampoline, error) {
	if !sym.Resolved() {
		return nil, fmt.Errorf("hook %s: %w", sym.Name, resolver.ErrUnresolved)
	}
	ic, ok := interceptors[sym.Name]
	if !ok || ic == 0 {
		return nil, fmt.Errorf("hook %s: %w", sym.Name, ErrNoInterceptor)
	}

	target := tramp.TargetFromSymbol(sym)
	if t, ok := engine.Lookup(target.Address); ok {
		if t.Installed() {
			return t, nil
		}
		if err := engine.Enable(t); err != nil {
			return nil, err
		}
		return t, nil
	}
	return engine.Install(target, ic)
}

// Unhook uninstalls every trampoline in ts and reports all failures.
func Unhook(engine *tramp.Engine, ts []*tramp.Trampoline) error {
	var errs []error
	for _, t := range ts {
		if err := engine.Uninstall(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

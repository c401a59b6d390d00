package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// Unresolved is the sentinel stored wherever an address, size or offset
// could not be resolved. No real address or offset takes this value.
const Unresolved = ^uint64(0)

var (
	// ErrNotFound is returned by a strategy that has no answer; the
	// resolver moves on to the next strategy.
	ErrNotFound = errors.New("not found")

	// ErrUnresolved is wrapped by every ResolutionError.
	ErrUnresolved = errors.New("unresolved")
)

// Source identifies the strategy that produced a result.
type Source int

const (
	SourceNone Source = iota
	SourceExported
	SourceDebugInfo
	SourceHeuristic
	SourceStaticOverride
)

func (s Source) String() string {
	switch s {
	case SourceExported:
		return "exported"
	case SourceDebugInfo:
		return "debuginfo"
	case SourceHeuristic:
		return "heuristic"
	case SourceStaticOverride:
		return "static"
	default:
		return "none"
	}
}

// Symbol is a resolved function or global.
type Symbol struct {
	Name    string
	Address uint64
	Size    uint64
	Source  Source

	// FoldedInto is set by the heuristic strategy: Name was inlined and
	// Address/Size describe the enclosing function of this name instead.
	FoldedInto string
}

// UnresolvedSymbol returns the sentinel symbol for name.
func UnresolvedSymbol(name string) Symbol {
	return Symbol{Name: name, Address: Unresolved, Size: Unresolved}
}

// Resolved reports whether s holds a real address.
func (s Symbol) Resolved() bool {
	return s.Source != SourceNone && s.Address != Unresolved
}

// PatchTarget returns the name of the function whose code a hook on s
// actually rewrites.
func (s Symbol) PatchTarget() string {
	if s.FoldedInto != "" {
		return s.FoldedInto
	}
	return s.Name
}

func (s Symbol) String() string {
	if !s.Resolved() {
		return s.Name + "=<unresolved>"
	}
	if s.FoldedInto != "" {
		return fmt.Sprintf("%s=%#x+%d (%s, in %s)", s.Name, s.Address, s.Size, s.Source, s.FoldedInto)
	}
	return fmt.Sprintf("%s=%#x+%d (%s)", s.Name, s.Address, s.Size, s.Source)
}

// TypeLayout is the size and member offsets of a structure.
type TypeLayout struct {
	Name    string
	Size    uint64
	Members map[string]uint64
	Source  Source
}

// Member returns the byte offset of a member.
func (l TypeLayout) Member(name string) (uint64, bool) {
	off, ok := l.Members[name]
	return off, ok
}

// Kind says what a ResolutionError was looking for.
type Kind string

const (
	KindSymbol Kind = "symbol"
	KindType   Kind = "type"
	KindMember Kind = "member"
)

// ResolutionError reports a name that no strategy could resolve.
type ResolutionError struct {
	Kind   Kind
	Name   string
	Member string
	Tried  []Source
}

func (e *ResolutionError) Error() string {
	name := e.Name
	if e.Member != "" {
		name += "." + e.Member
	}
	tried := make([]string, len(e.Tried))
	for i, s := range e.Tried {
		tried[i] = s.String()
	}
	return fmt.Sprintf("%s %s unresolved (tried %s)", e.Kind, name, strings.Join(tried, ", "))
}

func (e *ResolutionError) Unwrap() error {
	return ErrUnresolved
}

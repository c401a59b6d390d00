package resolver

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Strategy is one link of the resolution chain. Both lookups return
// ErrNotFound (possibly wrapped) when the strategy has no answer.
type Strategy interface {
	Source() Source
	LookupSymbol(name string) (Symbol, error)
	LookupType(name string) (TypeLayout, error)
}

// Resolver asks its strategies in order and returns the first answer.
// It keeps no mutable state, so it is safe for concurrent use.
type Resolver struct {
	logger     zerolog.Logger
	strategies []Strategy
}

// New creates a resolver over the given strategies, highest priority first.
func New(logger zerolog.Logger, strategies ...Strategy) *Resolver {
	return &Resolver{
		logger:     logger.With().Str("component", "resolver").Logger(),
		strategies: strategies,
	}
}

// Strategies returns the chain in priority order.
func (r *Resolver) Strategies() []Strategy {
	return r.strategies
}

// ResolveSymbol returns the first strategy's answer for name.
func (r *Resolver) ResolveSymbol(name string) (Symbol, error) {
	var tried []Source
	for _, s := range r.strategies {
		tried = append(tried, s.Source())

		sym, err := s.LookupSymbol(name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			// A broken strategy is treated like a miss; it must not
			// hide the answer of a later one.
			r.logger.Debug().Err(err).Str("symbol", name).Stringer("source", s.Source()).
				Msg("Strategy failed, trying next")
			continue
		}

		sym.Name = name
		sym.Source = s.Source()
		r.logger.Debug().Str("symbol", name).Stringer("source", sym.Source).
			Uint64("address", sym.Address).Uint64("size", sym.Size).
			Str("folded_into", sym.FoldedInto).
			Msg("Resolved symbol")
		return sym, nil
	}

	return UnresolvedSymbol(name), &ResolutionError{Kind: KindSymbol, Name: name, Tried: tried}
}

// ResolveTypeLayout returns the first strategy's layout for typ.
func (r *Resolver) ResolveTypeLayout(typ string) (TypeLayout, error) {
	var tried []Source
	for _, s := range r.strategies {
		tried = append(tried, s.Source())

		layout, err := s.LookupType(typ)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				r.logger.Debug().Err(err).Str("type", typ).Stringer("source", s.Source()).
					Msg("Strategy failed, trying next")
			}
			continue
		}

		layout.Name = typ
		layout.Source = s.Source()
		return layout, nil
	}

	return TypeLayout{}, &ResolutionError{Kind: KindType, Name: typ, Tried: tried}
}

// ResolveTypeSize returns the size of typ.
func (r *Resolver) ResolveTypeSize(typ string) (uint64, Source, error) {
	var tried []Source
	for _, s := range r.strategies {
		tried = append(tried, s.Source())

		layout, err := s.LookupType(typ)
		if err != nil || layout.Size == 0 || layout.Size == Unresolved {
			continue
		}
		return layout.Size, s.Source(), nil
	}

	return Unresolved, SourceNone, &ResolutionError{Kind: KindType, Name: typ, Tried: tried}
}

// ResolveMemberOffset returns the byte offset of member within typ. A
// strategy that knows the type but not the member does not stop the chain.
func (r *Resolver) ResolveMemberOffset(typ, member string) (uint64, Source, error) {
	var tried []Source
	for _, s := range r.strategies {
		tried = append(tried, s.Source())

		layout, err := s.LookupType(typ)
		if err != nil {
			continue
		}
		if off, ok := layout.Member(member); ok && off != Unresolved {
			return off, s.Source(), nil
		}
	}

	return Unresolved, SourceNone, &ResolutionError{Kind: KindMember, Name: typ, Member: member, Tried: tried}
}

// notFound wraps ErrNotFound with the name that was looked up.
func notFound(what, name string) error {
	return fmt.Errorf("%s %q: %w", what, name, ErrNotFound)
}

package resolver

import (
	"cmp"
	"fmt"
)

// Exported looks names up in the dynamic symbol tables of the images, in
// image order. It carries no type information.
type Exported struct {
	Images []*Image
}

func (Exported) Source() Source { return SourceExported }

func (e Exported) LookupSymbol(name string) (Symbol, error) {
	for _, img := range e.Images {
		if sym, ok := img.exportedSymbol(name); ok {
			return sym, nil
		}
	}
	return Symbol{}, notFound("exported symbol", name)
}

func (Exported) LookupType(name string) (TypeLayout, error) {
	return TypeLayout{}, notFound("type", name)
}

// DebugInfo looks names up in the static symbol tables and DWARF of the
// images, and reads structure layouts from DWARF.
type DebugInfo struct {
	Images []*Image
}

func (DebugInfo) Source() Source { return SourceDebugInfo }

func (d DebugInfo) LookupSymbol(name string) (Symbol, error) {
	for _, img := range d.Images {
		if sym, ok := img.staticSymbol(name); ok {
			return sym, nil
		}
		if sym, ok := img.dwarfSymbol(name); ok {
			return sym, nil
		}
	}
	return Symbol{}, notFound("debug symbol", name)
}

func (d DebugInfo) LookupType(name string) (TypeLayout, error) {
	for _, img := range d.Images {
		if layout, ok := img.dwarfType(name); ok {
			return layout, nil
		}
	}
	return TypeLayout{}, notFound("type", name)
}

// DefaultFolds lists functions the reference interpreter's compiler is known
// to inline, each with the enclosing functions to try, most specific first.
var DefaultFolds = map[string][]string{
	"add_freelist": {"gc_sweep", "garbage_collect_0", "garbage_collect"},
}

// Heuristic resolves an inlined function to the function it was folded
// into, using the strategies in Base for the lookups.
type Heuristic struct {
	Folds map[string][]string
	Base  []Strategy
}

func (Heuristic) Source() Source { return SourceHeuristic }

func (h Heuristic) LookupSymbol(name string) (Symbol, error) {
	for _, enclosing := range h.Folds[name] {
		for _, s := range h.Base {
			sym, err := s.LookupSymbol(enclosing)
			if err != nil {
				continue
			}
			return Symbol{
				Name:       name,
				Address:    sym.Address,
				Size:       sym.Size,
				FoldedInto: enclosing,
			}, nil
		}
	}
	return Symbol{}, notFound("folded symbol", name)
}

func (Heuristic) LookupType(name string) (TypeLayout, error) {
	return TypeLayout{}, notFound("type", name)
}

// StaticOverride answers from a build profile. Profile symbol addresses
// are link-time addresses of the image the profile names, shifted by that
// image's load bias; symbols of the main executable are shifted by Bias.
type StaticOverride struct {
	Profile *Profile
	Bias    uint64
	Images  Images
}

func (StaticOverride) Source() Source { return SourceStaticOverride }

func (s StaticOverride) LookupSymbol(name string) (Symbol, error) {
	if s.Profile == nil {
		return Symbol{}, notFound("profile symbol", name)
	}
	ps, ok := s.Profile.Symbols[name]
	if !ok {
		return Symbol{}, notFound("profile symbol", name)
	}

	bias := s.Bias
	if image := cmp.Or(ps.Image, s.Profile.Image); image != "" {
		img := s.Images.Find(image)
		if img == nil {
			return Symbol{}, fmt.Errorf("profile symbol %q: image %s not loaded: %w", name, image, ErrNotFound)
		}
		bias = img.Bias
	}
	return Symbol{Name: name, Address: ps.Address + bias, Size: ps.Size}, nil
}

func (s StaticOverride) LookupType(name string) (TypeLayout, error) {
	if s.Profile == nil {
		return TypeLayout{}, notFound("profile type", name)
	}
	pt, ok := s.Profile.Types[name]
	if !ok {
		return TypeLayout{}, notFound("profile type", name)
	}
	members := make(map[string]uint64, len(pt.Members))
	for k, v := range pt.Members {
		members[k] = v
	}
	return TypeLayout{Name: name, Size: pt.Size, Members: members}, nil
}

package resolver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/memprof/internal/testutil"
)

// stubStrategy answers from fixed tables.
type stubStrategy struct {
	source  Source
	symbols map[string]Symbol
	types   map[string]TypeLayout
	err     error
	calls   []string
}

func (s *stubStrategy) Source() Source { return s.source }

func (s *stubStrategy) LookupSymbol(name string) (Symbol, error) {
	s.calls = append(s.calls, name)
	if s.err != nil {
		return Symbol{}, s.err
	}
	if sym, ok := s.symbols[name]; ok {
		return sym, nil
	}
	return Symbol{}, notFound("symbol", name)
}

func (s *stubStrategy) LookupType(name string) (TypeLayout, error) {
	if s.err != nil {
		return TypeLayout{}, s.err
	}
	if l, ok := s.types[name]; ok {
		return l, nil
	}
	return TypeLayout{}, notFound("type", name)
}

func TestResolveSymbol_Order(t *testing.T) {
	exported := &stubStrategy{source: SourceExported, symbols: map[string]Symbol{
		"rb_newobj": {Address: 0x1000, Size: 64},
	}}
	debug := &stubStrategy{source: SourceDebugInfo, symbols: map[string]Symbol{
		"rb_newobj":    {Address: 0x9999, Size: 1},
		"add_freelist": {Address: 0x2000, Size: 32},
		"gc_sweep":     {Address: 0x3000, Size: 900},
	}}
	heuristic := Heuristic{Folds: DefaultFolds, Base: []Strategy{exported, debug}}
	static := &stubStrategy{source: SourceStaticOverride, symbols: map[string]Symbol{
		"add_freelist": {Address: 0x7777},
		"freelist":     {Address: 0x8000, Size: 8},
	}}

	r := New(testutil.Logger(t), exported, debug, heuristic, static)

	tests := []struct {
		name    string
		symbol  string
		want    uint64
		source  Source
		folded  string
		tried   int
		wantErr bool
	}{
		{name: "exported wins over debug", symbol: "rb_newobj", want: 0x1000, source: SourceExported},
		{name: "debug wins over heuristic", symbol: "add_freelist", want: 0x2000, source: SourceDebugInfo},
		{name: "static fallback", symbol: "freelist", want: 0x8000, source: SourceStaticOverride},
		{name: "unresolved", symbol: "rb_missing", wantErr: true, tried: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sym, err := r.ResolveSymbol(tt.symbol)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrUnresolved)

				var resErr *ResolutionError
				require.True(t, errors.As(err, &resErr))
				assert.Equal(t, KindSymbol, resErr.Kind)
				assert.Equal(t, tt.symbol, resErr.Name)
				assert.Len(t, resErr.Tried, tt.tried)

				assert.False(t, sym.Resolved())
				assert.Equal(t, Unresolved, sym.Address)
				assert.Equal(t, Unresolved, sym.Size)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.symbol, sym.Name)
			assert.Equal(t, tt.want, sym.Address)
			assert.Equal(t, tt.source, sym.Source)
			assert.True(t, sym.Resolved())
		})
	}
}

func TestResolveSymbol_HeuristicWhenNotInDebugInfo(t *testing.T) {
	exported := &stubStrategy{source: SourceExported}
	debug := &stubStrategy{source: SourceDebugInfo, symbols: map[string]Symbol{
		"garbage_collect_0": {Address: 0x4000, Size: 2048},
		"garbage_collect":   {Address: 0x5000, Size: 4096},
	}}
	r := New(testutil.Logger(t), exported, debug,
		Heuristic{Folds: DefaultFolds, Base: []Strategy{exported, debug}})

	sym, err := r.ResolveSymbol("add_freelist")
	require.NoError(t, err)

	assert.Equal(t, SourceHeuristic, sym.Source)
	assert.Equal(t, "add_freelist", sym.Name)
	assert.Equal(t, "garbage_collect_0", sym.FoldedInto)
	assert.Equal(t, "garbage_collect_0", sym.PatchTarget())
	assert.Equal(t, uint64(0x4000), sym.Address)
	assert.Equal(t, uint64(2048), sym.Size)
	assert.Contains(t, sym.String(), "in garbage_collect_0")
}

func TestResolveSymbol_BrokenStrategyDoesNotHideLaterOnes(t *testing.T) {
	broken := &stubStrategy{source: SourceExported, err: errors.New("corrupt symbol table")}
	debug := &stubStrategy{source: SourceDebugInfo, symbols: map[string]Symbol{
		"classname": {Address: 0x6000, Size: 80},
	}}

	sym, err := New(testutil.Logger(t), broken, debug).ResolveSymbol("classname")
	require.NoError(t, err)
	assert.Equal(t, SourceDebugInfo, sym.Source)
	assert.Equal(t, []string{"classname"}, broken.calls)
}

func TestResolveTypeLayout(t *testing.T) {
	debug := &stubStrategy{source: SourceDebugInfo, types: map[string]TypeLayout{
		"heaps_slot": {Size: 24, Members: map[string]uint64{"membase": 0, "slot": 8, "limit": 16}},
	}}
	static := &stubStrategy{source: SourceStaticOverride, types: map[string]TypeLayout{
		"heaps_slot": {Size: 40, Members: map[string]uint64{"slot": 8, "limit": 16, "marks": 24}},
		"RVALUE":     {Size: 40},
	}}
	r := New(testutil.Logger(t), Exported{}, debug, static)

	layout, err := r.ResolveTypeLayout("heaps_slot")
	require.NoError(t, err)
	assert.Equal(t, "heaps_slot", layout.Name)
	assert.Equal(t, uint64(24), layout.Size)
	assert.Equal(t, SourceDebugInfo, layout.Source)

	size, src, err := r.ResolveTypeSize("RVALUE")
	require.NoError(t, err)
	assert.Equal(t, uint64(40), size)
	assert.Equal(t, SourceStaticOverride, src)

	_, err = r.ResolveTypeLayout("st_table")
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, KindType, resErr.Kind)
	assert.Equal(t, []Source{SourceExported, SourceDebugInfo, SourceStaticOverride}, resErr.Tried)
}

func TestResolveMemberOffset(t *testing.T) {
	debug := &stubStrategy{source: SourceDebugInfo, types: map[string]TypeLayout{
		"heaps_slot": {Size: 24, Members: map[string]uint64{"membase": 0, "slot": 8, "limit": 16}},
	}}
	static := &stubStrategy{source: SourceStaticOverride, types: map[string]TypeLayout{
		"heaps_slot": {Size: 40, Members: map[string]uint64{"limit": 99, "marks": 24}},
	}}
	r := New(testutil.Logger(t), debug, static)

	tests := []struct {
		member  string
		want    uint64
		source  Source
		wantErr bool
	}{
		{member: "limit", want: 16, source: SourceDebugInfo},
		{member: "marks", want: 24, source: SourceStaticOverride},
		{member: "nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			off, src, err := r.ResolveMemberOffset("heaps_slot", tt.member)
			if tt.wantErr {
				var resErr *ResolutionError
				require.ErrorAs(t, err, &resErr)
				assert.Equal(t, KindMember, resErr.Kind)
				assert.Equal(t, "member heaps_slot.nope unresolved (tried debuginfo, static)", resErr.Error())
				assert.Equal(t, Unresolved, off)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, off)
			assert.Equal(t, tt.source, src)
		})
	}
}

func TestSourceString(t *testing.T) {
	assert.Equal(t, "exported", SourceExported.String())
	assert.Equal(t, "debuginfo", SourceDebugInfo.String())
	assert.Equal(t, "heuristic", SourceHeuristic.String())
	assert.Equal(t, "static", SourceStaticOverride.String())
	assert.Equal(t, "none", SourceNone.String())
}

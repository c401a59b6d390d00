package resolver

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// DebugDir is where separate debug files are looked up by build-id.
var DebugDir = "/usr/lib/debug"

// elfSymbol is a defined function or object from one symbol table.
type elfSymbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Section elf.SectionIndex
}

// symbolTable indexes one ELF symbol table by name.
type symbolTable map[string]elfSymbol

func (t symbolTable) lookup(name string) (elfSymbol, bool) {
	s, ok := t[name]
	return s, ok
}

// Image is one ELF object mapped into the host: the executable or a shared
// library. All addresses it returns are runtime addresses.
type Image struct {
	Path string
	Bias uint64

	file      *elf.File
	debugFile *elf.File
	logger    zerolog.Logger

	dynamic symbolTable
	static  symbolTable

	dwarfOnce sync.Once
	dwarf     *dwarf.Data
	funcs     map[string]elfSymbol
	types     map[string]dwarf.Offset
	dwarfErr  error
}

// OpenImage opens path and computes its load bias from maps. A nil maps
// slice gives bias 0, which is right for offline inspection.
func OpenImage(path string, maps []proc.Mapping, logger zerolog.Logger) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file %s: %w", path, err)
	}

	img := &Image{
		Path:   path,
		file:   f,
		logger: logger.With().Str("component", "resolver-image").Str("image", filepath.Base(path)).Logger(),
	}

	img.Bias, err = loadBias(f, path, maps)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	img.dynamic = readSymbols(f.DynamicSymbols)
	img.static = readSymbols(f.Symbols)

	if debugPath := findDebugFile(f); debugPath != "" {
		df, err := elf.Open(debugPath)
		if err != nil {
			img.logger.Debug().Err(err).Str("debug_file", debugPath).Msg("Failed to open debug file")
		} else {
			img.debugFile = df
			for name, sym := range readSymbols(df.Symbols) {
				if _, ok := img.static[name]; !ok {
					img.static[name] = sym
				}
			}
			img.logger.Debug().Str("debug_file", debugPath).Msg("Using separate debug file")
		}
	}

	img.logger.Debug().
		Uint64("bias", img.Bias).
		Int("dynamic_symbols", len(img.dynamic)).
		Int("static_symbols", len(img.static)).
		Msg("Opened image")

	return img, nil
}

// Close releases the underlying files.
func (img *Image) Close() error {
	var errs []error
	if img.debugFile != nil {
		errs = append(errs, img.debugFile.Close())
	}
	errs = append(errs, img.file.Close())
	return errors.Join(errs...)
}

// PointerSize is the address width of the image in bytes.
func (img *Image) PointerSize() int {
	if img.file.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// Machine is the ELF machine of the image.
func (img *Image) Machine() elf.Machine {
	return img.file.Machine
}

func (img *Image) exportedSymbol(name string) (Symbol, bool) {
	s, ok := img.dynamic.lookup(name)
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Name: name, Address: s.Value + img.Bias, Size: s.Size}, true
}

func (img *Image) staticSymbol(name string) (Symbol, bool) {
	s, ok := img.static.lookup(name)
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Name: name, Address: s.Value + img.Bias, Size: s.Size}, true
}

func (img *Image) dwarfSymbol(name string) (Symbol, bool) {
	if img.loadDWARF() != nil {
		return Symbol{}, false
	}
	s, ok := img.funcs[name]
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Name: name, Address: s.Value + img.Bias, Size: s.Size}, true
}

// dwarfType returns the layout of a named structure, union or typedef.
func (img *Image) dwarfType(name string) (TypeLayout, bool) {
	if img.loadDWARF() != nil {
		return TypeLayout{}, false
	}
	off, ok := img.types[name]
	if !ok {
		return TypeLayout{}, false
	}
	typ, err := img.dwarf.Type(off)
	if err != nil {
		img.logger.Debug().Err(err).Str("type", name).Msg("Failed to decode DWARF type")
		return TypeLayout{}, false
	}
	return layoutOf(name, typ)
}

func (img *Image) loadDWARF() error {
	img.dwarfOnce.Do(func() {
		src := img.file
		if img.debugFile != nil {
			src = img.debugFile
		}
		img.dwarf, img.dwarfErr = src.DWARF()
		if img.dwarfErr != nil {
			img.logger.Debug().Err(img.dwarfErr).Msg("No DWARF debug info")
			return
		}
		img.funcs, img.types = indexDWARF(img.dwarf)
	})
	return img.dwarfErr
}

// indexDWARF records every defined subprogram and variable with a static
// address, and every named type with a complete definition.
func indexDWARF(d *dwarf.Data) (map[string]elfSymbol, map[string]dwarf.Offset) {
	funcs := make(map[string]elfSymbol)
	types := make(map[string]dwarf.Offset)

	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}

		name, _ := entry.Val(dwarf.AttrName).(string)
		if name == "" {
			continue
		}

		switch entry.Tag {
		case dwarf.TagSubprogram:
			low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
			if !ok || low == 0 {
				continue
			}
			if _, dup := funcs[name]; dup {
				continue
			}
			funcs[name] = elfSymbol{Name: name, Value: low, Size: highPC(entry, low)}

		case dwarf.TagVariable:
			loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
			if !ok {
				continue
			}
			addr, ok := staticAddress(loc)
			if !ok {
				continue
			}
			if _, dup := funcs[name]; !dup {
				funcs[name] = elfSymbol{Name: name, Value: addr}
			}

		case dwarf.TagStructType, dwarf.TagUnionType, dwarf.TagTypedef:
			if decl, _ := entry.Val(dwarf.AttrDeclaration).(bool); decl {
				continue
			}
			if _, dup := types[name]; !dup {
				types[name] = entry.Offset
			}
		}
	}

	return funcs, types
}

// highPC returns the size of a subprogram from DW_AT_high_pc, which is an
// address in DWARF 2/3 and an offset from low_pc since DWARF 4.
func highPC(entry *dwarf.Entry, low uint64) uint64 {
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return 0
	}
	switch v := field.Val.(type) {
	case uint64:
		if field.Class == dwarf.ClassAddress {
			if v > low {
				return v - low
			}
			return 0
		}
		return v
	case int64:
		if v > 0 {
			return uint64(v)
		}
	}
	return 0
}

const opAddr = 0x03 // DW_OP_addr

// staticAddress decodes a location expression that is a single DW_OP_addr.
func staticAddress(loc []byte) (uint64, bool) {
	switch {
	case len(loc) == 9 && loc[0] == opAddr:
		return binary.LittleEndian.Uint64(loc[1:]), true
	case len(loc) == 5 && loc[0] == opAddr:
		return uint64(binary.LittleEndian.Uint32(loc[1:])), true
	}
	return 0, false
}

// layoutOf converts a DWARF type into a TypeLayout, looking through
// typedefs and qualifiers.
func layoutOf(name string, typ dwarf.Type) (TypeLayout, bool) {
	for {
		switch t := typ.(type) {
		case *dwarf.TypedefType:
			typ = t.Type
			continue
		case *dwarf.QualType:
			typ = t.Type
			continue
		case *dwarf.StructType:
			if t.Incomplete {
				return TypeLayout{}, false
			}
			layout := TypeLayout{Name: name, Members: make(map[string]uint64, len(t.Field))}
			if t.ByteSize > 0 {
				layout.Size = uint64(t.ByteSize)
			}
			for _, f := range t.Field {
				if f.Name != "" && f.ByteOffset >= 0 {
					layout.Members[f.Name] = uint64(f.ByteOffset)
				}
			}
			return layout, true
		}
		size := typ.Size()
		if size <= 0 {
			return TypeLayout{}, false
		}
		return TypeLayout{Name: name, Size: uint64(size), Members: map[string]uint64{}}, true
	}
}

// readSymbols indexes the defined functions and objects of one symbol
// table. Zero-sized symbols get the distance to the next symbol in the same
// section as their size.
func readSymbols(read func() ([]elf.Symbol, error)) symbolTable {
	raw, err := read()
	if err != nil {
		return symbolTable{}
	}

	var syms []elfSymbol
	for _, s := range raw {
		if s.Section == elf.SHN_UNDEF || s.Section >= elf.SHN_LORESERVE || s.Value == 0 {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		default:
			continue
		}
		name := s.Name
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		if name == "" {
			continue
		}
		syms = append(syms, elfSymbol{Name: name, Value: s.Value, Size: s.Size, Section: s.Section})
	}

	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Value < syms[j].Value })
	inferSizes(syms)

	table := make(symbolTable, len(syms))
	for _, s := range syms {
		// Prefer the first definition with a size; aliases share an address.
		if prev, ok := table[s.Name]; ok && prev.Size != 0 {
			continue
		}
		table[s.Name] = s
	}
	return table
}

// inferSizes fills zero sizes from the next higher symbol in the same
// section. syms must be sorted by value.
func inferSizes(syms []elfSymbol) {
	for i := range syms {
		if syms[i].Size != 0 {
			continue
		}
		for j := i + 1; j < len(syms); j++ {
			if syms[j].Section != syms[i].Section {
				continue
			}
			if syms[j].Value > syms[i].Value {
				syms[i].Size = syms[j].Value - syms[i].Value
				break
			}
		}
	}
}

// loadBias is the difference between where path is mapped and where it was
// linked to run. Without a mapping for path the bias is 0.
func loadBias(f *elf.File, path string, maps []proc.Mapping) (uint64, error) {
	var mapStart uint64
	found := false
	for _, m := range maps {
		if m.Path != path || m.Offset != 0 {
			continue
		}
		if !found || m.Start < mapStart {
			mapStart = m.Start
			found = true
		}
	}
	if !found {
		return 0, nil
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Off != 0 {
			continue
		}
		vaddr := p.Vaddr
		if p.Align > 1 {
			vaddr &^= p.Align - 1
		}
		if mapStart < vaddr {
			return 0, fmt.Errorf("image %s mapped at %#x below its link address %#x", path, mapStart, vaddr)
		}
		return mapStart - vaddr, nil
	}

	// Without a load segment at offset 0 only PIE-style objects linked at
	// zero make sense.
	return mapStart, nil
}

// findDebugFile returns the path of a separate debug file for f, located
// by GNU build-id or .gnu_debuglink, or "" if there is none.
func findDebugFile(f *elf.File) string {
	if id := buildID(f); len(id) > 1 {
		hexID := hex.EncodeToString(id)
		p := filepath.Join(DebugDir, ".build-id", hexID[:2], hexID[2:]+".debug")
		if fileExists(p) {
			return p
		}
	}

	if sec := f.Section(".gnu_debuglink"); sec != nil {
		data, err := sec.Data()
		if err == nil {
			if i := strings.IndexByte(string(data), 0); i > 0 {
				p := filepath.Join(DebugDir, string(data[:i]))
				if fileExists(p) {
					return p
				}
			}
		}
	}

	return ""
}

// buildID returns the descriptor of the NT_GNU_BUILD_ID note.
func buildID(f *elf.File) []byte {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 {
		return nil
	}
	return parseBuildIDNote(data, f.ByteOrder)
}

func parseBuildIDNote(data []byte, order binary.ByteOrder) []byte {
	const ntGNUBuildID = 3
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		nameEnd := 12 + align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < descEnd {
			return nil
		}
		if typ == ntGNUBuildID && namesz == 4 && string(data[12:15]) == "GNU" {
			return data[nameEnd : nameEnd+uint64(descsz)]
		}
		data = data[descEnd:]
	}
	return nil
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

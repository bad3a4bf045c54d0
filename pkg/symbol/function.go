package symbol

import (
	"debug/dwarf"
	"debug/elf"
	"sort"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Function is a named pc range [lowpc, highpc).
type Function struct {
	name   string
	lowpc  uint64
	highpc uint64
}

func (f *Function) Name() string {
	return f.name
}

// Entry returns the first pc of the function.
func (f *Function) Entry() uint64 {
	return f.lowpc
}

func (f *Function) contains(pc uint64) bool {
	return f.lowpc <= pc && pc < f.highpc
}

// parseFrom fills f from a DW_TAG_subprogram entry.
//
// see DWARFv4 3.3 subroutine and entry point entries
func (f *Function) parseFrom(entry *dwarf.Entry) bool {
	highIsOffset := false
	for _, field := range entry.Field {
		switch field.Attr {
		case dwarf.AttrName:
			if val, ok := field.Val.(string); ok {
				f.name = val
			}
		case dwarf.AttrLowpc:
			if val, ok := field.Val.(uint64); ok {
				f.lowpc = val
			}
		case dwarf.AttrHighpc:
			// DWARFv4 allows highpc as an offset from lowpc
			switch val := field.Val.(type) {
			case uint64:
				f.highpc = val
			case int64:
				f.highpc = uint64(val)
			}
			highIsOffset = field.Class == dwarf.ClassConstant
		}
	}
	if highIsOffset {
		f.highpc += f.lowpc
	}
	return f.name != "" && f.highpc > f.lowpc
}

// Functions returns the functions of the image sorted by entry pc.
func (img *Image) Functions() []*Function {
	img.symOnce.Do(img.loadFunctions)
	return img.funcs
}

// loadFunctions reads .symtab and .dynsym, falling back to the DWARF
// subprograms if neither has a sized function symbol.
func (img *Image) loadFunctions() {
	var funcs []*Function
	seen := map[uint64]bool{}
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Size == 0 || s.Name == "" {
				continue
			}
			lowpc := s.Value
			if img.arch == regs.ArchARM {
				// thumb bit
				lowpc &^= 1
			}
			if seen[lowpc] {
				continue
			}
			seen[lowpc] = true
			funcs = append(funcs, &Function{name: s.Name, lowpc: lowpc, highpc: lowpc + s.Size})
		}
	}
	if syms, err := img.file.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := img.file.DynamicSymbols(); err == nil {
		add(syms)
	}
	if len(funcs) == 0 {
		funcs = img.dwarfFunctions()
	}

	sort.Slice(funcs, func(i, j int) bool {
		return funcs[i].lowpc < funcs[j].lowpc
	})
	img.funcs = funcs
	img.log.Debugf("loaded %d functions", len(funcs))
}

func (img *Image) dwarfFunctions() []*Function {
	data, err := img.file.DWARF()
	if err != nil {
		return nil
	}

	var funcs []*Function
	rd := data.Reader()
	for {
		entry, err := rd.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}
		fn := &Function{}
		if fn.parseFrom(entry) {
			funcs = append(funcs, fn)
		}
		if entry.Children {
			rd.SkipChildren()
		}
	}
	return funcs
}

// PCToFunction returns the function whose range covers pc.
//
// note: inlined functions are not considered
func (img *Image) PCToFunction(pc uint64) *Function {
	funcs := img.Functions()
	i := sort.Search(len(funcs), func(i int) bool {
		return funcs[i].lowpc > pc
	})
	// ranges may nest, so look back for one that still covers pc
	for j := i - 1; j >= 0 && j >= i-4; j-- {
		if funcs[j].contains(pc) {
			return funcs[j]
		}
	}
	return nil
}

// FunctionName returns the name of the function covering relPC and the
// offset of relPC in it.
func (img *Image) FunctionName(relPC uint64) (string, uint64, bool) {
	if e, ok := img.names.Get(relPC); ok {
		img.stats.nameHits.Inc()
		return e.name, e.offset, e.ok
	}
	img.stats.nameMisses.Inc()

	var e nameEntry
	if fn := img.PCToFunction(relPC); fn != nil {
		e = nameEntry{name: fn.name, offset: relPC - fn.lowpc, ok: true}
	}
	img.names.Add(relPC, e)
	return e.name, e.offset, e.ok
}

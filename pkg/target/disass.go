package target

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/errors"
	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Disassemble decodes at most max instructions at addr and writes them to
// w. syntax is one of go, gnu, intel. An odd addr on arm means thumb code.
func (p *Process) Disassemble(w io.Writer, addr, max uint64, syntax string) error {
	start := addr
	if p.Arch == regs.ArchARM {
		start &^= 1
	}

	// 指令数据
	dat := make([]byte, 16*max)
	n := p.ReadMemory(start, dat)
	if n == 0 {
		return errors.Errorf("peek text at %#x error", start)
	}
	dat = dat[:n]

	tw := tabwriter.NewWriter(w, 0, 4, 8, ' ', 0)
	defer tw.Flush()

	offset := uint64(0)
	for count := uint64(0); count < max && offset < uint64(len(dat)); count++ {
		pc := start + offset
		size, asm, err := p.decode(dat[offset:], pc, addr&1 != 0, syntax)
		if err != nil {
			return errors.Wrapf(err, "decode at %#x", pc)
		}
		fmt.Fprintf(tw, "%#x:\t% x\t%s\n", pc, dat[offset:offset+uint64(size)], asm)
		offset += uint64(size)
	}
	return nil
}

func (p *Process) decode(src []byte, pc uint64, thumb bool, syntax string) (int, string, error) {
	switch p.Arch {
	case regs.ArchX86, regs.ArchX86_64:
		mode := 64
		if p.Arch == regs.ArchX86 {
			mode = 32
		}
		inst, err := x86asm.Decode(src, mode)
		if err != nil {
			return 0, "", err
		}
		asm, err := x86Syntax(inst, pc, syntax, p.Symbolize)
		return inst.Len, asm, err
	case regs.ArchARM64:
		inst, err := arm64asm.Decode(src)
		if err != nil {
			return 0, "", err
		}
		if syntax == "go" {
			return 4, arm64asm.GoSyntax(inst, pc, p.Symbolize, nil), nil
		}
		return 4, arm64asm.GNUSyntax(inst), nil
	case regs.ArchARM:
		mode := armasm.ModeARM
		if thumb {
			mode = armasm.ModeThumb
		}
		inst, err := armasm.Decode(src, mode)
		if err != nil {
			return 0, "", err
		}
		if syntax == "go" {
			return inst.Len, armasm.GoSyntax(inst, pc, p.Symbolize, nil), nil
		}
		return inst.Len, armasm.GNUSyntax(inst), nil
	}
	return 0, "", errors.Errorf("disassemble: unsupported arch %s", p.Arch)
}

func x86Syntax(inst x86asm.Inst, pc uint64, syntax string, sym x86asm.SymLookup) (string, error) {
	switch syntax {
	case "go":
		return x86asm.GoSyntax(inst, pc, sym), nil
	case "gnu":
		return x86asm.GNUSyntax(inst, pc, sym), nil
	case "intel":
		return x86asm.IntelSyntax(inst, pc, sym), nil
	}
	return "", errors.Errorf("invalid asm syntax %q", syntax)
}

// Symbolize names the function containing addr, it returns the name and
// the address of its entry.
func (p *Process) Symbolize(addr uint64) (string, uint64) {
	ms := p.Maps()
	if ms == nil {
		return "", 0
	}
	info := ms.Find(addr)
	if info == nil {
		return "", 0
	}
	obj, err := info.Object()
	if err != nil || !obj.Valid() {
		return "", 0
	}
	relPC := addr - info.Start + info.Offset + obj.LoadBias()
	name, offset, ok := obj.FunctionName(relPC)
	if !ok {
		return "", 0
	}
	return name, addr - offset
}

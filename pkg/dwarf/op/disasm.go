package op

import (
	"fmt"
	"strings"

	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/util"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Disassemble decodes the expression in [start, end) of expr without
// evaluating it, one line per opcode.
func Disassemble(expr memory.Memory, arch regs.Arch, start, end uint64) ([]string, error) {
	o := &Op{arch: arch, expr: util.NewCursor(expr, arch.WordSize())}
	o.expr.SetPos(start)

	var lines []string
	for o.expr.Pos() < end {
		code, err := o.expr.U8()
		if err != nil {
			return lines, err
		}
		info := &opTable[code]
		if info.fn == nil {
			lines = append(lines, fmt.Sprintf("illegal %#02x", code))
			return lines, dwarf.ErrIllegalValue
		}

		var sb strings.Builder
		sb.WriteString(info.name)
		for _, kind := range info.operands {
			v, err := o.readOperand(kind)
			if err != nil {
				lines = append(lines, sb.String())
				return lines, err
			}
			switch kind {
			case s1, s2, s4, s8, sleb:
				fmt.Fprintf(&sb, " %d", int64(v))
			default:
				fmt.Fprintf(&sb, " %#x", v)
			}
		}
		lines = append(lines, sb.String())
	}
	return lines, nil
}

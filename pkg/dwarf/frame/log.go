package frame

import (
	"fmt"
	"io"
	"strings"

	"github.com/hitzhangjie/gounwind/pkg/dwarf/op"
)

// Log writes a disassembly of the CIE and FDE instructions of fde. Rows
// before pc are marked with '*'.
func (s *Section) Log(w io.Writer, indent int, pc uint64, fde *FrameDescriptionEntry) error {
	cie := fde.CIE
	if cie == nil {
		var err error
		if cie, err = s.CieFromOffset(fde.CieOffset); err != nil {
			return err
		}
	}
	prefix := strings.Repeat("  ", indent)

	fmt.Fprintf(w, "%sCIE %#x version=%d augmentation=%q code_align=%d data_align=%d ra=%d\n",
		prefix, cie.Offset, cie.Version, cie.Augmentation,
		cie.CodeAlignmentFactor, cie.DataAlignmentFactor, cie.ReturnAddressRegister)
	if err := s.logInstructions(w, prefix+"  ", cie, cie.InstructionsOffset, cie.InstructionsEnd, 0, ^uint64(0)); err != nil {
		return err
	}

	fmt.Fprintf(w, "%sFDE %#x pc=[%#x, %#x)", prefix, fde.Offset, fde.PCStart, fde.PCEnd)
	if fde.LsdaAddress != 0 {
		fmt.Fprintf(w, " lsda=%#x", fde.LsdaAddress)
	}
	fmt.Fprintln(w)
	return s.logInstructions(w, prefix+"  ", cie, fde.InstructionsOffset, fde.InstructionsEnd, fde.PCStart, pc)
}

func (s *Section) logInstructions(w io.Writer, prefix string, cie *CommonInformationEntry, start, end, curPC, pc uint64) error {
	c := s.cursor()
	c.SetPos(start)

	for c.Pos() < end {
		in, err := decodeCFA(c, s.arch)
		if err != nil {
			fmt.Fprintf(w, "%s%#x: <%v>\n", prefix, c.Pos(), err)
			return err
		}

		mark := " "
		if curPC <= pc {
			mark = "*"
		}

		var args []string
		for i, v := range in.operands {
			if i == len(in.operands)-1 && in.blockAddr != 0 {
				args = append(args, fmt.Sprintf("[%d bytes]", v))
				continue
			}
			args = append(args, fmt.Sprintf("%#x", v))
		}
		fmt.Fprintf(w, "%s%s %#x: %s %s\n", prefix, mark, in.pos, cfaName(in.code), strings.Join(args, " "))

		if in.blockAddr != 0 {
			length := in.operands[len(in.operands)-1]
			lines, err := op.Disassemble(s.mem, s.arch, in.blockAddr, in.blockAddr+length)
			for _, line := range lines {
				fmt.Fprintf(w, "%s      %s\n", prefix, line)
			}
			if err != nil {
				fmt.Fprintf(w, "%s      <%v>\n", prefix, err)
			}
		}

		switch in.code {
		case DW_CFA_advance_loc, DW_CFA_advance_loc1, DW_CFA_advance_loc2, DW_CFA_advance_loc4:
			curPC += in.operands[0] * cie.CodeAlignmentFactor
			fmt.Fprintf(w, "%s    pc %#x\n", prefix, curPC)
		case DW_CFA_set_loc:
			curPC = in.operands[0]
			fmt.Fprintf(w, "%s    pc %#x\n", prefix, curPC)
		}
	}
	return nil
}

package target

import (
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

func readRegs(tid int) (*regs.Regs, error) {
	var pr unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &pr); err != nil {
		return nil, err
	}
	return convertRegs(&pr), nil
}

// convertRegs orders the registers by their DWARF number.
func convertRegs(pr *unix.PtraceRegs) *regs.Regs {
	r := regs.New(regs.ArchX86_64)
	for i, v := range []uint64{
		pr.Rax, pr.Rdx, pr.Rcx, pr.Rbx, pr.Rsi, pr.Rdi, pr.Rbp, pr.Rsp,
		pr.R8, pr.R9, pr.R10, pr.R11, pr.R12, pr.R13, pr.R14, pr.R15,
		pr.Rip,
	} {
		r.Set(i, v)
	}
	return r
}

package target

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// ntPRStatus is the regset of the general purpose registers.
const ntPRStatus = 1

// arm64 has no PTRACE_GETREGS, only the regset interface.
func readRegs(tid int) (*regs.Regs, error) {
	var pr unix.PtraceRegs
	iov := unix.Iovec{Base: (*byte)(unsafe.Pointer(&pr))}
	iov.SetLen(int(unsafe.Sizeof(pr)))
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET, uintptr(tid),
		ntPRStatus, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return nil, errno
	}
	return convertRegs(&pr), nil
}

// convertRegs copies x0-x30, sp and pc.
func convertRegs(pr *unix.PtraceRegs) *regs.Regs {
	r := regs.New(regs.ArchARM64)
	for i, v := range pr.Regs {
		r.Set(i, v)
	}
	r.Set(regs.ARM64_SP, pr.Sp)
	r.Set(regs.ARM64_PC, pr.Pc)
	return r
}

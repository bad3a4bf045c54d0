package regs

import (
	"github.com/hitzhangjie/gounwind/pkg/memory"
)

// StepIfSignalHandler checks whether the code at relPC in image is the
// kernel's sigreturn trampoline. If so the registers of the interrupted
// frame are reloaded from the signal frame on the stack in process and
// true is returned.
func (r *Regs) StepIfSignalHandler(relPC uint64, image, process memory.Memory) bool {
	if image == nil || process == nil {
		return false
	}
	switch r.arch {
	case ArchX86_64:
		return r.stepSignalX86_64(relPC, image, process)
	case ArchARM64:
		return r.stepSignalARM64(relPC, image, process)
	case ArchX86:
		return r.stepSignalX86(relPC, image, process)
	case ArchARM:
		return r.stepSignalARM(relPC, image, process)
	}
	return false
}

// x86_64 mcontext general register order.
var x86_64Mcontext = []int{
	X86_64_R8, X86_64_R8 + 1, X86_64_R8 + 2, X86_64_R8 + 3,
	X86_64_R8 + 4, X86_64_R8 + 5, X86_64_R8 + 6, X86_64_R15,
	X86_64_RDI, X86_64_RSI, X86_64_RBP, X86_64_RBX,
	X86_64_RDX, X86_64_RAX, X86_64_RCX, X86_64_RSP, X86_64_RIP,
}

func (r *Regs) stepSignalX86_64(relPC uint64, image, process memory.Memory) bool {
	// __restore_rt:
	//   48 c7 c0 0f 00 00 00   mov $0xf,%rax
	//   0f 05                  syscall
	data, ok := memory.Read64(image, relPC)
	if !ok || data != 0x0f0000000fc0c748 {
		return false
	}
	b, ok := memory.Read8(image, relPC+8)
	if !ok || b != 0x05 {
		return false
	}

	// sp points at the ucontext, uc_mcontext starts at 0x28
	return r.loadWords(process, r.SP()+0x28, 8, x86_64Mcontext)
}

func (r *Regs) stepSignalARM64(relPC uint64, image, process memory.Memory) bool {
	// __kernel_rt_sigreturn:
	//   d2801168   mov x8, #0x8b
	//   d4000001   svc #0x0
	data, ok := memory.Read64(image, relPC)
	if !ok || data != 0xd4000001d2801168 {
		return false
	}

	// siginfo, then ucontext up to uc_mcontext, then fault_address
	order := make([]int, ArchARM64.NumRegs())
	for i := range order {
		order[i] = i
	}
	return r.loadWords(process, r.SP()+0x80+0xb0+0x08, 8, order)
}

// x86 sigcontext general register order, starting at edi.
var x86Sigcontext = []int{
	X86_EDI, X86_ESI, X86_EBP, X86_ESP, X86_EBX, X86_EDX, X86_ECX, X86_EAX,
	-1, -1, X86_EIP,
}

func (r *Regs) stepSignalX86(relPC uint64, image, process memory.Memory) bool {
	data, ok := memory.Read64(image, relPC)
	if !ok {
		return false
	}

	switch {
	case data == 0x80cd00000077b858:
		// __restore:
		//   58                pop %eax
		//   b8 77 00 00 00    movl $0x77,%eax
		//   cd 80             int $0x80
		// sigcontext follows the signal number, skip gs/fs/es/ds
		return r.loadWords(process, r.SP()+4+16, 4, x86Sigcontext)
	case data&0x00ffffffffffffff == 0x0080cd000000adb8:
		// __restore_rt:
		//   b8 ad 00 00 00    movl $0xad,%eax
		//   cd 80             int $0x80
		// the third argument of the handler points at the ucontext
		uc, ok := memory.Read32(process, r.SP()+8)
		if !ok {
			return false
		}
		return r.loadWords(process, uint64(uc)+0x14+16, 4, x86Sigcontext)
	}
	return false
}

func (r *Regs) stepSignalARM(relPC uint64, image, process memory.Memory) bool {
	data, ok := memory.Read32(image, relPC)
	if !ok {
		return false
	}
	sp := r.SP()

	var offset uint64
	switch data {
	case 0xe3a07077, 0xef900077, 0xdf002777:
		// sigreturn, arm and thumb forms of mov r7, #0x77; svc
		magic, ok := memory.Read32(process, sp)
		if !ok {
			return false
		}
		if magic == 0x5ac3c35a {
			// newer kernels place a ucontext on the stack
			offset = sp + 0x14 + 0xc
		} else {
			offset = sp + 0xc
		}
	case 0xe3a070ad, 0xef9000ad, 0xdf0027ad:
		// rt_sigreturn
		ptr, ok := memory.Read32(process, sp)
		if !ok {
			return false
		}
		if uint64(ptr) == sp+8 {
			offset = sp + 8 + 0x80 + 0x14 + 0xc
		} else {
			offset = sp + 0x80 + 0x14 + 0xc
		}
	default:
		return false
	}

	order := make([]int, ArchARM.NumRegs())
	for i := range order {
		order[i] = i
	}
	return r.loadWords(process, offset, 4, order)
}

// loadWords reads len(order) words at addr and stores word i in register
// order[i]. Entries of -1 are skipped. Nothing is modified on a short read.
func (r *Regs) loadWords(mem memory.Memory, addr uint64, size int, order []int) bool {
	vals := make([]uint64, len(order))
	for i := range order {
		v, ok := memory.ReadWord(mem, addr+uint64(i*size), size)
		if !ok {
			return false
		}
		vals[i] = v
	}
	for i, reg := range order {
		if reg >= 0 {
			r.Set(reg, vals[i])
		}
	}
	return true
}

package regs

import "fmt"

// Arch identifies the machine a register file belongs to.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchARM
	ArchARM64
	ArchX86
	ArchX86_64
)

func (a Arch) String() string {
	switch a {
	case ArchARM:
		return "arm"
	case ArchARM64:
		return "arm64"
	case ArchX86:
		return "x86"
	case ArchX86_64:
		return "x86_64"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseArch maps GOARCH style and ELF style names to an Arch.
func ParseArch(name string) (Arch, error) {
	switch name {
	case "arm", "armv7", "armhf":
		return ArchARM, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "386", "x86", "i386", "i686":
		return ArchX86, nil
	case "amd64", "x86_64", "x86-64":
		return ArchX86_64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported arch %q", name)
}

// WordSize returns the machine word width in bytes.
func (a Arch) WordSize() int {
	switch a {
	case ArchARM, ArchX86:
		return 4
	default:
		return 8
	}
}

// Is32Bit reports whether the machine word is 32 bits wide.
func (a Arch) Is32Bit() bool {
	return a.WordSize() == 4
}

// Mask truncates v to the word width.
func (a Arch) Mask(v uint64) uint64 {
	if a.Is32Bit() {
		return uint64(uint32(v))
	}
	return v
}

// SignExtend interprets the low word of v as a signed value.
func (a Arch) SignExtend(v uint64) int64 {
	if a.Is32Bit() {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

// layout describes the DWARF register numbering of an architecture.
type layout struct {
	names []string
	pc    int
	sp    int
	lr    int // -1 when the return address lives on the stack
}

// DWARF register numbers.
const (
	ARM_R7  = 7
	ARM_R11 = 11
	ARM_SP  = 13
	ARM_LR  = 14
	ARM_PC  = 15

	ARM64_X29 = 29
	ARM64_LR  = 30
	ARM64_SP  = 31
	ARM64_PC  = 32

	X86_EAX = 0
	X86_ECX = 1
	X86_EDX = 2
	X86_EBX = 3
	X86_ESP = 4
	X86_EBP = 5
	X86_ESI = 6
	X86_EDI = 7
	X86_EIP = 8

	X86_64_RAX = 0
	X86_64_RDX = 1
	X86_64_RCX = 2
	X86_64_RBX = 3
	X86_64_RSI = 4
	X86_64_RDI = 5
	X86_64_RBP = 6
	X86_64_RSP = 7
	X86_64_R8  = 8
	X86_64_R15 = 15
	X86_64_RIP = 16
)

var layouts = map[Arch]layout{
	ArchARM: {
		names: []string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
			"r8", "r9", "r10", "r11", "ip", "sp", "lr", "pc"},
		pc: ARM_PC, sp: ARM_SP, lr: ARM_LR,
	},
	ArchARM64: {
		names: []string{"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
			"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
			"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
			"x24", "x25", "x26", "x27", "x28", "x29", "lr", "sp", "pc"},
		pc: ARM64_PC, sp: ARM64_SP, lr: ARM64_LR,
	},
	ArchX86: {
		names: []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "eip"},
		pc:    X86_EIP, sp: X86_ESP, lr: -1,
	},
	ArchX86_64: {
		names: []string{"rax", "rdx", "rcx", "rbx", "rsi", "rdi", "rbp", "rsp",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rip"},
		pc: X86_64_RIP, sp: X86_64_RSP, lr: -1,
	},
}

// NumRegs returns the size of the register file.
func (a Arch) NumRegs() int {
	return len(layouts[a].names)
}

// PCReg returns the DWARF number of the program counter.
func (a Arch) PCReg() int { return layouts[a].pc }

// SPReg returns the DWARF number of the stack pointer.
func (a Arch) SPReg() int { return layouts[a].sp }

// RegName returns the conventional name of register i.
func (a Arch) RegName(i int) string {
	l := layouts[a]
	if i < 0 || i >= len(l.names) {
		return fmt.Sprintf("r%d", i)
	}
	return l.names[i]
}

// RegNum returns the number of the register called name, the inverse of
// RegName. "pc" and "sp" name the program counter and stack pointer of
// every arch.
func (a Arch) RegNum(name string) (int, bool) {
	switch name {
	case "pc":
		return a.PCReg(), true
	case "sp":
		return a.SPReg(), true
	}
	for i, n := range layouts[a].names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

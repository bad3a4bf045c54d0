package target

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

func TestConvertRegs(t *testing.T) {
	pr := &unix.PtraceRegs{Rax: 1, Rbx: 3, Rbp: 6, Rsp: 0x7ffe0000, R8: 8, R15: 15, Rip: 0x401000}
	r := convertRegs(pr)

	assert.Equal(t, regs.ArchX86_64, r.Arch())
	assert.Equal(t, uint64(0x401000), r.PC())
	assert.Equal(t, uint64(0x7ffe0000), r.SP())
	assert.Equal(t, uint64(1), r.Get(regs.X86_64_RAX))
	assert.Equal(t, uint64(3), r.Get(regs.X86_64_RBX))
	assert.Equal(t, uint64(6), r.Get(regs.X86_64_RBP))
	assert.Equal(t, uint64(8), r.Get(regs.X86_64_R8))
	assert.Equal(t, uint64(15), r.Get(regs.X86_64_R15))
}

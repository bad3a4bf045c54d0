// Package regs holds the register file the unwinder mutates while it walks
// a stack. Values are kept as uint64 and truncated to the word width of the
// architecture, so one type serves both 32 and 64 bit targets.
package regs

import (
	"github.com/hitzhangjie/gounwind/pkg/memory"
)

// Regs is a register file in DWARF numbering.
type Regs struct {
	arch   Arch
	values []uint64
	dexPC  uint64
}

// New returns a zeroed register file for arch.
func New(arch Arch) *Regs {
	return &Regs{
		arch:   arch,
		values: make([]uint64, arch.NumRegs()),
	}
}

// Arch returns the architecture.
func (r *Regs) Arch() Arch { return r.arch }

// Total returns the number of registers.
func (r *Regs) Total() int { return len(r.values) }

// Get returns register i, or 0 if i is out of range.
func (r *Regs) Get(i int) uint64 {
	if i < 0 || i >= len(r.values) {
		return 0
	}
	return r.values[i]
}

// Set stores v in register i. Out of range indexes are ignored.
func (r *Regs) Set(i int, v uint64) {
	if i < 0 || i >= len(r.values) {
		return
	}
	r.values[i] = r.arch.Mask(v)
}

// PC returns the program counter.
func (r *Regs) PC() uint64 { return r.Get(r.arch.PCReg()) }

// SetPC sets the program counter.
func (r *Regs) SetPC(v uint64) { r.Set(r.arch.PCReg(), v) }

// SP returns the stack pointer.
func (r *Regs) SP() uint64 { return r.Get(r.arch.SPReg()) }

// SetSP sets the stack pointer.
func (r *Regs) SetSP(v uint64) { r.Set(r.arch.SPReg(), v) }

// DexPC returns the bytecode pc recorded by the last step, 0 if none.
func (r *Regs) DexPC() uint64 { return r.dexPC }

// SetDexPC records a bytecode pc.
func (r *Regs) SetDexPC(v uint64) { r.dexPC = r.arch.Mask(v) }

// Clone returns an independent copy.
func (r *Regs) Clone() *Regs {
	c := &Regs{
		arch:   r.arch,
		values: make([]uint64, len(r.values)),
		dexPC:  r.dexPC,
	}
	copy(c.values, r.values)
	return c
}

// ForEach calls fn for every register in numbering order.
func (r *Regs) ForEach(fn func(name string, v uint64)) {
	for i, v := range r.values {
		fn(r.arch.RegName(i), v)
	}
}

// SetPcFromReturnAddress sets the pc to the return address of a leaf
// function that has not set up a frame yet. On arm that is the link
// register, on x86 the word at sp is popped. It reports false if nothing
// could be read or the pc would not change.
func (r *Regs) SetPcFromReturnAddress(mem memory.Memory) bool {
	l, ok := layouts[r.arch]
	if !ok {
		return false
	}
	if l.lr >= 0 {
		lr := r.Get(l.lr)
		if lr == r.PC() {
			return false
		}
		r.SetPC(lr)
		return true
	}

	ret, ok := memory.ReadWord(mem, r.SP(), r.arch.WordSize())
	if !ok || ret == r.PC() {
		return false
	}
	r.SetPC(ret)
	r.SetSP(r.SP() + uint64(r.arch.WordSize()))
	return true
}

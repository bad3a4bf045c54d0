package op

import (
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// RegsInfo wraps the register file being updated by a CFA evaluation.
// Registers are saved before they are overwritten so every expression in
// one evaluation observes the values the frame started with.
type RegsInfo struct {
	Regs  *regs.Regs
	saved map[int]uint64
}

// NewRegsInfo wraps r.
func NewRegsInfo(r *regs.Regs) *RegsInfo {
	return &RegsInfo{Regs: r, saved: map[int]uint64{}}
}

// Get returns the value register reg had before the first Save of it.
func (ri *RegsInfo) Get(reg int) uint64 {
	if v, ok := ri.saved[reg]; ok {
		return v
	}
	return ri.Regs.Get(reg)
}

// Save records the current value of reg, once.
func (ri *RegsInfo) Save(reg int) {
	if _, ok := ri.saved[reg]; ok {
		return
	}
	ri.saved[reg] = ri.Regs.Get(reg)
}

// IsSaved reports whether reg was saved.
func (ri *RegsInfo) IsSaved(reg int) bool {
	_, ok := ri.saved[reg]
	return ok
}

// Total returns the size of the register file.
func (ri *RegsInfo) Total() int {
	return ri.Regs.Total()
}

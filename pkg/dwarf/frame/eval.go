package frame

import (
	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/op"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Eval applies table to r, turning the registers of the current frame into
// the registers of its caller. Every rule reads the register values the
// frame had before Eval started. finished is true when the caller pc is 0,
// either computed or because the return address rule is Undefined.
func (s *Section) Eval(cie *CommonInformationEntry, mem memory.Memory, table *LocationTable, r *regs.Regs) (bool, error) {
	ra := int(cie.ReturnAddressRegister)
	if ra >= r.Total() {
		return false, dwarf.ErrIllegalValue
	}

	cfaLoc, ok := table.Regs[CFAReg]
	if !ok {
		return false, dwarf.ErrCfaNotDefined
	}

	info := op.NewRegsInfo(r)
	r.SetDexPC(0)

	var cfa uint64
	switch loc := cfaLoc.(type) {
	case Register:
		if int(loc.Reg) >= r.Total() {
			return false, dwarf.ErrIllegalValue
		}
		cfa = r.Arch().Mask(r.Get(int(loc.Reg)) + uint64(loc.Offset))
	case Expression, ValExpression:
		v, err := s.evalExpression(cfaLoc, mem, info)
		if err != nil {
			return false, err
		}
		cfa = v
	default:
		return false, dwarf.ErrIllegalValue
	}

	returnUndefined := false
	for _, reg := range table.Registers() {
		if int(reg) >= r.Total() {
			// rules for registers this arch does not have
			continue
		}
		idx := int(reg)
		loc := table.Regs[reg]

		var (
			v     uint64
			write = true
		)
		switch l := loc.(type) {
		case Offset:
			addr := r.Arch().Mask(cfa + uint64(l.Offset))
			val, ok := memory.ReadWord(mem, addr, r.Arch().WordSize())
			if !ok {
				return false, dwarf.MemoryError(addr)
			}
			v = val
		case ValOffset:
			v = cfa + uint64(l.Offset)
		case Register:
			if int(l.Reg) >= r.Total() {
				return false, dwarf.ErrIllegalValue
			}
			v = info.Get(int(l.Reg)) + uint64(l.Offset)
		case Expression, ValExpression:
			o, err := s.runExpression(loc, mem, info)
			if err != nil {
				return false, err
			}
			val, err := s.expressionValue(loc, o, mem)
			if err != nil {
				return false, err
			}
			v = val
			if o.DexPCSet() {
				r.SetDexPC(v)
			}
		case Undefined:
			if idx == ra {
				returnUndefined = true
			}
			write = false
		default:
			write = false
		}

		if write {
			info.Save(idx)
			r.Set(idx, v)
		}
	}

	if returnUndefined {
		r.SetPC(0)
	} else {
		r.SetPC(r.Get(ra))
	}
	r.SetSP(cfa)

	return r.PC() == 0, nil
}

// runExpression evaluates an Expression or ValExpression rule.
func (s *Section) runExpression(loc Location, mem memory.Memory, info *op.RegsInfo) (*op.Op, error) {
	var addr, length uint64
	switch l := loc.(type) {
	case Expression:
		addr, length = l.Addr, l.Len
	case ValExpression:
		addr, length = l.Addr, l.Len
	}

	o := op.New(s.mem, mem, s.arch)
	o.SetRegsInfo(info)
	if err := o.Eval(addr, addr+length); err != nil {
		return nil, err
	}
	if o.StackSize() == 0 {
		return nil, dwarf.ErrIllegalState
	}
	if o.IsRegister() {
		return nil, dwarf.ErrNotImplemented
	}
	return o, nil
}

// expressionValue turns the result of a finished expression into the rule
// value: an address to read for Expression, the value for ValExpression.
func (s *Section) expressionValue(loc Location, o *op.Op, mem memory.Memory) (uint64, error) {
	top := o.StackAt(0)
	if _, ok := loc.(ValExpression); ok {
		return top, nil
	}
	v, ok := memory.ReadWord(mem, top, s.arch.WordSize())
	if !ok {
		return 0, dwarf.MemoryError(top)
	}
	return v, nil
}

func (s *Section) evalExpression(loc Location, mem memory.Memory, info *op.RegsInfo) (uint64, error) {
	o, err := s.runExpression(loc, mem, info)
	if err != nil {
		return 0, err
	}
	return s.expressionValue(loc, o, mem)
}

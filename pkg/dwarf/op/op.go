// Package op evaluates DWARF location expressions, the stack machine
// programs CFI uses to describe where a register or the CFA lives.
package op

import (
	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/util"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// dexMarker is "DEX1" as a little endian const4u operand.
const dexMarker = 0x31584544

// Op is a DWARF expression evaluator. expr holds the expression bytes, mem
// is what DW_OP_deref reads from. An Op is not safe for concurrent use.
type Op struct {
	arch     regs.Arch
	expr     *util.Cursor
	mem      memory.Memory
	regsInfo *RegsInfo

	stack    []uint64 // top is the last element
	curOp    uint8
	operands []uint64

	isRegister bool
	dexPCSet   bool
	lastErr    dwarf.Error
}

// New returns an evaluator for expressions in expr.
func New(expr, mem memory.Memory, arch regs.Arch) *Op {
	return &Op{
		arch: arch,
		expr: util.NewCursor(expr, arch.WordSize()),
		mem:  mem,
	}
}

// SetRegsInfo supplies the registers read by the breg opcodes.
func (o *Op) SetRegsInfo(ri *RegsInfo) { o.regsInfo = ri }

// StackSize returns the number of values on the stack.
func (o *Op) StackSize() int { return len(o.stack) }

// StackAt returns the value i entries below the top, 0 if there is none.
func (o *Op) StackAt(i int) uint64 {
	if i < 0 || i >= len(o.stack) {
		return 0
	}
	return o.stack[len(o.stack)-1-i]
}

// IsRegister reports whether the expression named a register instead of
// computing a value.
func (o *Op) IsRegister() bool { return o.isRegister }

// DexPCSet reports whether the expression carried the DEX1 marker.
func (o *Op) DexPCSet() bool { return o.dexPCSet }

// CurOp returns the last decoded opcode.
func (o *Op) CurOp() uint8 { return o.curOp }

// Operands returns the operands of the last decoded opcode.
func (o *Op) Operands() []uint64 { return o.operands }

// Pos returns the position in the expression.
func (o *Op) Pos() uint64 { return o.expr.Pos() }

// SetPos moves the position in the expression.
func (o *Op) SetPos(pos uint64) { o.expr.SetPos(pos) }

// LastError returns the outcome of the last Decode. It is overwritten by
// every Decode, successful or not.
func (o *Op) LastError() dwarf.Error { return o.lastErr }

func (o *Op) fail(code dwarf.ErrorCode, addr uint64) error {
	o.lastErr = dwarf.Error{Code: code, Address: addr}
	e := o.lastErr
	return &e
}

func (o *Op) failWith(err error) error {
	if e, ok := err.(*dwarf.Error); ok {
		return o.fail(e.Code, e.Address)
	}
	return o.fail(dwarf.CodeIllegalState, 0)
}

// Eval runs the expression in [start, end). The stack and the register
// flag are reset first. The number of decoded opcodes is capped so that
// looping branches terminate.
func (o *Op) Eval(start, end uint64) error {
	o.stack = o.stack[:0]
	o.isRegister = false
	o.dexPCSet = false
	o.expr.SetPos(start)

	limit := 1000
	if end > start && 4*(end-start) > uint64(limit) {
		limit = int(4 * (end - start))
	}

	// a const4u "DEX1" followed by drop marks the value as a dex pc
	checkDrop := false
	for n := 0; o.expr.Pos() < end; n++ {
		if n == limit {
			return o.fail(dwarf.CodeTooManyIterations, 0)
		}
		if err := o.Decode(); err != nil {
			return err
		}
		switch n {
		case 0:
			checkDrop = o.curOp == DW_OP_const4u && o.operands[0] == dexMarker
		case 1:
			o.dexPCSet = checkDrop && o.curOp == DW_OP_drop
		}
	}
	return nil
}

// Decode reads and executes one opcode.
func (o *Op) Decode() error {
	o.lastErr = dwarf.Error{}

	code, err := o.expr.U8()
	if err != nil {
		return o.failWith(err)
	}
	o.curOp = code

	info := &opTable[code]
	if info.fn == nil {
		return o.fail(dwarf.CodeIllegalValue, 0)
	}
	if len(o.stack) < info.required {
		return o.fail(dwarf.CodeStackIndexNotValid, 0)
	}

	o.operands = o.operands[:0]
	for _, kind := range info.operands {
		v, err := o.readOperand(kind)
		if err != nil {
			return o.failWith(err)
		}
		o.operands = append(o.operands, v)
	}

	if err := info.fn(o); err != nil {
		return err
	}
	return nil
}

func (o *Op) readOperand(kind operand) (uint64, error) {
	c := o.expr
	switch kind {
	case u1:
		v, err := c.U8()
		return uint64(v), err
	case s1:
		v, err := c.Int(1)
		return uint64(v), err
	case u2:
		return c.Uint(2)
	case s2:
		v, err := c.Int(2)
		return uint64(v), err
	case u4:
		return c.Uint(4)
	case s4:
		v, err := c.Int(4)
		return uint64(v), err
	case u8, s8:
		return c.Uint(8)
	case uleb:
		return c.ULEB128()
	case sleb:
		v, err := c.SLEB128()
		return uint64(v), err
	case addr:
		return c.Uint(o.arch.WordSize())
	}
	return 0, dwarf.ErrIllegalState
}

func (o *Op) push(v uint64) {
	o.stack = append(o.stack, o.arch.Mask(v))
}

func (o *Op) pop() uint64 {
	v := o.stack[len(o.stack)-1]
	o.stack = o.stack[:len(o.stack)-1]
	return v
}

// top returns a pointer to the top of the stack.
func (o *Op) top() *uint64 {
	return &o.stack[len(o.stack)-1]
}

func (o *Op) signed(v uint64) int64 {
	return o.arch.SignExtend(v)
}

func (o *Op) set(p *uint64, v uint64) {
	*p = o.arch.Mask(v)
}

func boolValue(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (o *Op) opPush() error {
	o.push(o.operands[0])
	return nil
}

func (o *Op) opDeref() error {
	addr := o.pop()
	v, ok := memory.ReadWord(o.mem, addr, o.arch.WordSize())
	if !ok {
		return o.fail(dwarf.CodeMemoryInvalid, addr)
	}
	o.push(v)
	return nil
}

func (o *Op) opDerefSize() error {
	size := o.operands[0]
	if size == 0 || size > uint64(o.arch.WordSize()) {
		return o.fail(dwarf.CodeIllegalValue, 0)
	}
	addr := o.pop()
	var buf [8]byte
	if !memory.ReadFully(o.mem, addr, buf[:size]) {
		return o.fail(dwarf.CodeMemoryInvalid, addr)
	}
	var v uint64
	for i := int(size) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	o.push(v)
	return nil
}

func (o *Op) opDup() error {
	o.push(o.StackAt(0))
	return nil
}

func (o *Op) opDrop() error {
	o.pop()
	return nil
}

func (o *Op) opOver() error {
	o.push(o.StackAt(1))
	return nil
}

func (o *Op) opPick() error {
	idx := o.operands[0]
	if idx >= uint64(len(o.stack)) {
		return o.fail(dwarf.CodeStackIndexNotValid, 0)
	}
	o.push(o.StackAt(int(idx)))
	return nil
}

func (o *Op) opSwap() error {
	n := len(o.stack)
	o.stack[n-1], o.stack[n-2] = o.stack[n-2], o.stack[n-1]
	return nil
}

func (o *Op) opRot() error {
	// top moves to third place, the two below it move up
	n := len(o.stack)
	top := o.stack[n-1]
	o.stack[n-1] = o.stack[n-2]
	o.stack[n-2] = o.stack[n-3]
	o.stack[n-3] = top
	return nil
}

func (o *Op) opAbs() error {
	p := o.top()
	if v := o.signed(*p); v < 0 {
		o.set(p, uint64(-v))
	}
	return nil
}

func (o *Op) opAnd() error {
	v := o.pop()
	*o.top() &= v
	return nil
}

func (o *Op) opDiv() error {
	divisor := o.pop()
	if divisor == 0 {
		return o.fail(dwarf.CodeIllegalValue, 0)
	}
	p := o.top()
	o.set(p, uint64(o.signed(*p)/o.signed(divisor)))
	return nil
}

func (o *Op) opMinus() error {
	v := o.pop()
	p := o.top()
	o.set(p, *p-v)
	return nil
}

func (o *Op) opMod() error {
	v := o.pop()
	if v == 0 {
		return o.fail(dwarf.CodeIllegalValue, 0)
	}
	*o.top() %= v
	return nil
}

func (o *Op) opMul() error {
	v := o.pop()
	p := o.top()
	o.set(p, *p*v)
	return nil
}

func (o *Op) opNeg() error {
	p := o.top()
	o.set(p, uint64(-o.signed(*p)))
	return nil
}

func (o *Op) opNot() error {
	p := o.top()
	o.set(p, ^*p)
	return nil
}

func (o *Op) opOr() error {
	v := o.pop()
	*o.top() |= v
	return nil
}

func (o *Op) opPlus() error {
	v := o.pop()
	p := o.top()
	o.set(p, *p+v)
	return nil
}

func (o *Op) opPlusUconst() error {
	p := o.top()
	o.set(p, *p+o.operands[0])
	return nil
}

func (o *Op) opShl() error {
	v := o.pop()
	p := o.top()
	o.set(p, *p<<v)
	return nil
}

func (o *Op) opShr() error {
	v := o.pop()
	p := o.top()
	o.set(p, *p>>v)
	return nil
}

func (o *Op) opShra() error {
	v := o.pop()
	p := o.top()
	o.set(p, uint64(o.signed(*p)>>v))
	return nil
}

func (o *Op) opXor() error {
	v := o.pop()
	*o.top() ^= v
	return nil
}

// opBra and opSkip jump relative to the end of their operand.
func (o *Op) opBra() error {
	if o.pop() != 0 {
		o.expr.SetPos(o.expr.Pos() + o.operands[0])
	}
	return nil
}

func (o *Op) opSkip() error {
	o.expr.SetPos(o.expr.Pos() + o.operands[0])
	return nil
}

// compare pops the top value and replaces the next one with
// next <cmp> top, both taken as signed.
func (o *Op) compare(cmp func(a, b int64) bool) error {
	top := o.signed(o.pop())
	p := o.top()
	*p = boolValue(cmp(o.signed(*p), top))
	return nil
}

func (o *Op) opEq() error { return o.compare(func(a, b int64) bool { return a == b }) }
func (o *Op) opGe() error { return o.compare(func(a, b int64) bool { return a >= b }) }
func (o *Op) opGt() error { return o.compare(func(a, b int64) bool { return a > b }) }
func (o *Op) opLe() error { return o.compare(func(a, b int64) bool { return a <= b }) }
func (o *Op) opLt() error { return o.compare(func(a, b int64) bool { return a < b }) }
func (o *Op) opNe() error { return o.compare(func(a, b int64) bool { return a != b }) }

func (o *Op) opLit() error {
	o.push(uint64(o.curOp - DW_OP_lit0))
	return nil
}

func (o *Op) opReg() error {
	o.isRegister = true
	o.push(uint64(o.curOp - DW_OP_reg0))
	return nil
}

func (o *Op) opRegx() error {
	o.isRegister = true
	o.push(o.operands[0])
	return nil
}

func (o *Op) opBreg() error {
	return o.bregValue(uint64(o.curOp-DW_OP_breg0), o.operands[0])
}

func (o *Op) opBregx() error {
	return o.bregValue(o.operands[0], o.operands[1])
}

func (o *Op) bregValue(reg, offset uint64) error {
	if o.regsInfo == nil {
		return o.fail(dwarf.CodeIllegalState, 0)
	}
	if reg >= uint64(o.regsInfo.Total()) {
		return o.fail(dwarf.CodeIllegalValue, 0)
	}
	o.push(o.regsInfo.Get(int(reg)) + offset)
	return nil
}

func (o *Op) opNop() error {
	return nil
}

func (o *Op) opNotImplemented() error {
	return o.fail(dwarf.CodeNotImplemented, 0)
}

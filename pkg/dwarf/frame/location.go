package frame

import (
	"fmt"
	"sort"
)

// Location tells how to recover the value a register had in the caller.
type Location interface {
	isLocation()
	String() string
}

// Undefined means the value cannot be recovered.
type Undefined struct{}

// SameValue means the register is not modified by the callee.
type SameValue struct{}

// Offset means the value is saved at CFA+Offset.
type Offset struct{ Offset int64 }

// ValOffset means the value is CFA+Offset itself.
type ValOffset struct{ Offset int64 }

// Register means the value is in register Reg, plus Offset. As the CFA
// rule it is the classic "register + offset" definition.
type Register struct {
	Reg    uint32
	Offset int64
}

// Expression means the value is saved at the address computed by the
// DWARF expression of Len bytes at Addr.
type Expression struct{ Addr, Len uint64 }

// ValExpression means the value is the result of the expression.
type ValExpression struct{ Addr, Len uint64 }

func (Undefined) isLocation()     {}
func (SameValue) isLocation()     {}
func (Offset) isLocation()        {}
func (ValOffset) isLocation()     {}
func (Register) isLocation()      {}
func (Expression) isLocation()    {}
func (ValExpression) isLocation() {}

func (Undefined) String() string       { return "undefined" }
func (SameValue) String() string       { return "same" }
func (l Offset) String() string        { return fmt.Sprintf("[cfa%+d]", l.Offset) }
func (l ValOffset) String() string     { return fmt.Sprintf("cfa%+d", l.Offset) }
func (l Register) String() string      { return fmt.Sprintf("r%d%+d", l.Reg, l.Offset) }
func (l Expression) String() string    { return fmt.Sprintf("[expr %#x+%d]", l.Addr, l.Len) }
func (l ValExpression) String() string { return fmt.Sprintf("expr %#x+%d", l.Addr, l.Len) }

// CFAReg is the pseudo register holding the CFA rule.
const CFAReg = ^uint32(0)

// LocationTable is the set of rules in effect for a pc range.
type LocationTable struct {
	PCStart uint64
	PCEnd   uint64
	Regs    map[uint32]Location
}

// NewLocationTable returns an empty table.
func NewLocationTable() *LocationTable {
	return &LocationTable{Regs: map[uint32]Location{}}
}

// CFA returns the CFA rule, nil if undefined.
func (t *LocationTable) CFA() Location {
	return t.Regs[CFAReg]
}

// Clone returns a copy that can be modified independently.
func (t *LocationTable) Clone() *LocationTable {
	c := &LocationTable{PCStart: t.PCStart, PCEnd: t.PCEnd, Regs: make(map[uint32]Location, len(t.Regs))}
	for k, v := range t.Regs {
		c.Regs[k] = v
	}
	return c
}

// Registers returns the register numbers with a rule in ascending order,
// without the CFA.
func (t *LocationTable) Registers() []uint32 {
	out := make([]uint32, 0, len(t.Regs))
	for k := range t.Regs {
		if k != CFAReg {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

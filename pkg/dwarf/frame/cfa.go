package frame

import (
	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/util"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Call frame instructions. The three high opcodes carry their first
// operand in the low 6 bits.
const (
	DW_CFA_advance_loc = 0x40
	DW_CFA_offset      = 0x80
	DW_CFA_restore     = 0xc0

	DW_CFA_nop                          = 0x00
	DW_CFA_set_loc                      = 0x01
	DW_CFA_advance_loc1                 = 0x02
	DW_CFA_advance_loc2                 = 0x03
	DW_CFA_advance_loc4                 = 0x04
	DW_CFA_offset_extended              = 0x05
	DW_CFA_restore_extended             = 0x06
	DW_CFA_undefined                    = 0x07
	DW_CFA_same_value                   = 0x08
	DW_CFA_register                     = 0x09
	DW_CFA_remember_state               = 0x0a
	DW_CFA_restore_state                = 0x0b
	DW_CFA_def_cfa                      = 0x0c
	DW_CFA_def_cfa_register             = 0x0d
	DW_CFA_def_cfa_offset               = 0x0e
	DW_CFA_def_cfa_expression           = 0x0f
	DW_CFA_expression                   = 0x10
	DW_CFA_offset_extended_sf           = 0x11
	DW_CFA_def_cfa_sf                   = 0x12
	DW_CFA_def_cfa_offset_sf            = 0x13
	DW_CFA_val_offset                   = 0x14
	DW_CFA_val_offset_sf                = 0x15
	DW_CFA_val_expression               = 0x16
	DW_CFA_AARCH64_negate_ra_state      = 0x2d
	DW_CFA_GNU_args_size                = 0x2e
	DW_CFA_GNU_negative_offset_extended = 0x2f
)

type cfaOperand uint8

const (
	cfaNone cfaOperand = iota
	cfaUleb
	cfaSleb
	cfaU1
	cfaU2
	cfaU4
	cfaAddr
	cfaBlock // uleb length followed by that many bytes
)

type cfaOp struct {
	name     string
	operands []cfaOperand
}

var cfaOps = map[uint8]cfaOp{
	DW_CFA_nop:                          {"DW_CFA_nop", nil},
	DW_CFA_set_loc:                      {"DW_CFA_set_loc", []cfaOperand{cfaAddr}},
	DW_CFA_advance_loc1:                 {"DW_CFA_advance_loc1", []cfaOperand{cfaU1}},
	DW_CFA_advance_loc2:                 {"DW_CFA_advance_loc2", []cfaOperand{cfaU2}},
	DW_CFA_advance_loc4:                 {"DW_CFA_advance_loc4", []cfaOperand{cfaU4}},
	DW_CFA_offset_extended:              {"DW_CFA_offset_extended", []cfaOperand{cfaUleb, cfaUleb}},
	DW_CFA_restore_extended:             {"DW_CFA_restore_extended", []cfaOperand{cfaUleb}},
	DW_CFA_undefined:                    {"DW_CFA_undefined", []cfaOperand{cfaUleb}},
	DW_CFA_same_value:                   {"DW_CFA_same_value", []cfaOperand{cfaUleb}},
	DW_CFA_register:                     {"DW_CFA_register", []cfaOperand{cfaUleb, cfaUleb}},
	DW_CFA_remember_state:               {"DW_CFA_remember_state", nil},
	DW_CFA_restore_state:                {"DW_CFA_restore_state", nil},
	DW_CFA_def_cfa:                      {"DW_CFA_def_cfa", []cfaOperand{cfaUleb, cfaUleb}},
	DW_CFA_def_cfa_register:             {"DW_CFA_def_cfa_register", []cfaOperand{cfaUleb}},
	DW_CFA_def_cfa_offset:               {"DW_CFA_def_cfa_offset", []cfaOperand{cfaUleb}},
	DW_CFA_def_cfa_expression:           {"DW_CFA_def_cfa_expression", []cfaOperand{cfaBlock}},
	DW_CFA_expression:                   {"DW_CFA_expression", []cfaOperand{cfaUleb, cfaBlock}},
	DW_CFA_offset_extended_sf:           {"DW_CFA_offset_extended_sf", []cfaOperand{cfaUleb, cfaSleb}},
	DW_CFA_def_cfa_sf:                   {"DW_CFA_def_cfa_sf", []cfaOperand{cfaUleb, cfaSleb}},
	DW_CFA_def_cfa_offset_sf:            {"DW_CFA_def_cfa_offset_sf", []cfaOperand{cfaSleb}},
	DW_CFA_val_offset:                   {"DW_CFA_val_offset", []cfaOperand{cfaUleb, cfaUleb}},
	DW_CFA_val_offset_sf:                {"DW_CFA_val_offset_sf", []cfaOperand{cfaUleb, cfaSleb}},
	DW_CFA_val_expression:               {"DW_CFA_val_expression", []cfaOperand{cfaUleb, cfaBlock}},
	DW_CFA_AARCH64_negate_ra_state:      {"DW_CFA_AARCH64_negate_ra_state", nil},
	DW_CFA_GNU_args_size:                {"DW_CFA_GNU_args_size", []cfaOperand{cfaUleb}},
	DW_CFA_GNU_negative_offset_extended: {"DW_CFA_GNU_negative_offset_extended", []cfaOperand{cfaUleb, cfaUleb}},
}

// cfaInstruction is one decoded call frame instruction. For block operands
// the operand holds the length and blockAddr where the bytes start.
type cfaInstruction struct {
	pos       uint64
	code      uint8
	operands  []uint64
	blockAddr uint64
}

// decodeCFA reads one instruction at the cursor position. The low 6 bits
// of the high opcodes become the first operand.
func decodeCFA(c *util.Cursor, arch regs.Arch) (*cfaInstruction, error) {
	in := &cfaInstruction{pos: c.Pos()}
	b, err := c.U8()
	if err != nil {
		return nil, err
	}

	switch b & 0xc0 {
	case DW_CFA_advance_loc:
		in.code = DW_CFA_advance_loc
		in.operands = []uint64{uint64(b & 0x3f)}
		return in, nil
	case DW_CFA_offset:
		in.code = DW_CFA_offset
		off, err := c.ULEB128()
		if err != nil {
			return nil, err
		}
		in.operands = []uint64{uint64(b & 0x3f), off}
		return in, nil
	case DW_CFA_restore:
		in.code = DW_CFA_restore
		in.operands = []uint64{uint64(b & 0x3f)}
		return in, nil
	}

	in.code = b
	op, ok := cfaOps[b]
	if !ok || (b == DW_CFA_AARCH64_negate_ra_state && arch != regs.ArchARM64) {
		return nil, dwarf.ErrIllegalValue
	}
	for _, kind := range op.operands {
		var (
			v   uint64
			err error
		)
		switch kind {
		case cfaUleb:
			v, err = c.ULEB128()
		case cfaSleb:
			var s int64
			s, err = c.SLEB128()
			v = uint64(s)
		case cfaU1:
			var u uint8
			u, err = c.U8()
			v = uint64(u)
		case cfaU2:
			var u uint16
			u, err = c.U16()
			v = uint64(u)
		case cfaU4:
			var u uint32
			u, err = c.U32()
			v = uint64(u)
		case cfaAddr:
			v, err = c.Encoded(util.PEAbsptr)
		case cfaBlock:
			v, err = c.ULEB128()
			if err == nil {
				in.blockAddr = c.Pos()
				c.Skip(v)
			}
		}
		if err != nil {
			return nil, err
		}
		in.operands = append(in.operands, v)
	}
	return in, nil
}

func cfaName(code uint8) string {
	switch code {
	case DW_CFA_advance_loc:
		return "DW_CFA_advance_loc"
	case DW_CFA_offset:
		return "DW_CFA_offset"
	case DW_CFA_restore:
		return "DW_CFA_restore"
	}
	if op, ok := cfaOps[code]; ok {
		return op.name
	}
	return "illegal"
}

// cfaState runs call frame instructions over a LocationTable.
type cfaState struct {
	section  *Section
	cie      *CommonInformationEntry
	cieTable *LocationTable // nil while running the CIE itself
	table    *LocationTable
	stack    []map[uint32]Location
	curPC    uint64
}

// run executes the instructions in [start, end) until the row covering pc
// is complete.
func (st *cfaState) run(start, end, pc uint64) error {
	c := st.section.cursor()
	c.SetPos(start)

	for c.Pos() < end {
		if st.curPC > pc {
			st.table.PCEnd = st.curPC
			return nil
		}
		st.table.PCStart = st.curPC

		in, err := decodeCFA(c, st.section.arch)
		if err != nil {
			return err
		}
		if err := st.exec(in); err != nil {
			return err
		}
	}
	return nil
}

func (st *cfaState) exec(in *cfaInstruction) error {
	cie := st.cie
	locs := st.table.Regs
	ops := in.operands

	switch in.code {
	case DW_CFA_nop, DW_CFA_GNU_args_size, DW_CFA_AARCH64_negate_ra_state:

	case DW_CFA_advance_loc, DW_CFA_advance_loc1, DW_CFA_advance_loc2, DW_CFA_advance_loc4:
		st.curPC += ops[0] * cie.CodeAlignmentFactor

	case DW_CFA_set_loc:
		if ops[0] < st.curPC {
			st.section.log.Warnf("DW_CFA_set_loc: PC moving backwards %#x -> %#x", st.curPC, ops[0])
		}
		st.curPC = ops[0]

	case DW_CFA_offset, DW_CFA_offset_extended, DW_CFA_offset_extended_sf:
		locs[uint32(ops[0])] = Offset{Offset: int64(ops[1]) * cie.DataAlignmentFactor}

	case DW_CFA_GNU_negative_offset_extended:
		locs[uint32(ops[0])] = Offset{Offset: -int64(ops[1])}

	case DW_CFA_val_offset, DW_CFA_val_offset_sf:
		locs[uint32(ops[0])] = ValOffset{Offset: int64(ops[1]) * cie.DataAlignmentFactor}

	case DW_CFA_restore, DW_CFA_restore_extended:
		if st.cieTable == nil {
			return dwarf.ErrIllegalState
		}
		reg := uint32(ops[0])
		if loc, ok := st.cieTable.Regs[reg]; ok {
			locs[reg] = loc
		} else {
			delete(locs, reg)
		}

	case DW_CFA_undefined:
		locs[uint32(ops[0])] = Undefined{}

	case DW_CFA_same_value:
		locs[uint32(ops[0])] = SameValue{}

	case DW_CFA_register:
		locs[uint32(ops[0])] = Register{Reg: uint32(ops[1])}

	case DW_CFA_remember_state:
		saved := make(map[uint32]Location, len(locs))
		for k, v := range locs {
			saved[k] = v
		}
		st.stack = append(st.stack, saved)

	case DW_CFA_restore_state:
		if len(st.stack) == 0 {
			st.section.log.Warnf("DW_CFA_restore_state: no remembered state at %#x", in.pos)
			return nil
		}
		st.table.Regs = st.stack[len(st.stack)-1]
		st.stack = st.stack[:len(st.stack)-1]

	case DW_CFA_def_cfa:
		locs[CFAReg] = Register{Reg: uint32(ops[0]), Offset: int64(ops[1])}

	case DW_CFA_def_cfa_sf:
		locs[CFAReg] = Register{Reg: uint32(ops[0]), Offset: int64(ops[1]) * cie.DataAlignmentFactor}

	case DW_CFA_def_cfa_register:
		cfa, ok := locs[CFAReg].(Register)
		if !ok {
			return dwarf.ErrIllegalState
		}
		cfa.Reg = uint32(ops[0])
		locs[CFAReg] = cfa

	case DW_CFA_def_cfa_offset:
		cfa, ok := locs[CFAReg].(Register)
		if !ok {
			return dwarf.ErrIllegalState
		}
		cfa.Offset = int64(ops[0])
		locs[CFAReg] = cfa

	case DW_CFA_def_cfa_offset_sf:
		cfa, ok := locs[CFAReg].(Register)
		if !ok {
			return dwarf.ErrIllegalState
		}
		cfa.Offset = int64(ops[0]) * cie.DataAlignmentFactor
		locs[CFAReg] = cfa

	case DW_CFA_def_cfa_expression:
		locs[CFAReg] = ValExpression{Addr: in.blockAddr, Len: ops[0]}

	case DW_CFA_expression:
		locs[uint32(ops[0])] = Expression{Addr: in.blockAddr, Len: ops[1]}

	case DW_CFA_val_expression:
		locs[uint32(ops[0])] = ValExpression{Addr: in.blockAddr, Len: ops[1]}

	default:
		return dwarf.ErrIllegalValue
	}
	return nil
}

// cieTable returns the rules set up by the initial instructions of cie.
func (s *Section) cieTable(cie *CommonInformationEntry) (*LocationTable, error) {
	if t, ok := s.cachedTable(cie.Offset); ok {
		return t, nil
	}

	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if t, ok := s.cachedTable(cie.Offset); ok {
		return t, nil
	}
	s.stats.tableMisses.Inc()

	st := &cfaState{section: s, cie: cie, table: NewLocationTable()}
	if err := st.run(cie.InstructionsOffset, cie.InstructionsEnd, ^uint64(0)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cieTables[cie.Offset] = st.table
	s.mu.Unlock()
	return st.table, nil
}

func (s *Section) cachedTable(offset uint64) (*LocationTable, bool) {
	s.mu.RLock()
	t, ok := s.cieTables[offset]
	s.mu.RUnlock()
	if ok {
		s.stats.tableHits.Inc()
	}
	return t, ok
}

// CfaLocationInfo returns the rules in effect at pc inside fde: the CIE
// initial rules edited by the FDE instructions up to pc.
func (s *Section) CfaLocationInfo(pc uint64, fde *FrameDescriptionEntry) (*LocationTable, error) {
	cie := fde.CIE
	if cie == nil {
		var err error
		if cie, err = s.CieFromOffset(fde.CieOffset); err != nil {
			return nil, err
		}
	}

	base, err := s.cieTable(cie)
	if err != nil {
		return nil, err
	}

	st := &cfaState{
		section:  s,
		cie:      cie,
		cieTable: base,
		table:    base.Clone(),
		curPC:    fde.PCStart,
	}
	st.table.PCStart, st.table.PCEnd = fde.PCStart, fde.PCEnd
	if err := st.run(fde.InstructionsOffset, fde.InstructionsEnd, pc); err != nil {
		return nil, err
	}
	return st.table, nil
}

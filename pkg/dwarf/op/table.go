package op

import "strconv"

// DWARF expression opcodes.
const (
	DW_OP_addr                = 0x03
	DW_OP_deref               = 0x06
	DW_OP_const1u             = 0x08
	DW_OP_const1s             = 0x09
	DW_OP_const2u             = 0x0a
	DW_OP_const2s             = 0x0b
	DW_OP_const4u             = 0x0c
	DW_OP_const4s             = 0x0d
	DW_OP_const8u             = 0x0e
	DW_OP_const8s             = 0x0f
	DW_OP_constu              = 0x10
	DW_OP_consts              = 0x11
	DW_OP_dup                 = 0x12
	DW_OP_drop                = 0x13
	DW_OP_over                = 0x14
	DW_OP_pick                = 0x15
	DW_OP_swap                = 0x16
	DW_OP_rot                 = 0x17
	DW_OP_xderef              = 0x18
	DW_OP_abs                 = 0x19
	DW_OP_and                 = 0x1a
	DW_OP_div                 = 0x1b
	DW_OP_minus               = 0x1c
	DW_OP_mod                 = 0x1d
	DW_OP_mul                 = 0x1e
	DW_OP_neg                 = 0x1f
	DW_OP_not                 = 0x20
	DW_OP_or                  = 0x21
	DW_OP_plus                = 0x22
	DW_OP_plus_uconst         = 0x23
	DW_OP_shl                 = 0x24
	DW_OP_shr                 = 0x25
	DW_OP_shra                = 0x26
	DW_OP_xor                 = 0x27
	DW_OP_bra                 = 0x28
	DW_OP_eq                  = 0x29
	DW_OP_ge                  = 0x2a
	DW_OP_gt                  = 0x2b
	DW_OP_le                  = 0x2c
	DW_OP_lt                  = 0x2d
	DW_OP_ne                  = 0x2e
	DW_OP_skip                = 0x2f
	DW_OP_lit0                = 0x30
	DW_OP_lit31               = 0x4f
	DW_OP_reg0                = 0x50
	DW_OP_reg31               = 0x6f
	DW_OP_breg0               = 0x70
	DW_OP_breg31              = 0x8f
	DW_OP_regx                = 0x90
	DW_OP_fbreg               = 0x91
	DW_OP_bregx               = 0x92
	DW_OP_piece               = 0x93
	DW_OP_deref_size          = 0x94
	DW_OP_xderef_size         = 0x95
	DW_OP_nop                 = 0x96
	DW_OP_push_object_address = 0x97
	DW_OP_call2               = 0x98
	DW_OP_call4               = 0x99
	DW_OP_call_ref            = 0x9a
	DW_OP_form_tls_address    = 0x9b
	DW_OP_call_frame_cfa      = 0x9c
	DW_OP_bit_piece           = 0x9d
	DW_OP_implicit_value      = 0x9e
	DW_OP_stack_value         = 0x9f
)

// operand encodings
type operand uint8

const (
	u1 operand = iota + 1
	s1
	u2
	s2
	u4
	s4
	u8
	s8
	uleb
	sleb
	addr
)

type handler func(o *Op) error

type opInfo struct {
	name     string
	fn       handler // nil means illegal
	required int     // stack values that must be present
	operands []operand
}

var opTable [256]opInfo

func def(code int, name string, fn handler, required int, operands ...operand) {
	opTable[code] = opInfo{name: name, fn: fn, required: required, operands: operands}
}

func init() {
	def(DW_OP_addr, "DW_OP_addr", (*Op).opPush, 0, addr)
	def(DW_OP_deref, "DW_OP_deref", (*Op).opDeref, 1)
	def(DW_OP_const1u, "DW_OP_const1u", (*Op).opPush, 0, u1)
	def(DW_OP_const1s, "DW_OP_const1s", (*Op).opPush, 0, s1)
	def(DW_OP_const2u, "DW_OP_const2u", (*Op).opPush, 0, u2)
	def(DW_OP_const2s, "DW_OP_const2s", (*Op).opPush, 0, s2)
	def(DW_OP_const4u, "DW_OP_const4u", (*Op).opPush, 0, u4)
	def(DW_OP_const4s, "DW_OP_const4s", (*Op).opPush, 0, s4)
	def(DW_OP_const8u, "DW_OP_const8u", (*Op).opPush, 0, u8)
	def(DW_OP_const8s, "DW_OP_const8s", (*Op).opPush, 0, s8)
	def(DW_OP_constu, "DW_OP_constu", (*Op).opPush, 0, uleb)
	def(DW_OP_consts, "DW_OP_consts", (*Op).opPush, 0, sleb)
	def(DW_OP_dup, "DW_OP_dup", (*Op).opDup, 1)
	def(DW_OP_drop, "DW_OP_drop", (*Op).opDrop, 1)
	def(DW_OP_over, "DW_OP_over", (*Op).opOver, 2)
	def(DW_OP_pick, "DW_OP_pick", (*Op).opPick, 0, u1)
	def(DW_OP_swap, "DW_OP_swap", (*Op).opSwap, 2)
	def(DW_OP_rot, "DW_OP_rot", (*Op).opRot, 3)
	def(DW_OP_xderef, "DW_OP_xderef", (*Op).opNotImplemented, 2)
	def(DW_OP_abs, "DW_OP_abs", (*Op).opAbs, 1)
	def(DW_OP_and, "DW_OP_and", (*Op).opAnd, 2)
	def(DW_OP_div, "DW_OP_div", (*Op).opDiv, 2)
	def(DW_OP_minus, "DW_OP_minus", (*Op).opMinus, 2)
	def(DW_OP_mod, "DW_OP_mod", (*Op).opMod, 2)
	def(DW_OP_mul, "DW_OP_mul", (*Op).opMul, 2)
	def(DW_OP_neg, "DW_OP_neg", (*Op).opNeg, 1)
	def(DW_OP_not, "DW_OP_not", (*Op).opNot, 1)
	def(DW_OP_or, "DW_OP_or", (*Op).opOr, 2)
	def(DW_OP_plus, "DW_OP_plus", (*Op).opPlus, 2)
	def(DW_OP_plus_uconst, "DW_OP_plus_uconst", (*Op).opPlusUconst, 1, uleb)
	def(DW_OP_shl, "DW_OP_shl", (*Op).opShl, 2)
	def(DW_OP_shr, "DW_OP_shr", (*Op).opShr, 2)
	def(DW_OP_shra, "DW_OP_shra", (*Op).opShra, 2)
	def(DW_OP_xor, "DW_OP_xor", (*Op).opXor, 2)
	def(DW_OP_bra, "DW_OP_bra", (*Op).opBra, 1, s2)
	def(DW_OP_eq, "DW_OP_eq", (*Op).opEq, 2)
	def(DW_OP_ge, "DW_OP_ge", (*Op).opGe, 2)
	def(DW_OP_gt, "DW_OP_gt", (*Op).opGt, 2)
	def(DW_OP_le, "DW_OP_le", (*Op).opLe, 2)
	def(DW_OP_lt, "DW_OP_lt", (*Op).opLt, 2)
	def(DW_OP_ne, "DW_OP_ne", (*Op).opNe, 2)
	def(DW_OP_skip, "DW_OP_skip", (*Op).opSkip, 0, s2)

	for i := 0; i < 32; i++ {
		def(DW_OP_lit0+i, "DW_OP_lit"+strconv.Itoa(i), (*Op).opLit, 0)
		def(DW_OP_reg0+i, "DW_OP_reg"+strconv.Itoa(i), (*Op).opReg, 0)
		def(DW_OP_breg0+i, "DW_OP_breg"+strconv.Itoa(i), (*Op).opBreg, 0, sleb)
	}

	def(DW_OP_regx, "DW_OP_regx", (*Op).opRegx, 0, uleb)
	def(DW_OP_fbreg, "DW_OP_fbreg", (*Op).opNotImplemented, 0, sleb)
	def(DW_OP_bregx, "DW_OP_bregx", (*Op).opBregx, 0, uleb, sleb)
	def(DW_OP_piece, "DW_OP_piece", (*Op).opNotImplemented, 0, uleb)
	def(DW_OP_deref_size, "DW_OP_deref_size", (*Op).opDerefSize, 1, u1)
	def(DW_OP_xderef_size, "DW_OP_xderef_size", (*Op).opNotImplemented, 2, u1)
	def(DW_OP_nop, "DW_OP_nop", (*Op).opNop, 0)
	def(DW_OP_push_object_address, "DW_OP_push_object_address", (*Op).opNotImplemented, 0)
	def(DW_OP_call2, "DW_OP_call2", (*Op).opNotImplemented, 0, u2)
	def(DW_OP_call4, "DW_OP_call4", (*Op).opNotImplemented, 0, u4)
	def(DW_OP_call_ref, "DW_OP_call_ref", (*Op).opNotImplemented, 0)
	def(DW_OP_form_tls_address, "DW_OP_form_tls_address", (*Op).opNotImplemented, 0)
	def(DW_OP_call_frame_cfa, "DW_OP_call_frame_cfa", (*Op).opNotImplemented, 0)
	def(DW_OP_bit_piece, "DW_OP_bit_piece", (*Op).opNotImplemented, 0, uleb, uleb)
	def(DW_OP_implicit_value, "DW_OP_implicit_value", (*Op).opNotImplemented, 0, uleb)
	def(DW_OP_stack_value, "DW_OP_stack_value", (*Op).opNotImplemented, 1)
}

// Name returns the mnemonic of code, or "illegal".
func Name(code uint8) string {
	if opTable[code].fn == nil {
		return "illegal"
	}
	return opTable[code].name
}

// Package dwarf provides the pieces needed to unwind a stack with DWARF
// call frame information: the expression evaluator (op), the CIE/FDE
// decoder and its location tables (frame), and the LEB128 and pointer
// encoding readers they share (util).
//
// This package itself only holds the error taxonomy shared by them.
package dwarf

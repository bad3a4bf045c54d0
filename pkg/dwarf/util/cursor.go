// Package util reads the primitive encodings used by DWARF call frame
// information: fixed size little endian integers, LEB128 numbers, NUL
// terminated strings and DW_EH_PE encoded pointers.
package util

import (
	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/memory"
)

// Pointer encodings, see the LSB "DWARF Extensions" chapter.
const (
	PEAbsptr  = 0x00
	PEUleb128 = 0x01
	PEUdata2  = 0x02
	PEUdata4  = 0x03
	PEUdata8  = 0x04
	PESleb128 = 0x09
	PESdata2  = 0x0a
	PESdata4  = 0x0b
	PESdata8  = 0x0c

	PEPcrel    = 0x10
	PETextrel  = 0x20
	PEDatarel  = 0x30
	PEFuncrel  = 0x40
	PEAligned  = 0x50
	PEIndirect = 0x80

	PEOmit = 0xff
)

// Cursor reads sequentially from a Memory. Every read failure is reported
// as a *dwarf.Error with CodeMemoryInvalid at the first unread address.
type Cursor struct {
	mem      memory.Memory
	pos      uint64
	wordSize int

	// bases for the relative pointer applications
	pcBias  uint64
	hasPC   bool
	text    uint64
	hasText bool
	data    uint64
	hasData bool
	fn      uint64
	hasFunc bool
}

// NewCursor returns a cursor at position 0. wordSize is the size of an
// absptr encoded pointer.
func NewCursor(mem memory.Memory, wordSize int) *Cursor {
	return &Cursor{mem: mem, wordSize: wordSize}
}

// Pos returns the current position.
func (c *Cursor) Pos() uint64 { return c.pos }

// SetPos moves the cursor.
func (c *Cursor) SetPos(pos uint64) { c.pos = pos }

// Skip advances the cursor by n bytes.
func (c *Cursor) Skip(n uint64) { c.pos += n }

// SetPCRelBias enables DW_EH_PE_pcrel. A pc relative value resolves to the
// position of its field plus bias.
func (c *Cursor) SetPCRelBias(bias uint64) {
	c.pcBias, c.hasPC = bias, true
}

// SetTextBase enables DW_EH_PE_textrel.
func (c *Cursor) SetTextBase(v uint64) { c.text, c.hasText = v, true }

// SetDataBase enables DW_EH_PE_datarel.
func (c *Cursor) SetDataBase(v uint64) { c.data, c.hasData = v, true }

// SetFuncBase enables DW_EH_PE_funcrel, the base is the start pc of the
// FDE being decoded.
func (c *Cursor) SetFuncBase(v uint64) { c.fn, c.hasFunc = v, true }

// Bytes fills dst.
func (c *Cursor) Bytes(dst []byte) error {
	n := c.mem.Read(c.pos, dst)
	if n != len(dst) {
		return dwarf.MemoryError(c.pos + uint64(n))
	}
	c.pos += uint64(n)
	return nil
}

func (c *Cursor) U8() (uint8, error) {
	var b [1]byte
	if err := c.Bytes(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) U16() (uint16, error) {
	v, err := c.Uint(2)
	return uint16(v), err
}

func (c *Cursor) U32() (uint32, error) {
	v, err := c.Uint(4)
	return uint32(v), err
}

func (c *Cursor) U64() (uint64, error) {
	return c.Uint(8)
}

// Uint reads a little endian unsigned integer of size bytes.
func (c *Cursor) Uint(size int) (uint64, error) {
	var b [8]byte
	if err := c.Bytes(b[:size]); err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// Int reads a little endian signed integer of size bytes.
func (c *Cursor) Int(size int) (int64, error) {
	v, err := c.Uint(size)
	if err != nil {
		return 0, err
	}
	shift := uint(64 - 8*size)
	return int64(v<<shift) >> shift, nil
}

// ULEB128 reads an unsigned LEB128 number. Bits beyond 64 are dropped.
func (c *Cursor) ULEB128() (uint64, error) {
	var (
		result uint64
		shift  uint
	)
	for {
		b, err := c.U8()
		if err != nil {
			return 0, err
		}
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return result, nil
		}
	}
}

// SLEB128 reads a signed LEB128 number.
func (c *Cursor) SLEB128() (int64, error) {
	var (
		result int64
		shift  uint
		b      uint8
		err    error
	)
	for {
		b, err = c.U8()
		if err != nil {
			return 0, err
		}
		if shift < 64 {
			result |= int64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// CString reads a NUL terminated string, consuming the terminator.
func (c *Cursor) CString() (string, error) {
	var buf []byte
	for {
		b, err := c.U8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

// Encoded reads a pointer with the DW_EH_PE encoding enc. DW_EH_PE_omit
// reads nothing and yields 0. The indirect bit is ignored: the value is
// returned as the address of the pointer.
func (c *Cursor) Encoded(enc uint8) (uint64, error) {
	if enc == PEOmit {
		return 0, nil
	}

	start := c.pos
	if enc&0x70 == PEAligned {
		// the only valid aligned form is an aligned absptr
		if enc&0x0f != PEAbsptr {
			return 0, dwarf.ErrIllegalValue
		}
		ws := uint64(c.wordSize)
		c.pos = (c.pos + ws - 1) &^ (ws - 1)
		return c.Uint(c.wordSize)
	}

	var (
		v   uint64
		err error
	)
	switch enc & 0x0f {
	case PEAbsptr:
		v, err = c.Uint(c.wordSize)
	case PEUleb128:
		v, err = c.ULEB128()
	case PEUdata2:
		v, err = c.Uint(2)
	case PEUdata4:
		v, err = c.Uint(4)
	case PEUdata8:
		v, err = c.Uint(8)
	case PESleb128:
		var s int64
		s, err = c.SLEB128()
		v = uint64(s)
	case PESdata2:
		var s int64
		s, err = c.Int(2)
		v = uint64(s)
	case PESdata4:
		var s int64
		s, err = c.Int(4)
		v = uint64(s)
	case PESdata8:
		v, err = c.Uint(8)
	default:
		return 0, dwarf.ErrIllegalValue
	}
	if err != nil {
		return 0, err
	}

	switch enc & 0x70 {
	case PEAbsptr:
	case PEPcrel:
		if !c.hasPC {
			return 0, dwarf.ErrIllegalValue
		}
		v += start + c.pcBias
	case PETextrel:
		if !c.hasText {
			return 0, dwarf.ErrIllegalValue
		}
		v += c.text
	case PEDatarel:
		if !c.hasData {
			return 0, dwarf.ErrIllegalValue
		}
		v += c.data
	case PEFuncrel:
		if !c.hasFunc {
			return 0, dwarf.ErrIllegalValue
		}
		v += c.fn
	default:
		return 0, dwarf.ErrIllegalValue
	}

	if c.wordSize == 4 {
		v = uint64(uint32(v))
	}
	return v, nil
}

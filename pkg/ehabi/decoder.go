package ehabi

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

const opFinish = 0xb0

// Decoder runs the unwind instructions of one table entry. The virtual
// stack pointer starts at the CFA and registers are popped from process
// memory into regs.
type Decoder struct {
	elf     memory.Memory
	process memory.Memory
	regs    *regs.Regs

	data    []byte
	cfa     uint32
	pcSet   bool
	status  Status
	address uint64

	logging bool
	log     []string
}

// NewDecoder returns a decoder reading tables from elf and the stack from
// process.
func NewDecoder(elf, process memory.Memory, r *regs.Regs) *Decoder {
	return &Decoder{elf: elf, process: process, regs: r}
}

// SetCFA sets the initial virtual stack pointer.
func (d *Decoder) SetCFA(cfa uint64) { d.cfa = uint32(cfa) }

// CFA returns the virtual stack pointer.
func (d *Decoder) CFA() uint64 { return uint64(d.cfa) }

// PCSet reports whether an instruction popped the pc.
func (d *Decoder) PCSet() bool { return d.pcSet }

// Status returns the status of the last operation.
func (d *Decoder) Status() Status { return d.status }

// Data returns the instruction bytes not consumed yet.
func (d *Decoder) Data() []byte { return d.data }

// SetLogging makes Eval record a description of every instruction.
func (d *Decoder) SetLogging(on bool) { d.logging = on }

// Log returns the descriptions recorded by the last Eval.
func (d *Decoder) Log() []string { return d.log }

// Err returns the status as an error, nil for the non failure statuses.
func (d *Decoder) Err() error {
	switch d.status {
	case StatusNone, StatusNoUnwind, StatusFinish:
		return nil
	}
	return &Error{Status: d.status, Address: d.address}
}

func (d *Decoder) fail(s Status) error {
	d.status = s
	return d.Err()
}

func (d *Decoder) readFailed(addr uint64) error {
	d.address = addr
	return d.fail(StatusReadFailed)
}

func (d *Decoder) logf(format string, args ...interface{}) {
	if d.logging {
		d.log = append(d.log, fmt.Sprintf(format, args...))
	}
}

// ExtractEntryData loads the instructions of the entry at offset. The
// entry either holds them inline, points to them in .ARM.extab or says the
// frame cannot be unwound (StatusNoUnwind).
func (d *Decoder) ExtractEntryData(offset uint64) error {
	d.data = d.data[:0]
	d.status = StatusNone

	if offset&3 != 0 {
		return d.fail(StatusInvalidAlignment)
	}

	data, ok := memory.Read32(d.elf, offset+4)
	if !ok {
		return d.readFailed(offset + 4)
	}
	if data == 1 {
		d.status = StatusNoUnwind
		return nil
	}

	if data&(1<<31) != 0 {
		// inline compact model, only personality 0 fits
		if (data>>24)&0xf != 0 {
			return d.fail(StatusInvalidPersonality)
		}
		d.data = append(d.data, byte(data>>16), byte(data>>8), byte(data))
		d.appendFinish()
		return nil
	}

	addr := uint64(prel31(offset+4, data))
	if data, ok = memory.Read32(d.elf, addr); !ok {
		return d.readFailed(addr)
	}

	var words uint32
	if data&(1<<31) != 0 {
		switch (data >> 24) & 0xf {
		case 0:
			d.data = append(d.data, byte(data>>16))
		case 1, 2:
			words = (data >> 16) & 0xff
			addr += 4
		default:
			return d.fail(StatusInvalidPersonality)
		}
		d.data = append(d.data, byte(data>>8), byte(data))
	} else {
		// generic model, skip the personality routine
		addr += 4
		if data, ok = memory.Read32(d.elf, addr); !ok {
			return d.readFailed(addr)
		}
		words = (data >> 24) & 0xff
		d.data = append(d.data, byte(data>>16), byte(data>>8), byte(data))
		addr += 4
	}

	if words > 5 {
		return d.fail(StatusMalformed)
	}
	for i := uint32(0); i < words; i++ {
		if data, ok = memory.Read32(d.elf, addr); !ok {
			return d.readFailed(addr)
		}
		d.data = append(d.data, byte(data>>24), byte(data>>16), byte(data>>8), byte(data))
		addr += 4
	}
	d.appendFinish()
	return nil
}

func (d *Decoder) appendFinish() {
	if d.data[len(d.data)-1] != opFinish {
		d.data = append(d.data, opFinish)
	}
}

// Eval runs instructions until finish or a failure. It returns nil when
// the instructions finished.
func (d *Decoder) Eval() error {
	d.log = d.log[:0]
	for {
		cont, err := d.Decode()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

func (d *Decoder) readByte() (byte, error) {
	if len(d.data) == 0 {
		return 0, d.fail(StatusTruncated)
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b, nil
}

func (d *Decoder) pop(reg int) error {
	v, ok := memory.Read32(d.process, uint64(d.cfa))
	if !ok {
		return d.readFailed(uint64(d.cfa))
	}
	d.regs.Set(reg, uint64(v))
	d.cfa += 4
	return nil
}

// Decode runs one instruction. It returns false after finish or when the
// entry refuses to unwind.
func (d *Decoder) Decode() (bool, error) {
	b, err := d.readByte()
	if err != nil {
		return false, err
	}

	switch b >> 6 {
	case 0:
		// 00xxxxxx: vsp = vsp + (xxxxxx << 2) + 4
		n := uint32(b&0x3f)<<2 + 4
		d.cfa += n
		d.logf("vsp = vsp + %d", n)
		return true, nil
	case 1:
		// 01xxxxxx: vsp = vsp - (xxxxxx << 2) - 4
		n := uint32(b&0x3f)<<2 + 4
		d.cfa -= n
		d.logf("vsp = vsp - %d", n)
		return true, nil
	case 2:
		return d.decode10(b)
	}
	return d.decode11(b)
}

func (d *Decoder) decode10(b byte) (bool, error) {
	switch (b >> 4) & 0x3 {
	case 0:
		// 1000iiii iiiiiiii: pop under mask {r15-r12}, {r11-r4}
		next, err := d.readByte()
		if err != nil {
			return false, err
		}
		mask := (uint16(b&0xf)<<8 | uint16(next)) << 4
		if mask == 0 {
			d.logf("refuse to unwind")
			d.status = StatusNoUnwind
			return false, nil
		}
		d.logf("pop {%s}", regList(mask))
		for reg := 4; reg < 16; reg++ {
			if mask&(1<<reg) == 0 {
				continue
			}
			if err := d.pop(reg); err != nil {
				return false, err
			}
		}
		if mask&(1<<regs.ARM_SP) != 0 {
			d.cfa = uint32(d.regs.Get(regs.ARM_SP))
		}
		if mask&(1<<regs.ARM_PC) != 0 {
			d.pcSet = true
		}
		return true, nil

	case 1:
		// 1001nnnn: vsp = r[nnnn]
		reg := int(b & 0xf)
		if reg == regs.ARM_SP || reg == regs.ARM_PC {
			d.logf("[reserved]")
			return false, d.fail(StatusReserved)
		}
		d.logf("vsp = r%d", reg)
		d.cfa = uint32(d.regs.Get(reg))
		return true, nil

	case 2:
		// 1010Lnnn: pop r4-r[4+nnn], r14 if L
		var mask uint16
		for reg := 4; reg <= 4+int(b&0x7); reg++ {
			mask |= 1 << reg
		}
		if b&0x8 != 0 {
			mask |= 1 << regs.ARM_LR
		}
		d.logf("pop {%s}", regList(mask))
		for reg := 4; reg < 16; reg++ {
			if mask&(1<<reg) == 0 {
				continue
			}
			if err := d.pop(reg); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return d.decode1011(b)
}

func (d *Decoder) decode1011(b byte) (bool, error) {
	switch b & 0xf {
	case 0:
		d.logf("finish")
		d.status = StatusFinish
		return false, nil

	case 1:
		// 10110001 0000iiii: pop under mask {r3-r0}
		next, err := d.readByte()
		if err != nil {
			return false, err
		}
		if next == 0 || next&0xf0 != 0 {
			d.logf("[spare]")
			return false, d.fail(StatusSpare)
		}
		d.logf("pop {%s}", regList(uint16(next)))
		for reg := 0; reg < 4; reg++ {
			if next&(1<<reg) == 0 {
				continue
			}
			if err := d.pop(reg); err != nil {
				return false, err
			}
		}
		return true, nil

	case 2:
		// 10110010 uleb128: vsp = vsp + 0x204 + (uleb128 << 2)
		var (
			result uint32
			shift  uint
		)
		for {
			next, err := d.readByte()
			if err != nil {
				return false, err
			}
			result |= uint32(next&0x7f) << shift
			shift += 7
			if next&0x80 == 0 {
				break
			}
		}
		n := 0x204 + result<<2
		d.cfa += n
		d.logf("vsp = vsp + %d", n)
		return true, nil

	case 3:
		// 10110011 sssscccc: pop D[ssss]-D[ssss+cccc] by FSTMFDX
		next, err := d.readByte()
		if err != nil {
			return false, err
		}
		d.logf("pop {d%d-d%d}", next>>4, next>>4+next&0xf)
		d.cfa += uint32(next&0xf)*8 + 12
		return true, nil

	case 4, 5, 6, 7:
		d.logf("[spare]")
		return false, d.fail(StatusSpare)
	}

	// 10111nnn: pop D[8]-D[8+nnn] by FSTMFDX
	d.logf("pop {d8-d%d}", 8+b&0x7)
	d.cfa += uint32(b&0x7)*8 + 12
	return true, nil
}

func (d *Decoder) decode11(b byte) (bool, error) {
	switch (b >> 3) & 0x7 {
	case 0:
		switch b & 0x7 {
		case 6:
			// 11000110 sssscccc: pop wR[ssss]-wR[ssss+cccc]
			next, err := d.readByte()
			if err != nil {
				return false, err
			}
			d.logf("pop {wR%d-wR%d}", next>>4, next>>4+next&0xf)
			d.cfa += uint32(next&0xf)*8 + 8
			return true, nil
		case 7:
			next, err := d.readByte()
			if err != nil {
				return false, err
			}
			if next == 0 || next>>4 != 0 {
				d.logf("[spare]")
				return false, d.fail(StatusSpare)
			}
			// 11000111 0000iiii: pop wCGR registers under mask
			d.logf("pop wCGR mask %#x", next)
			d.cfa += uint32(bits.OnesCount8(next)) * 4
			return true, nil
		}
		// 11000nnn: pop wR[10]-wR[10+nnn]
		d.logf("pop {wR10-wR%d}", 10+b&0x7)
		d.cfa += uint32(b&0x7)*8 + 8
		return true, nil

	case 1:
		switch b & 0x7 {
		case 0, 1:
			// 11001000 sssscccc: pop D[16+ssss]-D[16+ssss+cccc] by VPUSH
			// 11001001 sssscccc: pop D[ssss]-D[ssss+cccc] by VPUSH
			next, err := d.readByte()
			if err != nil {
				return false, err
			}
			first := next >> 4
			if b&0x7 == 0 {
				first += 16
			}
			d.logf("pop {d%d-d%d}", first, first+next&0xf)
			d.cfa += uint32(next&0xf)*8 + 8
			return true, nil
		}
		d.logf("[spare]")
		return false, d.fail(StatusSpare)

	case 2:
		// 11010nnn: pop D[8]-D[8+nnn] by VPUSH
		d.logf("pop {d8-d%d}", 8+b&0x7)
		d.cfa += uint32(b&0x7)*8 + 8
		return true, nil
	}

	d.logf("[spare]")
	return false, d.fail(StatusSpare)
}

// regList formats a register mask as "r4, r5, lr".
func regList(mask uint16) string {
	var names []string
	for reg := 0; reg < 16; reg++ {
		if mask&(1<<reg) != 0 {
			names = append(names, regs.ArchARM.RegName(reg))
		}
	}
	return strings.Join(names, ", ")
}

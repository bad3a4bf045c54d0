package ehabi

import (
	"sync"

	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

const entrySize = 8

// prel31 decodes a PREL31 value stored at addr: a signed 31-bit offset
// relative to addr itself, wrapping at 32 bits.
func prel31(addr uint64, data uint32) uint32 {
	return uint32(addr) + uint32(int32(data<<1)>>1)
}

// Table is a .ARM.exidx table of count 8-byte entries at start in mem.
// bias is the difference between an entry's address and its position in
// mem. A Table is safe for concurrent use.
type Table struct {
	mem   memory.Memory
	start uint64
	count uint64
	bias  uint64

	mu    sync.Mutex
	addrs map[uint64]uint32

	// interval of the last hit
	lastValid  bool
	lastLo     uint32
	lastHi     uint64 // exclusive, 1<<32 for the last entry
	lastOffset uint64
}

// NewTable returns a table of count entries at start.
func NewTable(mem memory.Memory, start, count, bias uint64) *Table {
	return &Table{
		mem:   mem,
		start: start,
		count: count,
		bias:  bias,
		addrs: map[uint64]uint32{},
	}
}

// Count returns the number of entries.
func (t *Table) Count() uint64 { return t.count }

// addr returns the first pc covered by entry idx. Callers hold t.mu.
func (t *Table) addr(idx uint64) (uint32, error) {
	if a, ok := t.addrs[idx]; ok {
		return a, nil
	}
	pos := t.start + idx*entrySize
	data, ok := memory.Read32(t.mem, pos)
	if !ok {
		return 0, &Error{Status: StatusReadFailed, Address: pos}
	}
	a := prel31(pos+t.bias, data)
	t.addrs[idx] = a
	return a, nil
}

// FindEntry returns the position in mem of the entry covering pc: the last
// entry whose address is not above pc.
func (t *Table) FindEntry(pc uint64) (uint64, error) {
	if t.count == 0 {
		return 0, ErrNoEntry
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastValid && pc >= uint64(t.lastLo) && pc < t.lastHi {
		return t.lastOffset, nil
	}

	first, last := uint64(0), t.count
	for first < last {
		cur := (first + last) / 2
		a, err := t.addr(cur)
		if err != nil {
			return 0, err
		}
		if pc == uint64(a) {
			last = cur + 1
			break
		}
		if pc < uint64(a) {
			last = cur
		} else {
			first = cur + 1
		}
	}
	if last == 0 {
		return 0, ErrNoEntry
	}

	idx := last - 1
	lo, _ := t.addr(idx)
	hi := uint64(1) << 32
	if idx+1 < t.count {
		if next, err := t.addr(idx + 1); err == nil {
			hi = uint64(next)
		}
	}
	t.lastValid, t.lastLo, t.lastHi = true, lo, hi
	t.lastOffset = t.start + idx*entrySize
	return t.lastOffset, nil
}

// Step unwinds one frame of r at pc, reading the stack from process.
// finished is set when the entry says the frame cannot be unwound or the
// caller pc or sp is 0.
func (t *Table) Step(pc uint64, r *regs.Regs, process memory.Memory) (bool, error) {
	offset, err := t.FindEntry(pc)
	if err != nil {
		return false, err
	}

	d := NewDecoder(t.mem, process, r)
	d.SetCFA(r.SP())
	if err := d.ExtractEntryData(offset); err == nil && d.Status() == StatusNone {
		_ = d.Eval() // the outcome is in d.Status()
	}

	switch d.Status() {
	case StatusNoUnwind:
		return true, nil
	case StatusFinish:
		if !d.PCSet() {
			r.SetPC(r.Get(regs.ARM_LR))
		}
		r.SetSP(d.CFA())
		return r.PC() == 0 || r.SP() == 0, nil
	}
	return false, d.Err()
}

// Entry is one decoded index table entry.
type Entry struct {
	Offset uint64 // position in memory
	Addr   uint32 // first pc covered
	Data   uint32
}

// Entries returns all entries, stopping at the first unreadable one.
func (t *Table) Entries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, t.count)
	for i := uint64(0); i < t.count; i++ {
		a, err := t.addr(i)
		if err != nil {
			return out, err
		}
		pos := t.start + i*entrySize
		data, ok := memory.Read32(t.mem, pos+4)
		if !ok {
			return out, &Error{Status: StatusReadFailed, Address: pos + 4}
		}
		out = append(out, Entry{Offset: pos, Addr: a, Data: data})
	}
	return out, nil
}

package ehabi

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

func TestPrel31(t *testing.T) {
	assert.Equal(t, uint32(0x7f00), prel31(0x8000, 0x7fffff00))
	assert.Equal(t, uint32(0x9000), prel31(0x8000, 0x1000))
	// bit 31 is ignored
	assert.Equal(t, uint32(0x9000), prel31(0x8000, 0x80001000))
}

func TestFindEntryEmpty(t *testing.T) {
	tbl := NewTable(memory.NewFake(), 0x1000, 0, 0)
	_, err := tbl.FindEntry(0x1000)
	assert.True(t, errors.Is(err, ErrNoEntry))
}

func TestFindEntrySingleNegative(t *testing.T) {
	mem := memory.NewFake()
	mem.SetData32(0x8000, 0x7fffff00)
	tbl := NewTable(mem, 0x8000, 1, 0)

	off, err := tbl.FindEntry(0x7ff0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x8000), off)

	_, err = tbl.FindEntry(0x7eff)
	assert.True(t, errors.Is(err, ErrNoEntry))
}

func TestFindEntryBeforeFirst(t *testing.T) {
	mem := memory.NewFake()
	mem.SetData32(0x1000, 0x1000) // covers 0x2000
	tbl := NewTable(mem, 0x1000, 1, 0)
	_, err := tbl.FindEntry(0x1fff)
	assert.True(t, errors.Is(err, ErrNoEntry))
	off, err := tbl.FindEntry(0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), off)
}

func newTable(addrs ...uint32) (*Table, *memory.Fake) {
	mem := memory.NewFake()
	start := uint64(0x1000)
	for i, a := range addrs {
		pos := start + uint64(i)*8
		mem.SetData32(pos, (a-uint32(pos))&0x7fffffff)
		mem.SetData32(pos+4, 1)
	}
	return NewTable(mem, start, uint64(len(addrs)), 0), mem
}

func TestFindEntryBinarySearch(t *testing.T) {
	tbl, _ := newTable(0x5000, 0x6000, 0x7000, 0x8000, 0x9000)
	tests := []struct {
		pc  uint64
		off uint64
	}{
		{0x5000, 0x1000},
		{0x5fff, 0x1000},
		{0x6000, 0x1008},
		{0x7abc, 0x1010},
		{0x8000, 0x1018},
		{0x9000, 0x1020},
		{0xffffff, 0x1020},
		// the last hit interval is reused
		{0x9100, 0x1020},
		{0x6001, 0x1008},
	}
	for _, tt := range tests {
		off, err := tbl.FindEntry(tt.pc)
		require.NoError(t, err, "pc %#x", tt.pc)
		assert.Equal(t, tt.off, off, "pc %#x", tt.pc)
	}
	_, err := tbl.FindEntry(0x4fff)
	assert.Error(t, err)
}

// countingMemory records how often each address is read.
type countingMemory struct {
	memory.Memory
	mu    sync.Mutex
	reads map[uint64]int
}

func (m *countingMemory) Read(addr uint64, dst []byte) int {
	m.mu.Lock()
	m.reads[addr]++
	m.mu.Unlock()
	return m.Memory.Read(addr, dst)
}

func TestFindEntryConcurrent(t *testing.T) {
	_, fake := newTable(0x5000, 0x6000, 0x7000, 0x8000, 0x9000)
	mem := &countingMemory{Memory: fake, reads: map[uint64]int{}}
	tbl := NewTable(mem, 0x1000, 5, 0)

	pcs := []uint64{0x5000, 0x6100, 0x7abc, 0x8000, 0x9fff}
	want := []uint64{0x1000, 0x1008, 0x1010, 0x1018, 0x1020}

	const n = 16
	var (
		wg   sync.WaitGroup
		errs [n]error
		offs [n][]uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range pcs {
				pc := pcs[(i+j)%len(pcs)]
				off, err := tbl.FindEntry(pc)
				if err != nil {
					errs[i] = err
					return
				}
				offs[i] = append(offs[i], off)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		for j, off := range offs[i] {
			assert.Equal(t, want[(i+j)%len(pcs)], off)
		}
	}
	// entry addresses are cached, each one is read once
	for addr, cnt := range mem.reads {
		assert.Equal(t, 1, cnt, "addr %#x", addr)
	}
}

func TestFindEntryReadFailure(t *testing.T) {
	tbl := NewTable(memory.NewFake(), 0x1000, 4, 0)
	_, err := tbl.FindEntry(0x1000)
	var eerr *Error
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, StatusReadFailed, eerr.Status)
}

func TestEntries(t *testing.T) {
	tbl, _ := newTable(0x5000, 0x6000)
	entries, err := tbl.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Offset: 0x1000, Addr: 0x5000, Data: 1}, entries[0])
	assert.Equal(t, uint32(0x6000), entries[1].Addr)
}

// decoderFor returns a decoder whose instructions are ops.
func decoderFor(ops ...byte) (*Decoder, *memory.Fake, *regs.Regs) {
	process := memory.NewFake()
	r := regs.New(regs.ArchARM)
	d := NewDecoder(memory.NewFake(), process, r)
	d.data = append(d.data, ops...)
	d.SetCFA(0x10000)
	d.SetLogging(true)
	return d, process, r
}

func TestDecodeVsp(t *testing.T) {
	tests := []struct {
		name string
		ops  []byte
		cfa  uint64
	}{
		{"add", []byte{0x00}, 0x10004},
		{"add max", []byte{0x3f}, 0x10100},
		{"sub", []byte{0x41}, 0x10000 - 8},
		{"uleb", []byte{0xb2, 0x01}, 0x10000 + 0x204 + 4},
		{"uleb multi byte", []byte{0xb2, 0x81, 0x01}, 0x10000 + 0x204 + 0x81<<2},
		{"fstmfdx", []byte{0xb3, 0x12}, 0x10000 + 2*8 + 12},
		{"fstmfdx d8", []byte{0xbb}, 0x10000 + 3*8 + 12},
		{"wmmx wR", []byte{0xc6, 0x02}, 0x10000 + 2*8 + 8},
		{"wmmx wR10", []byte{0xc2}, 0x10000 + 2*8 + 8},
		{"wmmx wCGR", []byte{0xc7, 0x05}, 0x10000 + 8},
		{"vpush d16", []byte{0xc8, 0x03}, 0x10000 + 3*8 + 8},
		{"vpush", []byte{0xc9, 0x03}, 0x10000 + 3*8 + 8},
		{"vpush d8", []byte{0xd1}, 0x10000 + 8 + 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := decoderFor(append(tt.ops, opFinish)...)
			require.NoError(t, d.Eval())
			assert.Equal(t, StatusFinish, d.Status())
			assert.Equal(t, tt.cfa, d.CFA())
		})
	}
}

func TestDecodePop(t *testing.T) {
	// pop {r4, r9, lr}, pop {r4-r6, lr}
	d, process, r := decoderFor(0x84, 0x21, 0xaa, opFinish)
	for i := uint64(0); i < 7; i++ {
		process.SetData32(0x10000+4*i, uint32(0x100+i))
	}

	require.NoError(t, d.Eval())
	assert.Equal(t, uint64(0x10000+7*4), d.CFA())
	assert.Equal(t, uint64(0x103), r.Get(4))
	assert.Equal(t, uint64(0x104), r.Get(5))
	assert.Equal(t, uint64(0x105), r.Get(6))
	assert.Equal(t, uint64(0x101), r.Get(9))
	assert.Equal(t, uint64(0x106), r.Get(regs.ARM_LR))
	assert.False(t, d.PCSet())
	assert.Equal(t, []string{"pop {r4, r9, lr}", "pop {r4, r5, r6, lr}", "finish"}, d.Log())
}

func TestDecodePopPCAndSP(t *testing.T) {
	// pop {sp, pc}
	d, process, r := decoderFor(0x8a, 0x00, opFinish)
	process.SetData32(0x10000, 0x20000)
	process.SetData32(0x10004, 0x4000)
	require.NoError(t, d.Eval())
	assert.True(t, d.PCSet())
	assert.Equal(t, uint64(0x4000), r.Get(regs.ARM_PC))
	// a popped sp becomes the vsp
	assert.Equal(t, uint64(0x20000), d.CFA())
}

func TestDecodePopLowRegisters(t *testing.T) {
	d, process, r := decoderFor(0xb1, 0x09, opFinish)
	process.SetData32(0x10000, 0x11)
	process.SetData32(0x10004, 0x33)
	require.NoError(t, d.Eval())
	assert.Equal(t, uint64(0x11), r.Get(0))
	assert.Equal(t, uint64(0x33), r.Get(3))
	assert.Equal(t, uint64(0x10008), d.CFA())
}

func TestDecodeVspFromRegister(t *testing.T) {
	d, _, r := decoderFor(0x97, opFinish)
	r.Set(7, 0x7000)
	require.NoError(t, d.Eval())
	assert.Equal(t, uint64(0x7000), d.CFA())
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		ops    []byte
		status Status
	}{
		{"refuse", []byte{0x80, 0x00}, StatusNoUnwind},
		{"reserved sp", []byte{0x9d}, StatusReserved},
		{"reserved pc", []byte{0x9f}, StatusReserved},
		{"spare b1 00", []byte{0xb1, 0x00}, StatusSpare},
		{"spare b1 f0", []byte{0xb1, 0x10}, StatusSpare},
		{"spare b4", []byte{0xb4}, StatusSpare},
		{"spare c7 00", []byte{0xc7, 0x00}, StatusSpare},
		{"spare c7 10", []byte{0xc7, 0x10}, StatusSpare},
		{"spare ca", []byte{0xca}, StatusSpare},
		{"spare d8", []byte{0xd8}, StatusSpare},
		{"spare f8", []byte{0xf8}, StatusSpare},
		{"truncated", []byte{0x84}, StatusTruncated},
		{"truncated uleb", []byte{0xb2, 0x80}, StatusTruncated},
		{"read failed", []byte{0xa0}, StatusReadFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := decoderFor(tt.ops...)
			err := d.Eval()
			assert.Equal(t, tt.status, d.Status())
			if tt.status == StatusNoUnwind {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, &Error{Status: tt.status}), "got %v", err)
		})
	}
}

func TestExtractEntryData(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(m *memory.Fake)
		data   []byte
		status Status
	}{
		{
			name:   "cannot unwind",
			setup:  func(m *memory.Fake) { m.SetData32(0x1004, 1) },
			status: StatusNoUnwind,
		},
		{
			name:  "inline",
			setup: func(m *memory.Fake) { m.SetData32(0x1004, 0x80a8b0b0) },
			data:  []byte{0xa8, 0xb0, 0xb0},
		},
		{
			name:  "inline adds finish",
			setup: func(m *memory.Fake) { m.SetData32(0x1004, 0x80a8b000) },
			data:  []byte{0xa8, 0xb0, 0x00, 0xb0},
		},
		{
			name:   "inline bad personality",
			setup:  func(m *memory.Fake) { m.SetData32(0x1004, 0x81a8b0b0) },
			status: StatusInvalidPersonality,
		},
		{
			name: "out of line personality 0",
			setup: func(m *memory.Fake) {
				m.SetData32(0x1004, 0x100) // -> 0x1104
				m.SetData32(0x1104, 0x80a8b0b0)
			},
			data: []byte{0xa8, 0xb0, 0xb0},
		},
		{
			name: "out of line personality 1 with words",
			setup: func(m *memory.Fake) {
				m.SetData32(0x1004, 0x100)
				m.SetData32(0x1104, 0x8102a8b0)
				m.SetData32(0x1108, 0x01020304)
				m.SetData32(0x110c, 0x05060708)
			},
			data: []byte{0xa8, 0xb0, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0xb0},
		},
		{
			name: "out of line bad personality",
			setup: func(m *memory.Fake) {
				m.SetData32(0x1004, 0x100)
				m.SetData32(0x1104, 0x8302a8b0)
			},
			status: StatusInvalidPersonality,
		},
		{
			name: "generic model",
			setup: func(m *memory.Fake) {
				m.SetData32(0x1004, 0x100)
				m.SetData32(0x1104, 0x12345678) // personality routine
				m.SetData32(0x1108, 0x01a8b0b0)
				m.SetData32(0x110c, 0x10203040)
			},
			data: []byte{0xa8, 0xb0, 0xb0, 0x10, 0x20, 0x30, 0x40, 0xb0},
		},
		{
			name: "too many words",
			setup: func(m *memory.Fake) {
				m.SetData32(0x1004, 0x100)
				m.SetData32(0x1104, 0x12345678)
				m.SetData32(0x1108, 0x06a8b0b0)
			},
			status: StatusMalformed,
		},
		{
			name:   "unreadable",
			setup:  func(m *memory.Fake) {},
			status: StatusReadFailed,
		},
		{
			name:   "unreadable extab",
			setup:  func(m *memory.Fake) { m.SetData32(0x1004, 0x100) },
			status: StatusReadFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			elf := memory.NewFake()
			tt.setup(elf)
			d := NewDecoder(elf, memory.NewFake(), regs.New(regs.ArchARM))
			err := d.ExtractEntryData(0x1000)
			assert.Equal(t, tt.status, d.Status())
			if tt.data != nil {
				require.NoError(t, err)
				assert.Equal(t, tt.data, d.Data())
			}
		})
	}

	d := NewDecoder(memory.NewFake(), memory.NewFake(), regs.New(regs.ArchARM))
	err := d.ExtractEntryData(0x1002)
	assert.True(t, errors.Is(err, &Error{Status: StatusInvalidAlignment}))
}

func TestTableStep(t *testing.T) {
	elf := memory.NewFake()
	// entry 0 covers 0x2000, pop {r4, lr} inline
	elf.SetData32(0x1000, 0x1000)
	elf.SetData32(0x1004, 0x80a8b0b0)
	// entry 1 covers 0x3000, cannot unwind
	elf.SetData32(0x1008, 0x1ff8)
	elf.SetData32(0x100c, 1)
	tbl := NewTable(elf, 0x1000, 2, 0)

	process := memory.NewFake()
	process.SetData32(0x8000, 0x44)
	process.SetData32(0x8004, 0x2100)

	r := regs.New(regs.ArchARM)
	r.SetPC(0x2010)
	r.SetSP(0x8000)
	finished, err := tbl.Step(0x2010, r, process)
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, uint64(0x2100), r.PC())
	assert.Equal(t, uint64(0x8008), r.SP())
	assert.Equal(t, uint64(0x44), r.Get(4))

	finished, err = tbl.Step(0x3000, r, process)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Equal(t, uint64(0x2100), r.PC())

	// lr of 0 finishes the walk
	process.SetData32(0x8008, 0x45)
	process.SetData32(0x800c, 0)
	r.SetSP(0x8008)
	finished, err = tbl.Step(0x2010, r, process)
	require.NoError(t, err)
	assert.True(t, finished)

	_, err = tbl.Step(0x1000, r, process)
	assert.True(t, errors.Is(err, ErrNoEntry))
}

func TestTableStepDecodeError(t *testing.T) {
	elf := memory.NewFake()
	elf.SetData32(0x1000, 0x1000)
	elf.SetData32(0x1004, 0x80a8b0b0)
	tbl := NewTable(elf, 0x1000, 1, 0)

	r := regs.New(regs.ArchARM)
	r.SetSP(0x8000)
	_, err := tbl.Step(0x2000, r, memory.NewFake())
	var eerr *Error
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, StatusReadFailed, eerr.Status)
	assert.Equal(t, uint64(0x8000), eerr.Address)
}

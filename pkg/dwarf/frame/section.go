// Package frame contains data structures and related functions for
// parsing and evaluating DWARF call frame information stored in
// .debug_frame or .eh_frame.
package frame

import (
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/dwarf/util"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// SectionKind tells which flavour of CFI a Section holds. They differ in
// the CIE id value and in how an FDE points back to its CIE.
type SectionKind uint8

const (
	DebugFrame SectionKind = iota
	EhFrame
)

func (k SectionKind) String() string {
	if k == EhFrame {
		return ".eh_frame"
	}
	return ".debug_frame"
}

// Section decodes the CIEs and FDEs of one CFI section. Parsed records are
// cached by offset, so a Section is meant to live as long as the module it
// belongs to. It is safe for concurrent use.
type Section struct {
	kind SectionKind
	mem  memory.Memory
	arch regs.Arch

	entriesOffset uint64
	entriesEnd    uint64
	sectionBias   uint64
	textBase      uint64
	hasTextBase   bool

	mu        sync.RWMutex
	cieMu     sync.Mutex // 同一时刻只有一个协程解析CIE，其余等待结果
	fdeMu     sync.Mutex
	tableMu   sync.Mutex
	cies      map[uint64]*CommonInformationEntry
	fdes      map[uint64]*FrameDescriptionEntry
	cieTables map[uint64]*LocationTable

	indexOnce sync.Once
	index     FrameDescriptionEntries

	stats sectionStats
	log   *logrus.Entry
}

type sectionStats struct {
	cieHits, cieMisses     atomic.Uint64
	fdeHits, fdeMisses     atomic.Uint64
	tableHits, tableMisses atomic.Uint64
}

// Stats is a snapshot of the cache counters of a Section.
type Stats struct {
	CieHits, CieMisses     uint64
	FdeHits, FdeMisses     uint64
	TableHits, TableMisses uint64
}

// NewSection returns a Section reading from mem. Init must be called
// before use.
func NewSection(kind SectionKind, mem memory.Memory, arch regs.Arch) *Section {
	return &Section{
		kind:      kind,
		mem:       mem,
		arch:      arch,
		cies:      map[uint64]*CommonInformationEntry{},
		fdes:      map[uint64]*FrameDescriptionEntry{},
		cieTables: map[uint64]*LocationTable{},
		log:       logrus.WithField("section", kind.String()),
	}
}

// Init sets the byte range of the section in mem. sectionBias is added to
// the position of pc relative pointers, it is the difference between the
// section's virtual address and its offset in mem.
func (s *Section) Init(offset, size, sectionBias uint64) error {
	if size == 0 {
		return dwarf.ErrIllegalValue
	}
	s.entriesOffset = offset
	s.entriesEnd = offset + size
	s.sectionBias = sectionBias
	return nil
}

// SetTextBase sets the base of text relative pointers, the address of
// the .text section. Without it such pointers are IllegalValue.
func (s *Section) SetTextBase(addr uint64) {
	s.textBase, s.hasTextBase = addr, true
}

// Kind returns the section kind.
func (s *Section) Kind() SectionKind { return s.kind }

// Arch returns the architecture the section is decoded for.
func (s *Section) Arch() regs.Arch { return s.arch }

// Stats returns the cache counters.
func (s *Section) Stats() Stats {
	return Stats{
		CieHits:     s.stats.cieHits.Load(),
		CieMisses:   s.stats.cieMisses.Load(),
		FdeHits:     s.stats.fdeHits.Load(),
		FdeMisses:   s.stats.fdeMisses.Load(),
		TableHits:   s.stats.tableHits.Load(),
		TableMisses: s.stats.tableMisses.Load(),
	}
}

func (s *Section) cursor() *util.Cursor {
	c := util.NewCursor(s.mem, s.arch.WordSize())
	c.SetPCRelBias(s.sectionBias)
	// data relative pointers are relative to the start of the section
	c.SetDataBase(s.entriesOffset + s.sectionBias)
	if s.hasTextBase {
		c.SetTextBase(s.textBase)
	}
	return c
}

// cieID is the value of the id field that marks a CIE.
func (s *Section) cieID(is64 bool) uint64 {
	if s.kind == EhFrame {
		return 0
	}
	if is64 {
		return ^uint64(0)
	}
	return 0xffffffff
}

// entryHeader is the common prefix of a CIE and an FDE.
type entryHeader struct {
	start   uint64 // offset of the length field
	end     uint64 // offset after the last byte
	idPos   uint64 // offset of the id / CIE pointer field
	id      uint64
	is64    bool
	content uint64 // offset after the id field
}

func (s *Section) readHeader(c *util.Cursor, offset uint64) (*entryHeader, error) {
	h := &entryHeader{start: offset}
	c.SetPos(offset)

	length32, err := c.U32()
	if err != nil {
		return nil, err
	}
	if length32 == 0xffffffff {
		length64, err := c.U64()
		if err != nil {
			return nil, err
		}
		h.is64 = true
		h.end = c.Pos() + length64
	} else {
		h.end = c.Pos() + uint64(length32)
	}

	h.idPos = c.Pos()
	if h.is64 {
		h.id, err = c.U64()
	} else {
		var id uint32
		id, err = c.U32()
		h.id = uint64(id)
	}
	if err != nil {
		return nil, err
	}
	h.content = c.Pos()
	return h, nil
}

// cieOffsetOf resolves the CIE pointer of an FDE.
func (s *Section) cieOffsetOf(h *entryHeader) uint64 {
	if s.kind == EhFrame {
		// relative to the pointer field itself
		return h.idPos - h.id
	}
	return s.entriesOffset + h.id
}

// CieFromOffset returns the CIE at offset, parsing it on first use. A
// failed parse is not cached.
func (s *Section) CieFromOffset(offset uint64) (*CommonInformationEntry, error) {
	if cie, ok := s.cachedCIE(offset); ok {
		return cie, nil
	}

	s.cieMu.Lock()
	defer s.cieMu.Unlock()
	if cie, ok := s.cachedCIE(offset); ok {
		return cie, nil
	}
	s.stats.cieMisses.Inc()

	cie, err := s.parseCIE(offset)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cies[offset] = cie
	s.mu.Unlock()
	return cie, nil
}

func (s *Section) cachedCIE(offset uint64) (*CommonInformationEntry, bool) {
	s.mu.RLock()
	cie, ok := s.cies[offset]
	s.mu.RUnlock()
	if ok {
		s.stats.cieHits.Inc()
	}
	return cie, ok
}

func (s *Section) parseCIE(offset uint64) (*CommonInformationEntry, error) {
	c := s.cursor()
	h, err := s.readHeader(c, offset)
	if err != nil {
		return nil, err
	}
	if h.id != s.cieID(h.is64) {
		return nil, dwarf.ErrIllegalValue
	}

	cie := &CommonInformationEntry{
		Offset:             offset,
		LsdaEncoding:       util.PEOmit,
		FdeAddressEncoding: util.PEAbsptr,
		InstructionsEnd:    h.end,
	}

	if cie.Version, err = c.U8(); err != nil {
		return nil, err
	}
	switch cie.Version {
	case 1, 3, 4:
	default:
		return nil, dwarf.ErrUnsupportedVersion
	}

	if cie.Augmentation, err = c.CString(); err != nil {
		return nil, err
	}

	if cie.Version == 4 {
		addrSize, err := c.U8()
		if err != nil {
			return nil, err
		}
		switch addrSize {
		case 4:
			cie.FdeAddressEncoding = util.PEUdata4
		case 8:
			cie.FdeAddressEncoding = util.PEUdata8
		}
		if cie.SegmentSize, err = c.U8(); err != nil {
			return nil, err
		}
	}

	if cie.CodeAlignmentFactor, err = c.ULEB128(); err != nil {
		return nil, err
	}
	if cie.DataAlignmentFactor, err = c.SLEB128(); err != nil {
		return nil, err
	}
	if cie.Version == 1 {
		ra, err := c.U8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(ra)
	} else if cie.ReturnAddressRegister, err = c.ULEB128(); err != nil {
		return nil, err
	}

	if len(cie.Augmentation) == 0 || cie.Augmentation[0] != 'z' {
		cie.InstructionsOffset = c.Pos()
		return cie, nil
	}

	augLen, err := c.ULEB128()
	if err != nil {
		return nil, err
	}
	cie.InstructionsOffset = c.Pos() + augLen

	for _, ch := range cie.Augmentation[1:] {
		switch ch {
		case 'L':
			if cie.LsdaEncoding, err = c.U8(); err != nil {
				return nil, err
			}
		case 'P':
			enc, err := c.U8()
			if err != nil {
				return nil, err
			}
			if cie.PersonalityHandler, err = c.Encoded(enc); err != nil {
				return nil, err
			}
		case 'R':
			if cie.FdeAddressEncoding, err = c.U8(); err != nil {
				return nil, err
			}
		}
	}
	return cie, nil
}

// FdeFromOffset returns the FDE at offset, parsing it and its CIE on first
// use. A failed parse is not cached.
func (s *Section) FdeFromOffset(offset uint64) (*FrameDescriptionEntry, error) {
	if fde, ok := s.cachedFDE(offset); ok {
		return fde, nil
	}

	s.fdeMu.Lock()
	defer s.fdeMu.Unlock()
	if fde, ok := s.cachedFDE(offset); ok {
		return fde, nil
	}
	s.stats.fdeMisses.Inc()

	fde, err := s.parseFDE(offset)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.fdes[offset] = fde
	s.mu.Unlock()
	return fde, nil
}

func (s *Section) cachedFDE(offset uint64) (*FrameDescriptionEntry, bool) {
	s.mu.RLock()
	fde, ok := s.fdes[offset]
	s.mu.RUnlock()
	if ok {
		s.stats.fdeHits.Inc()
	}
	return fde, ok
}

func (s *Section) parseFDE(offset uint64) (*FrameDescriptionEntry, error) {
	c := s.cursor()
	h, err := s.readHeader(c, offset)
	if err != nil {
		return nil, err
	}
	if h.id == s.cieID(h.is64) {
		// this is a CIE
		return nil, dwarf.ErrIllegalState
	}

	fde := &FrameDescriptionEntry{
		Offset:          offset,
		CieOffset:       s.cieOffsetOf(h),
		InstructionsEnd: h.end,
	}
	cie, err := s.CieFromOffset(fde.CieOffset)
	if err != nil {
		return nil, err
	}
	fde.CIE = cie

	c.SetPos(h.content)
	if cie.SegmentSize != 0 {
		c.Skip(uint64(cie.SegmentSize))
	}

	if fde.PCStart, err = c.Encoded(cie.FdeAddressEncoding); err != nil {
		return nil, err
	}
	// the range is never pc relative
	size, err := c.Encoded(cie.FdeAddressEncoding & 0x0f)
	if err != nil {
		return nil, err
	}
	fde.PCEnd = s.arch.Mask(fde.PCStart + size)

	if len(cie.Augmentation) == 0 || cie.Augmentation[0] != 'z' {
		fde.InstructionsOffset = c.Pos()
		return fde, nil
	}

	augLen, err := c.ULEB128()
	if err != nil {
		return nil, err
	}
	fde.InstructionsOffset = c.Pos() + augLen
	if cie.LsdaEncoding != util.PEOmit {
		c.SetFuncBase(fde.PCStart)
		if fde.LsdaAddress, err = c.Encoded(cie.LsdaEncoding); err != nil {
			return nil, err
		}
	}
	return fde, nil
}

// FdeFromPC returns the FDE covering pc. The sorted index of all FDEs is
// built on the first call.
func (s *Section) FdeFromPC(pc uint64) (*FrameDescriptionEntry, error) {
	s.indexOnce.Do(s.buildIndex)
	return s.index.FDEForPC(pc)
}

// FDEs returns every FDE of the section sorted by start pc.
func (s *Section) FDEs() FrameDescriptionEntries {
	s.indexOnce.Do(s.buildIndex)
	return s.index
}

func (s *Section) buildIndex() {
	s.index = Parse(s)
	s.index.sort()
	s.log.Debugf("indexed %d fdes", len(s.index))
}

// Step unwinds one frame at pc. See Eval for the meaning of finished.
func (s *Section) Step(pc uint64, r *regs.Regs, mem memory.Memory) (bool, error) {
	fde, err := s.FdeFromPC(pc)
	if err != nil {
		return false, err
	}
	table, err := s.CfaLocationInfo(pc, fde)
	if err != nil {
		return false, err
	}
	return s.Eval(fde.CIE, mem, table, r)
}

package frame

import (
	"sort"
)

// CommonInformationEntry represents a Common Information Entry in a
// .debug_frame or .eh_frame section.
type CommonInformationEntry struct {
	Offset       uint64 // offset of the entry in the section memory
	Version      uint8
	Augmentation string
	SegmentSize  uint8

	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64

	FdeAddressEncoding uint8
	LsdaEncoding       uint8
	PersonalityHandler uint64

	// initial instructions
	InstructionsOffset uint64
	InstructionsEnd    uint64
}

// FrameDescriptionEntry represents a Frame Descriptor Entry.
type FrameDescriptionEntry struct {
	Offset    uint64
	CieOffset uint64
	CIE       *CommonInformationEntry

	PCStart     uint64
	PCEnd       uint64
	LsdaAddress uint64

	InstructionsOffset uint64
	InstructionsEnd    uint64
}

// Begin returns the first pc covered.
func (fde *FrameDescriptionEntry) Begin() uint64 { return fde.PCStart }

// End returns the pc after the last one covered.
func (fde *FrameDescriptionEntry) End() uint64 { return fde.PCEnd }

// Cover reports whether pc is in [Begin, End).
func (fde *FrameDescriptionEntry) Cover(pc uint64) bool {
	return pc >= fde.PCStart && pc < fde.PCEnd
}

// FrameDescriptionEntries is a list of FDEs sorted by start pc.
type FrameDescriptionEntries []*FrameDescriptionEntry

func newFrameIndex() FrameDescriptionEntries {
	return make(FrameDescriptionEntries, 0, 1000)
}

func (fdes FrameDescriptionEntries) sort() {
	sort.SliceStable(fdes, func(i, j int) bool {
		return fdes[i].PCStart < fdes[j].PCStart
	})
}

// FDEForPC returns the FDE covering pc. The list must be sorted.
func (fdes FrameDescriptionEntries) FDEForPC(pc uint64) (*FrameDescriptionEntry, error) {
	// first entry starting after pc, the candidate is the one before it
	idx := sort.Search(len(fdes), func(i int) bool {
		return fdes[i].PCStart > pc
	})
	if idx == 0 || !fdes[idx-1].Cover(pc) {
		return nil, &ErrNoFDEForPC{PC: pc}
	}
	return fdes[idx-1], nil
}

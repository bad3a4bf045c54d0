// Package symbol loads the unwind tables and function symbols of ELF
// images.
package symbol

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/gounwind/pkg/dwarf/frame"
	"github.com/hitzhangjie/gounwind/pkg/ehabi"
	"github.com/hitzhangjie/gounwind/pkg/errcode"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

const defaultNameCacheSize = 1024

// Image is an ELF file prepared for unwinding. It is safe for concurrent
// use, the lazily built tables are guarded per image.
type Image struct {
	name     string
	arch     regs.Arch
	loadBias uint64

	file *elf.File
	data []byte
	// mem answers reads at the virtual addresses of the loadable segments
	mem *memory.Ranges

	debugFrame *frame.Section
	ehFrame    *frame.Section
	exidx      *ehabi.Table

	symOnce sync.Once
	funcs   []*Function

	names *lru.Cache[uint64, nameEntry]
	stats imageStats

	log *logrus.Entry
}

type nameEntry struct {
	name   string
	offset uint64
	ok     bool
}

type imageStats struct {
	nameHits   atomic.Uint64
	nameMisses atomic.Uint64
	steps      atomic.Uint64
}

// Stats are counters of an image.
type Stats struct {
	NameHits   uint64
	NameMisses uint64
	Steps      uint64
}

// Open reads the ELF file at path.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	img, err := NewImage(path, data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return img, nil
}

// NewImage parses an ELF file held in data.
func NewImage(name string, data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parse elf")
	}

	arch, err := machineArch(f.Machine)
	if err != nil {
		return nil, err
	}

	names, err := lru.New[uint64, nameEntry](defaultNameCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "name cache")
	}

	img := &Image{
		name:  name,
		arch:  arch,
		file:  f,
		data:  data,
		mem:   memory.NewRanges(),
		names: names,
		log:   logrus.WithField("image", name),
	}
	img.mapSegments()

	if err := img.initSections(); err != nil {
		return nil, err
	}
	return img, nil
}

func machineArch(m elf.Machine) (regs.Arch, error) {
	switch m {
	case elf.EM_ARM:
		return regs.ArchARM, nil
	case elf.EM_AARCH64:
		return regs.ArchARM64, nil
	case elf.EM_386:
		return regs.ArchX86, nil
	case elf.EM_X86_64:
		return regs.ArchX86_64, nil
	}
	return regs.ArchUnknown, errors.Errorf("unsupported machine %s", m)
}

// mapSegments exposes every PT_LOAD at its virtual address and takes the
// load bias from the first executable one.
func (img *Image) mapSegments() {
	file := memory.NewBuffer(img.data)
	biasSet := false
	for _, p := range img.file.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if !biasSet && p.Flags&elf.PF_X != 0 {
			img.loadBias = p.Vaddr - p.Off
			biasSet = true
		}
		if p.Filesz == 0 {
			continue
		}
		img.mem.Insert(memory.NewRange(file, p.Off, p.Filesz, p.Vaddr))
	}
}

func (img *Image) initSections() error {
	if sec := img.file.Section(".debug_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		// Data decompresses SHF_COMPRESSED sections
		data, err := sec.Data()
		if err != nil {
			return errors.Wrap(err, "read .debug_frame")
		}
		s := frame.NewSection(frame.DebugFrame, memory.NewBuffer(data), img.arch)
		if err := s.Init(0, uint64(len(data)), 0); err == nil {
			img.debugFrame = s
		}
	}

	if sec := img.file.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		data, err := sec.Data()
		if err != nil {
			return errors.Wrap(err, "read .eh_frame")
		}
		// position 0 of data is sec.Addr
		s := frame.NewSection(frame.EhFrame, memory.NewBuffer(data), img.arch)
		if err := s.Init(0, uint64(len(data)), sec.Addr); err == nil {
			img.ehFrame = s
		}
	}

	if text := img.file.Section(".text"); text != nil {
		for _, s := range []*frame.Section{img.debugFrame, img.ehFrame} {
			if s != nil {
				s.SetTextBase(text.Addr)
			}
		}
	}

	if img.arch == regs.ArchARM {
		if sec := img.file.Section(".ARM.exidx"); sec != nil && sec.Size >= 8 {
			// .ARM.extab is reached through the loaded segments
			img.exidx = ehabi.NewTable(img.mem, sec.Addr, sec.Size/8, 0)
		}
	}

	img.log.Debugf("arch=%s load_bias=%#x debug_frame=%t eh_frame=%t exidx=%t",
		img.arch, img.loadBias, img.debugFrame != nil, img.ehFrame != nil, img.exidx != nil)
	return nil
}

// Name returns the path the image was loaded from.
func (img *Image) Name() string { return img.name }

// Arch returns the machine of the image.
func (img *Image) Arch() regs.Arch { return img.arch }

// Valid reports whether the image has any unwind information.
func (img *Image) Valid() bool {
	return img.debugFrame != nil || img.ehFrame != nil || img.exidx != nil
}

// LoadBias is the difference between the virtual address and the file
// offset of the first executable segment.
func (img *Image) LoadBias() uint64 { return img.loadBias }

// Memory returns the loadable segments at their virtual addresses.
func (img *Image) Memory() memory.Memory { return img.mem }

// DebugFrame returns the .debug_frame section, nil if absent.
func (img *Image) DebugFrame() *frame.Section { return img.debugFrame }

// EhFrame returns the .eh_frame section, nil if absent.
func (img *Image) EhFrame() *frame.Section { return img.ehFrame }

// Exidx returns the .ARM.exidx table, nil if absent.
func (img *Image) Exidx() *ehabi.Table { return img.exidx }

// Stats returns the counters of the image.
func (img *Image) Stats() Stats {
	return Stats{
		NameHits:   img.stats.nameHits.Load(),
		NameMisses: img.stats.nameMisses.Load(),
		Steps:      img.stats.steps.Load(),
	}
}

// WriteStats prints the counters of the image and of its CFI section
// caches to w.
func (img *Image) WriteStats(w io.Writer) {
	st := img.Stats()
	fmt.Fprintf(w, "%s: steps %d, names %d/%d\n", img.name, st.Steps, st.NameHits, st.NameMisses)
	for _, s := range []*frame.Section{img.debugFrame, img.ehFrame} {
		if s == nil {
			continue
		}
		ss := s.Stats()
		fmt.Fprintf(w, "  %s: cie %d/%d, fde %d/%d, table %d/%d\n", s.Kind(),
			ss.CieHits, ss.CieMisses, ss.FdeHits, ss.FdeMisses, ss.TableHits, ss.TableMisses)
	}
}

// Step unwinds the frame at relPC. On arm the exception index is tried
// first, then .debug_frame and .eh_frame. A source without an entry for
// relPC passes to the next one, any other failure is returned.
func (img *Image) Step(relPC uint64, r *regs.Regs, process memory.Memory) (bool, error) {
	img.stats.steps.Inc()

	if img.exidx != nil {
		finished, err := img.exidx.Step(relPC, r, process)
		if !errors.Is(err, ehabi.ErrNoEntry) {
			return finished, err
		}
	}

	for _, s := range []*frame.Section{img.debugFrame, img.ehFrame} {
		if s == nil {
			continue
		}
		finished, err := s.Step(relPC, r, process)
		if errors.Is(err, &frame.ErrNoFDEForPC{}) {
			continue
		}
		return finished, err
	}
	return false, errcode.New(errcode.UnwindInfo)
}

// StepIfSignalHandler steps over a sigreturn trampoline at relPC.
func (img *Image) StepIfSignalHandler(relPC uint64, r *regs.Regs, process memory.Memory) bool {
	return r.StepIfSignalHandler(relPC, img.mem, process)
}

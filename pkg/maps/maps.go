// Package maps describes the memory mappings of a process and the module
// objects backing them.
package maps

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Flags are the protection and kind bits of a mapping.
type Flags uint32

const (
	FlagRead  Flags = 0x1
	FlagWrite Flags = 0x2
	FlagExec  Flags = 0x4

	// FlagDeviceMap marks mappings of device files, reading them can have
	// side effects so nothing is unwound through them.
	FlagDeviceMap Flags = 0x8000
)

func (f Flags) String() string {
	b := []byte("---")
	if f&FlagRead != 0 {
		b[0] = 'r'
	}
	if f&FlagWrite != 0 {
		b[1] = 'w'
	}
	if f&FlagExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Object is the unwind and symbol information of a mapped module.
//
// Step and FunctionName take a pc relative to the module, i.e. the address
// the module was linked at.
type Object interface {
	Valid() bool
	LoadBias() uint64
	// Memory is the module image, nil if unavailable.
	Memory() memory.Memory
	Step(relPC uint64, r *regs.Regs, process memory.Memory) (finished bool, err error)
	FunctionName(relPC uint64) (name string, offset uint64, ok bool)
	StepIfSignalHandler(relPC uint64, r *regs.Regs, process memory.Memory) bool
}

// Loader creates the object of a mapping.
type Loader func(info *MapInfo) (Object, error)

// MapInfo is one mapping. The object is loaded on first use.
type MapInfo struct {
	Start  uint64
	End    uint64
	Offset uint64
	Flags  Flags
	Name   string

	mu      sync.Mutex
	loaded  bool
	object  Object
	loadErr error
	loader  Loader
}

// NewMapInfo returns a mapping of [start, end).
func NewMapInfo(start, end, offset uint64, flags Flags, name string) *MapInfo {
	return &MapInfo{Start: start, End: end, Offset: offset, Flags: flags, Name: name}
}

// Contains reports whether pc is in the mapping.
func (m *MapInfo) Contains(pc uint64) bool {
	return pc >= m.Start && pc < m.End
}

// SetObject sets the object of the mapping, bypassing the loader.
func (m *MapInfo) SetObject(obj Object) {
	m.mu.Lock()
	m.object, m.loaded, m.loadErr = obj, true, nil
	m.mu.Unlock()
}

// Object returns the object of the mapping, loading it the first time. The
// error of a failed load is kept and returned on every later call.
func (m *MapInfo) Object() (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return m.object, m.loadErr
	}
	m.loaded = true
	switch {
	case m.Flags&FlagDeviceMap != 0:
		m.loadErr = fmt.Errorf("%s: device map", m.Name)
	case m.loader == nil:
		m.loadErr = fmt.Errorf("%s: no loader", m.Name)
	default:
		m.object, m.loadErr = m.loader(m)
	}
	return m.object, m.loadErr
}

// Loaded returns the object of the mapping without loading it, ok is false
// until a load succeeded.
func (m *MapInfo) Loaded() (obj Object, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.object, m.loaded && m.loadErr == nil && m.object != nil
}

// LoadBias returns the load bias of the object, 0 if it can not be loaded.
func (m *MapInfo) LoadBias() uint64 {
	obj, err := m.Object()
	if err != nil || obj == nil || !obj.Valid() {
		return 0
	}
	return obj.LoadBias()
}

// BaseName returns the last element of Name.
func (m *MapInfo) BaseName() string {
	return filepath.Base(m.Name)
}

// Suffix returns the text after the last dot in Name, "" if none.
func (m *MapInfo) Suffix() string {
	pos := strings.LastIndexByte(m.Name, '.')
	if pos < 0 {
		return ""
	}
	return m.Name[pos+1:]
}

func (m *MapInfo) String() string {
	return fmt.Sprintf("%016x-%016x %s %08x %s", m.Start, m.End, m.Flags, m.Offset, m.Name)
}

// Maps is an address ordered set of mappings.
type Maps struct {
	loader Loader
	infos  []*MapInfo
}

// New returns an empty set, objects of added mappings are created by
// loader, which may be nil.
func New(loader Loader) *Maps {
	return &Maps{loader: loader}
}

// Add appends a mapping. Call Sort after adding out of order.
func (ms *Maps) Add(info *MapInfo) {
	if info.loader == nil {
		info.loader = ms.loader
	}
	ms.infos = append(ms.infos, info)
}

// Sort orders the mappings by start address.
func (ms *Maps) Sort() {
	sort.SliceStable(ms.infos, func(i, j int) bool {
		return ms.infos[i].Start < ms.infos[j].Start
	})
}

// Find returns the mapping containing pc, nil if none.
func (ms *Maps) Find(pc uint64) *MapInfo {
	i := sort.Search(len(ms.infos), func(i int) bool {
		return ms.infos[i].End > pc
	})
	if i < len(ms.infos) && ms.infos[i].Contains(pc) {
		return ms.infos[i]
	}
	return nil
}

// Len returns the number of mappings.
func (ms *Maps) Len() int { return len(ms.infos) }

// Get returns the i-th mapping.
func (ms *Maps) Get(i int) *MapInfo { return ms.infos[i] }

// All returns the mappings in address order.
func (ms *Maps) All() []*MapInfo { return ms.infos }

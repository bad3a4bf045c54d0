package memory

import (
	"sort"
	"sync"
)

// Buffer is memory backed by a byte slice, addressed from 0.
type Buffer struct {
	data []byte
}

// NewBuffer returns a Buffer over data. data is not copied.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) Read(addr uint64, dst []byte) int {
	if addr >= uint64(len(b.data)) {
		return 0
	}
	return copy(dst, b.data[addr:])
}

// Size returns the number of addressable bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// Bytes returns the underlying slice.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Range exposes [begin, begin+length) of another memory at address offset.
type Range struct {
	mem    Memory
	begin  uint64
	length uint64
	offset uint64
}

// NewRange returns a window of mem. Reads at offset+n map to mem at begin+n
// for n < length.
func NewRange(mem Memory, begin, length, offset uint64) *Range {
	return &Range{mem: mem, begin: begin, length: length, offset: offset}
}

func (r *Range) Read(addr uint64, dst []byte) int {
	if addr < r.offset {
		return 0
	}
	rel := addr - r.offset
	if rel >= r.length {
		return 0
	}
	if max := r.length - rel; uint64(len(dst)) > max {
		dst = dst[:max]
	}
	return r.mem.Read(r.begin+rel, dst)
}

// Offset returns the first address the range answers to.
func (r *Range) Offset() uint64 { return r.offset }

// Length returns the size of the window.
func (r *Range) Length() uint64 { return r.length }

// NewOffline returns a memory that answers reads at [base, base+len(data))
// from a captured snapshot, e.g. a stack copied out of a core dump.
func NewOffline(base uint64, data []byte) *Range {
	return NewRange(NewBuffer(data), 0, uint64(len(data)), base)
}

// Ranges is a set of non-overlapping ranges, searched by address.
type Ranges struct {
	ranges []*Range
}

// NewRanges returns an empty set.
func NewRanges() *Ranges {
	return &Ranges{}
}

// Insert adds r, keeping the set sorted by start address.
func (rs *Ranges) Insert(r *Range) {
	idx := sort.Search(len(rs.ranges), func(i int) bool {
		return rs.ranges[i].offset >= r.offset
	})
	rs.ranges = append(rs.ranges, nil)
	copy(rs.ranges[idx+1:], rs.ranges[idx:])
	rs.ranges[idx] = r
}

func (rs *Ranges) Read(addr uint64, dst []byte) int {
	// first range whose end is beyond addr
	idx := sort.Search(len(rs.ranges), func(i int) bool {
		r := rs.ranges[i]
		return r.offset+r.length > addr
	})
	if idx == len(rs.ranges) {
		return 0
	}
	return rs.ranges[idx].Read(addr, dst)
}

const (
	cachePageBits = 12
	cachePageSize = 1 << cachePageBits
	cachePageMask = ^uint64(cachePageSize - 1)
)

// Cache caches pages of a slow memory such as a ptrace'd process. A page
// that cannot be read completely is not cached; such reads go straight
// to the backing memory.
type Cache struct {
	mem Memory

	mu    sync.Mutex
	pages map[uint64][]byte
}

// NewCache wraps mem.
func NewCache(mem Memory) *Cache {
	return &Cache{mem: mem, pages: map[uint64][]byte{}}
}

func (c *Cache) Read(addr uint64, dst []byte) int {
	// large reads are not worth caching
	if len(dst) > 64 {
		return c.mem.Read(addr, dst)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for total < len(dst) {
		cur := addr + uint64(total)
		page, ok := c.page(cur & cachePageMask)
		if !ok {
			return total + c.mem.Read(cur, dst[total:])
		}
		n := copy(dst[total:], page[cur&^cachePageMask:])
		total += n
	}
	return total
}

func (c *Cache) page(base uint64) ([]byte, bool) {
	if p, ok := c.pages[base]; ok {
		return p, true
	}
	p := make([]byte, cachePageSize)
	if !ReadFully(c.mem, base, p) {
		return nil, false
	}
	c.pages[base] = p
	return p, true
}

// Clear drops all cached pages, e.g. after the process ran again.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.pages = map[uint64][]byte{}
	c.mu.Unlock()
}

// Fake is a sparse memory used by tests. Unset bytes are unreadable.
type Fake struct {
	data map[uint64]byte
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{data: map[uint64]byte{}}
}

func (f *Fake) Read(addr uint64, dst []byte) int {
	for i := range dst {
		b, ok := f.data[addr+uint64(i)]
		if !ok {
			return i
		}
		dst[i] = b
	}
	return len(dst)
}

// SetMemory stores data at addr.
func (f *Fake) SetMemory(addr uint64, data ...byte) {
	for i, b := range data {
		f.data[addr+uint64(i)] = b
	}
}

// SetData8 stores v at addr.
func (f *Fake) SetData8(addr uint64, v uint8) {
	f.data[addr] = v
}

// SetData16 stores v little endian at addr.
func (f *Fake) SetData16(addr uint64, v uint16) {
	f.SetMemory(addr, byte(v), byte(v>>8))
}

// SetData32 stores v little endian at addr.
func (f *Fake) SetData32(addr uint64, v uint32) {
	f.SetMemory(addr, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// SetData64 stores v little endian at addr.
func (f *Fake) SetData64(addr uint64, v uint64) {
	f.SetData32(addr, uint32(v))
	f.SetData32(addr+4, uint32(v>>32))
}

// Clear forgets everything.
func (f *Fake) Clear() {
	f.data = map[uint64]byte{}
}

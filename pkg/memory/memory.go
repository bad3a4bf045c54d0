// Package memory defines the byte source the unwinder reads from and the
// backends implementing it: plain buffers, windows into other memories,
// page caches over slow process memory and sparse fakes for tests.
package memory

import (
	"encoding/binary"
)

// Memory is a random-access byte source.
//
// Read copies up to len(dst) bytes starting at addr and returns how many
// bytes were copied. A return of 0 means nothing could be read, a short
// count means the readable region ended before dst was filled.
type Memory interface {
	Read(addr uint64, dst []byte) int
}

// ReadFully reports whether all of dst could be read at addr.
func ReadFully(m Memory, addr uint64, dst []byte) bool {
	if len(dst) == 0 {
		return true
	}
	// wrap around the end of the address space
	if addr+uint64(len(dst)) < addr {
		return false
	}
	return m.Read(addr, dst) == len(dst)
}

// Read8 reads one byte at addr.
func Read8(m Memory, addr uint64) (uint8, bool) {
	var b [1]byte
	if !ReadFully(m, addr, b[:]) {
		return 0, false
	}
	return b[0], true
}

// Read16 reads a little endian uint16 at addr.
func Read16(m Memory, addr uint64) (uint16, bool) {
	var b [2]byte
	if !ReadFully(m, addr, b[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b[:]), true
}

// Read32 reads a little endian uint32 at addr.
func Read32(m Memory, addr uint64) (uint32, bool) {
	var b [4]byte
	if !ReadFully(m, addr, b[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[:]), true
}

// Read64 reads a little endian uint64 at addr.
func Read64(m Memory, addr uint64) (uint64, bool) {
	var b [8]byte
	if !ReadFully(m, addr, b[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b[:]), true
}

// ReadWord reads a machine word of size 4 or 8 at addr, zero extended.
func ReadWord(m Memory, addr uint64, size int) (uint64, bool) {
	if size == 4 {
		v, ok := Read32(m, addr)
		return uint64(v), ok
	}
	return Read64(m, addr)
}

// ReadString reads a NUL terminated string of at most max bytes at addr.
func ReadString(m Memory, addr uint64, max int) (string, bool) {
	var (
		buf   = make([]byte, 0, 64)
		chunk [64]byte
	)
	for len(buf) < max {
		n := m.Read(addr+uint64(len(buf)), chunk[:])
		if n == 0 {
			return "", false
		}
		for i := 0; i < n; i++ {
			if chunk[i] == 0 {
				return string(append(buf, chunk[:i]...)), true
			}
		}
		buf = append(buf, chunk[:n]...)
	}
	return "", false
}

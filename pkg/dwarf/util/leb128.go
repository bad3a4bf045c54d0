package util

import "bytes"

// EncodeULEB128 appends x to out as an unsigned LEB128 number.
func EncodeULEB128(out *bytes.Buffer, x uint64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		if x != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if x == 0 {
			return
		}
	}
}

// EncodeSLEB128 appends x to out as a signed LEB128 number.
func EncodeSLEB128(out *bytes.Buffer, x int64) {
	for {
		b := byte(x & 0x7f)
		x >>= 7
		signb := b & 0x40
		last := (x == 0 && signb == 0) || (x == -1 && signb != 0)
		if !last {
			b |= 0x80
		}
		out.WriteByte(b)
		if last {
			return
		}
	}
}

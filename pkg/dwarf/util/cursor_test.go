package util

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/gounwind/pkg/dwarf"
	"github.com/hitzhangjie/gounwind/pkg/memory"
)

func TestLEB128RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, 127, 128, 1 << 40, -(1 << 40)} {
		var buf bytes.Buffer
		EncodeSLEB128(&buf, v)
		c := NewCursor(memory.NewBuffer(buf.Bytes()), 8)
		got, err := c.SLEB128()
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, uint64(buf.Len()), c.Pos())
	}

	for _, v := range []uint64{0, 1, 127, 128, 624485, 1<<64 - 1} {
		var buf bytes.Buffer
		EncodeULEB128(&buf, v)
		c := NewCursor(memory.NewBuffer(buf.Bytes()), 8)
		got, err := c.ULEB128()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestSLEB128Bytes(t *testing.T) {
	c := NewCursor(memory.NewBuffer([]byte{0x7c, 0x7f, 0x80, 0x7f}), 8)

	v, err := c.SLEB128()
	require.NoError(t, err)
	assert.Equal(t, int64(-4), v)

	v, err = c.SLEB128()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	v, err = c.SLEB128()
	require.NoError(t, err)
	assert.Equal(t, int64(-128), v)
}

func TestShortRead(t *testing.T) {
	c := NewCursor(memory.NewBuffer([]byte{1, 2, 3}), 8)
	c.SetPos(1)

	_, err := c.U32()
	require.Error(t, err)
	assert.True(t, errors.Is(err, dwarf.ErrMemoryInvalid))
	assert.Equal(t, uint64(3), err.(*dwarf.Error).Address)

	c.SetPos(0)
	_, err = c.ULEB128()
	require.NoError(t, err)

	c = NewCursor(memory.NewBuffer([]byte{0x80, 0x80}), 8)
	_, err = c.ULEB128()
	assert.True(t, errors.Is(err, dwarf.ErrMemoryInvalid))
}

func TestCString(t *testing.T) {
	c := NewCursor(memory.NewBuffer([]byte("zR\x00x")), 8)
	s, err := c.CString()
	require.NoError(t, err)
	assert.Equal(t, "zR", s)
	assert.Equal(t, uint64(3), c.Pos())

	_, err = c.CString()
	assert.Error(t, err)
}

func TestEncoded(t *testing.T) {
	mem := memory.NewFake()
	mem.SetData32(0x100, 0xfffffff0)
	mem.SetData64(0x108, 0x1122334455667788)

	tests := []struct {
		name  string
		enc   uint8
		pos   uint64
		setup func(c *Cursor)
		want  uint64
		end   uint64
		err   error
	}{
		{name: "udata4", enc: PEUdata4, pos: 0x100, want: 0xfffffff0, end: 0x104},
		{name: "sdata4", enc: PESdata4, pos: 0x100, want: 0xfffffffffffffff0, end: 0x104},
		{name: "absptr", enc: PEAbsptr, pos: 0x108, want: 0x1122334455667788, end: 0x110},
		{name: "aligned", enc: PEAligned, pos: 0x101, want: 0x1122334455667788, end: 0x110},
		{name: "omit", enc: PEOmit, pos: 0x100, want: 0, end: 0x100},
		{
			name: "pcrel", enc: PEPcrel | PESdata4, pos: 0x100,
			setup: func(c *Cursor) { c.SetPCRelBias(0x1000) },
			want:  0x1100 - 0x10, end: 0x104,
		},
		{
			name: "datarel", enc: PEDatarel | PEUdata4, pos: 0x100,
			setup: func(c *Cursor) { c.SetDataBase(0x10) },
			want:  0x100000000, end: 0x104,
		},
		{
			name: "funcrel", enc: PEFuncrel | PEUdata2, pos: 0x100,
			setup: func(c *Cursor) { c.SetFuncBase(0x4000) },
			want:  0x4000 + 0xfff0, end: 0x102,
		},
		{name: "datarel without base", enc: PEDatarel | PEUdata4, pos: 0x100, err: dwarf.ErrIllegalValue},
		{
			name: "textrel", enc: PETextrel | PEUdata2, pos: 0x100,
			setup: func(c *Cursor) { c.SetTextBase(0x100000) },
			want:  0x10fff0, end: 0x102,
		},
		{name: "textrel without base", enc: PETextrel | PEUdata4, pos: 0x100, err: dwarf.ErrIllegalValue},
		{name: "pcrel without base", enc: PEPcrel | PEUdata4, pos: 0x100, err: dwarf.ErrIllegalValue},
		{name: "bad format", enc: 0x05, pos: 0x100, err: dwarf.ErrIllegalValue},
		{name: "bad application", enc: 0x60 | PEUdata4, pos: 0x100, err: dwarf.ErrIllegalValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCursor(mem, 8)
			c.SetPos(tt.pos)
			if tt.setup != nil {
				tt.setup(c)
			}
			v, err := c.Encoded(tt.enc)
			if tt.err != nil {
				assert.True(t, errors.Is(err, tt.err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.end, c.Pos())
		})
	}
}

func TestEncodedTruncatesTo32Bit(t *testing.T) {
	mem := memory.NewFake()
	mem.SetData32(0x10, 0xfffffff0)

	c := NewCursor(mem, 4)
	c.SetPos(0x10)
	c.SetPCRelBias(0)
	v, err := c.Encoded(PEPcrel | PESdata4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0), v)
}

package regs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/gounwind/pkg/memory"
)

func TestArchLayout(t *testing.T) {
	tests := []struct {
		arch  Arch
		total int
		word  int
		pc    string
		sp    string
	}{
		{ArchARM, 16, 4, "pc", "sp"},
		{ArchARM64, 33, 8, "pc", "sp"},
		{ArchX86, 9, 4, "eip", "esp"},
		{ArchX86_64, 17, 8, "rip", "rsp"},
	}
	for _, tt := range tests {
		t.Run(tt.arch.String(), func(t *testing.T) {
			r := New(tt.arch)
			assert.Equal(t, tt.total, r.Total())
			assert.Equal(t, tt.word, tt.arch.WordSize())
			assert.Equal(t, tt.pc, tt.arch.RegName(tt.arch.PCReg()))
			assert.Equal(t, tt.sp, tt.arch.RegName(tt.arch.SPReg()))
		})
	}
}

func TestRegNum(t *testing.T) {
	n, ok := ArchX86_64.RegNum("rbp")
	require.True(t, ok)
	assert.Equal(t, "rbp", ArchX86_64.RegName(n))

	n, ok = ArchX86.RegNum("pc")
	require.True(t, ok)
	assert.Equal(t, ArchX86.PCReg(), n)

	n, ok = ArchARM64.RegNum("sp")
	require.True(t, ok)
	assert.Equal(t, ARM64_SP, n)

	_, ok = ArchARM.RegNum("xmm0")
	assert.False(t, ok)
}

func TestParseArch(t *testing.T) {
	a, err := ParseArch("aarch64")
	require.NoError(t, err)
	assert.Equal(t, ArchARM64, a)

	_, err = ParseArch("mips")
	assert.Error(t, err)
}

func TestSetTruncates(t *testing.T) {
	r := New(ArchARM)
	r.Set(0, 0x1_2345_6789)
	assert.Equal(t, uint64(0x23456789), r.Get(0))

	r.Set(100, 1)
	assert.Equal(t, uint64(0), r.Get(100))

	r64 := New(ArchX86_64)
	r64.SetPC(0xffff_ffff_ffff_0000)
	assert.Equal(t, uint64(0xffff_ffff_ffff_0000), r64.PC())
	assert.Equal(t, uint64(0xffff_ffff_ffff_0000), r64.Get(X86_64_RIP))
}

func TestUnknownArch(t *testing.T) {
	r := New(ArchUnknown)
	assert.Zero(t, r.Total())
	assert.NotPanics(t, func() {
		r.SetPC(0x1000)
		r.SetSP(0x2000)
		assert.Zero(t, r.PC())
		assert.Zero(t, r.SP())
		assert.False(t, r.SetPcFromReturnAddress(memory.NewFake()))
	})
}

func TestClone(t *testing.T) {
	r := New(ArchARM64)
	r.SetPC(0x1000)
	r.SetDexPC(0x20)

	c := r.Clone()
	c.SetPC(0x2000)
	assert.Equal(t, uint64(0x1000), r.PC())
	assert.Equal(t, uint64(0x2000), c.PC())
	assert.Equal(t, uint64(0x20), c.DexPC())
}

func TestForEach(t *testing.T) {
	r := New(ArchX86)
	r.Set(X86_EBP, 0x55)

	got := map[string]uint64{}
	r.ForEach(func(name string, v uint64) { got[name] = v })
	assert.Len(t, got, 9)
	assert.Equal(t, uint64(0x55), got["ebp"])
}

func TestSetPcFromReturnAddressLinkRegister(t *testing.T) {
	r := New(ArchARM)
	r.SetPC(0x1000)
	r.Set(ARM_LR, 0x2000)
	require.True(t, r.SetPcFromReturnAddress(nil))
	assert.Equal(t, uint64(0x2000), r.PC())

	// lr equals pc
	assert.False(t, r.SetPcFromReturnAddress(nil))
}

func TestSetPcFromReturnAddressStack(t *testing.T) {
	mem := memory.NewFake()
	r := New(ArchX86_64)
	r.SetPC(0x1000)
	r.SetSP(0x8000)

	assert.False(t, r.SetPcFromReturnAddress(mem))

	mem.SetData64(0x8000, 0x3000)
	require.True(t, r.SetPcFromReturnAddress(mem))
	assert.Equal(t, uint64(0x3000), r.PC())
	assert.Equal(t, uint64(0x8008), r.SP())

	mem.SetData64(0x8008, 0x3000)
	assert.False(t, r.SetPcFromReturnAddress(mem))
}

func TestStepIfSignalHandlerX86_64(t *testing.T) {
	image := memory.NewFake()
	process := memory.NewFake()

	r := New(ArchX86_64)
	r.SetSP(0x10000)
	r.SetPC(0x500)

	assert.False(t, r.StepIfSignalHandler(0x100, image, process))

	image.SetData64(0x100, 0x0f0000000fc0c748)
	image.SetData8(0x108, 0x05)

	// no readable ucontext
	assert.False(t, r.StepIfSignalHandler(0x100, image, process))

	base := uint64(0x10000 + 0x28)
	for i := range x86_64Mcontext {
		process.SetData64(base+uint64(i*8), uint64(0x100+i))
	}
	require.True(t, r.StepIfSignalHandler(0x100, image, process))
	assert.Equal(t, uint64(0x100), r.Get(X86_64_R8))
	assert.Equal(t, uint64(0x108), r.Get(X86_64_RDI))
	assert.Equal(t, uint64(0x10f), r.SP())
	assert.Equal(t, uint64(0x110), r.PC())
}

func TestStepIfSignalHandlerARM64(t *testing.T) {
	image := memory.NewFake()
	process := memory.NewFake()

	r := New(ArchARM64)
	r.SetSP(0x20000)

	image.SetData64(0x40, 0xd4000001d2801168)
	base := uint64(0x20000 + 0x80 + 0xb0 + 0x08)
	for i := 0; i < 33; i++ {
		process.SetData64(base+uint64(i*8), uint64(0x1000+i))
	}

	assert.False(t, r.StepIfSignalHandler(0x48, image, process))
	require.True(t, r.StepIfSignalHandler(0x40, image, process))
	assert.Equal(t, uint64(0x1000), r.Get(0))
	assert.Equal(t, uint64(0x1000+30), r.Get(ARM64_LR))
	assert.Equal(t, uint64(0x1000+31), r.SP())
	assert.Equal(t, uint64(0x1000+32), r.PC())
}

func TestStepIfSignalHandlerARM(t *testing.T) {
	image := memory.NewFake()
	process := memory.NewFake()

	r := New(ArchARM)
	r.SetSP(0x4000)

	image.SetData32(0x10, 0xe3a07077)
	process.SetData32(0x4000, 0x5ac3c35a)
	base := uint64(0x4000 + 0x14 + 0xc)
	for i := 0; i < 16; i++ {
		process.SetData32(base+uint64(i*4), uint32(0x200+i))
	}

	require.True(t, r.StepIfSignalHandler(0x10, image, process))
	assert.Equal(t, uint64(0x20d), r.SP())
	assert.Equal(t, uint64(0x20f), r.PC())
}

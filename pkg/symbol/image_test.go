package symbol

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"os"
	"reflect"
	"runtime"
	"strings"
	"testing"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitzhangjie/gounwind/pkg/dwarf/frame"
	"github.com/hitzhangjie/gounwind/pkg/errcode"
	"github.com/hitzhangjie/gounwind/pkg/maps"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// ehFrame is a CIE (cfa = rsp+8, ra at cfa-8) and an FDE covering
// [0x1000, 0x1100) when the section is at 0x2000.
var ehFrame = []byte{
	// CIE: length, id, version, "zR"
	0x14, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
	0x01, 'z', 'R', 0x00,
	// code alignment 1, data alignment -8, ra 16, pcrel|sdata4
	0x01, 0x78, 0x10, 0x01, 0x1b,
	// def_cfa rsp+8, offset rip cfa-8, nop nop
	0x0c, 0x07, 0x08, 0x90, 0x01, 0x00, 0x00,
	// FDE: length, cie pointer, pc begin 0x1000-0x2020, pc range 0x100
	0x10, 0x00, 0x00, 0x00,
	0x1c, 0x00, 0x00, 0x00,
	0xe0, 0xef, 0xff, 0xff,
	0x00, 0x01, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

func newTestImage(t *testing.T, arch regs.Arch, funcs ...*Function) *Image {
	names, err := lru.New[uint64, nameEntry](16)
	require.NoError(t, err)
	img := &Image{
		name:  "test",
		arch:  arch,
		mem:   memory.NewRanges(),
		names: names,
		funcs: funcs,
		log:   logrus.WithField("image", "test"),
	}
	img.symOnce.Do(func() {})
	return img
}

func withEhFrame(t *testing.T, img *Image) *Image {
	s := frame.NewSection(frame.EhFrame, memory.NewBuffer(ehFrame), img.arch)
	require.NoError(t, s.Init(0, uint64(len(ehFrame)), 0x2000))
	img.ehFrame = s
	return img
}

func TestImageStep(t *testing.T) {
	img := withEhFrame(t, newTestImage(t, regs.ArchX86_64))
	require.True(t, img.Valid())

	mem := memory.NewFake()
	mem.SetData64(0x8000, 0x4444)

	r := regs.New(regs.ArchX86_64)
	r.SetPC(0x1010)
	r.SetSP(0x8000)

	finished, err := img.Step(0x1010, r, mem)
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, uint64(0x4444), r.PC())
	assert.Equal(t, uint64(0x8008), r.SP())
	assert.Equal(t, uint64(1), img.Stats().Steps)
}

func TestWriteStats(t *testing.T) {
	img := withEhFrame(t, newTestImage(t, regs.ArchX86_64))
	mem := memory.NewFake()
	mem.SetData64(0x8000, 0x4444)
	r := regs.New(regs.ArchX86_64)
	r.SetPC(0x1010)
	r.SetSP(0x8000)
	_, err := img.Step(0x1010, r, mem)
	require.NoError(t, err)
	img.FunctionName(0x1010)

	var buf bytes.Buffer
	img.WriteStats(&buf)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "test: steps 1, names 0/1", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "  .eh_frame: cie "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], ", table 0/1"), lines[1])
}

func TestImageStepNoUnwindInfo(t *testing.T) {
	img := withEhFrame(t, newTestImage(t, regs.ArchX86_64))

	r := regs.New(regs.ArchX86_64)
	_, err := img.Step(0x5000, r, memory.NewFake())
	assert.True(t, errors.Is(err, errcode.New(errcode.UnwindInfo)))

	empty := newTestImage(t, regs.ArchX86_64)
	assert.False(t, empty.Valid())
	_, err = empty.Step(0x1010, r, memory.NewFake())
	assert.True(t, errors.Is(err, errcode.New(errcode.UnwindInfo)))
}

func TestFunctionName(t *testing.T) {
	img := newTestImage(t, regs.ArchX86_64,
		&Function{name: "outer", lowpc: 0x1000, highpc: 0x1100},
		&Function{name: "inner", lowpc: 0x1010, highpc: 0x1020},
		&Function{name: "next", lowpc: 0x1100, highpc: 0x1200},
	)

	tests := []struct {
		pc     uint64
		name   string
		offset uint64
		ok     bool
	}{
		{0x0fff, "", 0, false},
		{0x1000, "outer", 0, true},
		{0x1014, "inner", 4, true},
		{0x1030, "outer", 0x30, true},
		{0x1100, "next", 0, true},
		{0x1200, "", 0, false},
	}
	for _, tt := range tests {
		name, offset, ok := img.FunctionName(tt.pc)
		assert.Equal(t, tt.ok, ok, "%#x", tt.pc)
		assert.Equal(t, tt.name, name, "%#x", tt.pc)
		assert.Equal(t, tt.offset, offset, "%#x", tt.pc)
	}

	// second lookup is served from the cache
	img.FunctionName(0x1014)
	st := img.Stats()
	assert.Equal(t, uint64(1), st.NameHits)
	assert.Equal(t, uint64(len(tests)), st.NameMisses)
}

func TestParseSubprogram(t *testing.T) {
	entry := &dwarf.Entry{
		Tag: dwarf.TagSubprogram,
		Field: []dwarf.Field{
			{Attr: dwarf.AttrName, Val: "main.main", Class: dwarf.ClassString},
			{Attr: dwarf.AttrLowpc, Val: uint64(0x401000), Class: dwarf.ClassAddress},
			{Attr: dwarf.AttrHighpc, Val: int64(0x40), Class: dwarf.ClassConstant},
		},
	}
	fn := &Function{}
	require.True(t, fn.parseFrom(entry))
	assert.Equal(t, "main.main", fn.Name())
	assert.Equal(t, uint64(0x401000), fn.Entry())
	assert.True(t, fn.contains(0x40103f))
	assert.False(t, fn.contains(0x401040))

	entry.Field[2] = dwarf.Field{Attr: dwarf.AttrHighpc, Val: uint64(0x401080), Class: dwarf.ClassAddress}
	fn = &Function{}
	require.True(t, fn.parseFrom(entry))
	assert.True(t, fn.contains(0x40107f))

	// declarations have no range
	fn = &Function{}
	assert.False(t, fn.parseFrom(&dwarf.Entry{Field: entry.Field[:1]}))
}

func TestMachineArch(t *testing.T) {
	tests := map[elf.Machine]regs.Arch{
		elf.EM_ARM:     regs.ArchARM,
		elf.EM_AARCH64: regs.ArchARM64,
		elf.EM_386:     regs.ArchX86,
		elf.EM_X86_64:  regs.ArchX86_64,
	}
	for m, want := range tests {
		got, err := machineArch(m)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := machineArch(elf.EM_MIPS)
	assert.Error(t, err)
}

func TestNewImageRejectsGarbage(t *testing.T) {
	_, err := NewImage("garbage", []byte("not an elf file"))
	assert.Error(t, err)

	_, err = Open("/nonexistent/libfoo.so")
	assert.Error(t, err)
}

func TestLoaderSharesImages(t *testing.T) {
	l, err := NewLoader(4)
	require.NoError(t, err)
	opened := 0
	l.open = func(path string) (*Image, error) {
		opened++
		return newTestImage(t, regs.ArchX86_64), nil
	}

	text := maps.NewMapInfo(0x1000, 0x2000, 0x1000, maps.FlagRead|maps.FlagExec, "/lib/libfoo.so")
	data := maps.NewMapInfo(0x2000, 0x3000, 0x2000, maps.FlagRead, "/lib/libfoo.so")
	a, err := l.Load(text)
	require.NoError(t, err)
	b, err := l.Load(data)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, opened)

	_, err = l.Load(maps.NewMapInfo(0x3000, 0x4000, 0, maps.FlagRead, "[stack]"))
	assert.Error(t, err)
	_, err = l.Load(maps.NewMapInfo(0x3000, 0x4000, 0, maps.FlagRead, ""))
	assert.Error(t, err)
}

func symbolTestTarget() int { return 42 }

// TestOpenSelf loads the test binary and resolves one of its functions.
func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs /proc")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	l, err := NewLoader(4)
	require.NoError(t, err)
	ms, err := maps.ReadProcMaps(os.Getpid(), l.Load)
	require.NoError(t, err)

	pc := uint64(reflect.ValueOf(symbolTestTarget).Pointer())
	info := ms.Find(pc)
	require.NotNil(t, info)
	require.Equal(t, exe, info.Name)

	obj, err := info.Object()
	require.NoError(t, err)
	img := obj.(*Image)
	if len(img.Functions()) == 0 {
		t.Skip("binary is stripped")
	}

	relPC := pc - info.Start + info.Offset + img.LoadBias()
	name, offset, ok := img.FunctionName(relPC)
	require.True(t, ok)
	assert.Equal(t, "github.com/hitzhangjie/gounwind/pkg/symbol.symbolTestTarget", name)
	assert.Zero(t, offset)
}

package maps

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
)

const procMaps = `
1000-8000 r-xp 00000000 00:00 0   /system/lib/libc.so
10000-12000 rw-p 00001000 00:00 0
a0000-a1000 r--p 00000000 00:00 0   /dev/binder
20000-22000 r-xp 00010000 00:00 0   /data/app/base.apk
7ffd0000-7ffd2000 rw-p 00000000 00:00 0   /tmp/with space/lib.so
`

type stubObject struct {
	bias uint64
}

func (o *stubObject) Valid() bool { return true }
func (o *stubObject) LoadBias() uint64 { return o.bias }
func (o *stubObject) Memory() memory.Memory { return nil }
func (o *stubObject) FunctionName(uint64) (string, uint64, bool) {
	return "", 0, false
}
func (o *stubObject) Step(uint64, *regs.Regs, memory.Memory) (bool, error) {
	return true, nil
}
func (o *stubObject) StepIfSignalHandler(uint64, *regs.Regs, memory.Memory) bool {
	return false
}

func TestParse(t *testing.T) {
	ms, err := Parse(strings.NewReader(procMaps), nil)
	require.NoError(t, err)
	require.Equal(t, 5, ms.Len())

	libc := ms.Get(0)
	assert.Equal(t, uint64(0x1000), libc.Start)
	assert.Equal(t, uint64(0x8000), libc.End)
	assert.Equal(t, FlagRead|FlagExec, libc.Flags)
	assert.Equal(t, "/system/lib/libc.so", libc.Name)
	assert.Equal(t, "libc.so", libc.BaseName())
	assert.Equal(t, "so", libc.Suffix())

	anon := ms.Get(1)
	assert.Equal(t, "", anon.Name)
	assert.Equal(t, uint64(0x1000), anon.Offset)
	assert.Equal(t, "", anon.Suffix())

	apk := ms.Get(2)
	assert.Equal(t, uint64(0x20000), apk.Start)
	assert.Equal(t, "apk", apk.Suffix())

	binder := ms.Get(3)
	assert.NotZero(t, binder.Flags&FlagDeviceMap)

	assert.Equal(t, "/tmp/with space/lib.so", ms.Get(4).Name)
}

func TestParseErrors(t *testing.T) {
	tests := []string{
		"1000 r-xp 0 00:00 0",
		"zz-8000 r-xp 0 00:00 0",
		"1000-zz r-xp 0 00:00 0",
		"8000-1000 r-xp 0 00:00 0",
		"1000-8000 r 0 00:00 0",
		"1000-8000 r-xp zz 00:00 0",
	}
	for _, line := range tests {
		_, err := Parse(strings.NewReader(line), nil)
		assert.Error(t, err, line)
	}
}

func TestFind(t *testing.T) {
	ms := New(nil)
	ms.Add(NewMapInfo(0x5000, 0x6000, 0, FlagRead, "b"))
	ms.Add(NewMapInfo(0x1000, 0x2000, 0, FlagRead, "a"))
	ms.Sort()

	tests := []struct {
		pc   uint64
		want string
	}{
		{0x0fff, ""},
		{0x1000, "a"},
		{0x1fff, "a"},
		{0x2000, ""},
		{0x5800, "b"},
		{0x6000, ""},
	}
	for _, tt := range tests {
		info := ms.Find(tt.pc)
		if tt.want == "" {
			assert.Nil(t, info, "%#x", tt.pc)
			continue
		}
		require.NotNil(t, info, "%#x", tt.pc)
		assert.Equal(t, tt.want, info.Name)
	}
}

func TestObjectLoadedOnce(t *testing.T) {
	calls := 0
	ms := New(func(info *MapInfo) (Object, error) {
		calls++
		return &stubObject{bias: 0x100}, nil
	})
	info := NewMapInfo(0x1000, 0x2000, 0, FlagRead|FlagExec, "libfoo.so")
	ms.Add(info)

	for i := 0; i < 3; i++ {
		obj, err := info.Object()
		require.NoError(t, err)
		assert.NotNil(t, obj)
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(0x100), info.LoadBias())
}

func TestObjectLoadFailureKept(t *testing.T) {
	calls := 0
	loadErr := errors.New("not an elf")
	ms := New(func(info *MapInfo) (Object, error) {
		calls++
		return nil, loadErr
	})
	info := NewMapInfo(0x1000, 0x2000, 0, FlagRead, "junk")
	ms.Add(info)

	_, err := info.Object()
	assert.Equal(t, loadErr, err)
	_, err = info.Object()
	assert.Equal(t, loadErr, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, info.LoadBias())
	_, ok := info.Loaded()
	assert.False(t, ok)
}

func TestConcurrentObjectLoad(t *testing.T) {
	var calls atomic.Int32
	ms := New(func(info *MapInfo) (Object, error) {
		calls.Inc()
		return &stubObject{bias: 0x1000}, nil
	})
	info := NewMapInfo(0x1000, 0x2000, 0, FlagRead|FlagExec, "/system/lib/libc.so")
	ms.Add(info)
	_, ok := info.Loaded()
	assert.False(t, ok)

	const n = 16
	var (
		wg   sync.WaitGroup
		objs [n]Object
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			objs[i], _ = info.Object()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, objs[0])
	for i := 1; i < n; i++ {
		assert.Same(t, objs[0], objs[i])
	}
	assert.Equal(t, uint64(0x1000), info.LoadBias())
	loaded, ok := info.Loaded()
	assert.True(t, ok)
	assert.Same(t, objs[0], loaded)
}

func TestDeviceMapNotLoaded(t *testing.T) {
	ms := New(func(info *MapInfo) (Object, error) {
		t.Fatal("loader called for a device map")
		return nil, nil
	})
	info := NewMapInfo(0x1000, 0x2000, 0, FlagRead|FlagDeviceMap, "/dev/mali")
	ms.Add(info)

	_, err := info.Object()
	assert.Error(t, err)
}

func TestSetObject(t *testing.T) {
	info := NewMapInfo(0x1000, 0x2000, 0, FlagRead, "fake")
	obj := &stubObject{bias: 0x2000}
	info.SetObject(obj)

	got, err := info.Object()
	require.NoError(t, err)
	assert.Same(t, obj, got)
	assert.Equal(t, "0000000000001000-0000000000002000 r-- 00000000 fake", info.String())
}

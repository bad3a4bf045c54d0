package target

import (
	"os"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/hitzhangjie/gounwind/pkg/memory"
)

// reading our own memory needs no ptrace attach
func TestProcessMemorySelf(t *testing.T) {
	buf := []byte("hello, unwinder")
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))

	p := &Process{Pid: os.Getpid()}
	p.mem = memory.NewCache(&processMemory{p: p})

	dst := make([]byte, len(buf))
	n := p.readMemoryDirect(addr, dst)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, buf, dst)

	// small reads go through the page cache
	small := make([]byte, 5)
	assert.Equal(t, 5, p.ReadMemory(addr, small))
	assert.Equal(t, "hello", string(small))
}

package target

import (
	"golang.org/x/sys/unix"
)

// processMemory reads the memory of a traced process. process_vm_readv is
// tried first, it needs no round trip to the tracer thread; ptrace peeks
// are the fallback for pages it refuses.
type processMemory struct {
	p *Process
}

func (m *processMemory) Read(addr uint64, dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	if n := m.readv(addr, dst); n == len(dst) {
		return n
	}

	var n int
	m.p.ExecPtrace(func() {
		// PtracePeekText 与 PtracePeekData 效果相同
		n, _ = unix.PtracePeekData(m.p.Pid, uintptr(addr), dst)
	})
	if n < 0 {
		return 0
	}
	return n
}

func (m *processMemory) readv(addr uint64, dst []byte) int {
	local := []unix.Iovec{{Base: &dst[0]}}
	local[0].SetLen(len(dst))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(dst)}}

	n, err := unix.ProcessVMReadv(m.p.Pid, local, remote, 0)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ReadMemory 读取内存地址addr处的数据，并存储到buf中，函数返回实际读取的字节数
func (p *Process) ReadMemory(addr uint64, buf []byte) int {
	return p.mem.Read(addr, buf)
}

// readMemoryDirect bypasses the page cache.
func (p *Process) readMemoryDirect(addr uint64, buf []byte) int {
	return (&processMemory{p: p}).Read(addr, buf)
}

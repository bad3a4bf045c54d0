// Package target controls a traced process: it attaches with ptrace,
// reads memory and registers of its threads and unwinds their stacks.
package target

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gounwind/pkg/maps"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
	"github.com/hitzhangjie/gounwind/pkg/symbol"
)

// DBPProcess 当前被跟踪的进程
var DBPProcess *Process

// Process 被跟踪的进程
type Process struct {
	Pid     int
	Command string   // 进程名
	Args    []string // 进程启动参数
	Arch    regs.Arch

	mu      sync.Mutex
	threads map[int]*Thread // k=tid, v=thread
	maps    *maps.Maps
	loader  *symbol.Loader
	mem     *memory.Cache

	once       sync.Once
	ptraceMu   sync.Mutex  // 一次只有一个请求在途，done与请求一一对应
	ptraceCh   chan func() // ptrace请求统一发送到这里，由专门协程处理
	ptraceDone chan struct{}
	stopCh     chan struct{}

	log *logrus.Entry
}

// Attach traces every thread of process pid and stops them.
func Attach(pid int, loader *symbol.Loader) (*Process, error) {
	arch, err := regs.ParseArch(runtime.GOARCH)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Pid:        pid,
		Arch:       arch,
		threads:    map[int]*Thread{},
		loader:     loader,
		ptraceCh:   make(chan func()),
		ptraceDone: make(chan struct{}),
		stopCh:     make(chan struct{}),
		log:        logrus.WithField("pid", pid),
	}
	p.mem = memory.NewCache(&processMemory{p: p})

	if !checkPid(pid) {
		return nil, errors.Errorf("process %d not existed", pid)
	}

	// initialize the command and arguments for display
	if p.Command, err = readProcComm(pid); err != nil {
		return nil, err
	}
	if p.Args, err = readProcCommArgs(pid); err != nil {
		return nil, err
	}

	p.ExecPtrace(func() {
		// attach to every thread, and prepare to trace newly created ones
		err = p.updateThreadList()
	})
	if err != nil {
		_ = p.Detach()
		return nil, err
	}

	if err = p.ReloadMaps(); err != nil {
		_ = p.Detach()
		return nil, err
	}
	return p, nil
}

// ExecPtrace runs fn on the tracer thread. It is safe for concurrent use,
// but fn must not call ExecPtrace itself.
//
// all ptrace requests must come from the thread that attached, see
// https://github.com/golang/go/issues/7699
func (p *Process) ExecPtrace(fn func()) {
	p.once.Do(func() {
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				select {
				case reqFn := <-p.ptraceCh:
					reqFn()
					p.ptraceDone <- struct{}{}
				case <-p.stopCh:
					return
				}
			}
		}()
	})
	p.ptraceMu.Lock()
	defer p.ptraceMu.Unlock()
	p.ptraceCh <- fn
	<-p.ptraceDone
}

// StopPtrace stops the tracer thread. The process must be detached first.
func (p *Process) StopPtrace() {
	close(p.stopCh)
}

// Detach detaches every traced thread and resumes them.
func (p *Process) Detach() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for tid := range p.threads {
		var err error
		p.ExecPtrace(func() {
			err = unix.PtraceDetach(tid)
		})
		if err != nil {
			p.log.Warnf("thread %d detached error: %v", tid, err)
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "detach thread %d", tid)
			}
			continue
		}
		p.log.Debugf("thread %d detached", tid)
	}
	p.threads = map[int]*Thread{}
	p.mem.Clear()
	return firstErr
}

func (p *Process) loadThreadList() ([]int, error) {
	var threadIDs []int

	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", p.Pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return nil, err
		}
		threadIDs = append(threadIDs, tid)
	}
	sort.Ints(threadIDs)
	return threadIDs, nil
}

// updateThreadList attaches to threads not traced yet. It runs on the
// tracer thread.
func (p *Process) updateThreadList() error {
	tids, err := p.loadThreadList()
	if err != nil {
		return errors.Wrap(err, "load threads")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tid := range tids {
		if _, ok := p.threads[tid]; ok {
			continue
		}
		err = unix.PtraceAttach(tid)
		if err != nil && err != unix.EPERM {
			// Maybe we have traced tid via PTRACE_O_TRACECLONE.
			// If we try to attach to it again, it will fail.
			// We should ignore this kind of error.
			return errors.Wrapf(err, "attach thread %d", tid)
		}

		status, err := p.wait(tid, unix.WALL)
		if err != nil {
			return errors.Wrapf(err, "wait thread %d", tid)
		}
		if status == nil || status.Exited() {
			p.log.Debugf("thread %d already exited", tid)
			continue
		}

		if err = unix.PtraceSetOptions(tid, unix.PTRACE_O_TRACECLONE); err != nil {
			return errors.Wrapf(err, "set PTRACE_O_TRACECLONE on %d", tid)
		}

		p.threads[tid] = &Thread{Tid: tid, Status: *status, Process: p}
		p.log.Debugf("thread %d attached", tid)
	}
	return nil
}

// Threads returns the traced threads ordered by tid.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	ths := make([]*Thread, 0, len(p.threads))
	for _, th := range p.threads {
		ths = append(ths, th)
	}
	sort.Slice(ths, func(i, j int) bool { return ths[i].Tid < ths[j].Tid })
	return ths
}

// Thread returns the traced thread tid.
func (p *Process) Thread(tid int) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	th, ok := p.threads[tid]
	if !ok {
		return nil, errors.Errorf("thread %d not traced", tid)
	}
	return th, nil
}

// ReloadMaps reads the mappings of the process again. Images already
// opened by the loader are reused.
func (p *Process) ReloadMaps() error {
	ms, err := maps.ReadProcMaps(p.Pid, p.loader.Load)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.maps = ms
	p.mu.Unlock()
	return nil
}

// Maps returns the mappings of the process.
func (p *Process) Maps() *maps.Maps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maps
}

// Memory returns the memory of the process. Pages read are cached until
// the process is resumed.
func (p *Process) Memory() memory.Memory {
	return p.mem
}

// checkPid check whether pid is a running process.
//
// On Unix systems, os.FindProcess always succeeds and returns a Process for
// the given pid, regardless of whether the process exists.
func checkPid(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

func (p *Process) wait(pid, options int) (*unix.WaitStatus, error) {
	var s unix.WaitStatus
	if p.Pid != pid || options&unix.WNOHANG != 0 {
		_, err := unix.Wait4(pid, &s, unix.WALL|options, nil)
		return &s, err
	}
	// If we call wait4/waitpid on a thread that is the leader of its group,
	// while ptracing and the thread leader has exited leaving zombies of its
	// own then waitpid hangs forever. Therefore we call wait4 in a loop with
	// WNOHANG, sleeping a while between calls and exiting when either wait4
	// succeeds or we find out that the thread has become a zombie.
	for {
		wpid, err := unix.Wait4(pid, &s, unix.WNOHANG|unix.WALL|options, nil)
		if err != nil {
			return nil, err
		}
		if wpid != 0 {
			return &s, nil
		}
		if status(pid, p.Command) == statusZombie {
			return nil, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func status(pid int, comm string) rune {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return '\000'
	}
	defer f.Close()
	rd := bufio.NewReader(f)

	var (
		p     int
		state rune
	)

	// The second field of /proc/pid/stat is the name of the task in parenthesis.
	// Since both parenthesis and spaces can appear inside the name of the task
	// and no escaping happens we need to read the name of the executable first.
	_, _ = fmt.Fscanf(rd, "%d ("+comm+")  %c", &p, &state)
	return state
}

// Process statuses
const (
	statusSleeping  = 'S'
	statusRunning   = 'R'
	statusTraceStop = 't'
	statusZombie    = 'Z'
)

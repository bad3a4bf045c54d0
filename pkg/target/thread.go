package target

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hitzhangjie/gounwind/pkg/regs"
)

// Thread 线程信息
type Thread struct {
	Tid     int             // thread ID
	Status  unix.WaitStatus // wait status
	Process *Process        // process this thread belongs to
}

// Regs reads the registers of the stopped thread.
func (t *Thread) Regs() (*regs.Regs, error) {
	var (
		r   *regs.Regs
		err error
	)
	t.Process.ExecPtrace(func() {
		r, err = readRegs(t.Tid)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get regs of thread %d", t.Tid)
	}
	return r, nil
}

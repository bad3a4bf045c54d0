package target

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hitzhangjie/gounwind/pkg/unwind"
)

// BacktraceOptions configure the unwinds of a process.
type BacktraceOptions struct {
	MaxFrames     int
	SkipLibraries []string
	SkipSuffixes  []string
	ResolveNames  bool
}

// ThreadBacktrace is the unwind of one thread.
type ThreadBacktrace struct {
	Tid      int
	Unwinder *unwind.Unwinder
}

// Backtrace unwinds the stack of the stopped thread.
func (t *Thread) Backtrace(opts BacktraceOptions) (*unwind.Unwinder, error) {
	r, err := t.Regs()
	if err != nil {
		return nil, err
	}
	u := unwind.New(opts.MaxFrames, t.Process.Maps(), r, t.Process.Memory())
	u.SetResolveNames(opts.ResolveNames)
	u.Unwind(opts.SkipLibraries, opts.SkipSuffixes)
	return u, nil
}

// BacktraceAll unwinds every thread in parallel. The threads share the
// module caches of the process. The result is ordered by tid.
func (p *Process) BacktraceAll(ctx context.Context, opts BacktraceOptions) ([]ThreadBacktrace, error) {
	ths := p.Threads()
	out := make([]ThreadBacktrace, len(ths))

	g, ctx := errgroup.WithContext(ctx)
	for i, th := range ths {
		i, th := i, th
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			u, err := th.Backtrace(opts)
			if err != nil {
				return err
			}
			out[i] = ThreadBacktrace{Tid: th.Tid, Unwinder: u}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

package debug

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/unwind"
)

var backtraceCmd = &cobra.Command{
	Use:     "bt [tid|all]",
	Short:   "打印调用栈信息",
	Aliases: []string{"backtrace"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupStack,
	},
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession

		if len(args) == 1 && args[0] == "all" {
			bts, err := s.process.BacktraceAll(context.Background(), s.opts)
			if err != nil {
				return err
			}
			for _, bt := range bts {
				// keep the results, unless the registers were changed by setreg
				if _, ok := s.start[bt.Tid]; !ok {
					s.stack[bt.Tid] = bt.Unwinder
				}
			}
			for _, bt := range bts {
				u, _ := s.backtrace(bt.Tid)
				fmt.Printf("thread %d:\n", bt.Tid)
				printFrames(u, -1)
				fmt.Println()
			}
			return nil
		}

		tid := s.tid
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid tid: %s", args[0])
			}
			tid = v
		}
		u, err := s.backtrace(tid)
		if err != nil {
			return err
		}
		cur := -1
		if tid == s.tid {
			cur = s.frame
		}
		printFrames(u, cur)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(backtraceCmd)
}

// printFrames prints the frames of u, marking frame cur.
func printFrames(u *unwind.Unwinder, cur int) {
	for i := 0; i < u.NumFrames(); i++ {
		mark := " "
		if i == cur {
			mark = "*"
		}
		fmt.Printf("%s%s\n", mark, u.FormatFrame(i))
	}
	if err := u.LastError(); err != nil {
		fmt.Printf("  unwind stopped: %v\n", err)
	}
	if w := u.Warnings(); w != unwind.WarningNone {
		fmt.Printf("  warnings: %s\n", w)
	}
}

package debug

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "列出所有线程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession
		for _, th := range s.process.Threads() {
			mark := " "
			if th.Tid == s.tid {
				mark = "*"
			}
			r, err := s.regs(th.Tid)
			if err != nil {
				fmt.Printf("%s thread %d: %v\n", mark, th.Tid, err)
				continue
			}
			fmt.Printf("%s thread %d pc %#x sp %#x\n", mark, th.Tid, r.PC(), r.SP())
		}
		return nil
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <tid>",
	Short: "切换当前线程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupStack,
	},
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession
		tid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid tid: %s", args[0])
		}
		if _, err := s.process.Thread(tid); err != nil {
			return err
		}
		s.tid, s.frame = tid, 0
		fmt.Printf("switched to thread %d\n", tid)
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(threadsCmd)
	debugRootCmd.AddCommand(threadCmd)
}

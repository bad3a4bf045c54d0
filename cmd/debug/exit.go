package debug

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/target"
)

var exitCmd = &cobra.Command{
	Use:     "exit",
	Short:   "结束会话",
	Aliases: []string{"quit", "q"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupOthers,
	},
	Run: func(cmd *cobra.Command, args []string) {
		CurrentSession.Stop()
	},
}

func init() {
	debugRootCmd.AddCommand(exitCmd)
}

// Cleanup 清理会话，被跟踪进程是attach的，detach后让它继续运行
func Cleanup() {
	dbp := target.DBPProcess
	if dbp == nil {
		return
	}
	if err := dbp.Detach(); err != nil {
		fmt.Fprintf(os.Stderr, "detach tracee: %d, err: %v\n", dbp.Pid, err)
	} else {
		fmt.Fprintf(os.Stdout, "tracee detached, leave it running: %d\n", dbp.Pid)
	}
	dbp.StopPtrace()
	target.DBPProcess = nil
}

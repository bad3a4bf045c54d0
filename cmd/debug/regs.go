package debug

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var regsCmd = &cobra.Command{
	Use:   "regs",
	Short: "打印当前线程寄存器",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession
		r, err := s.regs(s.tid)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		r.ForEach(func(name string, v uint64) {
			fmt.Fprintf(tw, "%s\t%#x\t%d\n", name, v, v)
		})
		if dex := r.DexPC(); dex != 0 {
			fmt.Fprintf(tw, "dex_pc\t%#x\t%d\n", dex, dex)
		}
		return tw.Flush()
	},
}

func init() {
	debugRootCmd.AddCommand(regsCmd)
}

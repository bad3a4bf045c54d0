package debug

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "打印进程内存映射",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession
		reload, _ := cmd.Flags().GetBool("reload")
		// flags keep their values between commands of a session
		defer func() { _ = cmd.Flags().Set("reload", "false") }()
		if reload {
			if err := s.process.ReloadMaps(); err != nil {
				return err
			}
			// frames refer to the old mappings
			for tid := range s.stack {
				s.invalidate(tid)
			}
		}
		for _, info := range s.process.Maps().All() {
			fmt.Println(info)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(mapsCmd)
	mapsCmd.Flags().BoolP("reload", "r", false, "重新读取/proc/<pid>/maps")
}

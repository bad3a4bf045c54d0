package debug

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/maps"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "打印已加载模块的缓存统计",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		writeStats(os.Stdout, CurrentSession.process.Maps())
		return nil
	},
}

// writeStats prints the counters of every loaded object once, mappings of
// the same file share one object.
func writeStats(w io.Writer, ms *maps.Maps) {
	seen := map[maps.Object]bool{}
	for _, info := range ms.All() {
		obj, ok := info.Loaded()
		if !ok || seen[obj] {
			continue
		}
		seen[obj] = true
		if sw, ok := obj.(interface{ WriteStats(io.Writer) }); ok {
			sw.WriteStats(w)
		}
	}
}

func init() {
	debugRootCmd.AddCommand(statsCmd)
}

package debug

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/unwind"
)

var frameCmd = &cobra.Command{
	Use:     "frame [n]",
	Short:   "选择或查看当前栈帧",
	Aliases: []string{"f"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupStack,
	},
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := CurrentSession
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid frame number: %s", args[0])
			}
			u, err := s.backtrace(s.tid)
			if err != nil {
				return err
			}
			if n >= u.NumFrames() {
				return fmt.Errorf("frame %d not existed, thread %d has %d frames", n, s.tid, u.NumFrames())
			}
			s.frame = n
		}

		fr, err := s.currentFrame()
		if err != nil {
			return err
		}
		printFrame(fr, s.process.Arch.Is32Bit())
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(frameCmd)
}

func printFrame(fr *unwind.Frame, is32Bit bool) {
	fmt.Println(unwind.FormatFrame(fr, is32Bit))
	fmt.Printf("  pc:      %#x\n", fr.PC)
	fmt.Printf("  sp:      %#x\n", fr.SP)
	fmt.Printf("  rel_pc:  %#x\n", fr.RelPC)
	if fr.MapStart != fr.MapEnd {
		fmt.Printf("  map:     %#x-%#x %s %#x load_bias=%#x\n",
			fr.MapStart, fr.MapEnd, fr.MapFlags, fr.MapOffset, fr.MapLoadBias)
	}
}

package debug

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var disassCmd = &cobra.Command{
	Use:   "disass [address]",
	Short: "反汇编机器指令，默认从当前栈帧的pc开始",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupStack,
	},
	Aliases: []string{"dis", "disassemble"},
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			max, _    = cmd.Flags().GetUint64("max")
			syntax, _ = cmd.Flags().GetString("syntax")
			s         = CurrentSession
		)
		defer func() {
			_ = cmd.Flags().Set("max", "10")
			_ = cmd.Flags().Set("syntax", "gnu")
		}()

		var addr uint64
		if len(args) == 1 {
			v, err := strconv.ParseUint(args[0], 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address: %s", args[0])
			}
			addr = v
		} else {
			// frames above 0 point into the call instruction
			fr, err := s.currentFrame()
			if err != nil {
				return err
			}
			addr = fr.PC
		}

		return s.process.Disassemble(os.Stdout, addr, max, syntax)
	},
}

func init() {
	debugRootCmd.AddCommand(disassCmd)

	disassCmd.Flags().Uint64P("max", "n", 10, "反汇编指令数量")
	disassCmd.Flags().StringP("syntax", "s", "gnu", "反汇编指令语法，支持：go, gnu, intel")
}

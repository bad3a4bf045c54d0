package debug

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var setRegCmd = &cobra.Command{
	Use:   "setreg <reg> <value>",
	Short: "修改展开起始寄存器值，不写回线程",
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 检查参数数量
		if len(args) != 2 {
			return errors.New("usage: setreg <reg> <value>")
		}
		s := CurrentSession

		regName := strings.ToLower(args[0])
		valueStr := args[1]

		// 解析值参数
		value, err := strconv.ParseUint(valueStr, 0, 64)
		if err != nil {
			return fmt.Errorf("invalid value format: %s", valueStr)
		}

		r, err := s.regs(s.tid)
		if err != nil {
			return fmt.Errorf("failed to read registers: %v", err)
		}
		n, ok := r.Arch().RegNum(regName)
		if !ok {
			return fmt.Errorf("invalid register name: %s", regName)
		}
		old := r.Get(n)
		r.Set(n, value)

		// 下次bt时按新的寄存器重新展开
		s.invalidate(s.tid)
		s.frame = 0
		fmt.Printf("%s: %#x -> %#x\n", regName, old, r.Get(n))
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(setRegCmd)
}

package debug

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var examineCmd = &cobra.Command{
	Use:     "x <addr> [count]",
	Short:   "按字长查看内存",
	Aliases: []string{"examine"},
	Annotations: map[string]string{
		cmdGroupAnnotation: cmdGroupInfo,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 检查参数数量
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: x <addr> [count]")
		}
		s := CurrentSession

		// 解析地址参数
		addr, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid address format: %s", args[0])
		}
		count := uint64(8)
		if len(args) == 2 {
			if count, err = strconv.ParseUint(args[1], 0, 16); err != nil {
				return fmt.Errorf("invalid count: %s", args[1])
			}
		}

		word := uint64(s.process.Arch.WordSize())
		buf := make([]byte, count*word)
		n := s.process.ReadMemory(addr, buf)
		if n == 0 {
			return fmt.Errorf("failed to read memory at address %#x", addr)
		}

		for off := uint64(0); off+word <= uint64(n); off += word {
			var v uint64
			if word == 4 {
				v = uint64(binary.LittleEndian.Uint32(buf[off:]))
			} else {
				v = binary.LittleEndian.Uint64(buf[off:])
			}
			line := fmt.Sprintf("%#x: %#0*x", addr+off, int(word)*2+2, v)
			if name, base := s.process.Symbolize(v); name != "" {
				line += fmt.Sprintf("  <%s+%d>", name, v-base)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	debugRootCmd.AddCommand(examineCmd)
}

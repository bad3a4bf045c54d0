/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hitzhangjie/gounwind/pkg/dwarf/frame"
	"github.com/hitzhangjie/gounwind/pkg/ehabi"
	"github.com/hitzhangjie/gounwind/pkg/memory"
	"github.com/hitzhangjie/gounwind/pkg/regs"
	"github.com/hitzhangjie/gounwind/pkg/symbol"
)

// vsp starts at 0, pops beyond the end fail as on an unreadable stack
const offlineStackSize = 1 << 20

// cfiCmd represents the cfi command
var cfiCmd = &cobra.Command{
	Use:   "cfi <elf> <pc>",
	Short: "打印覆盖pc的unwind信息",
	Long: `打印ELF文件中覆盖pc的unwind信息，pc为ELF中的虚拟地址:
- .debug_frame/.eh_frame: CIE、FDE的指令及各行的寄存器规则
- .ARM.exidx: EHABI指令`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pc, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return errors.Errorf("invalid pc %s", args[1])
		}
		img, err := symbol.Open(args[0])
		if err != nil {
			return err
		}

		if name, offset, ok := img.FunctionName(pc); ok {
			fmt.Printf("%#x: %s+%d\n", pc, name, offset)
		}

		found := false
		for _, s := range []*frame.Section{img.DebugFrame(), img.EhFrame()} {
			if s == nil {
				continue
			}
			fde, err := s.FdeFromPC(pc)
			if err != nil {
				continue
			}
			found = true
			fmt.Printf("%s:\n", s.Kind())
			if err := s.Log(os.Stdout, 1, pc, fde); err != nil {
				return err
			}
		}
		if t := img.Exidx(); t != nil {
			ok, err := logExidx(t, img, pc)
			if err != nil {
				return err
			}
			found = found || ok
		}
		if !found {
			return errors.Errorf("%s: no unwind info for %#x", img.Name(), pc)
		}
		if stats, _ := cmd.Flags().GetBool("stats"); stats {
			img.WriteStats(os.Stdout)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cfiCmd)
	cfiCmd.Flags().BoolP("stats", "s", false, "打印CIE/FDE缓存统计")
}

func logExidx(t *ehabi.Table, img *symbol.Image, pc uint64) (bool, error) {
	offset, err := t.FindEntry(pc)
	if err == ehabi.ErrNoEntry {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// no stack to read from, pops load zeros
	stack := memory.NewOffline(0, make([]byte, offlineStackSize))
	d := ehabi.NewDecoder(img.Memory(), stack, regs.New(regs.ArchARM))
	d.SetLogging(true)
	fmt.Printf(".ARM.exidx:\n  entry %#x\n", offset)
	if err := d.ExtractEntryData(offset); err != nil {
		return true, err
	}
	if d.Status() == ehabi.StatusNoUnwind {
		fmt.Println("    cantunwind")
		return true, nil
	}
	fmt.Printf("    raw % x\n", d.Data())
	err = d.Eval()
	for _, line := range d.Log() {
		fmt.Printf("    %s\n", line)
	}
	return true, err
}
